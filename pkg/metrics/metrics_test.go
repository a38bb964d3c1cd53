package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaugesTrackSetValues(t *testing.T) {
	m := New()
	m.SetSessions(3)
	m.SetDocumentBytes(1024)

	expected := `
# HELP onepad_connected_sessions Number of identified live sessions.
# TYPE onepad_connected_sessions gauge
onepad_connected_sessions 3
# HELP onepad_document_bytes Current document size in UTF-8 bytes.
# TYPE onepad_document_bytes gauge
onepad_document_bytes 1024
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"onepad_connected_sessions", "onepad_document_bytes"))
}

func TestObservationsLandInCounters(t *testing.T) {
	m := New()
	m.ObservePatch("applied", 2*time.Millisecond)
	m.ObservePatch("rejected", time.Millisecond)
	m.ObserveImage("ok", time.Millisecond)
	m.ObserveSave("ok", time.Millisecond)
	m.BroadcastDropped()

	expected := `
# HELP onepad_patches_total Patch submissions by outcome.
# TYPE onepad_patches_total counter
onepad_patches_total{outcome="applied"} 1
onepad_patches_total{outcome="rejected"} 1
# HELP onepad_images_total Image upload submissions by outcome.
# TYPE onepad_images_total counter
onepad_images_total{outcome="ok"} 1
# HELP onepad_saves_total Document save attempts by outcome.
# TYPE onepad_saves_total counter
onepad_saves_total{outcome="ok"} 1
# HELP onepad_broadcast_drops_total Connections force-closed because their outbound queue overflowed.
# TYPE onepad_broadcast_drops_total counter
onepad_broadcast_drops_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"onepad_patches_total", "onepad_images_total", "onepad_saves_total",
		"onepad_broadcast_drops_total"))
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := New()
	b := New()
	a.SetSessions(7)

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "onepad_connected_sessions" {
			for _, metric := range f.GetMetric() {
				assert.Zero(t, metric.GetGauge().GetValue())
			}
		}
	}
}
