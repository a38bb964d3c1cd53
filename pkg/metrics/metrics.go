// Package metrics exposes Prometheus instrumentation for the pad server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry, so tests can create
// isolated instances without global registration conflicts.
type Metrics struct {
	registry *prometheus.Registry

	connectedSessions prometheus.Gauge
	documentBytes     prometheus.Gauge
	patchesTotal      *prometheus.CounterVec
	patchSeconds      prometheus.Histogram
	broadcastDrops    prometheus.Counter
	imagesTotal       *prometheus.CounterVec
	imageSeconds      prometheus.Histogram
	savesTotal        *prometheus.CounterVec
	saveSeconds       prometheus.Histogram
}

// New creates a registry with all pad collectors plus the standard Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		connectedSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "onepad_connected_sessions",
			Help: "Number of identified live sessions.",
		}),
		documentBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "onepad_document_bytes",
			Help: "Current document size in UTF-8 bytes.",
		}),
		patchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "onepad_patches_total",
				Help: "Patch submissions by outcome.",
			},
			[]string{"outcome"}, // "applied", "no_change", "failed", "rejected"
		),
		patchSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "onepad_patch_apply_seconds",
			Help:    "Duration of patch application against the document.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		broadcastDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "onepad_broadcast_drops_total",
			Help: "Connections force-closed because their outbound queue overflowed.",
		}),
		imagesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "onepad_images_total",
				Help: "Image upload submissions by outcome.",
			},
			[]string{"outcome"}, // "ok", "rejected", "error"
		),
		imageSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "onepad_image_process_seconds",
			Help:    "Duration of the image decode, resize, and re-encode pipeline.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}),
		savesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "onepad_saves_total",
				Help: "Document save attempts by outcome.",
			},
			[]string{"outcome"}, // "ok", "error"
		),
		saveSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "onepad_save_seconds",
			Help:    "Duration of document writes to disk.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetSessions tracks the number of identified live sessions. Takeovers and
// re-identifications shuffle connections without changing the count, so the
// gauge is set from the registry size rather than incremented.
func (m *Metrics) SetSessions(n int) {
	m.connectedSessions.Set(float64(n))
}

// SetDocumentBytes tracks the current document size.
func (m *Metrics) SetDocumentBytes(n int) {
	m.documentBytes.Set(float64(n))
}

// ObservePatch records one patch submission.
func (m *Metrics) ObservePatch(outcome string, d time.Duration) {
	m.patchesTotal.WithLabelValues(outcome).Inc()
	m.patchSeconds.Observe(d.Seconds())
}

// BroadcastDropped records a connection closed for lagging too far behind.
func (m *Metrics) BroadcastDropped() {
	m.broadcastDrops.Inc()
}

// ObserveImage records one image upload.
func (m *Metrics) ObserveImage(outcome string, d time.Duration) {
	m.imagesTotal.WithLabelValues(outcome).Inc()
	m.imageSeconds.Observe(d.Seconds())
}

// ObserveSave records one save attempt.
func (m *Metrics) ObserveSave(outcome string, d time.Duration) {
	m.savesTotal.WithLabelValues(outcome).Inc()
	m.saveSeconds.Observe(d.Seconds())
}
