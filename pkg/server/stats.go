package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/onepad/onepad/pkg/archive"
	"github.com/onepad/onepad/pkg/document"
	"github.com/onepad/onepad/pkg/metrics"
)

// Stats is the payload of GET /stats on the metrics listener.
type Stats struct {
	StartTime     int64  `json:"start_time"` // Unix timestamp
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`       // Identified live sessions
	DocumentBytes int    `json:"document_bytes"` // Current document size
	Snapshots     int    `json:"snapshots"`      // Retained archive snapshots, 0 without an archive
	LastSavedAt   string `json:"last_saved_at,omitempty"`
}

// NewOpsHandler serves the operational endpoints: Prometheus metrics at
// /metrics and a JSON summary at /stats. These are bound to the metrics
// port, never the document front door.
func NewOpsHandler(m *metrics.Metrics, store *document.Store, registry *Registry, arch *archive.Archive) http.Handler {
	start := time.Now()

	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats := Stats{
			StartTime:     start.Unix(),
			UptimeSeconds: int64(time.Since(start).Seconds()),
			Sessions:      registry.Count(),
			DocumentBytes: len(store.Snapshot()),
		}

		if arch != nil {
			count, err := arch.Count()
			if err != nil {
				log.WithField("err", err).Warn("failed to count archive snapshots")
			}
			stats.Snapshots = count

			latest, err := arch.Latest()
			if err != nil {
				log.WithField("err", err).Warn("failed to read latest archive snapshot")
			} else if latest != nil {
				stats.LastSavedAt = latest.SavedAt.UTC().Format(time.RFC3339)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.WithField("err", err).Warn("failed to encode stats")
		}
	})
	return r
}
