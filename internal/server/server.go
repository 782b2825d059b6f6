// Package server exposes the scheduler of a running ldapsync over HTTP.
package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/Checkmk/checkmk-sub025/internal/metrics"
	"github.com/Checkmk/checkmk-sub025/internal/scheduler"
)

// SubsystemHTTP is the log subsystem of the HTTP server.
const SubsystemHTTP = "http"

// Scheduler is the part of the scheduler served over HTTP.
type Scheduler interface {
	Status() []scheduler.Status
	Trigger(id string) error
}

// Router builds the HTTP routes:
//
//	GET  /healthz       liveness
//	GET  /metrics       Prometheus metrics
//	GET  /status        connection status as JSON
//	POST /sync/{id}     start a sync cycle of one connection
func Router(s Scheduler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})
	r.Post("/sync/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		err := s.Trigger(id)
		switch {
		case errors.Is(err, scheduler.ErrUnknownConnection):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			tflog.SubsystemInfo(req.Context(), SubsystemHTTP, "Sync triggered", map[string]interface{}{
				"connection": id,
				"request_id": chimiddleware.GetReqID(req.Context()),
			})
			writeJSON(w, http.StatusAccepted, map[string]string{"connection": id, "status": "triggered"})
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(data)
}
