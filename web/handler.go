// Package web is the HTTP surface: health, status, recent transcripts, and
// Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"earshot.dev/db"
	"earshot.dev/gateway"
)

// TranscriptSource reads back stored transcripts. Implemented by db.Store;
// nil disables the /transcripts endpoint.
type TranscriptSource interface {
	RecentTranscripts(ctx context.Context, limit int) ([]db.Transcript, error)
}

type Server struct {
	logger  *log.Logger
	manager *gateway.Manager
	source  TranscriptSource
	started time.Time
}

// NewRouter wires every route the process serves, the capture websocket
// included.
func NewRouter(manager *gateway.Manager, capture http.Handler, source TranscriptSource, logger *log.Logger) *mux.Router {
	s := &Server{
		logger:  logger,
		manager: manager,
		source:  source,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.Handle("/ws/session", capture)
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/transcripts", s.handleTranscripts).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"active_sessions": s.manager.ActiveCount(),
		"sessions":        s.manager.Status(),
	})
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		http.Error(w, "transcript storage not configured", http.StatusNotImplemented)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	transcripts, err := s.source.RecentTranscripts(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading transcripts", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if transcripts == nil {
		transcripts = []db.Transcript{}
	}
	s.writeJSON(w, map[string]any{"transcripts": transcripts})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}
