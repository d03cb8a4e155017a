// Package diag serves the engine's diagnostics over HTTP: a JSON status
// snapshot and the Prometheus metrics endpoint.
package diag

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the status payload served at /api/status.
type Snapshot struct {
	Timestamp     int64               `json:"ts"`
	State         string              `json:"state"`
	EstimateBits  float64             `json:"estimateBits,omitempty"`
	EstimateKnown bool                `json:"estimateKnown"`
	Position      float64             `json:"position"`
	BufferGap     float64             `json:"bufferGap"`
	Stalled       bool                `json:"stalled"`
	Selections    map[string]Selected `json:"selections,omitempty"`
}

// Selected describes one track's current representation.
type Selected struct {
	ID      string `json:"id"`
	Bitrate int64  `json:"bitrate"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// Snapshotter produces the current engine status.
type Snapshotter func() Snapshot

// Server is the diagnostics HTTP server.
type Server struct {
	log  *slog.Logger
	addr string
	srv  *http.Server
}

// NewServer builds the server. gatherer backs /metrics; snapshot backs
// /api/status. If log is nil, slog.Default() is used.
func NewServer(addr string, gatherer prometheus.Gatherer, snapshot Snapshotter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "diag")

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/api/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := snapshot()
		snap.Timestamp = time.Now().UnixMilli()
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.Warn("status encode failed", "error", err)
		}
	})

	return &Server{
		log:  log,
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: r},
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("diagnostics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
