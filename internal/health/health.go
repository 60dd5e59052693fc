// Package health exposes the node's liveness, readiness, and status over
// HTTP for the orchestration layer. Readiness tracks bus connectivity so
// rolling restarts never take traffic on a node that cannot fan out.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/nats-chat-gateway/internal/bus"
	"github.com/example/nats-chat-gateway/internal/registry"
)

// StatusResponse is the /status payload.
type StatusResponse struct {
	NodeID      string     `json:"nodeId"`
	Connections int        `json:"connections"`
	Bus         bus.Status `json:"bus"`
}

// Server serves the health endpoints.
type Server struct {
	nodeID string
	addr   string
	reg    *registry.Registry
	bus    bus.Bus
}

// New creates the health server for one node.
func New(nodeID, addr string, reg *registry.Registry, b bus.Bus) *Server {
	return &Server{nodeID: nodeID, addr: addr, reg: reg, bus: b}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.bus.Status().Connected {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			NodeID:      s.nodeID,
			Connections: s.reg.Len(),
			Bus:         s.bus.Status(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return r
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Health server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
