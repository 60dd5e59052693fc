// Package gateway assembles the node: registry, presence directory, bus
// bridge, router, and heartbeat sweeper. The protocol layer attaches
// already-upgraded connections and forwards outbound sends; everything else
// happens here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/example/nats-chat-gateway/internal/bus"
	"github.com/example/nats-chat-gateway/internal/config"
	"github.com/example/nats-chat-gateway/internal/liveness"
	"github.com/example/nats-chat-gateway/internal/presence"
	"github.com/example/nats-chat-gateway/internal/registry"
	"github.com/example/nats-chat-gateway/internal/router"
	"github.com/example/nats-chat-gateway/internal/transport"
)

// Gateway is one node of the fanout layer.
type Gateway struct {
	cfg config.Config
	reg *registry.Registry
	dir presence.Directory
	bus bus.Bus
	rtr *router.Router
	swp *liveness.Sweeper

	mu          sync.Mutex
	unsubscribe bus.Unsubscribe
	sweepCancel context.CancelFunc
	started     bool
}

// New wires a gateway from its external collaborators.
func New(cfg config.Config, b bus.Bus, dir presence.Directory) *Gateway {
	reg := registry.New(0)
	if err := reg.RegisterMetrics(otel.Meter("gateway")); err != nil {
		slog.Warn("Failed to register connection gauge", "error", err)
	}

	g := &Gateway{
		cfg: cfg,
		reg: reg,
		dir: dir,
		bus: b,
	}
	g.rtr = router.New(router.Config{
		NodeID:          cfg.NodeID,
		SubjectPrefix:   cfg.Subject,
		Registry:        reg,
		Bus:             b,
		Directory:       dir,
		DedupWindow:     cfg.DedupWindow,
		DedupMaxEntries: cfg.DedupMaxEntries,
	})
	g.swp = liveness.New(reg, cfg.HeartbeatInterval, cfg.HeartbeatTimeout(), g.reap)
	return g
}

// Start subscribes to the bus and starts the heartbeat sweeper.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("gateway already started")
	}

	unsub, err := g.rtr.Start()
	if err != nil {
		return fmt.Errorf("subscribe fanout: %w", err)
	}
	g.unsubscribe = unsub

	sweepCtx, cancel := context.WithCancel(context.Background())
	g.sweepCancel = cancel
	go g.swp.Run(sweepCtx)

	g.started = true
	slog.Info("Gateway started",
		"node_id", g.cfg.NodeID,
		"subject", g.cfg.Subject,
		"heartbeat_interval", g.cfg.HeartbeatInterval,
		"heartbeat_timeout", g.cfg.HeartbeatTimeout())
	return nil
}

// Attach registers a session for userID over conn and announces its
// presence. The protocol layer mints sessionID before constructing the
// transport so the connection's hooks can reference it; when empty, a fresh
// id is generated. Reconnects always use a new id; if an id somehow repeats,
// the prior entry loses its slot and is closed.
func (g *Gateway) Attach(ctx context.Context, userID, sessionID string, conn transport.Conn) (*registry.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s := registry.NewSession(sessionID, userID, g.cfg.NodeID, conn)
	if prior := g.reg.Add(s); prior != nil {
		prior.Conn.Close()
	}

	if err := g.dir.Register(ctx, s.UserID, s.ID, s.NodeID, g.cfg.PresenceTTL); err != nil {
		// Advisory only: a failed register costs extra bus traffic, not
		// correctness.
		slog.WarnContext(ctx, "Presence register failed", "session_id", s.ID, "error", err)
	}

	slog.InfoContext(ctx, "Session attached",
		"session_id", s.ID, "user_id", userID, "connections", g.reg.Len())
	return s, nil
}

// Heartbeat records a liveness signal and refreshes the presence TTL. Wire
// it to the transport's pong hook.
func (g *Gateway) Heartbeat(ctx context.Context, sessionID string) {
	s, ok := g.reg.Get(sessionID)
	if !ok {
		return
	}
	s.Touch()
	if err := g.dir.Register(ctx, s.UserID, s.ID, s.NodeID, g.cfg.PresenceTTL); err != nil {
		slog.DebugContext(ctx, "Presence refresh failed", "session_id", s.ID, "error", err)
	}
}

// Detach removes a session on graceful disconnect, retracting presence
// explicitly instead of waiting out the TTL.
func (g *Gateway) Detach(ctx context.Context, sessionID string) {
	s := g.reg.Remove(sessionID)
	if s == nil {
		return
	}
	if err := g.dir.Unregister(ctx, s.UserID, s.ID); err != nil {
		slog.DebugContext(ctx, "Presence unregister failed", "session_id", s.ID, "error", err)
	}
	s.Conn.Close()
	slog.InfoContext(ctx, "Session detached",
		"session_id", s.ID, "user_id", s.UserID, "connections", g.reg.Len())
}

// Join adds a session to a room's local membership.
func (g *Gateway) Join(sessionID, room string) {
	g.reg.Join(sessionID, room)
}

// Leave removes a session from a room's local membership.
func (g *Gateway) Leave(sessionID, room string) {
	g.reg.Leave(sessionID, room)
}

// Send routes a locally-originated message: delivered to matching local
// sessions first, then fanned out to other nodes.
func (g *Gateway) Send(ctx context.Context, scope router.Scope, targetIDs []string, payload json.RawMessage, partitionKey string) error {
	env := router.NewEnvelope(scope, targetIDs, payload, g.cfg.NodeID, partitionKey)
	return g.rtr.Route(ctx, env)
}

// Registry exposes the local registry for the health surface.
func (g *Gateway) Registry() *registry.Registry {
	return g.reg
}

// Ready reports whether this node should receive traffic.
func (g *Gateway) Ready() bool {
	return g.bus.Status().Connected
}

// reap is the sweeper's callback for sessions that missed too many
// heartbeats. The client is expected to reconnect, to any node.
func (g *Gateway) reap(s *registry.Session) {
	g.reg.Remove(s.ID)
	if err := g.dir.Unregister(context.Background(), s.UserID, s.ID); err != nil {
		slog.Debug("Presence unregister failed during reap", "session_id", s.ID, "error", err)
	}
	s.Conn.Close()
}

// Shutdown drains the node: stop sweeping, unsubscribe from the bus, close
// every local session within the drain timeout, then release the bus and
// directory. Sessions not drained in time are force-closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.sweepCancel != nil {
		g.sweepCancel()
	}
	unsub := g.unsubscribe
	g.unsubscribe = nil
	g.started = false
	g.mu.Unlock()

	if unsub != nil {
		if err := unsub(); err != nil {
			slog.Warn("Fanout unsubscribe failed", "error", err)
		}
	}

	var sessions []*registry.Session
	g.reg.ForEach(func(s *registry.Session) {
		sessions = append(sessions, s)
	})
	slog.Info("Draining sessions", "count", len(sessions), "timeout", g.cfg.DrainTimeout)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *registry.Session) {
				defer wg.Done()
				g.Detach(context.Background(), s.ID)
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, g.cfg.DrainTimeout)
	defer cancel()
	select {
	case <-done:
	case <-drainCtx.Done():
		slog.Warn("Drain timeout, force-closing remaining sessions",
			"remaining", g.reg.Len())
		g.reg.ForEach(func(s *registry.Session) {
			g.reg.Remove(s.ID)
			s.Conn.Close()
		})
	}

	if err := g.dir.Close(); err != nil {
		slog.Warn("Presence directory close failed", "error", err)
	}
	if err := g.bus.Close(); err != nil {
		return fmt.Errorf("bus close: %w", err)
	}
	slog.Info("Gateway shutdown complete", "node_id", g.cfg.NodeID)
	return nil
}

// HeartbeatHandlers builds the transport hooks for a session so pongs and
// inbound frames count as liveness and closes detach cleanly.
func (g *Gateway) HeartbeatHandlers(sessionID string, onMessage func([]byte)) transport.Handlers {
	return transport.Handlers{
		OnMessage: func(data []byte) {
			g.Heartbeat(context.Background(), sessionID)
			if onMessage != nil {
				onMessage(data)
			}
		},
		OnPong: func() {
			g.Heartbeat(context.Background(), sessionID)
		},
		OnClose: func() {
			g.Detach(context.Background(), sessionID)
		},
	}
}

// PingLoop sends transport-level pings for a session at the heartbeat
// interval until the session is gone. Intended to run as one goroutine per
// websocket connection.
func (g *Gateway) PingLoop(s *registry.Session, pinger interface{ Ping() error }) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if _, ok := g.reg.Get(s.ID); !ok {
			return
		}
		if err := pinger.Ping(); err != nil {
			return
		}
	}
}
