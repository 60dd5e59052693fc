// Package router decides, per envelope, between local delivery, bus fanout,
// or both. Correctness never depends on the presence directory: the baseline
// is fanout-then-filter, and presence only suppresses publishes that
// confidently reach nobody.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-gateway/internal/bus"
	"github.com/example/nats-chat-gateway/internal/presence"
	"github.com/example/nats-chat-gateway/internal/registry"
)

// Config wires the router's collaborators.
type Config struct {
	NodeID          string
	SubjectPrefix   string
	Registry        *registry.Registry
	Bus             bus.Bus
	Directory       presence.Directory
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Router routes envelopes for one node.
type Router struct {
	nodeID        string
	subjectPrefix string
	reg           *registry.Registry
	bus           bus.Bus
	dir           presence.Directory
	window        *dedupWindow

	deliveredLocal  metric.Int64Counter
	deliveredFanout metric.Int64Counter
	dedupDropped    metric.Int64Counter
	publishFailures metric.Int64Counter
}

// New creates a router. Directory may be presence.Noop{} to disable the
// publish short-circuit entirely.
func New(cfg Config) *Router {
	meter := otel.Meter("gateway")
	deliveredLocal, _ := meter.Int64Counter("gateway_delivered_local_total",
		metric.WithDescription("Deliveries to local sockets for locally-originated envelopes"))
	deliveredFanout, _ := meter.Int64Counter("gateway_delivered_fanout_total",
		metric.WithDescription("Deliveries to local sockets for bus-received envelopes"))
	dedupDropped, _ := meter.Int64Counter("gateway_dedup_dropped_total",
		metric.WithDescription("Envelopes dropped by the dedup window"))
	publishFailures, _ := meter.Int64Counter("gateway_bus_publish_failures_total",
		metric.WithDescription("Fanout publishes lost to bus unavailability"))

	return &Router{
		nodeID:          cfg.NodeID,
		subjectPrefix:   cfg.SubjectPrefix,
		reg:             cfg.Registry,
		bus:             cfg.Bus,
		dir:             cfg.Directory,
		window:          newDedupWindow(cfg.DedupWindow, cfg.DedupMaxEntries),
		deliveredLocal:  deliveredLocal,
		deliveredFanout: deliveredFanout,
		dedupDropped:    dedupDropped,
		publishFailures: publishFailures,
	}
}

// Start subscribes the router to the node's fanout subjects. The returned
// unsubscribe detaches it again.
func (r *Router) Start() (bus.Unsubscribe, error) {
	return r.bus.Subscribe(r.subjectPrefix+".>", r.HandleBus)
}

// Route delivers env to matching local sessions and, for locally-originated
// envelopes, publishes it for remote nodes. Bus-received envelopes are never
// re-published.
func (r *Router) Route(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	fromBus := env.OriginNodeID != r.nodeID

	if r.window.seen(env.MessageID) {
		r.dedupDropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", string(env.Scope))))
		slog.DebugContext(ctx, "Duplicate envelope dropped", "message_id", env.MessageID)
		return nil
	}

	delivered := r.deliverLocal(ctx, env)
	if delivered > 0 {
		counter := r.deliveredLocal
		if fromBus {
			counter = r.deliveredFanout
		}
		counter.Add(ctx, int64(delivered), metric.WithAttributes(
			attribute.String("scope", string(env.Scope))))
	}

	if fromBus {
		return nil
	}
	return r.publish(ctx, env)
}

// HandleBus is the bridge's handler for arriving fanout messages. The node's
// own publishes loop back here; they were already delivered directly, so
// they are dropped before touching the dedup window.
func (r *Router) HandleBus(subject string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Invalid envelope from bus", "subject", subject, "error", err)
		return
	}
	if env.OriginNodeID == r.nodeID {
		return
	}
	if err := r.Route(context.Background(), env); err != nil {
		slog.Warn("Failed to route bus envelope", "message_id", env.MessageID, "error", err)
	}
}

// deliverLocal resolves the scope against the local registry and writes to
// each matching socket. A failed send evicts exactly that session.
func (r *Router) deliverLocal(ctx context.Context, env Envelope) int {
	var sessions []*registry.Session
	switch env.Scope {
	case ScopeUser:
		for _, userID := range env.TargetIDs {
			sessions = append(sessions, r.reg.SessionsForUser(userID)...)
		}
	case ScopeRoom:
		for _, room := range env.TargetIDs {
			sessions = append(sessions, r.reg.SessionsForRoom(room)...)
		}
	case ScopeBroadcast:
		r.reg.ForEach(func(s *registry.Session) {
			sessions = append(sessions, s)
		})
	}

	delivered := 0
	for _, s := range sessions {
		if err := s.Conn.Send(env.Payload); err != nil {
			// Single-socket failure: isolate it, leave everyone else alone.
			slog.WarnContext(ctx, "Send failed, evicting session",
				"session_id", s.ID, "user_id", s.UserID, "error", err)
			r.evict(ctx, s)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Router) evict(ctx context.Context, s *registry.Session) {
	r.reg.Remove(s.ID)
	if err := r.dir.Unregister(ctx, s.UserID, s.ID); err != nil {
		slog.DebugContext(ctx, "Presence unregister failed during eviction",
			"session_id", s.ID, "error", err)
	}
	s.Conn.Close()
}

// publish fans the envelope out to other nodes unless the directory shows,
// confidently, that no remote session can match it.
func (r *Router) publish(ctx context.Context, env Envelope) error {
	if r.skipFanout(ctx, env) {
		slog.DebugContext(ctx, "Fanout skipped, no remote sessions",
			"message_id", env.MessageID)
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, env.Subject(r.subjectPrefix), data); err != nil {
		r.publishFailures.Add(ctx, 1)
		if errors.Is(err, bus.ErrBusUnavailable) {
			// Local delivery already happened; the message is only lost
			// for remote fanout.
			slog.WarnContext(ctx, "Fanout publish dropped",
				"message_id", env.MessageID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// skipFanout is the advisory optimization: only a confident zero from the
// directory may suppress a publish, and only for user-scoped envelopes.
// Room and broadcast scopes always fan out since membership is resolved
// per-node.
func (r *Router) skipFanout(ctx context.Context, env Envelope) bool {
	if env.Scope != ScopeUser {
		return false
	}
	for _, userID := range env.TargetIDs {
		entries, ok := r.dir.RemoteSessions(ctx, userID, r.nodeID)
		if !ok || len(entries) > 0 {
			return false
		}
	}
	return true
}
