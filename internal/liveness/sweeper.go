// Package liveness reaps sessions that stopped heartbeating. The sweep is
// the primary cleanup path; presence TTL expiry is only the distributed
// safety net for sessions this node never got to retract.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-gateway/internal/registry"
)

// Sweeper periodically scans the registry for dead sessions. It never blocks
// on socket I/O: reaping hands the session to the callback, whose Close is
// non-blocking by the transport contract.
type Sweeper struct {
	reg      *registry.Registry
	interval time.Duration
	timeout  time.Duration
	onDead   func(*registry.Session)

	reaped metric.Int64Counter
}

// New creates a sweeper that marks a session dead after `timeout` without a
// heartbeat (callers pass misses x interval) and checks every `interval`.
func New(reg *registry.Registry, interval, timeout time.Duration, onDead func(*registry.Session)) *Sweeper {
	meter := otel.Meter("gateway")
	reaped, _ := meter.Int64Counter("gateway_sessions_reaped_total",
		metric.WithDescription("Sessions removed by the heartbeat sweeper"))

	return &Sweeper{
		reg:      reg,
		interval: interval,
		timeout:  timeout,
		onDead:   onDead,
		reaped:   reaped,
	}
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.timeout)
	s.reg.ForEach(func(sess *registry.Session) {
		if sess.LastHeartbeat().After(cutoff) {
			return
		}
		slog.Info("Reaping dead session",
			"session_id", sess.ID, "user_id", sess.UserID,
			"last_heartbeat", sess.LastHeartbeat())
		s.reaped.Add(ctx, 1)
		s.onDead(sess)
	})
}
