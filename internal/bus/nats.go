package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-gateway/internal/telemetry"
)

const (
	connectAttempts   = 30
	connectRetryWait  = 2 * time.Second
	publishMaxRetries = 4
	breakerThreshold  = 5
	breakerCooldown   = 10 * time.Second
)

// NATS is the production Bus. Plain core-NATS subjects give the broadcast
// semantics the fanout path needs: every subscribing node gets every message.
type NATS struct {
	nc      *nats.Conn
	breaker *CircuitBreaker
}

// ConnectNATS dials the bus, retrying until it answers or ctx is canceled.
func ConnectNATS(ctx context.Context, url, user, pass, name string) (*NATS, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		nc, err = nats.Connect(url,
			nats.UserInfo(user, pass),
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(connectRetryWait),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryWait):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	return &NATS{
		nc:      nc,
		breaker: NewCircuitBreaker(breakerThreshold, breakerCooldown),
	}, nil
}

// JetStream exposes the JetStream context for the KV presence backend.
func (b *NATS) JetStream() (nats.JetStreamContext, error) {
	return b.nc.JetStream()
}

// Publish writes one message with bounded exponential retry. When the
// breaker is open or retries exhaust, it returns ErrBusUnavailable: the
// message is lost for fanout, never for local delivery.
func (b *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if !b.breaker.Allow() {
		return fmt.Errorf("%w: circuit breaker open", ErrBusUnavailable)
	}

	ctx, span := telemetry.StartProducerSpan(ctx, subject, len(data))
	defer span.End()

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  telemetry.InjectHeader(ctx),
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishMaxRetries), ctx)
	err := backoff.Retry(func() error {
		return b.nc.PublishMsg(msg)
	}, policy)
	if err != nil {
		b.breaker.RecordFailure()
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	b.breaker.RecordSuccess()
	return nil
}

// Subscribe registers a broadcast (non-queue-group) handler: every node must
// see every fanout message, not compete for them.
func (b *NATS) Subscribe(subject string, h Handler) (Unsubscribe, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		_, span := telemetry.StartConsumerSpan(context.Background(), msg, "fanout receive")
		defer span.End()
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func (b *NATS) Status() Status {
	return Status{Connected: b.nc.IsConnected() && b.breaker.State() != CircuitBreakerOpen}
}

// Close flushes pending traffic and releases the connection.
func (b *NATS) Close() error {
	return b.nc.Drain()
}
