// Package bus abstracts the shared broadcast-capable message bus. Every node
// both publishes and subscribes; delivery is at-least-once and includes the
// publisher's own messages looping back.
package bus

import (
	"context"
	"errors"
)

// ErrBusUnavailable reports that a publish could not reach the bus after
// bounded retries. Local delivery is unaffected; only cross-node fanout is
// lost for that message.
var ErrBusUnavailable = errors.New("bus unavailable")

// Handler processes one raw message arriving from the bus.
type Handler func(subject string, data []byte)

// Unsubscribe tears down one subscription.
type Unsubscribe func() error

// Status describes bus connectivity for the readiness signal.
type Status struct {
	Connected bool `json:"connected"`
}

// Bus is the publish/subscribe bridge contract. Subjects are dot-separated
// NATS-style tokens; subscriptions may use a trailing "*" or ">" wildcard.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) (Unsubscribe, error)
	Status() Status
	Close() error
}
