// Package presence is the best-effort, TTL-based directory of which nodes
// hold sessions for which users. It exists purely to skip bus publishes that
// cannot reach anyone; a missing or stale entry is never proof of absence,
// and no delivery decision may depend on it being right.
package presence

import (
	"context"
	"time"
)

// Entry is one advisory record: a session believed to live on a node.
type Entry struct {
	SessionID string `json:"sessionId"`
	NodeID    string `json:"nodeId"`
}

// Directory is the distributed presence map. All writes are idempotent and
// TTL-bounded, so uncoordinated refreshes from many nodes are always safe.
type Directory interface {
	// Register upserts one (user, session, node) entry with the given TTL.
	// Called on attach and refreshed on every heartbeat.
	Register(ctx context.Context, userID, sessionID, nodeID string, ttl time.Duration) error

	// Unregister removes one entry. Called on graceful disconnect; TTL
	// expiry is the safety net when this never arrives.
	Unregister(ctx context.Context, userID, sessionID string) error

	// RemoteSessions reports sessions for userID on nodes other than
	// selfNode. ok is false whenever the answer cannot be trusted (backend
	// down, not yet synced); callers must then publish to the bus anyway.
	RemoteSessions(ctx context.Context, userID, selfNode string) (entries []Entry, ok bool)

	// Close releases backend resources.
	Close() error
}

// Noop is the directory used when presence is disabled. It never answers
// confidently, so every fanout goes to the bus.
type Noop struct{}

func (Noop) Register(context.Context, string, string, string, time.Duration) error { return nil }
func (Noop) Unregister(context.Context, string, string) error                      { return nil }
func (Noop) RemoteSessions(context.Context, string, string) ([]Entry, bool)        { return nil, false }
func (Noop) Close() error                                                          { return nil }
