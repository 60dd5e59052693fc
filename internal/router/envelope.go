package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope selects how an envelope's targets are resolved.
type Scope string

const (
	ScopeUser      Scope = "user"
	ScopeRoom      Scope = "room"
	ScopeBroadcast Scope = "broadcast"
)

// Envelope is one message in transit: through the bus between nodes and
// through the dedup window locally. It is never persisted by this layer.
type Envelope struct {
	MessageID    string          `json:"messageId"`
	Scope        Scope           `json:"scope"`
	TargetIDs    []string        `json:"targetIds,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OriginNodeID string          `json:"originNodeId"`
	PartitionKey string          `json:"partitionKey,omitempty"`
	PublishedAt  int64           `json:"publishedAt"`
}

// NewEnvelope mints an envelope originating on this node.
func NewEnvelope(scope Scope, targetIDs []string, payload json.RawMessage, originNodeID, partitionKey string) Envelope {
	return Envelope{
		MessageID:    uuid.NewString(),
		Scope:        scope,
		TargetIDs:    targetIDs,
		Payload:      payload,
		OriginNodeID: originNodeID,
		PartitionKey: partitionKey,
		PublishedAt:  time.Now().UnixMilli(),
	}
}

// Validate rejects envelopes the router cannot act on.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope missing messageId")
	}
	if e.OriginNodeID == "" {
		return fmt.Errorf("envelope missing originNodeId")
	}
	switch e.Scope {
	case ScopeUser, ScopeRoom:
		if len(e.TargetIDs) == 0 {
			return fmt.Errorf("scope %s requires at least one target", e.Scope)
		}
	case ScopeBroadcast:
	default:
		return fmt.Errorf("unknown scope %q", e.Scope)
	}
	return nil
}

// Subject maps the envelope onto a bus subject under prefix. Envelopes that
// share a partition key share a subject, so a bus that preserves per-subject
// order preserves per-partition delivery order.
func (e Envelope) Subject(prefix string) string {
	if e.PartitionKey != "" {
		return prefix + "." + sanitizeToken(e.PartitionKey)
	}
	return prefix + "._default"
}

// sanitizeToken keeps partition keys from breaking subject token syntax.
func sanitizeToken(s string) string {
	out := []byte(s)
	for i := 0; i < len(out); i++ {
		switch out[i] {
		case '.', ' ', '*', '>':
			out[i] = '_'
		}
	}
	return string(out)
}
