package registry

import (
	"sync/atomic"
	"time"

	"github.com/example/nats-chat-gateway/internal/transport"
)

// Session is one live client connection pinned to this node. A session id
// never moves to another node; a reconnect always mints a new session.
type Session struct {
	ID     string
	UserID string
	NodeID string
	Conn   transport.Conn

	ConnectedAt time.Time

	lastHeartbeat atomic.Int64 // unix nanos
}

// NewSession binds a connection to a session identity and stamps the first
// heartbeat.
func NewSession(id, userID, nodeID string, conn transport.Conn) *Session {
	s := &Session{
		ID:          id,
		UserID:      userID,
		NodeID:      nodeID,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	s.Touch()
	return s
}

// Touch records a liveness signal. Called from the transport's pong and
// message hooks.
func (s *Session) Touch() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat reports when the session last signaled liveness.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}
