package presence

import "sync"

// mirror is a thread-safe in-memory view of the presence bucket, kept in
// sync by a KV watcher so lookups never hit the backend on the hot path.
type mirror struct {
	mu    sync.RWMutex
	users map[string]map[string]string // userId -> sessionId -> nodeId
}

func newMirror() *mirror {
	return &mirror{users: make(map[string]map[string]string)}
}

func (m *mirror) put(userID, sessionID, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]string)
	}
	m.users[userID][sessionID] = nodeID
}

func (m *mirror) delete(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessions, ok := m.users[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.users, userID)
		}
	}
}

// remote returns entries for userID excluding selfNode.
func (m *mirror) remote(userID, selfNode string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := m.users[userID]
	if len(sessions) == 0 {
		return nil
	}
	var entries []Entry
	for sid, node := range sessions {
		if node == selfNode {
			continue
		}
		entries = append(entries, Entry{SessionID: sid, NodeID: node})
	}
	return entries
}

func (m *mirror) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]map[string]string)
}
