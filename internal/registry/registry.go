// Package registry is the node-local ground truth for which sessions can be
// delivered to right now. Session state is sharded by session id so add,
// remove, and lookup never contend on a single lock.
package registry

import (
	"context"
	"hash/fnv"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

const defaultShards = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// byUser only holds sessions whose id hashes into this shard, so a
	// user's sessions may span shards; lookups gather across all of them.
	byUser map[string]map[string]*Session
}

// rooms tracks per-session room membership with forward and reverse indexes.
// Room churn is far lower than message traffic, so one RWMutex is enough.
type rooms struct {
	mu        sync.RWMutex
	bySession map[string]map[string]bool // sessionId -> rooms
	byRoom    map[string]map[string]bool // room -> sessionIds
}

// Registry maps session ids to live sessions for a single node.
type Registry struct {
	shards []*shard
	rooms  rooms
}

// New creates a registry with the given shard count, or a default when
// shardCount is not positive.
func New(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	r := &Registry{shards: make([]*shard, shardCount)}
	for i := range r.shards {
		r.shards[i] = &shard{
			sessions: make(map[string]*Session),
			byUser:   make(map[string]map[string]*Session),
		}
	}
	r.rooms.bySession = make(map[string]map[string]bool)
	r.rooms.byRoom = make(map[string]map[string]bool)
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Add registers a session. If the session id is already present the prior
// entry is replaced and returned so the caller can close it; otherwise nil.
func (r *Registry) Add(s *Session) *Session {
	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prior := sh.sessions[s.ID]
	if prior != nil {
		r.dropFromUserIndex(sh, prior)
	}
	sh.sessions[s.ID] = s
	if sh.byUser[s.UserID] == nil {
		sh.byUser[s.UserID] = make(map[string]*Session)
	}
	sh.byUser[s.UserID][s.ID] = s
	return prior
}

// Remove deletes a session and its room memberships. Idempotent: returns nil
// when the id is unknown.
func (r *Registry) Remove(sessionID string) *Session {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	if ok {
		delete(sh.sessions, sessionID)
		r.dropFromUserIndex(sh, s)
	}
	sh.mu.Unlock()

	if ok {
		r.leaveAll(sessionID)
		return s
	}
	return nil
}

// caller holds sh.mu
func (r *Registry) dropFromUserIndex(sh *shard, s *Session) {
	if byID, ok := sh.byUser[s.UserID]; ok {
		delete(byID, s.ID)
		if len(byID) == 0 {
			delete(sh.byUser, s.UserID)
		}
	}
}

// Get looks up a single session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[sessionID]
	return s, ok
}

// SessionsForUser returns every locally held session for a user.
func (r *Registry) SessionsForUser(userID string) []*Session {
	var result []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.byUser[userID] {
			result = append(result, s)
		}
		sh.mu.RUnlock()
	}
	return result
}

// Join adds a session to a room's local membership. Unknown sessions are
// ignored.
func (r *Registry) Join(sessionID, room string) {
	if _, ok := r.Get(sessionID); !ok {
		return
	}
	r.rooms.mu.Lock()
	defer r.rooms.mu.Unlock()
	if r.rooms.bySession[sessionID] == nil {
		r.rooms.bySession[sessionID] = make(map[string]bool)
	}
	r.rooms.bySession[sessionID][room] = true
	if r.rooms.byRoom[room] == nil {
		r.rooms.byRoom[room] = make(map[string]bool)
	}
	r.rooms.byRoom[room][sessionID] = true
}

// Leave removes a session from a room's local membership.
func (r *Registry) Leave(sessionID, room string) {
	r.rooms.mu.Lock()
	defer r.rooms.mu.Unlock()
	if roomSet, ok := r.rooms.bySession[sessionID]; ok {
		delete(roomSet, room)
		if len(roomSet) == 0 {
			delete(r.rooms.bySession, sessionID)
		}
	}
	if members, ok := r.rooms.byRoom[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms.byRoom, room)
		}
	}
}

func (r *Registry) leaveAll(sessionID string) {
	r.rooms.mu.Lock()
	defer r.rooms.mu.Unlock()
	for room := range r.rooms.bySession[sessionID] {
		if members, ok := r.rooms.byRoom[room]; ok {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.rooms.byRoom, room)
			}
		}
	}
	delete(r.rooms.bySession, sessionID)
}

// SessionsForRoom returns the locally held sessions currently joined to room.
func (r *Registry) SessionsForRoom(room string) []*Session {
	r.rooms.mu.RLock()
	ids := make([]string, 0, len(r.rooms.byRoom[room]))
	for id := range r.rooms.byRoom[room] {
		ids = append(ids, id)
	}
	r.rooms.mu.RUnlock()

	result := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.Get(id); ok {
			result = append(result, s)
		}
	}
	return result
}

// ForEach visits every session. The callback runs outside shard locks, so it
// may call back into the registry.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		snapshot := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			snapshot = append(snapshot, s)
		}
		sh.mu.RUnlock()
		for _, s := range snapshot {
			fn(s)
		}
	}
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		total += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return total
}

// RegisterMetrics exposes the connection-count gauge consumed by autoscaling.
func (r *Registry) RegisterMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("gateway_connections",
		metric.WithDescription("Sessions currently registered on this node"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(r.Len()))
		return nil
	}, gauge)
	return err
}
