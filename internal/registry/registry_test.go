package registry

import (
	"fmt"
	"sync"
	"testing"
)

// fakeConn counts sends and closes for assertions.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func addSession(r *Registry, id, userID string) *Session {
	s := NewSession(id, userID, "node-1", &fakeConn{})
	r.Add(s)
	return s
}

func TestRegistry_AddAndLookup(t *testing.T) {
	r := New(0)

	s := addSession(r, "s1", "u1")

	got, ok := r.Get("s1")
	if !ok || got != s {
		t.Fatal("Expected Get to return the added session")
	}

	sessions := r.SessionsForUser("u1")
	if len(sessions) != 1 || sessions[0] != s {
		t.Errorf("Expected one session for u1, got %d", len(sessions))
	}
	if r.Len() != 1 {
		t.Errorf("Expected Len 1, got %d", r.Len())
	}
}

func TestRegistry_MultipleSessionsPerUser(t *testing.T) {
	r := New(0)

	addSession(r, "s1", "u1")
	addSession(r, "s2", "u1")
	addSession(r, "s3", "u2")

	if got := len(r.SessionsForUser("u1")); got != 2 {
		t.Errorf("Expected 2 sessions for u1, got %d", got)
	}
	if got := len(r.SessionsForUser("u2")); got != 1 {
		t.Errorf("Expected 1 session for u2, got %d", got)
	}
	if got := len(r.SessionsForUser("u3")); got != 0 {
		t.Errorf("Expected 0 sessions for u3, got %d", got)
	}
}

func TestRegistry_AddReplacesDuplicateID(t *testing.T) {
	r := New(0)

	first := addSession(r, "s1", "u1")
	second := NewSession("s1", "u1", "node-1", &fakeConn{})

	prior := r.Add(second)
	if prior != first {
		t.Fatal("Expected Add to return the replaced session")
	}
	if got, _ := r.Get("s1"); got != second {
		t.Error("Expected the new session to win")
	}
	if r.Len() != 1 {
		t.Errorf("Expected Len 1 after replacement, got %d", r.Len())
	}
	if got := len(r.SessionsForUser("u1")); got != 1 {
		t.Errorf("Expected 1 session for u1 after replacement, got %d", got)
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := New(0)

	s := addSession(r, "s1", "u1")

	if removed := r.Remove("s1"); removed != s {
		t.Error("Expected Remove to return the session")
	}
	if removed := r.Remove("s1"); removed != nil {
		t.Error("Expected second Remove to return nil")
	}
	if _, ok := r.Get("s1"); ok {
		t.Error("Expected session to be absent after Remove")
	}
	if got := len(r.SessionsForUser("u1")); got != 0 {
		t.Errorf("Expected no sessions for u1 after Remove, got %d", got)
	}
}

func TestRegistry_Rooms(t *testing.T) {
	r := New(0)

	addSession(r, "s1", "u1")
	addSession(r, "s2", "u2")

	r.Join("s1", "general")
	r.Join("s2", "general")
	r.Join("s2", "random")

	if got := len(r.SessionsForRoom("general")); got != 2 {
		t.Errorf("Expected 2 sessions in general, got %d", got)
	}
	if got := len(r.SessionsForRoom("random")); got != 1 {
		t.Errorf("Expected 1 session in random, got %d", got)
	}

	r.Leave("s1", "general")
	if got := len(r.SessionsForRoom("general")); got != 1 {
		t.Errorf("Expected 1 session in general after leave, got %d", got)
	}

	// Removing a session clears its memberships.
	r.Remove("s2")
	if got := len(r.SessionsForRoom("general")); got != 0 {
		t.Errorf("Expected empty room after member removed, got %d", got)
	}
	if got := len(r.SessionsForRoom("random")); got != 0 {
		t.Errorf("Expected empty room after member removed, got %d", got)
	}
}

func TestRegistry_JoinUnknownSession(t *testing.T) {
	r := New(0)
	r.Join("ghost", "general")
	if got := len(r.SessionsForRoom("general")); got != 0 {
		t.Errorf("Expected join of unknown session to be ignored, got %d members", got)
	}
}

func TestRegistry_ForEach(t *testing.T) {
	r := New(4)
	for i := 0; i < 10; i++ {
		addSession(r, fmt.Sprintf("s%d", i), "u1")
	}

	seen := 0
	r.ForEach(func(s *Session) {
		seen++
		// Callback may mutate the registry without deadlocking.
		r.Remove(s.ID)
	})
	if seen != 10 {
		t.Errorf("Expected to visit 10 sessions, got %d", seen)
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry after removals, got %d", r.Len())
	}
}

func TestRegistry_Concurrency(t *testing.T) {
	r := New(0)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("s-%d-%d", g, i)
				user := fmt.Sprintf("u-%d", i%7)
				addSession(r, id, user)
				r.Join(id, "general")
				r.SessionsForUser(user)
				r.SessionsForRoom("general")
				r.Remove(id)
			}
		}(g)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}
}
