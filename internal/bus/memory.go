package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process Bus for tests and single-node runs. Handlers are
// invoked synchronously on the publisher's goroutine, which makes multi-node
// tests deterministic.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

type memorySub struct {
	pattern string
	handler Handler
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]*memorySub)}
}

func (b *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("%w: bus closed", ErrBusUnavailable)
	}
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if subjectMatches(sub.pattern, subject) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	// Handlers run outside the lock so they may subscribe or publish.
	for _, h := range matched {
		h(subject, data)
	}
	return nil
}

func (b *Memory) Subscribe(pattern string, h Handler) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: bus closed", ErrBusUnavailable)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &memorySub{pattern: pattern, handler: h}

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		return nil
	}, nil
}

func (b *Memory) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{Connected: !b.closed}
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySub)
	return nil
}

// subjectMatches implements NATS-style matching: "*" matches one token, a
// trailing ">" matches the rest.
func subjectMatches(pattern, subject string) bool {
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, p := range pTokens {
		if p == ">" {
			return i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if p != "*" && p != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
