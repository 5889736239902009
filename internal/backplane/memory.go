package backplane

import (
	"errors"
	"sort"
	"sync"
)

// ErrUnavailable indicates a publish or subscribe against an absent or shut
// down backplane.
var ErrUnavailable = errors.New("backplane: unavailable")

// Memory is an in-process backplane. It gives single-process deployments
// and tests the same channel semantics as a real cross-process facility.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string]map[int64]Handler
	nextID   int64
	closed   bool
}

// NewMemory constructs an available in-process backplane.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string]map[int64]Handler)}
}

// Available reports true until Close.
func (m *Memory) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Publish invokes every handler registered for the channel, in registration
// order, synchronously. Handlers must not block; the hub's fan-out path is
// non-blocking by construction.
func (m *Memory) Publish(channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrUnavailable
	}
	registered := m.handlers[channel]
	handlers := make([]Handler, 0, len(registered))
	ids := make([]int64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(payload)
	}
	return nil
}

// Subscribe registers the handler and returns an idempotent cancel.
func (m *Memory) Subscribe(channel string, handler Handler) (CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	if m.handlers[channel] == nil {
		m.handlers[channel] = make(map[int64]Handler)
	}
	m.nextID++
	id := m.nextID
	m.handlers[channel][id] = handler

	var once sync.Once
	cancel := func() error {
		once.Do(func() {
			m.mu.Lock()
			if registered := m.handlers[channel]; registered != nil {
				delete(registered, id)
				if len(registered) == 0 {
					delete(m.handlers, channel)
				}
			}
			m.mu.Unlock()
		})
		return nil
	}
	return cancel, nil
}

// SubscriberCount returns the number of live subscriptions for a channel.
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[channel])
}

// Close drops every subscription and marks the backplane unavailable.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.handlers = make(map[string]map[int64]Handler)
	m.mu.Unlock()
}
