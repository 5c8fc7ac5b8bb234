package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryNotifier is an in-memory Notifier fanning notifications out to
// subscribers and keeping a history of what was sent.
type MemoryNotifier struct {
	mu       sync.RWMutex
	capacity int
	subs     []chan Notification
	sent     []Notification
	dropped  int
}

// NewMemoryNotifier creates a notifier whose subscriber channels buffer up
// to capacity notifications. Zero selects a default of 64.
func NewMemoryNotifier(capacity int) *MemoryNotifier {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryNotifier{capacity: capacity}
}

// Notify stamps n with a message id and delivers it. Subscribers that are
// not keeping up lose the notification instead of blocking the caller.
func (m *MemoryNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
			m.dropped++
		}
	}
	return nil
}

// Subscribe returns a channel receiving every future notification.
func (m *MemoryNotifier) Subscribe() <-chan Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Notification, m.capacity)
	m.subs = append(m.subs, ch)
	return ch
}

// Sent returns a copy of every notification delivered so far.
func (m *MemoryNotifier) Sent() []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Notification(nil), m.sent...)
}

// Dropped returns how many deliveries were skipped on full subscribers.
func (m *MemoryNotifier) Dropped() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// Close closes every subscriber channel.
func (m *MemoryNotifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	return nil
}
