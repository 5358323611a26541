// Package events fans audit events out to live subscribers, e.g. the
// websocket stream of the API.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
)

type Broadcaster struct {
	subscribers map[uint64]chan *models.AuditEvent
	nextID      atomic.Uint64
	mu          sync.RWMutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan *models.AuditEvent),
	}
}

func (b *Broadcaster) Subscribe() (uint64, chan *models.AuditEvent) {
	id := b.nextID.Add(1)
	ch := make(chan *models.AuditEvent, 64)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Broadcast delivers the event to every subscriber. Subscribers that cannot
// keep up lose events rather than stalling the escalation engine.
func (b *Broadcaster) Broadcast(ev *models.AuditEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels, causing streams to exit gracefully.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
