// Package stream delivers session messages to in-process subscribers, such
// as the HTTP streaming handlers. Each subscriber address owns a bounded
// channel; a subscriber that does not keep up loses partial output instead
// of stalling the session, but always receives the final report.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"runplane/pkg/api"
)

var (
	// ErrSlowSubscriber is returned when a subscriber's buffer is full.
	ErrSlowSubscriber = errors.New("subscriber buffer full")
	// ErrUnknownSubscriber is returned for addresses that are not registered.
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Hub maps subscriber addresses to channels.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	buffer int
}

type subscriber struct {
	mu      sync.Mutex
	ch      chan api.StreamMessage
	dropped int
}

// NewHub creates a hub whose subscribers buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]*subscriber), buffer: buffer}
}

// Register creates a new subscriber and returns its address and channel.
func (h *Hub) Register() (string, <-chan api.StreamMessage) {
	addr := "sub." + uuid.NewString()
	sub := &subscriber{ch: make(chan api.StreamMessage, h.buffer)}
	h.mu.Lock()
	h.subs[addr] = sub
	h.mu.Unlock()
	return addr, sub.ch
}

// Unregister drops a subscriber and closes its channel.
func (h *Hub) Unregister(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[addr]; ok {
		delete(h.subs, addr)
		close(sub.ch)
	}
}

// Deliver queues msg for addr without blocking. Partial output is dropped
// when the subscriber's buffer is full. The final report is never dropped:
// the oldest buffered messages are discarded to make room for it.
func (h *Hub) Deliver(ctx context.Context, addr string, msg api.StreamMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[addr]
	if !ok {
		return ErrUnknownSubscriber
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if msg.Type != api.MessageFinished {
		select {
		case sub.ch <- msg:
			return nil
		default:
			sub.dropped++
			return ErrSlowSubscriber
		}
	}
	for {
		select {
		case sub.ch <- msg:
			return nil
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
	}
}

// Dropped returns how many messages addr has lost to a full buffer.
func (h *Hub) Dropped(addr string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[addr]
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
