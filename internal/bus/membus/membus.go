// Package membus is an in-process implementation of the bus contract. It is
// used by tests and by single-binary development setups where the dispatcher
// and node agents share one process.
package membus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"runplane/internal/bus"
)

const mailboxSize = 4096

// Bus routes frames between mailboxes held in memory. Frames sent to an
// address nobody listens on are dropped, like on a real pub/sub transport.
type Bus struct {
	mu       sync.Mutex
	boxes    map[string]*mailbox
	handlers map[string]map[int]func(bus.Announcement)
	nextID   int
	closed   bool
}

var (
	_ bus.Bus     = (*Bus)(nil)
	_ bus.NodeBus = (*Bus)(nil)
)

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{
		boxes:    make(map[string]*mailbox),
		handlers: make(map[string]map[int]func(bus.Announcement)),
	}
}

// Close shuts every open mailbox.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for addr, box := range b.boxes {
		box.shut()
		delete(b.boxes, addr)
	}
	return nil
}

// Announce calls every announcement handler registered for the org.
func (b *Bus) Announce(_ context.Context, a bus.Announcement) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	handlers := make([]func(bus.Announcement), 0, len(b.handlers[a.Org]))
	for _, h := range b.handlers[a.Org] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(a)
	}
	return nil
}

// OpenJob opens the mailbox for a job id.
func (b *Bus) OpenJob(_ context.Context, jobID string) (bus.JobChannel, error) {
	box, err := b.open(jobAddress(jobID))
	if err != nil {
		return nil, err
	}
	return &jobChannel{mailbox: box}, nil
}

// SendInput delivers a user-input frame to a job mailbox.
func (b *Bus) SendInput(_ context.Context, jobID, targets string, data json.RawMessage) error {
	return b.deliver(jobAddress(jobID), bus.Frame{Control: bus.ControlInput, JobID: jobID, Targets: targets, Data: data})
}

// SubscribeAnnouncements registers handler for one organization.
func (b *Bus) SubscribeAnnouncements(org string, handler func(bus.Announcement)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	id := b.nextID
	b.nextID++
	if b.handlers[org] == nil {
		b.handlers[org] = make(map[int]func(bus.Announcement))
	}
	b.handlers[org][id] = handler
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[org], id)
		return nil
	}, nil
}

// Send delivers a node frame to a job mailbox.
func (b *Bus) Send(_ context.Context, jobID string, f bus.Frame) error {
	return b.deliver(jobAddress(jobID), f)
}

// OpenInbox creates a private node mailbox.
func (b *Bus) OpenInbox(_ context.Context) (bus.Inbox, error) {
	box, err := b.open("inbox." + uuid.NewString())
	if err != nil {
		return nil, err
	}
	return box, nil
}

func (b *Bus) open(addr string) (*mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if _, ok := b.boxes[addr]; ok {
		return nil, fmt.Errorf("membus: address %s already open", addr)
	}
	box := &mailbox{addr: addr, ch: make(chan bus.Frame, mailboxSize), done: make(chan struct{}), owner: b}
	b.boxes[addr] = box
	return box, nil
}

func (b *Bus) deliver(addr string, f bus.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	box, ok := b.boxes[addr]
	if !ok {
		return nil
	}
	select {
	case box.ch <- f:
		return nil
	default:
		return fmt.Errorf("membus: mailbox %s is full", addr)
	}
}

func (b *Bus) remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if box, ok := b.boxes[addr]; ok {
		box.shut()
		delete(b.boxes, addr)
	}
}

func jobAddress(jobID string) string { return "job." + jobID }

type mailbox struct {
	addr     string
	ch       chan bus.Frame
	done     chan struct{}
	owner    *Bus
	shutOnce sync.Once
}

func (m *mailbox) shut() {
	m.shutOnce.Do(func() { close(m.done) })
}

func (m *mailbox) Address() string { return m.addr }

func (m *mailbox) Receive(ctx context.Context, wait time.Duration) ([]bus.Frame, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var frames []bus.Frame
	select {
	case f := <-m.ch:
		frames = append(frames, f)
	case <-m.done:
		return nil, bus.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
	for {
		select {
		case f := <-m.ch:
			frames = append(frames, f)
		default:
			return frames, nil
		}
	}
}

func (m *mailbox) Close() error {
	m.owner.remove(m.addr)
	return nil
}

type jobChannel struct {
	*mailbox
}

func (j *jobChannel) Reply(_ context.Context, replyTo, peer, jobID string, control bus.Control, payload any) error {
	data, err := bus.MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", control, err)
	}
	return j.owner.deliver(replyTo, bus.Frame{Peer: peer, Control: control, JobID: jobID, Data: data})
}
