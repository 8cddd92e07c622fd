// Package natsbus implements the bus contract on top of NATS core
// publish/subscribe.
//
// Subjects:
//
//	<prefix>.org.<org>.announce   job announcements for one organization
//	<prefix>.job.<job id>         node replies and user input for one job
//	_INBOX.<random>               per-node inbox, carried in Frame.ReplyTo
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"runplane/internal/bus"
)

// Bus is a NATS-backed implementation of bus.Bus and bus.NodeBus.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

var (
	_ bus.Bus     = (*Bus)(nil)
	_ bus.NodeBus = (*Bus)(nil)
)

// Connect dials the NATS server at url.
func Connect(url, prefix, name string, opts ...nats.Option) (*Bus, error) {
	base := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return New(nc, prefix), nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, prefix string) *Bus {
	if prefix == "" {
		prefix = "runplane"
	}
	return &Bus{nc: nc, prefix: prefix}
}

// Connected reports whether the underlying connection is usable.
func (b *Bus) Connected() bool { return b.nc.IsConnected() }

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() error { return b.nc.Drain() }

// Announce publishes a job announcement to the organization's subject.
func (b *Bus) Announce(_ context.Context, a bus.Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}
	return b.publish(b.announceSubject(a.Org), data)
}

// OpenJob subscribes to the job's reply subject.
func (b *Bus) OpenJob(_ context.Context, jobID string) (bus.JobChannel, error) {
	sub, err := b.nc.SubscribeSync(b.jobSubject(jobID))
	if err != nil {
		return nil, fmt.Errorf("subscribing to job %s: %w", jobID, err)
	}
	return &jobChannel{mailbox: mailbox{sub: sub}, bus: b}, nil
}

// SendInput publishes a user-input side-channel frame onto a job channel.
func (b *Bus) SendInput(_ context.Context, jobID, targets string, data json.RawMessage) error {
	raw, err := bus.Encode(bus.Frame{Control: bus.ControlInput, JobID: jobID, Targets: targets, Data: data})
	if err != nil {
		return err
	}
	return b.publish(b.jobSubject(jobID), raw)
}

// SubscribeAnnouncements registers handler for the organization's
// announcements. Malformed announcements are skipped.
func (b *Bus) SubscribeAnnouncements(org string, handler func(bus.Announcement)) (func() error, error) {
	sub, err := b.nc.Subscribe(b.announceSubject(org), func(m *nats.Msg) {
		var a bus.Announcement
		if err := json.Unmarshal(m.Data, &a); err != nil || a.JobID == "" {
			return
		}
		handler(a)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to announcements: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Send publishes a node frame onto a job channel.
func (b *Bus) Send(_ context.Context, jobID string, f bus.Frame) error {
	raw, err := bus.Encode(f)
	if err != nil {
		return err
	}
	return b.publish(b.jobSubject(jobID), raw)
}

// OpenInbox creates a private inbox subject for a node.
func (b *Bus) OpenInbox(_ context.Context) (bus.Inbox, error) {
	addr := b.nc.NewRespInbox()
	sub, err := b.nc.SubscribeSync(addr)
	if err != nil {
		return nil, fmt.Errorf("subscribing to inbox: %w", err)
	}
	return &inbox{mailbox: mailbox{sub: sub}, addr: addr}, nil
}

func (b *Bus) publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("%w: %v", bus.ErrClosed, err)
		}
		return err
	}
	return nil
}

func (b *Bus) announceSubject(org string) string {
	return b.prefix + ".org." + token(org) + ".announce"
}

func (b *Bus) jobSubject(jobID string) string {
	return b.prefix + ".job." + token(jobID)
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

type mailbox struct {
	sub  *nats.Subscription
	once sync.Once
}

func (m *mailbox) Receive(ctx context.Context, wait time.Duration) ([]bus.Frame, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msg, err := m.sub.NextMsgWithContext(waitCtx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, nil
	case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
		return nil, fmt.Errorf("%w: %v", bus.ErrClosed, err)
	default:
		return nil, err
	}

	frames := []bus.Frame{bus.Decode(msg.Data)}
	pending, _, _ := m.sub.Pending()
	for i := 0; i < pending; i++ {
		next, err := m.sub.NextMsg(time.Millisecond)
		if err != nil {
			break
		}
		frames = append(frames, bus.Decode(next.Data))
	}
	return frames, nil
}

func (m *mailbox) Close() error {
	var err error
	m.once.Do(func() {
		err = m.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
	})
	return err
}

type jobChannel struct {
	mailbox
	bus *Bus
}

func (j *jobChannel) Reply(_ context.Context, replyTo, peer, jobID string, control bus.Control, payload any) error {
	data, err := bus.MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", control, err)
	}
	raw, err := bus.Encode(bus.Frame{Peer: peer, Control: control, JobID: jobID, Data: data})
	if err != nil {
		return err
	}
	return j.bus.publish(replyTo, raw)
}

type inbox struct {
	mailbox
	addr string
}

func (i *inbox) Address() string { return i.addr }
