package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runplane/internal/bus"
	"runplane/internal/bus/membus"
	"runplane/internal/env"
	"runplane/internal/selector"
	"runplane/pkg/api"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		DiscoveryTimeout: 60 * time.Millisecond,
		WaitTimeout:      400 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		TermSettle:       30 * time.Millisecond,
		FinishGrace:      10 * time.Millisecond,
		OrgIsolation:     true,
	}
}

func intPtr(i int) *int { return &i }

func nodeData(t *testing.T, d bus.NodeData) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return raw
}

// reply is one frame the executor sent to a node.
type reply struct {
	ReplyTo string
	Peer    string
	Control bus.Control
	Payload json.RawMessage
}

// scriptedChannel hands out pre-arranged frame batches, one per Receive,
// and records every reply.
type scriptedChannel struct {
	mu      sync.Mutex
	batches [][]bus.Frame
	err     error
	taskErr error
	replies []reply
	closed  bool
}

func (c *scriptedChannel) Receive(ctx context.Context, wait time.Duration) ([]bus.Frame, error) {
	c.mu.Lock()
	if len(c.batches) > 0 {
		b := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return b, nil
	}
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedChannel) Reply(_ context.Context, replyTo, peer, _ string, control bus.Control, payload any) error {
	data, err := bus.MarshalPayload(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if control == bus.ControlTask && c.taskErr != nil {
		return c.taskErr
	}
	c.replies = append(c.replies, reply{ReplyTo: replyTo, Peer: peer, Control: control, Payload: data})
	return nil
}

func (c *scriptedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedChannel) sent(control bus.Control) []reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []reply
	for _, r := range c.replies {
		if r.Control == control {
			out = append(out, r)
		}
	}
	return out
}

type scriptedBus struct {
	ch        *scriptedChannel
	announced []bus.Announcement
}

func (b *scriptedBus) Announce(_ context.Context, a bus.Announcement) error {
	b.announced = append(b.announced, a)
	return nil
}

func (b *scriptedBus) OpenJob(context.Context, string) (bus.JobChannel, error) { return b.ch, nil }

func (b *scriptedBus) SendInput(context.Context, string, string, json.RawMessage) error { return nil }

// stopFlag is a stopSignal the test flips by hand.
type stopFlag struct {
	mu     sync.Mutex
	reason string
	set    bool
}

func (s *stopFlag) Stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason, s.set = reason, true
}

func (s *stopFlag) Stopped() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.set
}

func drain(ctx context.Context, x *Executor) []Event {
	var events []Event
	for {
		ev, ok := x.Next(ctx)
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}

func lastResults(t *testing.T, events []Event) []NodeResult {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventResults, last.Kind)
	return last.Results
}

// recordingOutbox keeps every delivered message.
type recordingOutbox struct {
	mu   sync.Mutex
	msgs []api.StreamMessage
}

func (o *recordingOutbox) Deliver(_ context.Context, _ string, msg api.StreamMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *recordingOutbox) messages() []api.StreamMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]api.StreamMessage(nil), o.msgs...)
}

func (o *recordingOutbox) finished() []api.StreamMessage {
	var out []api.StreamMessage
	for _, m := range o.messages() {
		if m.Type == api.MessageFinished {
			out = append(out, m)
		}
	}
	return out
}

// fakeNode answers announcements on a membus.
type fakeNode struct {
	name string
	org  string
	// joinAt is the index of the first announcement the node sees.
	joinAt int
	// onTask returns the frames sent once the task arrives.
	onTask func(announcement int, task bus.Task) []bus.Frame
}

// fakeCluster drives its nodes from a single goroutine per announcement:
// all READY frames first, then each node's replies in node order, which
// pins arrival order at the dispatcher.
type fakeCluster struct {
	t     *testing.T
	b     *membus.Bus
	nodes []fakeNode

	mu    sync.Mutex
	count int
	tasks []bus.Task
	wg    sync.WaitGroup
	unsub func() error
}

func newFakeCluster(t *testing.T, b *membus.Bus, org string, nodes ...fakeNode) *fakeCluster {
	c := &fakeCluster{t: t, b: b, nodes: nodes}
	unsub, err := b.SubscribeAnnouncements(org, c.announced)
	require.NoError(t, err)
	c.unsub = unsub
	return c
}

func (c *fakeCluster) announced(a bus.Announcement) {
	c.mu.Lock()
	idx := c.count
	c.count++
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.serve(idx, a)
	}()
}

func (c *fakeCluster) serve(idx int, a bus.Announcement) {
	ctx := context.Background()
	type conn struct {
		node  fakeNode
		inbox bus.Inbox
	}
	var conns []conn
	for _, n := range c.nodes {
		if idx < n.joinAt || !selector.MatchName(a.Targets, n.name) {
			continue
		}
		inbox, err := c.b.OpenInbox(ctx)
		if err != nil {
			return
		}
		defer inbox.Close()
		conns = append(conns, conn{node: n, inbox: inbox})
		_ = c.b.Send(ctx, a.JobID, bus.Frame{Peer: n.name, Control: bus.ControlReady, ReplyTo: inbox.Address(), Org: n.org})
	}

	for _, cn := range conns {
		task, ok := awaitTask(ctx, cn.inbox)
		if !ok {
			continue
		}
		c.mu.Lock()
		c.tasks = append(c.tasks, task)
		c.mu.Unlock()
		if cn.node.onTask == nil {
			continue
		}
		for _, f := range cn.node.onTask(idx, task) {
			f.Peer = cn.node.name
			f.Org = cn.node.org
			_ = c.b.Send(ctx, a.JobID, f)
		}
	}
}

func awaitTask(ctx context.Context, inbox bus.Inbox) (bus.Task, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames, err := inbox.Receive(ctx, 50*time.Millisecond)
		if err != nil {
			return bus.Task{}, false
		}
		for _, f := range frames {
			if f.Control != bus.ControlTask {
				continue
			}
			var task bus.Task
			if json.Unmarshal(f.Data, &task) == nil {
				return task, true
			}
		}
	}
	return bus.Task{}, false
}

// wait blocks until every node goroutine returned.
func (c *fakeCluster) wait() {
	_ = c.unsub()
	c.wg.Wait()
}

func (c *fakeCluster) receivedTasks() []bus.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Task(nil), c.tasks...)
}

func finished(stdout string, code int, e env.Env) bus.Frame {
	raw, _ := json.Marshal(bus.NodeData{Stdout: stdout, RetCode: &code, Env: e})
	return bus.Frame{Control: bus.ControlFinished, Data: raw}
}

func stdout(s string) bus.Frame {
	raw, _ := json.Marshal(bus.NodeData{Stdout: s})
	return bus.Frame{Control: bus.ControlStdout, Data: raw}
}
