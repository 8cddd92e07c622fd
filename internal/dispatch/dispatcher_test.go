package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"runplane/internal/access"
	"runplane/internal/bus"
	"runplane/internal/bus/membus"
	"runplane/internal/env"
	"runplane/internal/store"
	"runplane/internal/stream"
	"runplane/pkg/api"
)

var acme = Caller{User: "alice", Access: access.Static{Organization: "acme", RunAs: "deploy"}}

type harness struct {
	t       *testing.T
	bus     *membus.Bus
	outbox  *recordingOutbox
	d       *Dispatcher
	cluster *fakeCluster
}

func newHarness(t *testing.T, cfg Config, nodes []fakeNode, opts ...Option) *harness {
	t.Helper()
	b := membus.New()
	out := &recordingOutbox{}
	d, err := New(b, out, cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	h := &harness{t: t, bus: b, outbox: out, d: d}
	h.cluster = newFakeCluster(t, b, "acme", nodes...)
	return h
}

func (h *harness) submit(payload string, opts SubmitOptions) *Session {
	h.t.Helper()
	opts.Subscriber = "sub.test"
	s, err := h.d.Submit(context.Background(), acme, payload, opts)
	require.NoError(h.t, err)
	return s
}

func (h *harness) wait(s *Session) {
	h.t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		h.t.Fatal("session did not finish")
	}
	h.cluster.wait()
	require.NoError(h.t, h.bus.Close())
}

func (h *harness) report() []api.SectionReport {
	h.t.Helper()
	fin := h.outbox.finished()
	require.Len(h.t, fin, 1)
	return fin[0].Report
}

func nodeNames(r api.SectionReport) []string {
	var names []string
	for _, n := range r.Nodes {
		names = append(names, n.Node)
	}
	return names
}

func TestSession_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, testConfig(), []fakeNode{
		{name: "N1", org: "acme", onTask: func(_ int, _ bus.Task) []bus.Frame {
			return []bus.Frame{finished("hi\n", 0, env.Env{"X": env.String("1")})}
		}},
		{name: "N2", org: "acme", onTask: func(_ int, _ bus.Task) []bus.Frame {
			return []bus.Frame{finished("hi\n", 0, nil)}
		}},
		{name: "1", org: "acme", joinAt: 1, onTask: func(_ int, _ bus.Task) []bus.Frame {
			return []bus.Frame{finished("done\n", 0, nil)}
		}},
	})

	payload := "#! switch [*]\necho hi\nexport X=1\n\n#! switch [$X]\necho done\n"
	s := h.submit(payload, SubmitOptions{})
	h.wait(s)

	report := h.report()
	require.Len(t, report, 2)
	require.Equal(t, "*", report[0].Targets)
	require.Equal(t, []string{"N1", "N2"}, nodeNames(report[0]))
	require.Equal(t, "1", report[1].Targets)
	require.Equal(t, []string{"1"}, nodeNames(report[1]))
	for _, sec := range report {
		require.NotEmpty(t, sec.JobID)
		require.NotNil(t, sec.Args)
		for _, n := range sec.Nodes {
			require.Zero(t, n.RetCode)
			require.Equal(t, "deploy", n.RunAs)
		}
	}
	require.NotEqual(t, report[0].JobID, report[1].JobID)

	fin := h.outbox.finished()[0]
	require.Equal(t, payload, fin.Script)
	require.Equal(t, s.ID, fin.SessionID)
	require.Equal(t, "alice", fin.User)
	require.Empty(t, fin.StopReason)

	require.Equal(t, StateDone, s.State())
	_, live := h.d.Registry().Lookup(s.ID)
	require.False(t, live)

	// The section 2 task carries the environment merged from section 1.
	tasks := h.cluster.receivedTasks()
	require.Len(t, tasks, 3)
	require.Equal(t, "1", tasks[2].Env["X"].Scalar())
	require.False(t, tasks[2].Env["X"].IsList())
}

func TestSession_StreamsPartialOutput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, testConfig(), []fakeNode{
		{name: "n1", org: "acme", onTask: func(_ int, _ bus.Task) []bus.Frame {
			return []bus.Frame{stdout("a"), stdout("b"), finished("c", 0, nil)}
		}},
	})
	s := h.submit("#! switch [*]\necho\n", SubmitOptions{Tags: []string{"t1"}})
	h.wait(s)

	var started, out []api.StreamMessage
	for _, m := range h.outbox.messages() {
		if m.Type != api.MessagePartial {
			continue
		}
		if m.Status == StatusStarted {
			started = append(started, m)
			continue
		}
		out = append(out, m)
	}
	require.Len(t, started, 1)
	require.NotEmpty(t, started[0].JobID)
	require.Len(t, out, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{out[0].Stdout, out[1].Stdout, out[2].Stdout})
	for _, m := range out {
		require.Equal(t, "n1", m.Node)
		require.Equal(t, "deploy", m.RunAs)
		require.Equal(t, "*", m.Targets)
		require.Equal(t, []string{"t1"}, m.Tags)
		require.Equal(t, s.ID, m.SessionID)
	}
	last := h.outbox.messages()[len(h.outbox.messages())-1]
	require.Equal(t, api.MessageFinished, last.Type)
}

func TestSession_SlowSubscriberStillGetsReport(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := membus.New()
	hub := stream.NewHub(4)
	d, err := New(b, hub, testConfig(), WithLogger(quietLogger()))
	require.NoError(t, err)
	cluster := newFakeCluster(t, b, "acme", fakeNode{name: "n1", org: "acme", onTask: func(_ int, _ bus.Task) []bus.Frame {
		frames := make([]bus.Frame, 0, 21)
		for i := 0; i < 20; i++ {
			frames = append(frames, stdout("line\n"))
		}
		return append(frames, finished("", 0, nil))
	}})

	addr, ch := hub.Register()
	s, err := d.Submit(context.Background(), acme, "#! switch [*]\nyes\n", SubmitOptions{Subscriber: addr})
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	cluster.wait()
	require.NoError(t, b.Close())

	// Nothing read the channel while the session ran.
	require.Positive(t, hub.Dropped(addr))
	var last api.StreamMessage
	for len(ch) > 0 {
		last = <-ch
	}
	require.Equal(t, api.MessageFinished, last.Type)
	require.Len(t, last.Report, 1)
	require.Equal(t, "n1", last.Report[0].Nodes[0].Node)
	hub.Unregister(addr)
}

func TestSession_EnvPromotedAcrossNodes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	exportOwnName := func(name string) func(int, bus.Task) []bus.Frame {
		return func(_ int, _ bus.Task) []bus.Frame {
			return []bus.Frame{finished("", 0, env.Env{"X": env.String(name)})}
		}
	}
	h := newHarness(t, testConfig(), []fakeNode{
		{name: "v1", org: "acme", onTask: exportOwnName("v1")},
		{name: "v2", org: "acme", onTask: exportOwnName("v2")},
	})
	s := h.submit("#! switch [v*]\na\n#! switch [$X]\nb\n", SubmitOptions{})
	h.wait(s)

	report := h.report()
	require.Len(t, report, 2)
	require.Equal(t, "v1 v2", report[1].Targets)
	require.Equal(t, []string{"v1", "v2"}, nodeNames(report[1]))

	tasks := h.cluster.receivedTasks()
	require.Len(t, tasks, 4)
	_, seeded := tasks[0].Env["X"]
	require.False(t, seeded)
	x := tasks[2].Env["X"]
	require.True(t, x.IsList())
	require.Equal(t, []string{"v1", "v2"}, x.Items())
}

func TestSession_Terminate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.WaitTimeout = 30 * time.Second
	working := func(_ int, _ bus.Task) []bus.Frame { return []bus.Frame{stdout("working")} }
	h := newHarness(t, cfg, []fakeNode{
		{name: "n1", org: "acme", onTask: working},
		{name: "n2", org: "acme", onTask: working},
	})
	s := h.submit("#! switch [*]\nsleep 100\n#! switch [*]\nnever\n", SubmitOptions{})

	require.Eventually(t, func() bool {
		n := 0
		for _, m := range h.outbox.messages() {
			if m.Stdout == "working" {
				n++
			}
		}
		return n == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.d.Terminate(acme, s.ID, "user abort"))
	require.NoError(t, h.d.Terminate(acme, s.ID, "second reason ignored"))
	h.wait(s)

	report := h.report()
	require.Len(t, report, 1, "sections after the stop are skipped")
	require.Len(t, report[0].Nodes, 2)
	for _, n := range report[0].Nodes {
		require.Equal(t, api.RetCodeNoResult, n.RetCode)
	}

	forced := 0
	for _, m := range h.outbox.messages() {
		if m.Type == api.MessagePartial && strings.Contains(m.Stderr, "Job execution stopped: user abort") {
			forced++
		}
	}
	require.Equal(t, 2, forced)
	require.Equal(t, "user abort", h.outbox.finished()[0].StopReason)
}

func TestSession_TimeoutSentinel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, testConfig(), []fakeNode{
		{name: "slow", org: "acme"},
	})
	s := h.submit("#! options --timeout=1\n#! switch [*]\nsleep 100\n", SubmitOptions{})
	h.wait(s)

	report := h.report()
	require.Len(t, report, 1)
	require.Equal(t, api.RetCodeNoResult, report[0].Nodes[0].RetCode)

	var stderr string
	for _, m := range h.outbox.messages() {
		if m.Node == "slow" {
			stderr += m.Stderr
		}
	}
	require.Contains(t, stderr, timeoutNote)
}

func TestSession_InvalidScriptStillReports(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, testConfig(), nil)
	s := h.submit("echo no sections\n", SubmitOptions{})
	h.wait(s)

	fin := h.outbox.finished()
	require.Len(t, fin, 1)
	require.Empty(t, fin[0].Report)
	require.Contains(t, fin[0].StopReason, "invalid script")
}

func TestSession_OrgMismatchStopsSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.OrgIsolation = true
	// The node hears acme's announcement but answers as another organization.
	h := newHarness(t, cfg, []fakeNode{{name: "n1", org: "evil"}})
	s := h.submit("#! switch [*]\na\n#! switch [*]\nb\n", SubmitOptions{})
	h.wait(s)

	fin := h.outbox.finished()
	require.Len(t, fin, 1)
	require.Equal(t, "organization mismatch", fin[0].StopReason)
	require.Len(t, fin[0].Report, 1)
	require.Empty(t, fin[0].Report[0].Nodes)
	require.Empty(t, h.cluster.receivedTasks())
}

type savedReports struct {
	recs []*store.SessionRecord
}

func (s *savedReports) SaveReport(_ context.Context, rec *store.SessionRecord) error {
	s.recs = append(s.recs, rec)
	return nil
}

func TestSession_ArchivesReport(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &savedReports{}
	h := newHarness(t, testConfig(), []fakeNode{
		{name: "n1", org: "acme", onTask: func(_ int, _ bus.Task) []bus.Frame {
			return []bus.Frame{finished("", 7, nil)}
		}},
	}, WithReportSink(sink))
	s := h.submit("#! switch [*]\nexit 7\n", SubmitOptions{Tags: []string{"x"}})
	h.wait(s)

	require.Len(t, sink.recs, 1)
	rec := sink.recs[0]
	require.Equal(t, s.ID, rec.ID)
	require.Equal(t, "acme", rec.Org)
	require.Equal(t, []string{"x"}, rec.Tags)
	require.Equal(t, 7, rec.Report[0].Nodes[0].RetCode)
	require.False(t, rec.FinishedAt.Before(rec.StartedAt))
}

type failingHook struct{ calls int }

func (h *failingHook) Name() string { return "failing" }

func (h *failingHook) Before(context.Context, *HookContext, string, env.Env) (BeforeResult, error) {
	h.calls++
	return BeforeResult{}, errors.New("plugin bug")
}

type rewriteHook struct{}

func (rewriteHook) Name() string { return "rewrite" }

func (rewriteHook) Before(_ context.Context, hc *HookContext, body string, e env.Env) (BeforeResult, error) {
	out := "# rewritten\n" + body
	next := e.Clone()
	next.Set("SESSION", hc.SessionID)
	return BeforeResult{Body: &out, Env: next}, nil
}

func TestSession_HooksAreBestEffort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	failing := &failingHook{}
	plugins, err := NewPlugins(failing, rewriteHook{})
	require.NoError(t, err)

	h := newHarness(t, testConfig(), []fakeNode{
		{name: "n1", org: "acme", onTask: func(_ int, _ bus.Task) []bus.Frame {
			return []bus.Frame{finished("", 0, nil)}
		}},
	}, WithPlugins(plugins))
	s := h.submit("#! switch [*]\nuptime\n", SubmitOptions{})
	h.wait(s)

	require.Equal(t, 1, failing.calls)
	tasks := h.cluster.receivedTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "# rewritten\nuptime\n", tasks[0].Script)
	require.Equal(t, s.ID, tasks[0].Env["SESSION"].Scalar())
	require.Len(t, h.outbox.finished(), 1)
}

func TestDispatcher_OwnershipAndLookup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.WaitTimeout = 30 * time.Second
	h := newHarness(t, cfg, []fakeNode{{name: "n1", org: "acme"}})
	s := h.submit("#! switch [*]\nsleep\n", SubmitOptions{})

	other := Caller{User: "mallory", Access: access.Static{Organization: "other", RunAs: "x"}}
	require.ErrorIs(t, h.d.Terminate(other, s.ID, "nope"), ErrNotOwner)
	require.ErrorIs(t, h.d.Attach(other, s.ID, "sub.x"), ErrNotOwner)
	require.ErrorIs(t, h.d.Terminate(acme, "missing", ""), ErrSessionNotFound)

	require.NoError(t, h.d.Attach(acme, s.ID, "sub.second"))
	require.ElementsMatch(t, []string{"sub.test", "sub.second"}, h.d.Registry().Subscribers(s.ID))
	require.NoError(t, h.d.Detach(s.ID, "sub.second"))
	require.Equal(t, []string{"sub.test"}, h.d.Registry().Subscribers(s.ID))

	require.Len(t, h.d.Sessions("acme"), 1)
	require.Empty(t, h.d.Sessions("other"))

	require.Eventually(t, func() bool { return s.JobID() != "" }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.d.Input(context.Background(), acme, s.ID, "", json.RawMessage(`"y\n"`)))

	require.NoError(t, h.d.Terminate(acme, s.ID, ""))
	h.wait(s)
	require.Equal(t, "terminated by alice", h.outbox.finished()[0].StopReason)
	require.NoError(t, h.d.Detach(s.ID, "sub.test"))
}

func TestDispatcher_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.WaitTimeout = 30 * time.Second
	h := newHarness(t, cfg, []fakeNode{{name: "n1", org: "acme"}})
	s := h.submit("#! switch [*]\nsleep\n", SubmitOptions{})
	require.Eventually(t, func() bool { return s.JobID() != "" }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))

	_, err := h.d.Submit(context.Background(), acme, "#! switch [*]\n", SubmitOptions{})
	require.ErrorIs(t, err, ErrShuttingDown)

	h.wait(s)
	require.Equal(t, "dispatcher shutting down", h.outbox.finished()[0].StopReason)
}

func TestDispatcher_InputWithoutSection(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	defer h.bus.Close()

	s := &Session{ID: "s1", Org: "acme", d: h.d, stopCh: make(chan struct{}), done: make(chan struct{})}
	require.NoError(t, h.d.Registry().Register(s.ID, s))

	err := h.d.Input(context.Background(), acme, "s1", "*", json.RawMessage(`"x"`))
	require.ErrorIs(t, err, ErrNoActiveSection)
}

func TestSubmit_RejectsBadTimeout(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	defer h.bus.Close()

	_, err := h.d.Submit(context.Background(), acme, "#! switch [*]\n", SubmitOptions{Timeout: intPtr(-5)})
	require.Error(t, err)
	_, err = h.d.Submit(context.Background(), Caller{User: "x"}, "#! switch [*]\n", SubmitOptions{})
	require.Error(t, err)
}
