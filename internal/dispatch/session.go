package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"runplane/internal/access"
	"runplane/internal/bus"
	"runplane/internal/env"
	"runplane/internal/script"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// State is a session lifecycle state. Transitions only move forward.
type State string

const (
	StateCreated         State = api.StateCreated
	StateParsing         State = api.StateParsing
	StateRunningSections State = api.StateRunningSections
	StateFinalizing      State = api.StateFinalizing
	StateDone            State = api.StateDone
)

// Session owns one submitted script from parsing to the final report.
type Session struct {
	ID       string
	User     string
	Org      string
	Payload  string
	Tags     []string
	Includes []bus.Library

	d       *Dispatcher
	access  access.Mapping
	timeout *int
	env     env.Env
	log     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu         sync.Mutex
	state      State
	stopReason string
	jobID      string
	section    int
	sections   int
	report     []api.SectionReport
	startedAt  time.Time
	finishedAt time.Time
}

func newSession(d *Dispatcher, id string, caller Caller, payload string, opts SubmitOptions) *Session {
	e := opts.Env.Clone()
	if e == nil {
		e = env.Env{}
	}
	return &Session{
		ID:        id,
		User:      caller.User,
		Org:       caller.Access.Org(),
		Payload:   payload,
		Tags:      append([]string(nil), opts.Tags...),
		Includes:  opts.Includes,
		d:         d,
		access:    caller.Access,
		timeout:   opts.Timeout,
		env:       e,
		log:       d.log.With("session_id", id, "user", caller.User, "org", caller.Access.Org()),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateCreated,
		startedAt: time.Now(),
	}
}

// RequestStop asserts the termination signal. Only the first reason is kept.
func (s *Session) RequestStop(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopReason = reason
		s.mu.Unlock()
		close(s.stopCh)
		s.log.Info("stop requested", "reason", reason)
	})
}

// Stopped reports whether a stop was requested and why.
func (s *Session) Stopped() (string, bool) {
	select {
	case <-s.stopCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopReason, true
	default:
		return "", false
	}
}

// Done is closed once the session has finalized and deregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// JobID returns the job id of the section currently running.
func (s *Session) JobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// Report returns the sections recorded so far.
func (s *Session) Report() []api.SectionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.SectionReport(nil), s.report...)
}

// Snapshot describes the session for API responses.
func (s *Session) Snapshot() api.SessionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := api.SessionResponse{
		ID:         s.ID,
		User:       s.User,
		Org:        s.Org,
		State:      string(s.state),
		Tags:       s.Tags,
		Section:    s.section,
		Sections:   s.sections,
		StopReason: s.stopReason,
		StartedAt:  s.startedAt,
		Report:     append([]api.SectionReport(nil), s.report...),
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		resp.FinishedAt = &t
	}
	return resp
}

// Attach subscribes addr to the session's output.
func (s *Session) Attach(addr string) error { return s.d.registry.Subscribe(s.ID, addr) }

// Detach unsubscribes addr.
func (s *Session) Detach(addr string) error { return s.d.registry.Unsubscribe(s.ID, addr) }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug("session state", "state", st)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ctx, span := tracer.Start(ctx, "dispatch.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("user", s.User),
		attribute.String("org", s.Org),
	))
	defer span.End()

	s.d.metrics.sessionStarted(ctx, s.Org)
	s.log.InfoContext(ctx, "session started")

	s.setState(StateParsing)
	sc, err := script.Parse(s.Payload)
	if err != nil {
		s.log.WarnContext(ctx, "script rejected", "error", err)
		s.RequestStop("invalid script: " + err.Error())
	} else {
		s.mu.Lock()
		s.sections = len(sc.Sections)
		s.Tags = append(s.Tags, sc.Options.Tags...)
		s.mu.Unlock()
		s.setState(StateRunningSections)
		s.runSections(ctx, sc)
	}

	s.finalize(ctx)
}

func (s *Session) runSections(ctx context.Context, sc *script.Script) {
	timeout := s.sectionTimeout(sc.Options)
	state := make(map[string]any)

	for i, sec := range sc.Sections {
		if reason, stopped := s.Stopped(); stopped {
			s.log.InfoContext(ctx, "skipping remaining sections", "reason", reason, "remaining", len(sc.Sections)-i)
			return
		}
		s.mu.Lock()
		s.section = i + 1
		s.mu.Unlock()

		sec.Resolved = script.Resolve(sec.Target, s.env)

		args, err := s.d.plugins.ParseArgs(sec.Args)
		if err != nil {
			s.log.WarnContext(ctx, "section arguments", "line", sec.Line, "error", err)
		}
		hc := &HookContext{
			User:      s.User,
			Org:       s.Org,
			SessionID: s.ID,
			Targets:   sec.Resolved,
			Tags:      s.Tags,
			Args:      args,
			Includes:  s.Includes,
			State:     state,
		}

		body, e, skip := s.d.plugins.runBefore(ctx, s.log, hc, sec.Body, s.env)
		s.env = e
		if skip {
			s.record(sec, "", nil)
			continue
		}
		libs := s.d.plugins.collectLibraries(ctx, s.log, hc)

		x := newExecutor(s.d.bus, s.d.cfg, SectionRequest{
			Org:       s.Org,
			Targets:   sec.Resolved,
			Env:       s.env.Clone(),
			Body:      body,
			Access:    s.access,
			Libraries: libs,
			Timeout:   timeout,
		}, s, s.log, s.d.metrics)

		results := s.consume(ctx, x, sec)

		// Results are in READY arrival order, which fixes the merge order.
		for _, r := range results {
			if r.Env != nil {
				s.env.Merge(r.Env)
			}
		}

		hc.JobID = x.JobID()
		s.d.plugins.runAfter(ctx, s.log, hc, s.env, results)
		s.record(sec, x.JobID(), results)

		if err := x.Err(); err != nil {
			var mismatch *OrgMismatchError
			if errors.As(err, &mismatch) {
				s.log.ErrorContext(ctx, "cross-organization reply, abandoning session", "error", err)
				s.RequestStop("organization mismatch")
			} else {
				s.log.ErrorContext(ctx, "section failed", "error", err)
				s.RequestStop(err.Error())
			}
		}
	}
}

// consume drives the executor, streaming partial events to subscribers.
func (s *Session) consume(ctx context.Context, x *Executor, sec *script.Section) []NodeResult {
	var results []NodeResult
	for {
		ev, ok := x.Next(ctx)
		if !ok {
			return results
		}
		switch ev.Kind {
		case EventPartial:
			if ev.Status == StatusStarted {
				s.mu.Lock()
				s.jobID = ev.JobID
				s.mu.Unlock()
			}
			s.broadcast(ctx, api.StreamMessage{
				Type:      api.MessagePartial,
				SessionID: s.ID,
				Time:      time.Now().UTC(),
				User:      s.User,
				Targets:   sec.Resolved,
				Tags:      s.Tags,
				JobID:     ev.JobID,
				RunAs:     ev.RunAs,
				Node:      ev.Node,
				Status:    ev.Status,
				Stdout:    ev.Stdout,
				Stderr:    ev.Stderr,
			})
		case EventResults:
			results = ev.Results
		}
	}
}

func (s *Session) record(sec *script.Section, jobID string, results []NodeResult) {
	nodes := make([]api.NodeReport, 0, len(results))
	for _, r := range results {
		nodes = append(nodes, api.NodeReport{Node: r.Node, RunAs: r.RunAs, RetCode: r.RetCode})
	}
	args := sec.Args
	if args == nil {
		args = []string{}
	}
	s.mu.Lock()
	s.report = append(s.report, api.SectionReport{
		Targets: sec.Resolved,
		JobID:   jobID,
		Args:    args,
		Nodes:   nodes,
	})
	s.mu.Unlock()
}

func (s *Session) sectionTimeout(opts script.Options) time.Duration {
	secs := 0
	switch {
	case s.timeout != nil:
		secs = *s.timeout
	case opts.HasTimeout:
		secs = opts.Timeout
	default:
		return s.d.cfg.WaitTimeout
	}
	if secs < 0 {
		return maxTimeout
	}
	if secs == 0 {
		return s.d.cfg.WaitTimeout
	}
	return time.Duration(secs) * time.Second
}

// broadcast delivers msg to every current subscriber. A failing subscriber
// only loses this message.
func (s *Session) broadcast(ctx context.Context, msg api.StreamMessage) {
	for _, addr := range s.d.registry.Subscribers(s.ID) {
		if err := s.d.outbox.Deliver(ctx, addr, msg); err != nil {
			s.log.WarnContext(ctx, "subscriber delivery failed", "subscriber", addr, "error", err)
		}
	}
}

func (s *Session) finalize(ctx context.Context) {
	s.setState(StateFinalizing)

	s.mu.Lock()
	s.finishedAt = time.Now()
	s.jobID = ""
	report := append([]api.SectionReport(nil), s.report...)
	tags := s.Tags
	s.mu.Unlock()
	reason, stopped := s.Stopped()

	s.broadcast(ctx, api.StreamMessage{
		Type:       api.MessageFinished,
		SessionID:  s.ID,
		Time:       time.Now().UTC(),
		User:       s.User,
		Tags:       tags,
		Script:     s.Payload,
		Report:     report,
		StopReason: reason,
	})

	if s.d.sink != nil {
		rec := &store.SessionRecord{
			ID:         s.ID,
			User:       s.User,
			Org:        s.Org,
			Tags:       tags,
			Script:     s.Payload,
			Report:     report,
			StopReason: reason,
			StartedAt:  s.startedAt,
			FinishedAt: s.finishedAt,
		}
		if err := s.d.sink.SaveReport(context.WithoutCancel(ctx), rec); err != nil {
			s.log.WarnContext(ctx, "archiving report failed", "error", err)
		}
	}

	s.d.metrics.sessionFinished(ctx, s.Org, stopped)
	s.log.InfoContext(ctx, "session finished", "sections", len(report), "stopped", stopped)

	// Trailing subscriber reads may still be in flight.
	if s.d.cfg.FinishGrace > 0 {
		timer := time.NewTimer(s.d.cfg.FinishGrace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	s.d.registry.Deregister(s.ID)
	s.setState(StateDone)
}
