package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"runplane/internal/access"
	"runplane/internal/bus"
	"runplane/internal/env"
	"runplane/internal/selector"
	"runplane/pkg/api"
)

const (
	timeoutNote = "Timeout waiting response from node"
	stoppedNote = "Job execution stopped: "
	// Sent to nodes the caller may not run on.
	notPermittedNote = "not permitted"
	taskNotSentNote  = "Task not delivered: "

	statusStarted bus.Control = "STARTED"
)

// maxTimeout stands in for an unbounded section wait.
const maxTimeout = 100 * 365 * 24 * time.Hour

// OrgMismatchError is raised when a node reply carries another organization
// than the one the job was announced to.
type OrgMismatchError struct {
	JobID string
	Peer  string
	Want  string
	Got   string
}

func (e *OrgMismatchError) Error() string {
	return fmt.Sprintf("job %s: node %q replied for org %q, want %q", e.JobID, e.Peer, e.Got, e.Want)
}

// SectionRequest is what one section fan-out needs.
type SectionRequest struct {
	Org       string
	Targets   string
	Env       env.Env
	Body      string
	Access    access.Mapping
	Libraries []bus.Library
	// Timeout overrides the configured wait timeout when positive.
	Timeout time.Duration
}

// stopSignal is polled by the executor between bus reads.
type stopSignal interface {
	Stopped() (reason string, stopped bool)
}

type phase int

const (
	phaseInit phase = iota
	phasePolling
	phaseUnwind
	phaseResults
	phaseDone
)

type nodeState struct {
	name    string
	status  bus.Control
	replyTo string
	runAs   string
	stdout  string
	stderr  string
	env     env.Env
	retCode *int
}

// Executor runs the discovery, dispatch and collect protocol of one section.
// It is a single-pass state machine driven by Next; it never starts
// goroutines of its own, so the session goroutine owns all node state.
type Executor struct {
	bus  bus.Bus
	cfg  Config
	req  SectionRequest
	stop stopSignal
	log  *slog.Logger
	m    *metrics

	phase     phase
	queue     []Event
	jobID     string
	ch        bus.JobChannel
	span      trace.Span
	trace     map[string]string
	started   time.Time
	discovery time.Time
	deadline  time.Time

	nodes     map[string]*nodeState
	order     []*nodeState
	unwinding bool
	note      string
	timedOut  bool
	err       error
}

func newExecutor(b bus.Bus, cfg Config, req SectionRequest, stop stopSignal, log *slog.Logger, m *metrics) *Executor {
	return &Executor{
		bus:   b,
		cfg:   cfg,
		req:   req,
		stop:  stop,
		log:   log,
		m:     m,
		nodes: make(map[string]*nodeState),
	}
}

// JobID returns the job id once the first event has been produced.
func (x *Executor) JobID() string { return x.jobID }

// Err returns the error that abandoned the section, if any. A timeout is
// not an error.
func (x *Executor) Err() error { return x.err }

// TimedOut reports whether the wait deadline expired.
func (x *Executor) TimedOut() bool { return x.timedOut }

// Next advances the protocol until it has an event to hand out. It returns
// false once the terminal results event has been consumed.
func (x *Executor) Next(ctx context.Context) (Event, bool) {
	for {
		if len(x.queue) > 0 {
			ev := x.queue[0]
			x.queue = x.queue[1:]
			return ev, true
		}
		switch x.phase {
		case phaseInit:
			x.begin(ctx)
		case phasePolling:
			x.poll(ctx)
		case phaseUnwind:
			x.unwind(ctx)
		case phaseResults:
			x.finish(ctx)
		default:
			return Event{}, false
		}
	}
}

func (x *Executor) begin(ctx context.Context) {
	x.jobID = newID()
	x.started = time.Now()
	x.log = x.log.With("job_id", x.jobID)

	ctx, x.span = tracer.Start(ctx, "dispatch.section", trace.WithAttributes(
		attribute.String("job.id", x.jobID),
		attribute.String("job.targets", x.req.Targets),
		attribute.String("org", x.req.Org),
	))
	x.trace = make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(x.trace))

	// The channel must exist before the announcement so no READY is lost.
	ch, err := x.bus.OpenJob(ctx, x.jobID)
	if err != nil {
		x.err = fmt.Errorf("opening job %s: %w", x.jobID, err)
		x.log.ErrorContext(ctx, "cannot open job channel", "error", err)
		x.phase = phaseResults
		return
	}
	x.ch = ch

	if err := x.bus.Announce(ctx, bus.Announcement{JobID: x.jobID, Org: x.req.Org, Targets: x.req.Targets}); err != nil {
		x.err = fmt.Errorf("announcing job %s: %w", x.jobID, err)
		x.log.ErrorContext(ctx, "cannot announce job", "error", err)
		x.phase = phaseResults
		return
	}
	x.log.InfoContext(ctx, "job announced", "targets", x.req.Targets)

	wait := x.cfg.WaitTimeout
	if x.req.Timeout > 0 {
		wait = x.req.Timeout
	}
	x.discovery = x.started.Add(x.cfg.DiscoveryTimeout)
	x.deadline = x.started.Add(wait)
	x.phase = phasePolling
	x.queue = append(x.queue, Event{Kind: EventPartial, JobID: x.jobID, Targets: x.req.Targets, Status: StatusStarted})
}

func (x *Executor) poll(ctx context.Context) {
	if reason, stopped := x.stop.Stopped(); stopped {
		x.beginUnwind(stoppedNote + reason)
		return
	}
	if err := ctx.Err(); err != nil {
		x.beginUnwind(stoppedNote + err.Error())
		return
	}

	frames, err := x.ch.Receive(ctx, x.cfg.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			x.beginUnwind(stoppedNote + ctx.Err().Error())
			return
		}
		x.err = fmt.Errorf("receiving on job %s: %w", x.jobID, err)
		x.log.ErrorContext(ctx, "job channel receive failed", "error", err)
		x.beginUnwind(stoppedNote + "transport error")
		return
	}
	for _, f := range frames {
		if err := x.handle(ctx, f); err != nil {
			x.err = err
			x.log.ErrorContext(ctx, "abandoning section", "error", err)
			x.beginUnwind(stoppedNote + err.Error())
			return
		}
	}

	now := time.Now()
	if now.After(x.discovery) && !x.pending() {
		x.phase = phaseResults
		return
	}
	if now.After(x.deadline) {
		x.timedOut = true
		x.m.timedOut(ctx)
		x.log.WarnContext(ctx, "section timed out", "pending", x.pendingNames())
		x.beginUnwind(timeoutNote)
	}
}

func (x *Executor) beginUnwind(note string) {
	x.note = note
	x.phase = phaseUnwind
}

func (x *Executor) handle(ctx context.Context, f bus.Frame) error {
	if f.Invalid != nil {
		x.log.WarnContext(ctx, "discarding malformed frame", "error", f.Invalid)
		return nil
	}
	if f.IsInput() {
		x.forwardInput(ctx, f)
		return nil
	}
	if x.cfg.OrgIsolation && f.Org != x.req.Org {
		return &OrgMismatchError{JobID: x.jobID, Peer: f.Peer, Want: x.req.Org, Got: f.Org}
	}

	n, tracked := x.nodes[f.Peer]
	if f.Control == bus.ControlReady {
		if tracked {
			x.log.DebugContext(ctx, "duplicate ready", "node", f.Peer)
			return nil
		}
		x.ready(ctx, f)
		return nil
	}
	if !tracked {
		x.log.DebugContext(ctx, "discarding frame from untracked node", "node", f.Peer, "control", f.Control)
		return nil
	}
	if n.status == bus.ControlFinished {
		x.log.DebugContext(ctx, "discarding frame after finish", "node", f.Peer, "control", f.Control)
		return nil
	}
	if len(f.Data) == 0 {
		return nil
	}

	var data bus.NodeData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		x.log.WarnContext(ctx, "discarding malformed node data", "node", f.Peer, "error", err)
		return nil
	}
	if data.Env != nil {
		n.env = data.Env
	}
	if data.RetCode != nil {
		n.retCode = data.RetCode
	}
	n.status = f.Control

	switch f.Control {
	case bus.ControlFinished:
		n.stdout += data.Stdout
		n.stderr += data.Stderr
		if data.Stdout != "" || data.Stderr != "" {
			x.partial(n, data.Stdout, data.Stderr)
		}
		x.log.InfoContext(ctx, "node finished", "node", n.name, "ret_code", retCode(n))
	case bus.ControlStdout:
		n.stdout += data.Stdout
		if data.Stdout != "" {
			x.partial(n, data.Stdout, "")
		}
	case bus.ControlStderr:
		n.stderr += data.Stderr
		if data.Stderr != "" {
			x.partial(n, "", data.Stderr)
		}
	default:
		x.log.DebugContext(ctx, "node event", "node", n.name, "control", f.Control)
	}
	return nil
}

func (x *Executor) ready(ctx context.Context, f bus.Frame) {
	if x.unwinding {
		return
	}
	runAs, ok := x.req.Access.Select(f.Peer)
	if !ok {
		x.m.dropped(ctx)
		x.log.InfoContext(ctx, "node not permitted", "node", f.Peer)
		// Release the node's slot instead of leaving it waiting for a task.
		if f.ReplyTo != "" {
			if err := x.ch.Reply(ctx, f.ReplyTo, f.Peer, x.jobID, bus.ControlTerm, bus.Term{Reason: notPermittedNote}); err != nil {
				x.log.DebugContext(ctx, "term not delivered", "node", f.Peer, "error", err)
			}
		}
		return
	}
	if f.ReplyTo == "" {
		x.log.WarnContext(ctx, "ready without reply address", "node", f.Peer)
		return
	}

	n := &nodeState{name: f.Peer, status: statusStarted, replyTo: f.ReplyTo, runAs: runAs}
	x.nodes[n.name] = n
	x.order = append(x.order, n)

	task := bus.Task{
		JobID:     x.jobID,
		RunAs:     runAs,
		Script:    x.req.Body,
		Env:       x.req.Env,
		Libraries: x.req.Libraries,
		Trace:     x.trace,
	}
	if err := x.ch.Reply(ctx, f.ReplyTo, n.name, x.jobID, bus.ControlTask, task); err != nil {
		x.log.WarnContext(ctx, "sending task failed", "node", n.name, "error", err)
		n.status = bus.ControlFinished
		n.stderr = taskNotSentNote + err.Error()
		x.partial(n, "", n.stderr)
		return
	}
	n.status = bus.ControlReady
	x.m.dispatched(ctx)
	x.log.InfoContext(ctx, "task dispatched", "node", n.name, "run_as", runAs)
}

func (x *Executor) forwardInput(ctx context.Context, f bus.Frame) {
	targets := f.Targets
	if strings.TrimSpace(targets) == "" {
		targets = "*"
	}
	for _, n := range x.order {
		if n.status == bus.ControlFinished || !selector.MatchName(targets, n.name) {
			continue
		}
		if err := x.ch.Reply(ctx, n.replyTo, n.name, x.jobID, bus.ControlInput, f.Data); err != nil {
			x.log.WarnContext(ctx, "forwarding input failed", "node", n.name, "error", err)
		}
	}
}

func (x *Executor) partial(n *nodeState, stdout, stderr string) {
	x.queue = append(x.queue, Event{
		Kind:   EventPartial,
		JobID:  x.jobID,
		Node:   n.name,
		RunAs:  n.runAs,
		Status: string(n.status),
		Stdout: stdout,
		Stderr: stderr,
	})
}

// unwind terminates every node still running, gives them a moment to
// report, then closes the rest with the unwind note as stderr.
func (x *Executor) unwind(ctx context.Context) {
	x.unwinding = true
	// Cleanup must reach the nodes even when the caller's context is gone.
	ctx = context.WithoutCancel(ctx)

	for _, n := range x.order {
		if n.status == bus.ControlFinished {
			continue
		}
		if err := x.ch.Reply(ctx, n.replyTo, n.name, x.jobID, bus.ControlTerm, bus.Term{Reason: x.note}); err != nil {
			x.log.DebugContext(ctx, "term not delivered", "node", n.name, "error", err)
		}
	}

	settle := time.Now().Add(x.cfg.TermSettle)
	for x.pending() {
		remaining := time.Until(settle)
		if remaining <= 0 {
			break
		}
		frames, err := x.ch.Receive(ctx, min(remaining, x.cfg.PollInterval))
		if err != nil {
			break
		}
		for _, f := range frames {
			if err := x.handle(ctx, f); err != nil && x.err == nil {
				x.err = err
				x.log.ErrorContext(ctx, "frame rejected during unwind", "error", err)
			}
		}
	}

	for _, n := range x.order {
		if n.status == bus.ControlFinished {
			continue
		}
		n.status = bus.ControlFinished
		n.stderr = appendLine(n.stderr, x.note)
		x.partial(n, n.stdout, n.stderr)
	}
	x.phase = phaseResults
}

func (x *Executor) finish(ctx context.Context) {
	if x.ch != nil {
		if err := x.ch.Close(); err != nil {
			x.log.DebugContext(ctx, "closing job channel", "error", err)
		}
	}

	results := make([]NodeResult, 0, len(x.order))
	for _, n := range x.order {
		results = append(results, NodeResult{
			Node:    n.name,
			RunAs:   n.runAs,
			JobID:   x.jobID,
			Env:     n.env,
			Stdout:  n.stdout,
			Stderr:  n.stderr,
			RetCode: retCode(n),
		})
	}

	if x.span != nil {
		x.span.SetAttributes(
			attribute.Int("job.nodes", len(results)),
			attribute.Bool("job.timed_out", x.timedOut),
		)
		if x.err != nil {
			x.span.RecordError(x.err)
			x.span.SetStatus(codes.Error, x.err.Error())
		}
		x.span.End()
	}
	if !x.started.IsZero() {
		x.m.sectionDone(ctx, x.started, len(results))
	}

	x.queue = append(x.queue, Event{Kind: EventResults, JobID: x.jobID, Targets: x.req.Targets, Results: results})
	x.phase = phaseDone
}

func (x *Executor) pending() bool {
	for _, n := range x.order {
		if n.status != bus.ControlFinished {
			return true
		}
	}
	return false
}

func (x *Executor) pendingNames() []string {
	var names []string
	for _, n := range x.order {
		if n.status != bus.ControlFinished {
			names = append(names, n.name)
		}
	}
	return names
}

func retCode(n *nodeState) int {
	if n.retCode == nil {
		return api.RetCodeNoResult
	}
	return *n.retCode
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}
