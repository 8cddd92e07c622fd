// Package worker contains the node agent: it answers job announcements for
// its organization, runs the pushed section scripts through a runtime and
// streams their output back on the job channel.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"runplane/internal/bus"
	"runplane/internal/env"
	"runplane/internal/selector"
	"runplane/internal/worker/runtime"
)

// AgentConfig holds configuration for the node agent.
type AgentConfig struct {
	Name        string
	Org         string
	Tags        map[string]string
	Concurrency int
	// TaskTimeout bounds the wait for a task after answering READY. The
	// dispatcher sends the task as soon as it reads the answer, so this only
	// needs to cover a few poll rounds; the slot stays taken until then.
	TaskTimeout time.Duration
	// FlushInterval is how often buffered output is shipped.
	FlushInterval time.Duration
	// MaxBatchBytes ships output early once a buffer grows this large.
	MaxBatchBytes int
	// PollInterval is the inbox poll window.
	PollInterval time.Duration
	// StopTimeout bounds a TERM-triggered stop.
	StopTimeout time.Duration
}

// Agent is the node agent.
type Agent struct {
	bus     bus.NodeBus
	runtime runtime.Runtime
	config  AgentConfig
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *agentMetrics

	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu      sync.Mutex
	closing bool
}

// New creates a new node agent.
func New(b bus.NodeBus, rt runtime.Runtime, config AgentConfig, log *slog.Logger) (*Agent, error) {
	if config.Name == "" || config.Org == "" {
		return nil, errors.New("node name and organization are required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 10 * time.Second
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 200 * time.Millisecond
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = 32 << 10
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	m, err := newAgentMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating agent metrics: %w", err)
	}

	return &Agent{
		bus:     b,
		runtime: rt,
		config:  config,
		log:     log.With("node", config.Name, "org", config.Org),
		tracer:  otel.Tracer("runplane/worker"),
		metrics: m,
		sem:     make(chan struct{}, config.Concurrency),
		done:    make(chan struct{}),
	}, nil
}

// Run answers announcements until the context is cancelled. Tasks already
// running are allowed to finish before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-a.done
	return ctx.Err()
}

// Start subscribes to announcements and returns once the subscription is
// in place. The agent stops when ctx is cancelled; Done reports when.
func (a *Agent) Start(ctx context.Context) error {
	a.log.InfoContext(ctx, "agent starting", "concurrency", a.config.Concurrency)

	unsubscribe, err := a.bus.SubscribeAnnouncements(a.config.Org, func(ann bus.Announcement) {
		a.onAnnouncement(ctx, ann)
	})
	if err != nil {
		close(a.done)
		return fmt.Errorf("subscribing to announcements: %w", err)
	}

	go func() {
		<-ctx.Done()
		a.log.Info("context cancelled, waiting for running tasks to finish")

		a.mu.Lock()
		a.closing = true
		a.mu.Unlock()
		if err := unsubscribe(); err != nil {
			a.log.Warn("unsubscribing from announcements", "error", err)
		}

		a.wg.Wait()
		close(a.done)
	}()
	return nil
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) onAnnouncement(ctx context.Context, ann bus.Announcement) {
	node := selector.Node{Name: a.config.Name, Tags: a.config.Tags}
	if ann.Org != a.config.Org || !selector.Match(ann.Targets, node) {
		return
	}

	// A node at capacity stays silent; the dispatcher only waits for nodes
	// that answer.
	select {
	case a.sem <- struct{}{}:
	default:
		a.log.WarnContext(ctx, "at capacity, ignoring job", "job_id", ann.JobID)
		return
	}

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		<-a.sem
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer func() { <-a.sem }()
		// A task outlives the agent's context so shutdown drains instead of
		// killing scripts.
		a.handleJob(context.WithoutCancel(ctx), ann)
	}()
}

// handleJob answers READY, waits for the task and runs it.
func (a *Agent) handleJob(ctx context.Context, ann bus.Announcement) {
	log := a.log.With("job_id", ann.JobID)

	inbox, err := a.bus.OpenInbox(ctx)
	if err != nil {
		log.ErrorContext(ctx, "cannot open inbox", "error", err)
		return
	}
	defer inbox.Close()

	ready := bus.Frame{Peer: a.config.Name, Org: a.config.Org, JobID: ann.JobID, Control: bus.ControlReady, ReplyTo: inbox.Address()}
	if err := a.bus.Send(ctx, ann.JobID, ready); err != nil {
		log.ErrorContext(ctx, "cannot answer ready", "error", err)
		return
	}

	task, early, ok := a.awaitTask(ctx, inbox, log)
	if !ok {
		return
	}

	traceCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(task.Trace))
	spanCtx, span := a.tracer.Start(traceCtx, "node.run",
		trace.WithAttributes(
			attribute.String("job.id", ann.JobID),
			attribute.String("node", a.config.Name),
			attribute.String("run_as", task.RunAs),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	code := a.execute(spanCtx, ann.JobID, inbox, task, early, log)
	span.SetAttributes(attribute.Int("exit_code", code))
	if code != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", code))
	}
}

// awaitTask waits for the dispatcher's TASK. A TERM, a closed inbox or the
// task timeout end the wait. Frames that arrived in the same batch after the
// task are returned so they reach the running script.
func (a *Agent) awaitTask(ctx context.Context, inbox bus.Inbox, log *slog.Logger) (bus.Task, []bus.Frame, bool) {
	deadline := time.Now().Add(a.config.TaskTimeout)
	for time.Now().Before(deadline) {
		frames, err := inbox.Receive(ctx, a.config.PollInterval)
		if err != nil {
			log.WarnContext(ctx, "inbox closed before task", "error", err)
			return bus.Task{}, nil, false
		}
		for i, f := range frames {
			switch f.Control {
			case bus.ControlTask:
				var task bus.Task
				if err := json.Unmarshal(f.Data, &task); err != nil {
					log.ErrorContext(ctx, "malformed task", "error", err)
					return bus.Task{}, nil, false
				}
				return task, frames[i+1:], true
			case bus.ControlTerm:
				log.InfoContext(ctx, "job terminated before task")
				return bus.Task{}, nil, false
			}
		}
	}
	log.DebugContext(ctx, "no task received, dispatcher did not select this node")
	return bus.Task{}, nil, false
}

// execute runs the task and always ends with a FINISHED frame. It returns
// the reported exit code.
func (a *Agent) execute(ctx context.Context, jobID string, inbox bus.Inbox, task bus.Task, early []bus.Frame, log *slog.Logger) int {
	libs := make([]runtime.File, 0, len(task.Libraries))
	for _, l := range task.Libraries {
		libs = append(libs, runtime.File{Name: l.Name, Source: l.Source})
	}

	a.metrics.started(ctx)
	h, err := a.runtime.Start(ctx, runtime.StartOptions{
		JobID:     jobID,
		Script:    task.Script,
		Libraries: libs,
		Env:       task.Env.Flatten(),
		RunAs:     task.RunAs,
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to start runtime", "error", err)
		code := -1
		a.finish(ctx, jobID, bus.NodeData{Stderr: fmt.Sprintf("failed to start script: %v\n", err), RetCode: &code}, log)
		a.metrics.finished(ctx, code)
		return code
	}
	log.InfoContext(ctx, "task started", "run_as", task.RunAs)

	ctrlCtx, stopControl := context.WithCancel(ctx)
	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		a.control(ctrlCtx, inbox, h, early, log)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pump(gctx, jobID, bus.ControlStdout, h.Stdout()) })
	g.Go(func() error { return a.pump(gctx, jobID, bus.ControlStderr, h.Stderr()) })
	if err := g.Wait(); err != nil {
		log.WarnContext(ctx, "output stream interrupted", "error", err)
	}

	res, err := h.Wait(ctx)
	stopControl()
	<-controlDone

	data := bus.NodeData{}
	code := -1
	switch {
	case err != nil:
		data.Stderr = fmt.Sprintf("waiting for script: %v\n", err)
	default:
		code = res.ExitCode
		if len(res.Env) > 0 {
			data.Env = env.FromStrings(res.Env)
		}
		if res.Error != nil {
			data.Stderr = res.Error.Error() + "\n"
		}
	}
	data.RetCode = &code

	a.finish(ctx, jobID, data, log)
	a.metrics.finished(ctx, code)
	log.InfoContext(ctx, "task finished", "ret_code", code)
	return code
}

func (a *Agent) finish(ctx context.Context, jobID string, data bus.NodeData, log *slog.Logger) {
	if err := a.send(ctx, jobID, bus.ControlFinished, data); err != nil {
		log.ErrorContext(ctx, "cannot report finish", "error", err)
	}
}

func (a *Agent) send(ctx context.Context, jobID string, control bus.Control, data bus.NodeData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return a.bus.Send(ctx, jobID, bus.Frame{Peer: a.config.Name, Org: a.config.Org, JobID: jobID, Control: control, Data: raw})
}

// control applies TERM and INPUT frames to the running script, starting
// with the frames that arrived together with the task.
func (a *Agent) control(ctx context.Context, inbox bus.Inbox, h runtime.Handle, frames []bus.Frame, log *slog.Logger) {
	var stopping sync.Once
	for ctx.Err() == nil {
		for _, f := range frames {
			switch f.Control {
			case bus.ControlTerm:
				var term bus.Term
				_ = json.Unmarshal(f.Data, &term)
				stopping.Do(func() {
					log.InfoContext(ctx, "stopping script", "reason", term.Reason)
					go func() {
						stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.StopTimeout)
						defer cancel()
						if err := h.Stop(stopCtx); err != nil {
							log.WarnContext(stopCtx, "stopping script failed", "error", err)
						}
					}()
				})
			case bus.ControlInput:
				if err := h.Input(inputBytes(f.Data)); err != nil {
					log.WarnContext(ctx, "delivering input failed", "error", err)
				}
			}
		}

		var err error
		frames, err = inbox.Receive(ctx, a.config.PollInterval)
		if err != nil {
			return
		}
	}
}

// inputBytes decodes an input payload. JSON strings are unquoted; anything
// else is passed through verbatim.
func inputBytes(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}

// pump ships r in batches of control frames: whenever FlushInterval passes
// or the buffer reaches MaxBatchBytes, and once more at EOF.
func (a *Agent) pump(ctx context.Context, jobID string, control bus.Control, r io.Reader) error {
	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunks <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	var pending []byte
	flush := func(final bool) error {
		out := pending
		if !final {
			out, pending = splitRunes(pending)
		} else {
			pending = nil
		}
		if len(out) == 0 {
			return nil
		}
		data := bus.NodeData{}
		if control == bus.ControlStderr {
			data.Stderr = string(out)
		} else {
			data.Stdout = string(out)
		}
		return a.send(ctx, jobID, control, data)
	}

	// Send failures are remembered, not returned, so the reader is always
	// drained to EOF.
	var sendErr error
	record := func(err error) {
		if err != nil && sendErr == nil {
			sendErr = err
		}
	}

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				record(flush(true))
				select {
				case err := <-readErr:
					return errors.Join(sendErr, err)
				default:
					return sendErr
				}
			}
			pending = append(pending, chunk...)
			if len(pending) >= a.config.MaxBatchBytes {
				record(flush(false))
			}
		case <-ticker.C:
			record(flush(false))
		}
	}
}

// splitRunes splits b before a trailing incomplete UTF-8 sequence so a
// multi-byte character is never cut across two frames.
func splitRunes(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], append([]byte(nil), b[i:]...)
			}
			break
		}
	}
	return b, nil
}

type agentMetrics struct {
	active metric.Int64UpDownCounter
	tasks  metric.Int64Counter
}

func newAgentMetrics() (*agentMetrics, error) {
	meter := otel.Meter("runplane/worker")
	active, err1 := meter.Int64UpDownCounter("runplane_node_tasks_active",
		metric.WithDescription("Tasks currently running on this node"))
	tasks, err2 := meter.Int64Counter("runplane_node_tasks_total",
		metric.WithDescription("Tasks run on this node by outcome"))
	if err := errors.Join(err1, err2); err != nil {
		return nil, err
	}
	return &agentMetrics{active: active, tasks: tasks}, nil
}

func (m *agentMetrics) started(ctx context.Context) {
	m.active.Add(ctx, 1)
}

func (m *agentMetrics) finished(ctx context.Context, code int) {
	m.active.Add(ctx, -1)
	outcome := "success"
	if code != 0 {
		outcome = "failure"
	}
	m.tasks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
