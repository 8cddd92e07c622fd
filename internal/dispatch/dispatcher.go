// Package dispatch runs submitted scripts across the nodes of an
// organization. A Session walks the script's sections in order; for every
// section an Executor announces a job on the bus, pushes the section body to
// each node that answers READY and is permitted by the caller's access
// mapping, and collects streamed output until the nodes finish, the wait
// deadline passes or the session is stopped. Environment variables exported
// by the nodes of one section are merged and visible to the target
// expressions of the next.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"runplane/internal/access"
	"runplane/internal/bus"
	"runplane/internal/env"
	"runplane/internal/store"
	"runplane/pkg/api"
)

var (
	// ErrNotOwner is returned when a caller acts on another organization's session.
	ErrNotOwner = errors.New("session belongs to another organization")
	// ErrNoActiveSection is returned for input sent while no section is running.
	ErrNoActiveSection = errors.New("session has no running section")
	// ErrShuttingDown is returned by Submit once Shutdown has been called.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// Config holds the executor timings.
type Config struct {
	DiscoveryTimeout time.Duration
	WaitTimeout      time.Duration
	PollInterval     time.Duration
	TermSettle       time.Duration
	FinishGrace      time.Duration
	OrgIsolation     bool
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		DiscoveryTimeout: 2 * time.Second,
		WaitTimeout:      300 * time.Second,
		PollInterval:     250 * time.Millisecond,
		TermSettle:       time.Second,
		FinishGrace:      2 * time.Second,
		OrgIsolation:     true,
	}
}

// Caller is the authenticated identity submitting or acting on sessions.
type Caller struct {
	User   string
	Access access.Mapping
}

// Org returns the caller's organization.
func (c Caller) Org() string {
	if c.Access == nil {
		return ""
	}
	return c.Access.Org()
}

// SubmitOptions carries the optional parts of a submission.
type SubmitOptions struct {
	Env env.Env
	// Timeout in seconds per section; -1 is unbounded, nil uses the script
	// options or the configured default.
	Timeout  *int
	Tags     []string
	Includes []bus.Library
	// Subscriber is attached before the session starts so it sees every message.
	Subscriber string
}

// Outbox delivers stream messages to subscriber addresses.
type Outbox interface {
	Deliver(ctx context.Context, addr string, msg api.StreamMessage) error
}

// ReportSink archives finished sessions.
type ReportSink interface {
	SaveReport(ctx context.Context, rec *store.SessionRecord) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPlugins sets the hooks run around every section.
func WithPlugins(p *Plugins) Option { return func(d *Dispatcher) { d.plugins = p } }

// WithReportSink archives every finished session.
func WithReportSink(s ReportSink) Option { return func(d *Dispatcher) { d.sink = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// Dispatcher is the entry point for submitting and controlling sessions.
type Dispatcher struct {
	bus      bus.Bus
	outbox   Outbox
	registry *Registry
	plugins  *Plugins
	sink     ReportSink
	cfg      Config
	log      *slog.Logger
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a dispatcher publishing jobs on b and delivering stream
// messages through outbox.
func New(b bus.Bus, outbox Outbox, cfg Config, opts ...Option) (*Dispatcher, error) {
	def := DefaultConfig()
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TermSettle < 0 {
		cfg.TermSettle = 0
	}
	if cfg.FinishGrace < 0 {
		cfg.FinishGrace = 0
	}

	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating dispatch metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		bus:      b,
		outbox:   outbox,
		registry: NewRegistry(),
		cfg:      cfg,
		log:      slog.Default(),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Registry exposes the job registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Submit creates a session and starts it on its own goroutine. It returns
// as soon as the session is registered.
func (d *Dispatcher) Submit(ctx context.Context, caller Caller, payload string, opts SubmitOptions) (*Session, error) {
	if caller.Access == nil {
		return nil, errors.New("caller has no access mapping")
	}
	if opts.Timeout != nil && *opts.Timeout < -1 {
		return nil, fmt.Errorf("invalid timeout %d", *opts.Timeout)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrShuttingDown
	}

	id := newID()
	s := newSession(d, id, caller, payload, opts)
	if err := d.registry.Register(id, s); err != nil {
		return nil, err
	}
	if opts.Subscriber != "" {
		if err := d.registry.Subscribe(id, opts.Subscriber); err != nil {
			d.registry.Deregister(id)
			return nil, err
		}
	}

	d.log.InfoContext(ctx, "session submitted", "session_id", id, "user", caller.User, "org", s.Org)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		s.run(d.ctx)
	}()
	return s, nil
}

// Lookup returns a live session visible to caller.
func (d *Dispatcher) Lookup(caller Caller, sessionID string) (*Session, error) {
	s, ok := d.registry.Lookup(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Org != caller.Org() {
		return nil, ErrNotOwner
	}
	return s, nil
}

// Attach subscribes addr to a running session's output.
func (d *Dispatcher) Attach(caller Caller, sessionID, addr string) error {
	s, err := d.Lookup(caller, sessionID)
	if err != nil {
		return err
	}
	return s.Attach(addr)
}

// Detach unsubscribes addr. Detaching from a session that has already been
// deregistered is not an error.
func (d *Dispatcher) Detach(sessionID, addr string) error {
	err := d.registry.Unsubscribe(sessionID, addr)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// Terminate requests a session to stop.
func (d *Dispatcher) Terminate(caller Caller, sessionID, reason string) error {
	s, err := d.Lookup(caller, sessionID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "terminated by " + caller.User
	}
	s.RequestStop(reason)
	return nil
}

// Input sends data to the nodes of the session's running section that
// match targets.
func (d *Dispatcher) Input(ctx context.Context, caller Caller, sessionID, targets string, data json.RawMessage) error {
	s, err := d.Lookup(caller, sessionID)
	if err != nil {
		return err
	}
	jobID := s.JobID()
	if jobID == "" {
		return ErrNoActiveSection
	}
	if targets == "" {
		targets = "*"
	}
	if err := d.bus.SendInput(ctx, jobID, targets, data); err != nil {
		return fmt.Errorf("sending input to job %s: %w", jobID, err)
	}
	return nil
}

// Sessions lists the live sessions of an organization; an empty org lists all.
func (d *Dispatcher) Sessions(org string) []api.SessionResponse {
	var out []api.SessionResponse
	for _, s := range d.registry.List() {
		if org != "" && s.Org != org {
			continue
		}
		out = append(out, s.Snapshot())
	}
	return out
}

// Shutdown stops accepting sessions, asks every live session to stop and
// waits for them to finalize. If ctx expires first, the sessions' context
// is cancelled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	for _, s := range d.registry.List() {
		s.RequestStop("dispatcher shutting down")
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// newID returns a time-ordered unique id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
