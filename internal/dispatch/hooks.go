package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"

	"runplane/internal/bus"
	"runplane/internal/env"
)

// Hook phases.
const (
	PhaseBefore  = "before"
	PhaseLibrary = "library"
	PhaseAfter   = "after"
)

// HookContext is what hooks see of the session and the current section.
type HookContext struct {
	User      string
	Org       string
	SessionID string
	// JobID is empty for before and library hooks.
	JobID    string
	Targets  string
	Tags     []string
	Args     *Args
	Includes []bus.Library
	// State is shared by all hooks for the lifetime of the session.
	State map[string]any
}

// BeforeResult is returned by a before hook. A nil Body keeps the current
// body; a nil Env keeps the current environment.
type BeforeResult struct {
	Body *string
	Env  env.Env
	Skip bool
}

// BeforeHook runs ahead of every section and may rewrite its body or env,
// or skip it.
type BeforeHook interface {
	Name() string
	Before(ctx context.Context, hc *HookContext, body string, e env.Env) (BeforeResult, error)
}

// LibraryHook contributes libraries shipped with a section's tasks.
type LibraryHook interface {
	Name() string
	Libraries(ctx context.Context, hc *HookContext) ([]bus.Library, error)
}

// AfterHook runs once a section has collected its results.
type AfterHook interface {
	Name() string
	After(ctx context.Context, hc *HookContext, e env.Env, results []NodeResult) error
}

// FlagHook declares section arguments understood by a hook.
type FlagHook interface {
	Flags(fs *pflag.FlagSet)
}

// HookError reports a failing hook. Callers log it and carry on.
type HookError struct {
	Hook  string
	Phase string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook %q: %v", e.Phase, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Args holds a section's argument tokens and the flags the hooks parsed
// out of them.
type Args struct {
	Raw   []string
	Rest  []string
	Flags *pflag.FlagSet
}

// Plugins is the ordered set of hooks a dispatcher runs around every section.
type Plugins struct {
	before  []BeforeHook
	library []LibraryHook
	after   []AfterHook
	flags   []FlagHook
}

// NewPlugins registers hooks in the given order. Each hook is registered
// for every capability it implements.
func NewPlugins(hooks ...any) (*Plugins, error) {
	p := &Plugins{}
	for _, h := range hooks {
		if err := p.Register(h); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register appends a hook.
func (p *Plugins) Register(h any) error {
	matched := false
	if b, ok := h.(BeforeHook); ok {
		p.before = append(p.before, b)
		matched = true
	}
	if l, ok := h.(LibraryHook); ok {
		p.library = append(p.library, l)
		matched = true
	}
	if a, ok := h.(AfterHook); ok {
		p.after = append(p.after, a)
		matched = true
	}
	if f, ok := h.(FlagHook); ok {
		p.flags = append(p.flags, f)
		matched = true
	}
	if !matched {
		return fmt.Errorf("%T implements no hook interface", h)
	}
	return nil
}

// ParseArgs parses section argument tokens with the flags declared by the
// registered hooks. Unknown flags are kept in Rest.
func (p *Plugins) ParseArgs(raw []string) (*Args, error) {
	fs := pflag.NewFlagSet("section", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	if p != nil {
		for _, f := range p.flags {
			f.Flags(fs)
		}
	}
	args := &Args{Raw: append([]string(nil), raw...), Flags: fs}
	if err := fs.Parse(raw); err != nil {
		return args, fmt.Errorf("parsing section arguments: %w", err)
	}
	args.Rest = fs.Args()
	return args, nil
}

// runBefore runs the before hooks in order. A failing hook is logged and
// its result discarded.
func (p *Plugins) runBefore(ctx context.Context, log *slog.Logger, hc *HookContext, body string, e env.Env) (string, env.Env, bool) {
	if p == nil {
		return body, e, false
	}
	for _, h := range p.before {
		res, err := h.Before(ctx, hc, body, e)
		if err != nil {
			log.WarnContext(ctx, "hook failed", "error", &HookError{Hook: h.Name(), Phase: PhaseBefore, Err: err})
			continue
		}
		if res.Body != nil {
			body = *res.Body
		}
		if res.Env != nil {
			e = res.Env
		}
		if res.Skip {
			log.InfoContext(ctx, "section skipped by hook", "hook", h.Name())
			return body, e, true
		}
	}
	return body, e, false
}

func (p *Plugins) collectLibraries(ctx context.Context, log *slog.Logger, hc *HookContext) []bus.Library {
	if p == nil {
		return nil
	}
	var libs []bus.Library
	for _, h := range p.library {
		got, err := h.Libraries(ctx, hc)
		if err != nil {
			log.WarnContext(ctx, "hook failed", "error", &HookError{Hook: h.Name(), Phase: PhaseLibrary, Err: err})
			continue
		}
		libs = append(libs, got...)
	}
	return libs
}

func (p *Plugins) runAfter(ctx context.Context, log *slog.Logger, hc *HookContext, e env.Env, results []NodeResult) {
	if p == nil {
		return
	}
	for _, h := range p.after {
		if err := h.After(ctx, hc, e, results); err != nil {
			log.WarnContext(ctx, "hook failed", "error", &HookError{Hook: h.Name(), Phase: PhaseAfter, Err: err})
		}
	}
}
