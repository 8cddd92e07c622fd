// Package plugins holds the hooks shipped with the dispatcher.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"

	"runplane/internal/bus"
	"runplane/internal/dispatch"
	"runplane/internal/env"
)

// Default returns the built-in hooks in their run order.
func Default(log *slog.Logger) []any {
	return []any{SetEnv{}, When{}, Include{}, Audit{Log: log}}
}

// SetEnv applies "--set KEY=VALUE" section arguments to the environment.
type SetEnv struct{}

func (SetEnv) Name() string { return "set" }

func (SetEnv) Flags(fs *pflag.FlagSet) {
	fs.StringArray("set", nil, "set KEY=VALUE in the section environment")
}

func (SetEnv) Before(_ context.Context, hc *dispatch.HookContext, _ string, e env.Env) (dispatch.BeforeResult, error) {
	pairs, err := hc.Args.Flags.GetStringArray("set")
	if err != nil || len(pairs) == 0 {
		return dispatch.BeforeResult{}, err
	}
	out := e.Clone()
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return dispatch.BeforeResult{}, fmt.Errorf("--set %q: want KEY=VALUE", p)
		}
		out.Set(k, v)
	}
	return dispatch.BeforeResult{Env: out}, nil
}

// When skips a section unless every "--when VAR" is set and non-empty.
type When struct{}

func (When) Name() string { return "when" }

func (When) Flags(fs *pflag.FlagSet) {
	fs.StringArray("when", nil, "run the section only if VAR is set")
}

func (When) Before(_ context.Context, hc *dispatch.HookContext, _ string, e env.Env) (dispatch.BeforeResult, error) {
	vars, err := hc.Args.Flags.GetStringArray("when")
	if err != nil {
		return dispatch.BeforeResult{}, err
	}
	for _, name := range vars {
		if v, ok := e[name]; !ok || v.Join() == "" {
			return dispatch.BeforeResult{Skip: true}, nil
		}
	}
	return dispatch.BeforeResult{}, nil
}

// Include ships the libraries submitted with the session. "--include a,b"
// narrows a section to the named ones.
type Include struct{}

func (Include) Name() string { return "include" }

func (Include) Flags(fs *pflag.FlagSet) {
	fs.StringSlice("include", nil, "libraries to ship with the section")
}

func (Include) Libraries(_ context.Context, hc *dispatch.HookContext) ([]bus.Library, error) {
	names, err := hc.Args.Flags.GetStringSlice("include")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return hc.Includes, nil
	}
	byName := make(map[string]bus.Library, len(hc.Includes))
	for _, l := range hc.Includes {
		byName[l.Name] = l
	}
	out := make([]bus.Library, 0, len(names))
	for _, n := range names {
		l, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("library %q was not submitted", n)
		}
		out = append(out, l)
	}
	return out, nil
}

// Audit logs the outcome of every section.
type Audit struct {
	Log *slog.Logger
}

func (Audit) Name() string { return "audit" }

func (a Audit) After(ctx context.Context, hc *dispatch.HookContext, _ env.Env, results []dispatch.NodeResult) error {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	failed := 0
	for _, r := range results {
		if r.RetCode != 0 {
			failed++
		}
	}
	log.InfoContext(ctx, "section completed",
		"session_id", hc.SessionID,
		"job_id", hc.JobID,
		"targets", hc.Targets,
		"nodes", len(results),
		"failed", failed,
	)
	return nil
}
