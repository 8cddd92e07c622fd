// Package script splits a multi-section script into target-scoped sections.
//
//	#! options --timeout=60 --tags=deploy,nightly
//	#! switch [web-* role=api] --set STAGE=2
//	./deploy.sh
//	export VERSION=$(cat VERSION)
//
//	#! switch [$VERSION]
//	echo done
//
// Lines before the first switch directive are a preamble; only "#! options"
// lines in it are interpreted. Target expressions may reference variables
// accumulated by earlier sections; they are resolved with Resolve right
// before the section runs.
package script

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/pflag"

	"runplane/internal/env"
)

// ErrNoSections is returned for a script without any switch directive.
var ErrNoSections = errors.New("script has no '#! switch [...]' section")

var (
	switchLine  = regexp.MustCompile(`^#!\s*switch\s*\[([^\]]*)\]\s*(.*)$`)
	optionsLine = regexp.MustCompile(`^#!\s*options\b\s*(.*)$`)
)

// Options are the common options declared in the preamble.
type Options struct {
	// Timeout in seconds; -1 means unbounded. Valid only if HasTimeout.
	Timeout    int
	HasTimeout bool
	Tags       []string
}

// Section is one target-scoped chunk of a script.
type Section struct {
	Target   string
	Resolved string
	Args     []string
	Body     string
	Line     int
}

// Script is a parsed submission.
type Script struct {
	Raw      string
	Options  Options
	Sections []*Section
}

// Parse splits raw into sections.
func Parse(raw string) (*Script, error) {
	s := &Script{Raw: raw}
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	var (
		current *Section
		body    []string
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Body = joinBody(body)
		s.Sections = append(s.Sections, current)
		body = nil
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := switchLine.FindStringSubmatch(trimmed); m != nil {
			flush()
			args, err := shlex.Split(m[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: parsing switch arguments: %w", i+1, err)
			}
			target := strings.TrimSpace(m[1])
			if target == "" {
				return nil, fmt.Errorf("line %d: empty target expression", i+1)
			}
			current = &Section{Target: target, Args: args, Line: i + 1}
			continue
		}
		if current == nil {
			if m := optionsLine.FindStringSubmatch(trimmed); m != nil {
				if err := s.Options.parse(m[1]); err != nil {
					return nil, fmt.Errorf("line %d: %w", i+1, err)
				}
			}
			continue
		}
		body = append(body, line)
	}
	flush()

	if len(s.Sections) == 0 {
		return nil, ErrNoSections
	}
	return s, nil
}

func (o *Options) parse(raw string) error {
	tokens, err := shlex.Split(raw)
	if err != nil {
		return fmt.Errorf("parsing options: %w", err)
	}
	fs := pflag.NewFlagSet("options", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	timeout := fs.Int("timeout", 0, "section wait timeout in seconds, -1 for unbounded")
	tags := fs.StringSlice("tags", nil, "session tags")
	if err := fs.Parse(tokens); err != nil {
		return fmt.Errorf("parsing options: %w", err)
	}
	if fs.Changed("timeout") {
		if *timeout < -1 || *timeout == 0 {
			return fmt.Errorf("invalid timeout %d", *timeout)
		}
		o.Timeout = *timeout
		o.HasTimeout = true
	}
	if fs.Changed("tags") {
		o.Tags = append(o.Tags, *tags...)
	}
	return nil
}

func joinBody(lines []string) string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Resolve substitutes $VAR and ${VAR} in a target expression with values
// from e. List values expand to space-separated terms. Unknown variables
// are left in place so the unresolved selector is visible in reports.
func Resolve(expr string, e env.Env) string {
	return os.Expand(expr, func(key string) string {
		if v, ok := e[key]; ok {
			return v.Join()
		}
		return "$" + key
	})
}
