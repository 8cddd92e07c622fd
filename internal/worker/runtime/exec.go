package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const envDumpVar = "RUNPLANE_ENV_OUT"

// ExecRuntime runs scripts as local shell processes.
type ExecRuntime struct {
	WorkDir string
	Shell   string
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
}

// NewExecRuntime creates a process-based runtime rooted at workDir.
func NewExecRuntime(workDir, shell string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "runplane", "runner")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ExecRuntime{WorkDir: workDir, Shell: shell, StopGrace: 5 * time.Second}
}

// Start writes the script and its libraries to a private directory and
// starts the shell on a wrapper that sources them and dumps the final
// environment on exit.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if strings.TrimSpace(opts.Script) == "" {
		return nil, errors.New("script is required")
	}
	if err := os.MkdirAll(e.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	dir, err := os.MkdirTemp(e.WorkDir, "job-"+safeName(opts.JobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}

	h, err := e.start(dir, opts)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return h, nil
}

func (e *ExecRuntime) start(dir string, opts StartOptions) (*execHandle, error) {
	var wrapper strings.Builder
	wrapper.WriteString("trap 'env > \"$" + envDumpVar + "\"' EXIT\n")
	for i, lib := range opts.Libraries {
		path := filepath.Join(dir, fmt.Sprintf("lib-%02d-%s", i, safeName(lib.Name)))
		if err := os.WriteFile(path, []byte(lib.Source), 0o644); err != nil {
			return nil, fmt.Errorf("writing library %s: %w", lib.Name, err)
		}
		fmt.Fprintf(&wrapper, ". %q\n", path)
	}
	scriptPath := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(scriptPath, []byte(opts.Script), 0o644); err != nil {
		return nil, fmt.Errorf("writing script: %w", err)
	}
	fmt.Fprintf(&wrapper, ". %q\n", scriptPath)
	wrapperPath := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(wrapperPath, []byte(wrapper.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing wrapper: %w", err)
	}

	dumpPath := filepath.Join(dir, "env.out")
	base := baseEnv()
	for k, v := range opts.Env {
		base[k] = v
	}
	base[envDumpVar] = dumpPath

	// Not CommandContext: the process lifetime is governed by Stop.
	cmd := exec.Command(e.Shell, wrapperPath)
	cmd.Dir = dir
	if err := configure(cmd, opts.RunAs, base, dir); err != nil {
		return nil, err
	}
	cmd.Env = envList(base)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	return &execHandle{
		cmd:     cmd,
		dir:     dir,
		dump:    dumpPath,
		initial: base,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		grace:   e.StopGrace,
		exited:  make(chan struct{}),
	}, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	dir     string
	dump    string
	initial map[string]string
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	grace   time.Duration

	inputMu  sync.Mutex
	waitOnce sync.Once
	result   *Result
	exited   chan struct{}
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Input(data []byte) error {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	select {
	case <-h.exited:
		return os.ErrClosed
	default:
	}
	_, err := h.stdin.Write(data)
	return err
}

func (h *execHandle) Wait(ctx context.Context) (*Result, error) {
	done := make(chan struct{})
	go func() {
		h.waitOnce.Do(h.wait)
		close(done)
	}()
	select {
	case <-done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	close(h.exited)
	h.inputMu.Lock()
	_ = h.stdin.Close()
	h.inputMu.Unlock()

	res := &Result{ExitCode: 0}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Error = err
	}

	if raw, rerr := os.ReadFile(h.dump); rerr == nil {
		res.Env = DiffEnv(h.initial, ParseEnv(string(raw)))
	}
	_ = os.RemoveAll(h.dir)
	h.result = res
}

func (h *execHandle) Stop(ctx context.Context) error {
	select {
	case <-h.exited:
		return nil
	default:
	}
	if err := terminate(h.cmd); err != nil {
		return fmt.Errorf("signalling script: %w", err)
	}
	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-h.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return kill(h.cmd)
}

// baseEnv is the environment every script starts from.
func baseEnv() map[string]string {
	env := map[string]string{"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	for _, k := range []string{"PATH", "LANG", "LC_ALL", "TZ"} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}

func envList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
