//go:build unix

package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// run starts a script and collects its output and result.
func run(t *testing.T, rt *ExecRuntime, opts StartOptions) (stdout, stderr string, res *Result) {
	t.Helper()
	h, err := rt.Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	out, errOut := drain(h)
	res, err = h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return out, errOut, res
}

func drain(h Handle) (string, string) {
	var wg sync.WaitGroup
	var out, errOut []byte
	wg.Add(2)
	go func() { defer wg.Done(); out, _ = io.ReadAll(h.Stdout()) }()
	go func() { defer wg.Done(); errOut, _ = io.ReadAll(h.Stderr()) }()
	wg.Wait()
	return string(out), string(errOut)
}

func TestNewExecRuntime_Defaults(t *testing.T) {
	rt := NewExecRuntime("", "")

	if want := filepath.Join(os.TempDir(), "runplane", "runner"); rt.WorkDir != want {
		t.Errorf("expected WorkDir %s, got %s", want, rt.WorkDir)
	}
	if rt.Shell != "/bin/sh" {
		t.Errorf("expected /bin/sh, got %s", rt.Shell)
	}
}

func TestStart_EmptyScript(t *testing.T) {
	rt := NewExecRuntime(t.TempDir(), "")

	_, err := rt.Start(context.Background(), StartOptions{Script: "  \n"})
	if err == nil || !strings.Contains(err.Error(), "script is required") {
		t.Fatalf("expected script is required error, got %v", err)
	}
}

func TestStart_OutputAndExitCode(t *testing.T) {
	rt := NewExecRuntime(t.TempDir(), "")

	stdout, stderr, res := run(t, rt, StartOptions{
		JobID:  "job-1",
		Script: "echo hello\necho oops >&2\nexit 3\n",
	})

	if stdout != "hello\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "oops\n" {
		t.Errorf("stderr = %q", stderr)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if res.Error != nil {
		t.Errorf("expected no error, got %v", res.Error)
	}
}

func TestStart_EnvInAndOut(t *testing.T) {
	rt := NewExecRuntime(t.TempDir(), "")

	stdout, _, res := run(t, rt, StartOptions{
		Script: "echo \"$GREETING\"\nexport X=1\nexport GREETING=bye\nUNEXPORTED=1\n",
		Env:    map[string]string{"GREETING": "hi", "KEEP": "same"},
	})

	if stdout != "hi\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if res.Env["X"] != "1" {
		t.Errorf("expected exported X=1, got %v", res.Env)
	}
	if res.Env["GREETING"] != "bye" {
		t.Errorf("expected changed GREETING, got %v", res.Env)
	}
	if _, ok := res.Env["KEEP"]; ok {
		t.Errorf("unchanged variable reported: %v", res.Env)
	}
	if _, ok := res.Env["UNEXPORTED"]; ok {
		t.Errorf("unexported variable reported: %v", res.Env)
	}
	if _, ok := res.Env["PWD"]; ok {
		t.Errorf("shell noise reported: %v", res.Env)
	}
}

func TestStart_LibrariesAreSourced(t *testing.T) {
	rt := NewExecRuntime(t.TempDir(), "")

	stdout, _, res := run(t, rt, StartOptions{
		Script:    "greet world\n",
		Libraries: []File{{Name: "greet.sh", Source: "greet() { echo \"hello $1\"; }\n"}},
	})

	if stdout != "hello world\n" || res.ExitCode != 0 {
		t.Errorf("stdout = %q, exit %d", stdout, res.ExitCode)
	}
}

func TestInput_ReachesStdin(t *testing.T) {
	rt := NewExecRuntime(t.TempDir(), "")

	h, err := rt.Start(context.Background(), StartOptions{Script: "read answer\necho \"got $answer\"\n"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Input([]byte("yes\n")); err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	stdout, _ := drain(h)
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if stdout != "got yes\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if err := h.Input([]byte("late\n")); err == nil {
		t.Error("expected input after exit to fail")
	}
}

func TestStop_TerminatesScript(t *testing.T) {
	rt := NewExecRuntime(t.TempDir(), "")
	rt.StopGrace = 500 * time.Millisecond

	h, err := rt.Start(context.Background(), StartOptions{Script: "sleep 30\n"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := h.Stop(stopCtx); err != nil {
		t.Logf("Stop returned: %v", err)
	}
	drain(h)
	res, err := h.Wait(stopCtx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("script was not stopped")
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code after stop")
	}
}

func TestStart_RunAsUnknownUser(t *testing.T) {
	rt := NewExecRuntime(t.TempDir(), "")

	_, err := rt.Start(context.Background(), StartOptions{Script: "true\n", RunAs: "no-such-user-xyz"})
	if err == nil {
		t.Fatal("expected error for unknown run-as account")
	}
}

func TestParseAndDiffEnv(t *testing.T) {
	parsed := ParseEnv("A=1\nMULTI=line1\nline2\nPWD=/tmp\nB=x=y\n")
	if parsed["MULTI"] != "line1\nline2" {
		t.Errorf("multi-line value = %q", parsed["MULTI"])
	}
	if parsed["B"] != "x=y" {
		t.Errorf("value with = sign = %q", parsed["B"])
	}

	diff := DiffEnv(map[string]string{"A": "1"}, parsed)
	if _, ok := diff["A"]; ok {
		t.Error("unchanged A reported")
	}
	if _, ok := diff["PWD"]; ok {
		t.Error("PWD reported")
	}
	if diff["B"] != "x=y" || diff["MULTI"] == "" {
		t.Errorf("diff = %v", diff)
	}
}
