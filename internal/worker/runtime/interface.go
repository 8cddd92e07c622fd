// Package runtime provides the Runtime interface for script execution backends.
package runtime

import (
	"context"
	"io"
)

// Runtime defines the interface for executing section scripts.
type Runtime interface {
	// Start begins execution of a script and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// File is an auxiliary source sourced into the shell before the script.
type File struct {
	Name   string
	Source string
}

// StartOptions contains the parameters for starting a script.
type StartOptions struct {
	// JobID names the working directory of the run.
	JobID     string
	Script    string
	Libraries []File
	Env       map[string]string
	// RunAs is the local account the script runs under; empty keeps the
	// agent's own account.
	RunAs string
}

// Result is the outcome of a finished script.
type Result struct {
	ExitCode int
	// Env holds the variables the script exported or changed.
	Env map[string]string
	// Error is set when the script could not run to completion.
	Error error
}

// Handle represents a running script.
type Handle interface {
	// Stdout and Stderr must be drained before Wait is called.
	Stdout() io.Reader
	Stderr() io.Reader

	// Input writes to the script's stdin.
	Input(data []byte) error

	// Wait blocks until the script completes.
	Wait(ctx context.Context) (*Result, error)

	// Stop terminates the script, politely first.
	Stop(ctx context.Context) error
}
