// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// Stream message types.
const (
	MessagePartial  = "partial"
	MessageFinished = "finished"
)

// Session states as reported by the controller.
const (
	StateCreated         = "CREATED"
	StateParsing         = "PARSING"
	StateRunningSections = "RUNNING_SECTIONS"
	StateFinalizing      = "FINALIZING"
	StateDone            = "DONE"
)

// RetCodeNoResult is reported for nodes that never delivered a result.
const RetCodeNoResult = -255

// Library is a named source artifact shipped with every task of a session.
type Library struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// SubmitRequest is the request body for submitting a script.
type SubmitRequest struct {
	Script string            `json:"script"`
	Env    map[string]string `json:"env,omitempty"`
	// Timeout in seconds per section; -1 is unbounded.
	Timeout  *int      `json:"timeout,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Includes []Library `json:"includes,omitempty"`
	// Stream keeps the response open as an event stream of the session.
	Stream bool `json:"stream,omitempty"`
}

// SubmitResponse is the response body after submitting a script.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
}

// StopRequest is the request body for terminating a session.
type StopRequest struct {
	Reason string `json:"reason"`
}

// InputRequest is the request body for sending user input to a session's nodes.
type InputRequest struct {
	// Targets selects the nodes of the current section; empty means all.
	Targets string `json:"targets,omitempty"`
	Data    string `json:"data"`
}

// NodeReport is one node's entry in a section report.
type NodeReport struct {
	Node    string `json:"node"`
	RunAs   string `json:"run_as"`
	RetCode int    `json:"ret_code"`
}

// SectionReport summarises one section of a finished session.
type SectionReport struct {
	Targets string       `json:"targets"`
	JobID   string       `json:"jobid"`
	Args    []string     `json:"args"`
	Nodes   []NodeReport `json:"nodes"`
}

// StreamMessage is one message delivered to a session's subscribers.
type StreamMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	User      string    `json:"user"`
	Targets   string    `json:"targets,omitempty"`
	Tags      []string  `json:"tags,omitempty"`

	// partial
	JobID  string `json:"job_id,omitempty"`
	RunAs  string `json:"run_as,omitempty"`
	Node   string `json:"node,omitempty"`
	Status string `json:"status,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// finished
	Script     string          `json:"script,omitempty"`
	Report     []SectionReport `json:"report,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
}

// SessionResponse describes a live or archived session.
type SessionResponse struct {
	ID         string          `json:"id"`
	User       string          `json:"user"`
	Org        string          `json:"org"`
	State      string          `json:"state"`
	Tags       []string        `json:"tags,omitempty"`
	Section    int             `json:"section"`
	Sections   int             `json:"sections"`
	StopReason string          `json:"stop_reason,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Report     []SectionReport `json:"report,omitempty"`
}

// ListSessionsResponse is the response body for listing live sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
