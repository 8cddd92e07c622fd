package dispatch

import (
	"runplane/internal/env"
)

// EventKind distinguishes executor events.
type EventKind int

const (
	// EventPartial carries live output, or announces the job (Status "started").
	EventPartial EventKind = iota
	// EventResults is the terminal event of a section.
	EventResults
)

// StatusStarted marks the partial event emitted once the job is announced.
const StatusStarted = "started"

// Event is produced by an Executor.
type Event struct {
	Kind    EventKind
	JobID   string
	Targets string
	Node    string
	RunAs   string
	Status  string
	Stdout  string
	Stderr  string
	Results []NodeResult
}

// NodeResult is one node's outcome for one section.
type NodeResult struct {
	Node    string  `json:"node"`
	RunAs   string  `json:"run_as"`
	JobID   string  `json:"job_id"`
	Env     env.Env `json:"env,omitempty"`
	Stdout  string  `json:"stdout"`
	Stderr  string  `json:"stderr"`
	RetCode int     `json:"ret_code"`
}
