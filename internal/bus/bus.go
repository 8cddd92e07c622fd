// Package bus defines the message bus contract shared by the dispatcher and
// the node agents: organization-scoped job announcements, a per-job channel
// the nodes reply on, and per-node inboxes the dispatcher replies to.
//
// Implementations live in subpackages (natsbus, membus). The dispatcher only
// depends on Bus and JobChannel; nodes only depend on NodeBus and Mailbox.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"runplane/internal/env"
)

// ErrClosed is returned by operations on a closed connection or mailbox.
var ErrClosed = errors.New("bus: closed")

// Control is the control code carried by a frame.
type Control string

const (
	// Node → dispatcher
	ControlReady    Control = "READY"
	ControlStdout   Control = "STDOUT"
	ControlStderr   Control = "STDERR"
	ControlFinished Control = "FINISHED"
	ControlEvents   Control = "EVENTS"

	// Dispatcher → node
	ControlTask  Control = "TASK"
	ControlTerm  Control = "TERM"
	ControlInput Control = "INPUT"
)

// Frame is one message on a job channel or inbox. Frames with an empty Peer
// are user-input side-channel frames addressed to the job's nodes.
type Frame struct {
	Peer    string          `json:"peer"`
	Control Control         `json:"control"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Org     string          `json:"org,omitempty"`
	JobID   string          `json:"job_id,omitempty"`
	Targets string          `json:"targets,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Invalid is set by the transport when the raw message could not be decoded.
	Invalid error `json:"-"`
}

// IsInput reports whether f is a user-input side-channel frame.
func (f Frame) IsInput() bool { return f.Peer == "" }

// Decode parses raw wire bytes into a Frame. Decoding failures are recorded
// in Frame.Invalid rather than returned, so receivers can log and skip them.
func Decode(raw []byte) Frame {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{Invalid: err, Data: append(json.RawMessage(nil), raw...)}
	}
	if f.Control == "" {
		f.Invalid = errors.New("frame has no control code")
	}
	return f
}

// Encode serialises a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Announcement tells the nodes of an organization that a job is looking for
// participants matching Targets.
type Announcement struct {
	JobID   string `json:"job_id"`
	Org     string `json:"org"`
	Targets string `json:"targets"`
}

// NodeData is the data mapping carried by STDOUT, STDERR and FINISHED frames.
type NodeData struct {
	Stdout  string  `json:"stdout,omitempty"`
	Stderr  string  `json:"stderr,omitempty"`
	Env     env.Env `json:"env,omitempty"`
	RetCode *int    `json:"ret_code,omitempty"`
}

// Library is an auxiliary named source artifact shipped with a task.
type Library struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Task is the work a dispatcher pushes to one node after it announced READY.
type Task struct {
	JobID     string            `json:"job_id"`
	RunAs     string            `json:"run_as"`
	Script    string            `json:"script"`
	Env       env.Env           `json:"env,omitempty"`
	Libraries []Library         `json:"libraries,omitempty"`
	Trace     map[string]string `json:"trace,omitempty"`
}

// Term asks a node to stop working on a job.
type Term struct {
	Reason string `json:"reason"`
}

// Mailbox yields frames addressed to one subscriber.
type Mailbox interface {
	// Receive waits up to wait for at least one frame and returns every frame
	// available at that point. An empty slice with a nil error means nothing
	// arrived in the poll window.
	Receive(ctx context.Context, wait time.Duration) ([]Frame, error)
	Close() error
}

// JobChannel is the dispatcher's handle on one job id.
type JobChannel interface {
	Mailbox
	// Reply sends a frame to a single node inbox.
	Reply(ctx context.Context, replyTo, peer, jobID string, control Control, payload any) error
}

// Bus is the dispatcher-side view of the transport.
type Bus interface {
	Announce(ctx context.Context, a Announcement) error
	OpenJob(ctx context.Context, jobID string) (JobChannel, error)
	SendInput(ctx context.Context, jobID, targets string, data json.RawMessage) error
}

// Inbox is a node's private mailbox; Address is what it puts in ReplyTo.
type Inbox interface {
	Mailbox
	Address() string
}

// NodeBus is the node-side view of the transport.
type NodeBus interface {
	SubscribeAnnouncements(org string, handler func(Announcement)) (unsubscribe func() error, err error)
	Send(ctx context.Context, jobID string, f Frame) error
	OpenInbox(ctx context.Context) (Inbox, error)
}

// MarshalPayload converts a reply payload into raw JSON. A json.RawMessage
// or nil payload is passed through.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
