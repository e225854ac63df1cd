// Package transport carries coordinator-to-node traffic over two
// channels: a reliable HTTP control channel for commands (ack or
// timeout) and a low-overhead UDP channel for timing probes.
package transport

import (
	"context"
	"errors"
	"time"

	"recsync/internal/model"
)

var (
	// ErrUnreachable means no route to the node.
	ErrUnreachable = errors.New("node unreachable")
	// ErrTimeout means the node did not respond within the deadline.
	ErrTimeout = errors.New("transport timeout")
	// ErrProtocol means a malformed payload. Logged and non-fatal
	// unless repeated.
	ErrProtocol = errors.New("protocol error")
)

// CommandType identifies a control command sent to a node.
type CommandType string

const (
	CmdPrepare CommandType = "prepare"
	CmdStart   CommandType = "start"
	CmdStop    CommandType = "stop"
	CmdPause   CommandType = "pause"
	CmdResume  CommandType = "resume"
)

// Command is a control message delivered to a node's control listener.
// All commands are idempotent and acknowledgeable.
type Command struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
	// ReferenceStartTime is set on start commands only.
	ReferenceStartTime time.Time `json:"reference_start_time,omitempty"`
	// OffsetHintNanos is the node's current estimated clock offset,
	// supplied with start so the agent can pre-align its capture.
	OffsetHintNanos int64 `json:"offset_hint_nanos,omitempty"`
}

// Transport abstracts delivery to a single node. Implementations must
// honor the context deadline and never block past it.
type Transport interface {
	// Send delivers a command and waits for the node's ack.
	Send(ctx context.Context, node model.Node, cmd Command) error
	// Probe performs one timing round trip on the cheap channel.
	Probe(ctx context.Context, node model.Node) (model.SyncProbe, error)
}
