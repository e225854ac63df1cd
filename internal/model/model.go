package model

import (
	"fmt"
	"time"
)

// Capability is a modality tag a capture node can produce.
// The set is closed; unknown tags are rejected at registration.
type Capability string

const (
	CapVideo     Capability = "video"
	CapThermal   Capability = "thermal"
	CapAudio     Capability = "audio"
	CapBiosignal Capability = "biosignal"
	CapDepth     Capability = "depth"
)

// ParseCapability validates a capability tag.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapVideo, CapThermal, CapAudio, CapBiosignal, CapDepth:
		return Capability(s), nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// ConnState is the connection lifecycle state of a node.
type ConnState string

const (
	StateDiscovered    ConnState = "discovered"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateSynchronizing ConnState = "synchronizing"
	StateSynchronized  ConnState = "synchronized"
	StateDegraded      ConnState = "degraded"
	StateDisconnected  ConnState = "disconnected"
)

// ClockModel is the current best estimate of a node clock relative to
// the coordinator reference clock.
type ClockModel struct {
	OffsetNanos      int64     `json:"offset_nanos" yaml:"offset_nanos"`
	DriftNanosPerSec float64   `json:"drift_nanos_per_sec" yaml:"drift_nanos_per_sec"`
	ErrorBoundNanos  int64     `json:"error_bound_nanos" yaml:"error_bound_nanos"`
	UpdatedAt        time.Time `json:"updated_at" yaml:"updated_at"`
}

// WithinTolerance reports whether the error bound fits the given tolerance.
func (m ClockModel) WithinTolerance(tol time.Duration) bool {
	return m.ErrorBoundNanos > 0 && m.ErrorBoundNanos <= tol.Nanoseconds()
}

// Node is a remote recording agent known to the registry.
type Node struct {
	ID           string       `json:"id" yaml:"id"`
	Fingerprint  string       `json:"fingerprint" yaml:"fingerprint"`
	Name         string       `json:"name" yaml:"name"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
	// ControlAddr is the agent's HTTP control listener (host:port).
	ControlAddr string `json:"control_addr" yaml:"control_addr"`
	// ProbeAddr is the agent's UDP timing-probe responder (host:port).
	ProbeAddr  string     `json:"probe_addr" yaml:"probe_addr"`
	PublicAddr string     `json:"public_addr" yaml:"public_addr"`
	State      ConnState  `json:"state" yaml:"state"`
	Clock      ClockModel `json:"clock" yaml:"clock"`
	LastSeenAt time.Time  `json:"last_seen_at" yaml:"last_seen_at"`
}

// HasCapability reports whether the node can produce the given modality.
func (n Node) HasCapability(c Capability) bool {
	for _, have := range n.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// SyncProbe is one round-trip timing measurement. Immutable once recorded.
type SyncProbe struct {
	NodeID       string        `json:"node_id"`
	ProbeID      string        `json:"probe_id"`
	SendTime     time.Time     `json:"send_time"`      // coordinator clock
	NodeEchoTime int64         `json:"node_echo_time"` // node clock, unix nanos
	ReceiveTime  time.Time     `json:"receive_time"`   // coordinator clock
	RTT          time.Duration `json:"rtt"`
}

// SessionState is the lifecycle state of a recording session.
type SessionState string

const (
	SessionIdle          SessionState = "idle"
	SessionPreparing     SessionState = "preparing"
	SessionSynchronizing SessionState = "synchronizing"
	SessionReady         SessionState = "ready"
	SessionRecording     SessionState = "recording"
	SessionPaused        SessionState = "paused"
	SessionStopping      SessionState = "stopping"
	SessionCompleted     SessionState = "completed"
	SessionAborted       SessionState = "aborted"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// EventKind classifies session event log entries.
type EventKind string

const (
	EventTransition     EventKind = "transition"
	EventNodeExcluded   EventKind = "node_excluded"
	EventNodeDegraded   EventKind = "node_degraded"
	EventNodeLost       EventKind = "node_lost"
	EventNodeRecovered  EventKind = "node_recovered"
	EventNodeReadmitted EventKind = "node_readmitted"
	EventMissedStart    EventKind = "missed_start"
	EventDataWarning    EventKind = "data_warning"
	EventFault          EventKind = "fault"
)

// Event is one entry in a session's ordered event log. The log is
// append-only; entries are never removed from the record.
type Event struct {
	Seq       int          `json:"seq" yaml:"seq"`
	At        time.Time    `json:"at" yaml:"at"`
	Kind      EventKind    `json:"kind" yaml:"kind"`
	SessionID string       `json:"session_id" yaml:"session_id"`
	NodeID    string       `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	State     SessionState `json:"state,omitempty" yaml:"state,omitempty"`
	Detail    string       `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// SessionConfig fixes the requirements of one session at prepare time.
type SessionConfig struct {
	RequiredCapabilities []Capability  `json:"required_capabilities" yaml:"required_capabilities"`
	TargetTolerance      time.Duration `json:"target_tolerance" yaml:"target_tolerance"`
	HardTolerance        time.Duration `json:"hard_tolerance" yaml:"hard_tolerance"`
}

// Session is one coordinated recording instance. Mutated only by the
// session state machine; retained as an immutable record after it ends.
type Session struct {
	ID                 string        `json:"id" yaml:"id"`
	State              SessionState  `json:"state" yaml:"state"`
	Config             SessionConfig `json:"config" yaml:"config"`
	ParticipantNodeIDs []string      `json:"participant_node_ids" yaml:"participant_node_ids"`
	ExcludedNodeIDs    []string      `json:"excluded_node_ids,omitempty" yaml:"excluded_node_ids,omitempty"`
	// ReferenceStartTime is fixed once chosen and never altered.
	ReferenceStartTime time.Time `json:"reference_start_time,omitempty" yaml:"reference_start_time,omitempty"`
	CreatedAt          time.Time `json:"created_at" yaml:"created_at"`
	EndedAt            time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Events             []Event   `json:"events" yaml:"events"`
	// ClockModels snapshots each participant's final clock model so the
	// storage collaborator can align raw sample timestamps.
	ClockModels map[string]ClockModel `json:"clock_models,omitempty" yaml:"clock_models,omitempty"`
}

// Included reports whether a node is still an active participant.
func (s *Session) Included(nodeID string) bool {
	for _, ex := range s.ExcludedNodeIDs {
		if ex == nodeID {
			return false
		}
	}
	for _, id := range s.ParticipantNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// HealthRecord is a periodic snapshot of a node's liveness.
type HealthRecord struct {
	NodeID        string    `json:"node_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MissedProbes  int       `json:"missed_probes"`
	MinRTTMs      float64   `json:"min_rtt_ms"`
	AvgRTTMs      float64   `json:"avg_rtt_ms"`
	P95RTTMs      float64   `json:"p95_rtt_ms"`
	State         ConnState `json:"state"`
}
