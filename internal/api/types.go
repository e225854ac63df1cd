package api

import "recsync/internal/model"

// RegisterRequest is sent by an agent when joining the coordinator.
type RegisterRequest struct {
	Fingerprint  string   `json:"fingerprint"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	ControlAddr  string   `json:"control_addr"`
	ProbeAddr    string   `json:"probe_addr"`
	PublicAddr   string   `json:"public_addr,omitempty"`
}

// RegisterResponse returns the assigned node ID.
type RegisterResponse struct {
	NodeID       string `json:"node_id"`
	KeepaliveSec int    `json:"keepalive_sec"`
}

// PrepareSessionRequest opens a session over a node set.
type PrepareSessionRequest struct {
	RequiredCapabilities []string `json:"required_capabilities"`
	NodeIDs              []string `json:"node_ids,omitempty"`
	TargetToleranceMs    int      `json:"target_tolerance_ms,omitempty"`
	HardToleranceMs      int      `json:"hard_tolerance_ms,omitempty"`
}

// AbortSessionRequest carries the operator's reason.
type AbortSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SessionResponse wraps one session record.
type SessionResponse struct {
	Session model.Session `json:"session"`
}

// NodesResponse lists registered nodes.
type NodesResponse struct {
	Nodes []model.Node `json:"nodes"`
}

// HealthResponse wraps one node health snapshot.
type HealthResponse struct {
	Record model.HealthRecord `json:"record"`
}

// ClockModelsResponse supplies per-node clock model snapshots so the
// storage collaborator can align raw sample timestamps.
type ClockModelsResponse struct {
	SessionID string                      `json:"session_id"`
	Models    map[string]model.ClockModel `json:"models"`
}
