package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"recsync/internal/model"
)

var (
	// ErrUnknownNode is returned for lookups of unregistered node IDs.
	ErrUnknownNode = errors.New("unknown node")
	// ErrInvalidTransition is returned for connection-state transitions
	// outside the allowed table. Never silently ignored by callers.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// transitions is the allowed connection-state table. A node may always
// drop to disconnected; everything else is explicit.
var transitions = map[model.ConnState][]model.ConnState{
	model.StateDiscovered:    {model.StateConnecting, model.StateDisconnected},
	model.StateConnecting:    {model.StateConnected, model.StateDisconnected},
	model.StateConnected:     {model.StateSynchronizing, model.StateDegraded, model.StateDisconnected},
	model.StateSynchronizing: {model.StateSynchronized, model.StateDegraded, model.StateDisconnected},
	model.StateSynchronized:  {model.StateSynchronizing, model.StateDegraded, model.StateDisconnected},
	model.StateDegraded:      {model.StateConnected, model.StateSynchronizing, model.StateDisconnected},
	model.StateDisconnected:  {model.StateConnecting},
}

// Registry is the single source of truth for known nodes. All access
// goes through its guarded interface; no caller touches node fields
// directly.
type Registry struct {
	mu       sync.Mutex
	nodes    map[string]*model.Node
	byFP     map[string]string // fingerprint -> node ID
	archived map[string]*model.Node
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		nodes:    make(map[string]*model.Node),
		byFP:     make(map[string]string),
		archived: make(map[string]*model.Node),
		now:      time.Now,
	}
}

// Registration carries what an agent presents when joining.
type Registration struct {
	Fingerprint  string
	Name         string
	Capabilities []model.Capability
	ControlAddr  string
	ProbeAddr    string
	PublicAddr   string
}

// Register adds a node or, for a known fingerprint, refreshes its
// addresses and returns the existing ID. Duplicate discovery of the
// same hardware is resolved by fingerprint, not network address,
// since wireless addresses change across reconnects.
func (r *Registry) Register(reg Registration) (model.Node, error) {
	if reg.Fingerprint == "" {
		return model.Node{}, fmt.Errorf("fingerprint is required")
	}
	if len(reg.Capabilities) == 0 {
		return model.Node{}, fmt.Errorf("at least one capability is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if id, ok := r.byFP[reg.Fingerprint]; ok {
		node := r.nodes[id]
		node.Name = reg.Name
		node.Capabilities = reg.Capabilities
		node.ControlAddr = reg.ControlAddr
		node.ProbeAddr = reg.ProbeAddr
		node.PublicAddr = reg.PublicAddr
		node.LastSeenAt = now
		if node.State == model.StateDisconnected || node.State == model.StateDiscovered {
			node.State = model.StateConnected
		}
		return *node, nil
	}

	node := &model.Node{
		ID:           newID(),
		Fingerprint:  reg.Fingerprint,
		Name:         reg.Name,
		Capabilities: reg.Capabilities,
		ControlAddr:  reg.ControlAddr,
		ProbeAddr:    reg.ProbeAddr,
		PublicAddr:   reg.PublicAddr,
		State:        model.StateConnected,
		LastSeenAt:   now,
	}
	r.nodes[node.ID] = node
	r.byFP[reg.Fingerprint] = node.ID
	return *node, nil
}

// Deregister archives a node. The record is retained, not destroyed.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	delete(r.nodes, nodeID)
	delete(r.byFP, node.Fingerprint)
	r.archived[nodeID] = node
	return nil
}

// Get returns a copy of the node.
func (r *Registry) Get(nodeID string) (model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return model.Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return *node, nil
}

// List returns all active nodes, optionally filtered by capability,
// ordered by node name for stable output.
func (r *Registry) List(filter ...model.Capability) []model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if len(filter) > 0 && !hasAny(*node, filter) {
			continue
		}
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateState applies a connection-state transition, enforcing the
// transition table. Same-state updates are no-ops, not errors, so
// retried transitions stay idempotent.
func (r *Registry) UpdateState(nodeID string, next model.ConnState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if node.State == next {
		return nil
	}
	for _, allowed := range transitions[node.State] {
		if allowed == next {
			node.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (node %s)", ErrInvalidTransition, node.State, next, nodeID)
}

// SetClockModel replaces a node's clock model after an estimator round.
func (r *Registry) SetClockModel(nodeID string, m model.ClockModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	node.Clock = m
	return nil
}

// Heartbeat records liveness contact with a node.
func (r *Registry) Heartbeat(nodeID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	node.LastSeenAt = at.UTC()
	return nil
}

// Snapshot returns copies of all active and archived nodes for
// persistence.
func (r *Registry) Snapshot() (active, archived []model.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range r.nodes {
		active = append(active, *node)
	}
	for _, node := range r.archived {
		archived = append(archived, *node)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	sort.Slice(archived, func(i, j int) bool { return archived[i].ID < archived[j].ID })
	return active, archived
}

// Restore loads nodes from a persisted snapshot. Restored nodes start
// disconnected; they must re-register and re-sync before use.
func (r *Registry) Restore(active, archived []model.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range active {
		node := active[i]
		node.State = model.StateDisconnected
		node.Clock = model.ClockModel{}
		r.nodes[node.ID] = &node
		r.byFP[node.Fingerprint] = node.ID
	}
	for i := range archived {
		node := archived[i]
		r.archived[node.ID] = &node
	}
}

func hasAny(node model.Node, caps []model.Capability) bool {
	for _, c := range caps {
		if node.HasCapability(c) {
			return true
		}
	}
	return false
}

func newID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("node-%d", time.Now().UnixNano())
	}
	return "node-" + hex.EncodeToString(buf)
}
