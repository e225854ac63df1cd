package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"recsync/internal/clocksync"
	"recsync/internal/model"
	"recsync/internal/registry"
	"recsync/internal/transport"
)

var (
	// ErrInsufficientCapabilities means no node set can cover the
	// session's required modalities. Fatal to that session only.
	ErrInsufficientCapabilities = errors.New("insufficient capabilities")
	// ErrSynchronizationFailed means required-capability coverage was
	// lost because nodes could not reach the sync tolerance.
	ErrSynchronizationFailed = errors.New("synchronization failed")
	// ErrSessionAborted marks an explicit or cascading abort.
	ErrSessionAborted = errors.New("session aborted")
	// ErrInvalidTransition is an ordering bug: a command that the
	// current session state does not admit. Always surfaced.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrUnknownSession is returned for lookups of unknown session IDs.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNoActiveSession is returned when a command needs a live session.
	ErrNoActiveSession = errors.New("no active session")
)

// Config tunes the state machine timing.
type Config struct {
	StartLead       time.Duration
	AckWindow       time.Duration
	StopGrace       time.Duration
	DriftInterval   time.Duration
	SyncConcurrency int
	TargetTolerance time.Duration
	HardTolerance   time.Duration
}

// PrepareRequest opens a new session over a node set.
type PrepareRequest struct {
	RequiredCapabilities []model.Capability
	// NodeIDs fixes the participant set; empty selects every
	// registered node holding at least one required capability.
	NodeIDs         []string
	TargetTolerance time.Duration
	HardTolerance   time.Duration
}

type cmdKind int

const (
	cmdPrepare cmdKind = iota + 1
	cmdStart
	cmdStop
	cmdPause
	cmdResume
	cmdAbort
	cmdStatus

	// internal, posted by phase goroutines and the fault detector
	evBroadcastDone
	evSyncDone
	evDriftObs
	evNodeDegraded
	evNodeLost
	evNodeRecovered
)

type syncResult struct {
	est clocksync.Estimate
	err error
}

type command struct {
	kind      cmdKind
	req       PrepareRequest
	sessionID string
	nodeID    string
	detail    string

	op     transport.CommandType
	acked  []string
	failed map[string]error
	syncs  map[string]syncResult
	est    clocksync.Estimate

	reply chan result
}

type result struct {
	session model.Session
	err     error
}

// Machine orchestrates the session lifecycle across registered nodes.
// A single goroutine (Run) owns all session state; every mutation
// arrives through the command channel, so transitions are totally
// ordered and never concurrent.
type Machine struct {
	cfg   Config
	reg   *registry.Registry
	tr    transport.Transport
	est   *clocksync.Estimator
	drift *clocksync.Tracker
	clock clocksync.Clock
	bus   *Bus
	cmds  chan command

	// owned by the run loop
	current      *model.Session
	startPending bool
	// opPending is the control broadcast currently awaiting acks.
	// At most one may be in flight; overlapping operator commands
	// are rejected so transitions stay totally ordered.
	opPending     transport.CommandType
	pendingReply  chan result
	phaseCancel   context.CancelFunc
	driftInFlight map[string]bool
	archive       map[string]model.Session
	// onArchive persists terminated sessions; may be nil in tests.
	onArchive func(model.Session)
}

// New builds a machine with injected collaborators.
func New(cfg Config, reg *registry.Registry, tr transport.Transport, est *clocksync.Estimator, drift *clocksync.Tracker, clock clocksync.Clock, onArchive func(model.Session)) *Machine {
	if clock == nil {
		clock = clocksync.System
	}
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = 8
	}
	if cfg.DriftInterval <= 0 {
		cfg.DriftInterval = time.Minute
	}
	return &Machine{
		cfg:           cfg,
		reg:           reg,
		tr:            tr,
		est:           est,
		drift:         drift,
		clock:         clock,
		bus:           NewBus(),
		cmds:          make(chan command, 64),
		driftInFlight: make(map[string]bool),
		archive:       make(map[string]model.Session),
		onArchive:     onArchive,
	}
}

// Bus exposes the event stream for status subscribers.
func (m *Machine) Bus() *Bus { return m.bus }

// Run processes commands until the context ends. An active session is
// aborted on shutdown so no node is left recording.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DriftInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.current != nil && !m.current.State.Terminal() {
				m.abortLocked("coordinator shutdown")
			}
			return
		case <-ticker.C:
			m.handleDriftTick(ctx)
		case cmd := <-m.cmds:
			m.handle(ctx, cmd)
		}
	}
}

// Prepare creates a session and begins the readiness/sync pipeline.
func (m *Machine) Prepare(ctx context.Context, req PrepareRequest) (model.Session, error) {
	return m.roundTrip(ctx, command{kind: cmdPrepare, req: req})
}

// Start broadcasts the synchronized start. Idempotent: a duplicate
// start yields the already-chosen reference start time and no second
// broadcast.
func (m *Machine) Start(ctx context.Context, sessionID string) (model.Session, error) {
	return m.roundTrip(ctx, command{kind: cmdStart, sessionID: sessionID})
}

// Stop ends recording and finalizes the session.
func (m *Machine) Stop(ctx context.Context, sessionID string) (model.Session, error) {
	return m.roundTrip(ctx, command{kind: cmdStop, sessionID: sessionID})
}

// Pause suspends recording on all active nodes.
func (m *Machine) Pause(ctx context.Context, sessionID string) (model.Session, error) {
	return m.roundTrip(ctx, command{kind: cmdPause, sessionID: sessionID})
}

// Resume continues a paused session.
func (m *Machine) Resume(ctx context.Context, sessionID string) (model.Session, error) {
	return m.roundTrip(ctx, command{kind: cmdResume, sessionID: sessionID})
}

// Abort terminates the session from any non-terminal state with a
// best-effort stop broadcast.
func (m *Machine) Abort(ctx context.Context, sessionID, reason string) (model.Session, error) {
	return m.roundTrip(ctx, command{kind: cmdAbort, sessionID: sessionID, detail: reason})
}

// Status returns a session by ID, or the active session for "".
func (m *Machine) Status(ctx context.Context, sessionID string) (model.Session, error) {
	return m.roundTrip(ctx, command{kind: cmdStatus, sessionID: sessionID})
}

// NodeDegraded is called by the fault detector when a node misses
// heartbeats or trips the drift alarm.
func (m *Machine) NodeDegraded(nodeID, reason string) {
	m.cmds <- command{kind: evNodeDegraded, nodeID: nodeID, detail: reason}
}

// NodeLost is called when a node transitions to disconnected.
func (m *Machine) NodeLost(nodeID, reason string) {
	m.cmds <- command{kind: evNodeLost, nodeID: nodeID, detail: reason}
}

// NodeRecovered is called after a reconnected node has re-run a full
// sync round. The estimate replaces any prior model; stale offsets are
// never reused.
func (m *Machine) NodeRecovered(nodeID string, est clocksync.Estimate) {
	m.cmds <- command{kind: evNodeRecovered, nodeID: nodeID, est: est}
}

func (m *Machine) roundTrip(ctx context.Context, cmd command) (model.Session, error) {
	cmd.reply = make(chan result, 1)
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return model.Session{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.session, res.err
	case <-ctx.Done():
		return model.Session{}, ctx.Err()
	}
}

func (m *Machine) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdPrepare:
		m.handlePrepare(ctx, cmd)
	case cmdStart:
		m.handleStart(ctx, cmd)
	case cmdStop:
		m.handleStop(ctx, cmd)
	case cmdPause:
		m.handleBroadcastCmd(ctx, cmd, transport.CmdPause, model.SessionRecording)
	case cmdResume:
		m.handleBroadcastCmd(ctx, cmd, transport.CmdResume, model.SessionPaused)
	case cmdAbort:
		m.handleAbort(cmd)
	case cmdStatus:
		m.handleStatus(cmd)
	case evBroadcastDone:
		m.handleBroadcastDone(ctx, cmd)
	case evSyncDone:
		m.handleSyncDone(cmd)
	case evDriftObs:
		m.handleDriftObs(cmd)
	case evNodeDegraded:
		m.handleNodeDegraded(cmd)
	case evNodeLost:
		m.handleNodeLost(cmd)
	case evNodeRecovered:
		m.handleNodeRecovered(ctx, cmd)
	}
}

func (m *Machine) handlePrepare(ctx context.Context, cmd command) {
	if m.current != nil && !m.current.State.Terminal() {
		cmd.reply <- result{err: fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, m.current.ID, m.current.State)}
		return
	}

	nodes, err := m.selectParticipants(cmd.req)
	if err != nil {
		cmd.reply <- result{err: err}
		return
	}

	target := cmd.req.TargetTolerance
	if target <= 0 {
		target = m.cfg.TargetTolerance
	}
	hard := cmd.req.HardTolerance
	if hard <= 0 {
		hard = m.cfg.HardTolerance
	}

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}

	m.current = &model.Session{
		ID:    newSessionID(),
		State: model.SessionPreparing,
		Config: model.SessionConfig{
			RequiredCapabilities: cmd.req.RequiredCapabilities,
			TargetTolerance:      target,
			HardTolerance:        hard,
		},
		ParticipantNodeIDs: ids,
		CreatedAt:          m.clock.Now().UTC(),
	}
	m.transition(model.SessionPreparing, "session prepared")
	log.Info().Str("session", m.current.ID).Int("nodes", len(ids)).Msg("session preparing")

	m.startBroadcast(ctx, transport.CmdPrepare, nodes, m.cfg.AckWindow)
	cmd.reply <- result{session: *m.current}
}

func (m *Machine) handleStart(ctx context.Context, cmd command) {
	cur, err := m.requireSession(cmd.sessionID)
	if err != nil {
		cmd.reply <- result{err: err}
		return
	}

	// Duplicate start: the reference start time is chosen exactly once.
	if m.startPending || cur.State == model.SessionRecording {
		cmd.reply <- result{session: *cur}
		return
	}
	if m.opPending != "" {
		cmd.reply <- result{err: fmt.Errorf("%w: start while %s awaits acknowledgement", ErrInvalidTransition, m.opPending)}
		return
	}
	if cur.State != model.SessionReady {
		cmd.reply <- result{err: fmt.Errorf("%w: start from %s", ErrInvalidTransition, cur.State)}
		return
	}

	cur.ReferenceStartTime = m.clock.Now().Add(m.cfg.StartLead).UTC()
	m.startPending = true
	m.opPending = transport.CmdStart
	m.pendingReply = cmd.reply
	log.Info().Str("session", cur.ID).Time("reference_start", cur.ReferenceStartTime).Msg("start broadcast")
	m.startBroadcast(ctx, transport.CmdStart, m.includedNodes(), m.cfg.AckWindow)
}

func (m *Machine) handleStop(ctx context.Context, cmd command) {
	cur, err := m.requireSession(cmd.sessionID)
	if err != nil {
		cmd.reply <- result{err: err}
		return
	}
	if m.opPending != "" {
		cmd.reply <- result{err: fmt.Errorf("%w: stop while %s awaits acknowledgement", ErrInvalidTransition, m.opPending)}
		return
	}
	if cur.State != model.SessionRecording && cur.State != model.SessionPaused {
		cmd.reply <- result{err: fmt.Errorf("%w: stop from %s", ErrInvalidTransition, cur.State)}
		return
	}

	m.transition(model.SessionStopping, "stop requested")
	m.opPending = transport.CmdStop
	m.pendingReply = cmd.reply
	m.startBroadcast(ctx, transport.CmdStop, m.includedNodes(), m.cfg.StopGrace)
}

func (m *Machine) handleBroadcastCmd(ctx context.Context, cmd command, op transport.CommandType, from model.SessionState) {
	cur, err := m.requireSession(cmd.sessionID)
	if err != nil {
		cmd.reply <- result{err: err}
		return
	}
	if m.opPending != "" {
		cmd.reply <- result{err: fmt.Errorf("%w: %s while %s awaits acknowledgement", ErrInvalidTransition, op, m.opPending)}
		return
	}
	if cur.State != from {
		cmd.reply <- result{err: fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, cur.State)}
		return
	}
	m.opPending = op
	m.pendingReply = cmd.reply
	m.startBroadcast(ctx, op, m.includedNodes(), m.cfg.AckWindow)
}

func (m *Machine) handleAbort(cmd command) {
	cur, err := m.requireSession(cmd.sessionID)
	if err != nil {
		cmd.reply <- result{err: err}
		return
	}
	if cur.State.Terminal() {
		cmd.reply <- result{session: *cur}
		return
	}
	reason := cmd.detail
	if reason == "" {
		reason = "operator abort"
	}
	m.abortLocked(reason)
	cmd.reply <- result{session: *cur, err: fmt.Errorf("%w: %s", ErrSessionAborted, reason)}
}

func (m *Machine) handleStatus(cmd command) {
	if cmd.sessionID == "" || (m.current != nil && m.current.ID == cmd.sessionID) {
		if m.current == nil {
			cmd.reply <- result{err: ErrNoActiveSession}
			return
		}
		cmd.reply <- result{session: *m.current}
		return
	}
	if s, ok := m.archive[cmd.sessionID]; ok {
		cmd.reply <- result{session: s}
		return
	}
	cmd.reply <- result{err: fmt.Errorf("%w: %s", ErrUnknownSession, cmd.sessionID)}
}

// startBroadcast delivers op to nodes in parallel with bounded
// concurrency and posts the collected acks back to the run loop.
func (m *Machine) startBroadcast(ctx context.Context, op transport.CommandType, nodes []model.Node, window time.Duration) {
	phaseCtx, cancel := context.WithCancel(ctx)
	m.phaseCancel = cancel

	sessionID := m.current.ID
	refStart := m.current.ReferenceStartTime

	go func() {
		defer cancel()
		acked, failed := m.broadcast(phaseCtx, op, sessionID, refStart, nodes, window)
		m.cmds <- command{kind: evBroadcastDone, op: op, sessionID: sessionID, acked: acked, failed: failed}
	}()
}

func (m *Machine) broadcast(ctx context.Context, op transport.CommandType, sessionID string, refStart time.Time, nodes []model.Node, window time.Duration) (acked []string, failed map[string]error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	type ack struct {
		nodeID string
		err    error
	}
	results := make(chan ack, len(nodes))
	sem := make(chan struct{}, m.cfg.SyncConcurrency)
	for _, node := range nodes {
		node := node
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			cmd := transport.Command{Type: op, SessionID: sessionID}
			if op == transport.CmdStart {
				cmd.ReferenceStartTime = refStart
				if offset, ok := m.drift.OffsetAt(node.ID, refStart); ok {
					cmd.OffsetHintNanos = offset
				}
			}
			results <- ack{nodeID: node.ID, err: m.tr.Send(ctx, node, cmd)}
		}()
	}

	failed = make(map[string]error)
	for range nodes {
		a := <-results
		if a.err != nil {
			failed[a.nodeID] = a.err
			continue
		}
		acked = append(acked, a.nodeID)
	}
	return acked, failed
}

func (m *Machine) handleBroadcastDone(ctx context.Context, cmd command) {
	cur := m.current
	if cur == nil || cur.ID != cmd.sessionID || cur.State.Terminal() {
		return
	}
	if cmd.op == m.opPending {
		m.opPending = ""
	}
	// A phase result only applies from the state it was launched in;
	// anything else is a stale broadcast the session has moved past.
	if cur.State != broadcastLaunchState(cmd.op) {
		log.Warn().Str("session", cur.ID).Str("op", string(cmd.op)).Str("state", string(cur.State)).Msg("stale broadcast result dropped")
		return
	}

	switch cmd.op {
	case transport.CmdPrepare:
		m.excludeFailed(cmd.failed, "prepare not acknowledged")
		if err := m.checkCoverage(); err != nil {
			m.failSession(err)
			return
		}
		m.transition(model.SessionSynchronizing, "all reachable nodes acknowledged readiness")
		m.startSyncPhase(ctx)

	case transport.CmdStart:
		for nodeID, err := range cmd.failed {
			m.appendEvent(model.EventMissedStart, nodeID, "", err.Error())
			m.exclude(nodeID, "missed start")
		}
		if len(m.includedNodes()) == 0 {
			m.failSession(fmt.Errorf("%w: no node acknowledged start", ErrSessionAborted))
			m.finishPending()
			return
		}
		m.startPending = false
		m.transition(model.SessionRecording, fmt.Sprintf("recording with %d nodes", len(cmd.acked)))
		m.finishPending()

	case transport.CmdPause:
		for nodeID, err := range cmd.failed {
			m.appendEvent(model.EventDataWarning, nodeID, "", "pause not confirmed: "+err.Error())
		}
		m.recordNodeLocalTimes(cmd.acked, "paused")
		m.transition(model.SessionPaused, "pause acknowledged")
		m.finishPending()

	case transport.CmdResume:
		for nodeID, err := range cmd.failed {
			m.appendEvent(model.EventDataWarning, nodeID, "", "resume not confirmed: "+err.Error())
		}
		m.recordNodeLocalTimes(cmd.acked, "resumed")
		m.transition(model.SessionRecording, "resume acknowledged")
		m.finishPending()

	case transport.CmdStop:
		for nodeID, err := range cmd.failed {
			// Not a hard failure: the node's data may still be intact,
			// it just never confirmed finalization.
			m.appendEvent(model.EventDataWarning, nodeID, "", "stop not confirmed: "+err.Error())
		}
		m.completeSession()
		m.finishPending()
	}
}

// broadcastLaunchState maps a control broadcast to the session state
// it is launched from.
func broadcastLaunchState(op transport.CommandType) model.SessionState {
	switch op {
	case transport.CmdPrepare:
		return model.SessionPreparing
	case transport.CmdStart:
		return model.SessionReady
	case transport.CmdPause:
		return model.SessionRecording
	case transport.CmdResume:
		return model.SessionPaused
	case transport.CmdStop:
		return model.SessionStopping
	}
	return ""
}

// startSyncPhase runs the offset estimator for every included node in
// parallel. Probing one node must not block another; concurrency is
// bounded, not serialized.
func (m *Machine) startSyncPhase(ctx context.Context) {
	phaseCtx, cancel := context.WithCancel(ctx)
	m.phaseCancel = cancel

	sessionID := m.current.ID
	nodes := m.includedNodes()
	for _, node := range nodes {
		_ = m.reg.UpdateState(node.ID, model.StateSynchronizing)
	}

	go func() {
		defer cancel()
		syncs := make(map[string]syncResult, len(nodes))
		type item struct {
			nodeID string
			res    syncResult
		}
		results := make(chan item, len(nodes))
		sem := make(chan struct{}, m.cfg.SyncConcurrency)
		for _, node := range nodes {
			node := node
			go func() {
				sem <- struct{}{}
				defer func() { <-sem }()
				est, err := m.est.Run(phaseCtx, node)
				results <- item{nodeID: node.ID, res: syncResult{est: est, err: err}}
			}()
		}
		for range nodes {
			it := <-results
			syncs[it.nodeID] = it.res
		}
		m.cmds <- command{kind: evSyncDone, sessionID: sessionID, syncs: syncs}
	}()
}

func (m *Machine) handleSyncDone(cmd command) {
	cur := m.current
	if cur == nil || cur.ID != cmd.sessionID || cur.State != model.SessionSynchronizing {
		return
	}

	hard := cur.Config.HardTolerance
	target := cur.Config.TargetTolerance
	for nodeID, res := range cmd.syncs {
		if res.err != nil {
			m.appendEvent(model.EventNodeExcluded, nodeID, "", "synchronization failed: "+res.err.Error())
			m.exclude(nodeID, "synchronization failed")
			_ = m.reg.UpdateState(nodeID, model.StateDegraded)
			continue
		}
		clockModel, _ := m.drift.Observe(nodeID, res.est)
		_ = m.reg.SetClockModel(nodeID, clockModel)
		if !clockModel.WithinTolerance(hard) {
			m.appendEvent(model.EventNodeExcluded, nodeID, "",
				fmt.Sprintf("synchronization failed: error bound %.2fms exceeds %.0fms ceiling",
					float64(clockModel.ErrorBoundNanos)/1e6, hard.Seconds()*1000))
			m.exclude(nodeID, "tolerance exceeded")
			_ = m.reg.UpdateState(nodeID, model.StateDegraded)
			continue
		}
		_ = m.reg.UpdateState(nodeID, model.StateSynchronized)
		if !clockModel.WithinTolerance(target) {
			m.appendEvent(model.EventDataWarning, nodeID, "",
				fmt.Sprintf("synchronized above target tolerance: %.2fms", float64(clockModel.ErrorBoundNanos)/1e6))
		}
	}

	if err := m.checkCoverage(); err != nil {
		m.failSession(fmt.Errorf("%w: %v", ErrSynchronizationFailed, err))
		return
	}
	m.transition(model.SessionReady, "all included nodes within tolerance")
}

func (m *Machine) handleDriftTick(ctx context.Context) {
	cur := m.current
	if cur == nil {
		return
	}
	switch cur.State {
	case model.SessionReady, model.SessionRecording, model.SessionPaused:
	default:
		return
	}

	sessionID := cur.ID
	for _, node := range m.includedNodes() {
		// Probes to one node are strictly ordered; a tick that fires
		// while the node's previous round is still running is skipped.
		if m.driftInFlight[node.ID] {
			continue
		}
		m.driftInFlight[node.ID] = true
		node := node
		go func() {
			est, err := m.est.Run(ctx, node)
			if err != nil {
				log.Warn().Str("node", node.ID).Err(err).Msg("drift round failed")
				m.cmds <- command{kind: evDriftObs, nodeID: node.ID, sessionID: sessionID, detail: "drift round failed: " + err.Error()}
				return
			}
			m.cmds <- command{kind: evDriftObs, nodeID: node.ID, sessionID: sessionID, est: est}
		}()
	}
}

func (m *Machine) handleDriftObs(cmd command) {
	delete(m.driftInFlight, cmd.nodeID)
	if cmd.detail != "" {
		m.handleNodeDegraded(cmd)
		return
	}
	clockModel, alarm := m.drift.Observe(cmd.nodeID, cmd.est)
	_ = m.reg.SetClockModel(cmd.nodeID, clockModel)
	if alarm {
		_ = m.reg.UpdateState(cmd.nodeID, model.StateDegraded)
		if m.current != nil && !m.current.State.Terminal() && m.current.Included(cmd.nodeID) {
			m.appendEvent(model.EventNodeDegraded, cmd.nodeID, "", "drift alarm: offset deviation exceeded tolerance twice")
		}
	}
}

func (m *Machine) handleNodeDegraded(cmd command) {
	if m.current == nil || m.current.State.Terminal() || !m.current.Included(cmd.nodeID) {
		return
	}
	m.appendEvent(model.EventNodeDegraded, cmd.nodeID, "", cmd.detail)
}

func (m *Machine) handleNodeLost(cmd command) {
	if m.current == nil || m.current.State.Terminal() || !m.current.Included(cmd.nodeID) {
		return
	}
	m.appendEvent(model.EventNodeLost, cmd.nodeID, "", cmd.detail)
	m.exclude(cmd.nodeID, "disconnected")
	m.drift.Forget(cmd.nodeID)

	if len(m.includedNodes()) == 0 {
		m.failSession(fmt.Errorf("%w: no viable nodes remain", ErrSessionAborted))
	}
}

func (m *Machine) handleNodeRecovered(ctx context.Context, cmd command) {
	clockModel, _ := m.drift.Observe(cmd.nodeID, cmd.est)
	_ = m.reg.SetClockModel(cmd.nodeID, clockModel)
	_ = m.reg.UpdateState(cmd.nodeID, model.StateSynchronized)

	cur := m.current
	if cur == nil || cur.State.Terminal() || cur.Included(cmd.nodeID) {
		return
	}
	if !isParticipant(cur, cmd.nodeID) || cur.State != model.SessionRecording {
		return
	}
	if !clockModel.WithinTolerance(cur.Config.HardTolerance) {
		m.appendEvent(model.EventDataWarning, cmd.nodeID, "", "recovered node still outside tolerance, not readmitted")
		return
	}

	// Re-admission: re-issue the original start so the node rejoins on
	// the fixed reference start time.
	m.readmit(cmd.nodeID)
	node, err := m.reg.Get(cmd.nodeID)
	if err != nil {
		return
	}
	m.appendEvent(model.EventNodeReadmitted, cmd.nodeID, "", "re-synchronized after reconnect")
	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.AckWindow)
		defer cancel()
		startCmd := transport.Command{
			Type:               transport.CmdStart,
			SessionID:          cur.ID,
			ReferenceStartTime: cur.ReferenceStartTime,
			OffsetHintNanos:    clockModel.OffsetNanos,
		}
		if err := m.tr.Send(sendCtx, node, startCmd); err != nil {
			log.Warn().Str("node", node.ID).Err(err).Msg("readmission start failed")
		}
	}()
}

func (m *Machine) selectParticipants(req PrepareRequest) ([]model.Node, error) {
	if len(req.RequiredCapabilities) == 0 {
		return nil, fmt.Errorf("%w: no required capabilities given", ErrInsufficientCapabilities)
	}

	var nodes []model.Node
	if len(req.NodeIDs) > 0 {
		for _, id := range req.NodeIDs {
			node, err := m.reg.Get(id)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
	} else {
		nodes = m.reg.List(req.RequiredCapabilities...)
	}

	for _, cap := range req.RequiredCapabilities {
		covered := false
		for _, node := range nodes {
			if node.HasCapability(cap) {
				covered = true
				break
			}
		}
		if !covered {
			return nil, fmt.Errorf("%w: no node supplies %s", ErrInsufficientCapabilities, cap)
		}
	}
	return nodes, nil
}

// checkCoverage verifies the included node set still supplies every
// required capability.
func (m *Machine) checkCoverage() error {
	included := m.includedNodes()
	for _, cap := range m.current.Config.RequiredCapabilities {
		covered := false
		for _, node := range included {
			if node.HasCapability(cap) {
				covered = true
				break
			}
		}
		if !covered {
			return fmt.Errorf("capability %s no longer covered", cap)
		}
	}
	return nil
}

func (m *Machine) includedNodes() []model.Node {
	var out []model.Node
	for _, id := range m.current.ParticipantNodeIDs {
		if !m.current.Included(id) {
			continue
		}
		node, err := m.reg.Get(id)
		if err != nil {
			continue
		}
		out = append(out, node)
	}
	return out
}

func (m *Machine) excludeFailed(failed map[string]error, reason string) {
	for nodeID, err := range failed {
		m.appendEvent(model.EventNodeExcluded, nodeID, "", reason+": "+err.Error())
		m.exclude(nodeID, reason)
	}
}

func (m *Machine) exclude(nodeID, reason string) {
	if !m.current.Included(nodeID) {
		return
	}
	m.current.ExcludedNodeIDs = append(m.current.ExcludedNodeIDs, nodeID)
	log.Warn().Str("session", m.current.ID).Str("node", nodeID).Str("reason", reason).Msg("node excluded")
}

func (m *Machine) readmit(nodeID string) {
	kept := m.current.ExcludedNodeIDs[:0]
	for _, id := range m.current.ExcludedNodeIDs {
		if id != nodeID {
			kept = append(kept, id)
		}
	}
	m.current.ExcludedNodeIDs = kept
}

func (m *Machine) recordNodeLocalTimes(nodeIDs []string, action string) {
	now := m.clock.Now().UTC()
	for _, id := range nodeIDs {
		offset, ok := m.drift.OffsetAt(id, now)
		detail := action
		if ok {
			// The node-local instant of the action, for later alignment
			// of its buffered samples.
			detail = fmt.Sprintf("%s at node-local %d", action, now.UnixNano()+offset)
		}
		m.appendEvent(model.EventTransition, id, "", detail)
	}
}

func (m *Machine) transition(next model.SessionState, detail string) {
	m.current.State = next
	m.appendEvent(model.EventTransition, "", next, detail)
}

func (m *Machine) appendEvent(kind model.EventKind, nodeID string, state model.SessionState, detail string) {
	ev := model.Event{
		Seq:       len(m.current.Events) + 1,
		At:        m.clock.Now().UTC(),
		Kind:      kind,
		SessionID: m.current.ID,
		NodeID:    nodeID,
		State:     state,
		Detail:    detail,
	}
	m.current.Events = append(m.current.Events, ev)
	m.bus.Publish(ev)
}

func (m *Machine) failSession(err error) {
	m.appendEvent(model.EventFault, "", "", err.Error())
	m.abortLocked(err.Error())
}

// abortLocked terminates the session: best-effort stop broadcast so no
// node is left recording, then archive. Whatever data nodes have
// already produced is preserved on the nodes.
func (m *Machine) abortLocked(reason string) {
	if m.phaseCancel != nil {
		m.phaseCancel()
		m.phaseCancel = nil
	}
	nodes := m.includedNodes()
	sessionID := m.current.ID
	m.current.State = model.SessionAborted
	m.appendEvent(model.EventTransition, "", model.SessionAborted, reason)
	m.startPending = false
	m.opPending = ""
	m.finishPending()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AckWindow)
		defer cancel()
		for _, node := range nodes {
			if err := m.tr.Send(ctx, node, transport.Command{Type: transport.CmdStop, SessionID: sessionID}); err != nil {
				log.Warn().Str("node", node.ID).Err(err).Msg("abort stop failed")
			}
		}
	}()

	m.archiveCurrent()
	log.Warn().Str("session", sessionID).Str("reason", reason).Msg("session aborted")
}

func (m *Machine) completeSession() {
	m.transition(model.SessionCompleted, "all nodes finalized or grace period elapsed")
	m.archiveCurrent()
	log.Info().Str("session", m.current.ID).Msg("session completed")
}

func (m *Machine) archiveCurrent() {
	cur := m.current
	cur.EndedAt = m.clock.Now().UTC()
	cur.ClockModels = make(map[string]model.ClockModel)
	snap := m.drift.Snapshot()
	for _, id := range cur.ParticipantNodeIDs {
		if clockModel, ok := snap[id]; ok {
			cur.ClockModels[id] = clockModel
		}
	}
	m.archive[cur.ID] = *cur
	if m.onArchive != nil {
		m.onArchive(*cur)
	}
}

func (m *Machine) finishPending() {
	if m.pendingReply == nil {
		return
	}
	res := result{}
	if m.current != nil {
		res.session = *m.current
		if m.current.State == model.SessionAborted {
			res.err = ErrSessionAborted
		}
	}
	m.pendingReply <- res
	m.pendingReply = nil
}

func (m *Machine) requireSession(sessionID string) (*model.Session, error) {
	if m.current == nil {
		return nil, ErrNoActiveSession
	}
	if sessionID != "" && m.current.ID != sessionID {
		if _, ok := m.archive[sessionID]; ok {
			return nil, fmt.Errorf("%w: session %s already terminated", ErrInvalidTransition, sessionID)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return m.current, nil
}

func isParticipant(s *model.Session, nodeID string) bool {
	for _, id := range s.ParticipantNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

func newSessionID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return "sess-" + hex.EncodeToString(buf)
}
