package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"recsync/internal/clocksync"
	"recsync/internal/model"
	"recsync/internal/registry"
	"recsync/internal/transport"
)

// fakeTransport records sent commands and answers probes with a
// configurable per-node RTT and clock offset.
type fakeTransport struct {
	mu       sync.Mutex
	sent     map[string][]transport.Command // node ID -> commands
	failSend map[string]error               // node ID -> error for every Send
	slowSend map[string]time.Duration       // per-command ack delay
	rtt      map[string]time.Duration
	offset   map[string]time.Duration
	probeErr map[string]error
	slow     map[string]time.Duration // per-probe delay
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:     make(map[string][]transport.Command),
		failSend: make(map[string]error),
		slowSend: make(map[string]time.Duration),
		rtt:      make(map[string]time.Duration),
		offset:   make(map[string]time.Duration),
		probeErr: make(map[string]error),
		slow:     make(map[string]time.Duration),
	}
}

func (f *fakeTransport) Send(ctx context.Context, node model.Node, cmd transport.Command) error {
	f.mu.Lock()
	err := f.failSend[node.ID]
	delay := f.slowSend[node.ID]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: send interrupted", transport.ErrTimeout)
		case <-time.After(delay):
		}
	}
	f.mu.Lock()
	f.sent[node.ID] = append(f.sent[node.ID], cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Probe(ctx context.Context, node model.Node) (model.SyncProbe, error) {
	f.mu.Lock()
	delay := f.slow[node.ID]
	err := f.probeErr[node.ID]
	rtt, ok := f.rtt[node.ID]
	offset := f.offset[node.ID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return model.SyncProbe{}, fmt.Errorf("%w: probe interrupted", transport.ErrTimeout)
		case <-time.After(delay):
		}
	}
	if err != nil {
		return model.SyncProbe{}, err
	}
	if !ok {
		rtt = 2 * time.Millisecond
	}

	send := time.Now()
	return model.SyncProbe{
		NodeID:       node.ID,
		ProbeID:      "p",
		SendTime:     send,
		NodeEchoTime: send.Add(rtt / 2).Add(offset).UnixNano(),
		ReceiveTime:  send.Add(rtt),
		RTT:          rtt,
	}, nil
}

func (f *fakeTransport) sentOps(nodeID string, op transport.CommandType) []transport.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.Command
	for _, cmd := range f.sent[nodeID] {
		if cmd.Type == op {
			out = append(out, cmd)
		}
	}
	return out
}

type fixture struct {
	machine *Machine
	reg     *registry.Registry
	tr      *fakeTransport
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, caps map[string][]model.Capability) *fixture {
	t.Helper()

	reg := registry.New()
	for name, c := range caps {
		if _, err := reg.Register(registry.Registration{
			Fingerprint:  "fp-" + name,
			Name:         name,
			Capabilities: c,
			ControlAddr:  "127.0.0.1:7610",
			ProbeAddr:    "127.0.0.1:7611",
		}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	tr := newFakeTransport()
	est := clocksync.NewEstimator(tr, nil, clocksync.EstimatorConfig{
		ProbeCount:    5,
		RoundDeadline: 2 * time.Second,
		Retries:       0,
	})
	drift := clocksync.NewTracker(50*time.Millisecond, nil)

	m := New(Config{
		StartLead:       50 * time.Millisecond,
		AckWindow:       time.Second,
		StopGrace:       time.Second,
		DriftInterval:   time.Hour, // keep the ticker out of the way
		SyncConcurrency: 4,
		TargetTolerance: 25 * time.Millisecond,
		HardTolerance:   50 * time.Millisecond,
	}, reg, tr, est, drift, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{machine: m, reg: reg, tr: tr, cancel: cancel}
}

func (fx *fixture) nodeID(t *testing.T, name string) string {
	t.Helper()
	for _, n := range fx.reg.List() {
		if n.Name == name {
			return n.ID
		}
	}
	t.Fatalf("node %s not registered", name)
	return ""
}

func waitState(t *testing.T, m *Machine, sessionID string, want model.SessionState) model.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := m.Status(context.Background(), sessionID)
		if err == nil && sess.State == want {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	sess, err := m.Status(context.Background(), sessionID)
	t.Fatalf("session never reached %s (state=%s err=%v)", want, sess.State, err)
	return model.Session{}
}

func TestPrepare_ReachesReady(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
		"mic": {model.CapAudio},
	})

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo, model.CapAudio},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if sess.State != model.SessionPreparing {
		t.Fatalf("state after prepare=%s", sess.State)
	}
	if len(sess.ParticipantNodeIDs) != 2 {
		t.Fatalf("participants=%d", len(sess.ParticipantNodeIDs))
	}

	ready := waitState(t, fx.machine, sess.ID, model.SessionReady)
	for _, id := range ready.ParticipantNodeIDs {
		node, err := fx.reg.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if node.State != model.StateSynchronized {
			t.Fatalf("node %s state=%s, want synchronized", id, node.State)
		}
		if node.Clock.ErrorBoundNanos == 0 {
			t.Fatalf("node %s has no clock model", id)
		}
	}
	if got := fx.tr.sentOps(ready.ParticipantNodeIDs[0], transport.CmdPrepare); len(got) != 1 {
		t.Fatalf("prepare commands=%d", len(got))
	}
}

func TestPrepare_InsufficientCapabilities(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
	})

	_, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo, model.CapBiosignal},
	})
	if !errors.Is(err, ErrInsufficientCapabilities) {
		t.Fatalf("expected ErrInsufficientCapabilities, got %v", err)
	}
	if _, err := fx.machine.Status(context.Background(), ""); !errors.Is(err, ErrNoActiveSession) {
		t.Fatal("failed prepare left a session behind")
	}
}

func TestSync_ExcludesNodeOverTolerance(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam-a": {model.CapVideo},
		"cam-b": {model.CapVideo},
	})
	// cam-b's round trips are too long for a usable bound.
	fx.tr.rtt[fx.nodeID(t, "cam-b")] = 200 * time.Millisecond

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	ready := waitState(t, fx.machine, sess.ID, model.SessionReady)
	badID := fx.nodeID(t, "cam-b")
	if ready.Included(badID) {
		t.Fatal("over-tolerance node still included")
	}
	if !ready.Included(fx.nodeID(t, "cam-a")) {
		t.Fatal("good node excluded")
	}

	var excludedEvent bool
	for _, ev := range ready.Events {
		if ev.Kind == model.EventNodeExcluded && ev.NodeID == badID {
			excludedEvent = true
		}
	}
	if !excludedEvent {
		t.Fatal("no exclusion event recorded")
	}
}

func TestSync_CoverageLossAbortsSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
		"mic": {model.CapAudio},
	})
	// The only audio node can never synchronize.
	fx.tr.probeErr[fx.nodeID(t, "mic")] = errors.New("probe lost")

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo, model.CapAudio},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	aborted := waitState(t, fx.machine, sess.ID, model.SessionAborted)
	var fault bool
	for _, ev := range aborted.Events {
		if ev.Kind == model.EventFault {
			fault = true
		}
	}
	if !fault {
		t.Fatal("no fault event recorded")
	}
}

func TestStart_IdempotentReferenceTime(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
	})

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	waitState(t, fx.machine, sess.ID, model.SessionReady)

	first, err := fx.machine.Start(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.ReferenceStartTime.IsZero() {
		t.Fatal("no reference start time chosen")
	}
	if first.State != model.SessionRecording {
		t.Fatalf("state after start=%s", first.State)
	}

	second, err := fx.machine.Start(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("duplicate Start: %v", err)
	}
	if !second.ReferenceStartTime.Equal(first.ReferenceStartTime) {
		t.Fatalf("duplicate start moved the reference time: %s vs %s",
			second.ReferenceStartTime, first.ReferenceStartTime)
	}

	camID := fx.nodeID(t, "cam")
	starts := fx.tr.sentOps(camID, transport.CmdStart)
	if len(starts) != 1 {
		t.Fatalf("start broadcasts=%d, want 1", len(starts))
	}
	if !starts[0].ReferenceStartTime.Equal(first.ReferenceStartTime) {
		t.Fatal("broadcast carried a different reference time")
	}
}

func TestStart_BeforeReadyRejected(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
	})
	// Hold the sync phase open so the session sits in synchronizing.
	fx.tr.slow[fx.nodeID(t, "cam")] = 150 * time.Millisecond

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	waitState(t, fx.machine, sess.ID, model.SessionSynchronizing)

	_, err = fx.machine.Start(context.Background(), sess.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMissedStart_NodeExcluded(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam-a": {model.CapVideo},
		"cam-b": {model.CapVideo},
	})

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	waitState(t, fx.machine, sess.ID, model.SessionReady)

	badID := fx.nodeID(t, "cam-b")
	fx.tr.mu.Lock()
	fx.tr.failSend[badID] = errors.New("connection refused")
	fx.tr.mu.Unlock()

	started, err := fx.machine.Start(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.State != model.SessionRecording {
		t.Fatalf("state=%s", started.State)
	}
	if started.Included(badID) {
		t.Fatal("unreachable node still included")
	}
	var missed bool
	for _, ev := range started.Events {
		if ev.Kind == model.EventMissedStart && ev.NodeID == badID {
			missed = true
		}
	}
	if !missed {
		t.Fatal("no missed_start event recorded")
	}
}

func TestPauseResumeStop_FullLifecycle(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
	})

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	waitState(t, fx.machine, sess.ID, model.SessionReady)

	if _, err := fx.machine.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	paused, err := fx.machine.Pause(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.State != model.SessionPaused {
		t.Fatalf("state after pause=%s", paused.State)
	}

	// Pause is only legal while recording.
	if _, err := fx.machine.Pause(context.Background(), sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double pause: %v", err)
	}

	resumed, err := fx.machine.Resume(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.State != model.SessionRecording {
		t.Fatalf("state after resume=%s", resumed.State)
	}

	done, err := fx.machine.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if done.State != model.SessionCompleted {
		t.Fatalf("state after stop=%s", done.State)
	}
	if done.EndedAt.IsZero() {
		t.Fatal("no end timestamp")
	}
	if len(done.ClockModels) != 1 {
		t.Fatalf("clock models=%d", len(done.ClockModels))
	}

	// The completed session stays queryable by ID.
	got, err := fx.machine.Status(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Status after stop: %v", err)
	}
	if got.State != model.SessionCompleted {
		t.Fatalf("archived state=%s", got.State)
	}
}

func TestStop_RejectedWhilePauseAwaitsAcks(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
	})
	camID := fx.nodeID(t, "cam")

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	waitState(t, fx.machine, sess.ID, model.SessionReady)
	if _, err := fx.machine.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Hold the pause broadcast open so the stop lands mid-flight.
	fx.tr.mu.Lock()
	fx.tr.slowSend[camID] = 300 * time.Millisecond
	fx.tr.mu.Unlock()

	pauseDone := make(chan error, 1)
	go func() {
		_, err := fx.machine.Pause(context.Background(), sess.ID)
		pauseDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := fx.machine.Stop(context.Background(), sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stop during pause broadcast: %v", err)
	}

	select {
	case err := <-pauseDone:
		if err != nil {
			t.Fatalf("Pause: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pause caller never got a reply")
	}

	paused, err := fx.machine.Status(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if paused.State != model.SessionPaused {
		t.Fatalf("state after rejected stop=%s", paused.State)
	}

	fx.tr.mu.Lock()
	delete(fx.tr.slowSend, camID)
	fx.tr.mu.Unlock()

	if _, err := fx.machine.Resume(context.Background(), sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	done, err := fx.machine.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if done.State != model.SessionCompleted {
		t.Fatalf("state after stop=%s", done.State)
	}

	// The event log must stay totally ordered: a session that entered
	// stopping can never fall back to paused.
	var states []model.SessionState
	for _, ev := range done.Events {
		if ev.Kind == model.EventTransition && ev.State != "" {
			states = append(states, ev.State)
		}
	}
	for i := 1; i < len(states); i++ {
		if states[i-1] == model.SessionStopping && states[i] == model.SessionPaused {
			t.Fatalf("stopping followed by paused: %v", states)
		}
	}
}

func TestAbort_DuringSynchronizing(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
	})
	fx.tr.slow[fx.nodeID(t, "cam")] = 200 * time.Millisecond

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	waitState(t, fx.machine, sess.ID, model.SessionSynchronizing)

	got, err := fx.machine.Abort(context.Background(), sess.ID, "operator requested")
	if !errors.Is(err, ErrSessionAborted) {
		t.Fatalf("Abort: %v", err)
	}
	if got.State == model.SessionSynchronizing {
		t.Fatal("abort did not interrupt synchronization")
	}
	waitState(t, fx.machine, sess.ID, model.SessionAborted)

	// A new session can be prepared afterwards.
	if _, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	}); err != nil {
		t.Fatalf("Prepare after abort: %v", err)
	}
}

func TestNodeLost_LastNodeAbortsSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam": {model.CapVideo},
	})

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	waitState(t, fx.machine, sess.ID, model.SessionReady)
	if _, err := fx.machine.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fx.machine.NodeLost(fx.nodeID(t, "cam"), "missed 6 heartbeats")
	aborted := waitState(t, fx.machine, sess.ID, model.SessionAborted)

	var lost bool
	for _, ev := range aborted.Events {
		if ev.Kind == model.EventNodeLost {
			lost = true
		}
	}
	if !lost {
		t.Fatal("no node_lost event recorded")
	}
}

func TestNodeRecovered_ReadmittedWithOriginalStart(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string][]model.Capability{
		"cam-a": {model.CapVideo},
		"cam-b": {model.CapVideo},
	})
	bID := fx.nodeID(t, "cam-b")

	sess, err := fx.machine.Prepare(context.Background(), PrepareRequest{
		RequiredCapabilities: []model.Capability{model.CapVideo},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	waitState(t, fx.machine, sess.ID, model.SessionReady)
	started, err := fx.machine.Start(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	fx.machine.NodeLost(bID, "missed heartbeats")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, _ := fx.machine.Status(context.Background(), sess.ID)
		if !cur.Included(bID) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Detector re-synced the node; it comes back within tolerance.
	fx.machine.NodeRecovered(bID, clocksync.Estimate{
		NodeID:          bID,
		OffsetNanos:     (3 * time.Millisecond).Nanoseconds(),
		ErrorBoundNanos: (2 * time.Millisecond).Nanoseconds(),
		SampleCount:     5,
		BestRTT:         4 * time.Millisecond,
		At:              time.Now(),
	})

	deadline = time.Now().Add(2 * time.Second)
	var cur model.Session
	for time.Now().Before(deadline) {
		cur, _ = fx.machine.Status(context.Background(), sess.ID)
		if cur.Included(bID) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cur.Included(bID) {
		t.Fatal("recovered node not readmitted")
	}

	// The re-sent start must carry the original reference time.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fx.tr.sentOps(bID, transport.CmdStart)) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	starts := fx.tr.sentOps(bID, transport.CmdStart)
	if len(starts) < 2 {
		t.Fatalf("no readmission start sent (starts=%d)", len(starts))
	}
	last := starts[len(starts)-1]
	if !last.ReferenceStartTime.Equal(started.ReferenceStartTime) {
		t.Fatalf("readmission start changed reference time: %s vs %s",
			last.ReferenceStartTime, started.ReferenceStartTime)
	}
}

func TestDriftTick_SkipsNodeWithRoundInFlight(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	node, err := reg.Register(registry.Registration{
		Fingerprint:  "fp-cam",
		Name:         "cam",
		Capabilities: []model.Capability{model.CapVideo},
		ProbeAddr:    "127.0.0.1:7611",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tr := newFakeTransport()
	tr.slow[node.ID] = 50 * time.Millisecond
	est := clocksync.NewEstimator(tr, nil, clocksync.EstimatorConfig{
		ProbeCount:    3,
		RoundDeadline: 2 * time.Second,
	})
	drift := clocksync.NewTracker(50*time.Millisecond, nil)

	// Drive the tick handler directly; the run loop stays off so the
	// command channel can be inspected.
	m := New(Config{DriftInterval: time.Hour, HardTolerance: 50 * time.Millisecond},
		reg, tr, est, drift, nil, nil)
	m.current = &model.Session{
		ID:                 "sess-drift",
		State:              model.SessionRecording,
		ParticipantNodeIDs: []string{node.ID},
	}

	ctx := context.Background()
	m.handleDriftTick(ctx)
	m.handleDriftTick(ctx) // fires while the first round is still probing

	var first command
	select {
	case first = <-m.cmds:
	case <-time.After(2 * time.Second):
		t.Fatal("drift round never completed")
	}
	if first.kind != evDriftObs || first.detail != "" {
		t.Fatalf("unexpected command: kind=%d detail=%q", first.kind, first.detail)
	}

	// The second tick must not have launched an overlapping round.
	select {
	case cmd := <-m.cmds:
		t.Fatalf("overlapping drift round observed: kind=%d", cmd.kind)
	case <-time.After(300 * time.Millisecond):
	}

	// Once the observation lands, the next tick probes again.
	m.handleDriftObs(first)
	m.handleDriftTick(ctx)
	select {
	case cmd := <-m.cmds:
		if cmd.kind != evDriftObs {
			t.Fatalf("kind=%d", cmd.kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up drift round never completed")
	}
}
