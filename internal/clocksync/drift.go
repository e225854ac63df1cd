package clocksync

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"recsync/internal/model"
)

const (
	// maxHistory caps the regression window per node.
	maxHistory = 32
	// defaultMaxSlew bounds how far the applied offset may move per
	// observation. Corrections are slewed, never stepped, so buffered
	// data never sees an artificial timestamp jump.
	defaultMaxSlew = 5 * time.Millisecond
	// alarmStreak is how many consecutive out-of-tolerance samples
	// trip the drift alarm.
	alarmStreak = 2
)

type driftSample struct {
	elapsedSec  float64
	offsetNanos int64
}

type nodeTrack struct {
	start    time.Time
	samples  []driftSample
	applied  int64 // offset currently in effect, nanos
	drift    float64
	bound    int64
	updated  time.Time
	breaches int
}

// Tracker maintains a continuously updated clock model per node over a
// session's lifetime. A single offset computed at start drifts over
// minutes to hours; the tracker folds periodic estimator rounds into a
// linear offset-vs-time model.
type Tracker struct {
	mu        sync.Mutex
	nodes     map[string]*nodeTrack
	tolerance time.Duration
	maxSlew   time.Duration
	clock     Clock
}

// NewTracker builds a tracker with the given drift-alarm tolerance.
func NewTracker(tolerance time.Duration, clock Clock) *Tracker {
	if clock == nil {
		clock = System
	}
	return &Tracker{
		nodes:     make(map[string]*nodeTrack),
		tolerance: tolerance,
		maxSlew:   defaultMaxSlew,
		clock:     clock,
	}
}

// Observe folds a new offset estimate into the node's model and returns
// the updated model plus whether the drift alarm tripped. The alarm
// trips after two consecutive samples deviate from the applied model by
// more than the tolerance.
func (t *Tracker) Observe(nodeID string, est Estimate) (model.ClockModel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	track, ok := t.nodes[nodeID]
	if !ok {
		track = &nodeTrack{start: est.At, applied: est.OffsetNanos}
		t.nodes[nodeID] = track
	}

	elapsed := est.At.Sub(track.start).Seconds()
	track.samples = append(track.samples, driftSample{elapsedSec: elapsed, offsetNanos: est.OffsetNanos})
	if len(track.samples) > maxHistory {
		track.samples = track.samples[len(track.samples)-maxHistory:]
	}
	track.drift = regressSlope(track.samples)

	// Slew the applied offset toward the new estimate.
	delta := est.OffsetNanos - track.applied
	alarm := false
	if absInt64(delta) > t.tolerance.Nanoseconds() {
		track.breaches++
		if track.breaches >= alarmStreak {
			alarm = true
			log.Warn().
				Str("node", nodeID).
				Int64("deviation_us", delta/1000).
				Float64("drift_ms_per_hour", track.drift*3600/1e6).
				Msg("drift alarm")
		}
	} else {
		track.breaches = 0
	}
	maxSlew := t.maxSlew.Nanoseconds()
	if delta > maxSlew {
		delta = maxSlew
	} else if delta < -maxSlew {
		delta = -maxSlew
	}
	track.applied += delta
	track.bound = est.ErrorBoundNanos
	track.updated = est.At

	return track.modelLocked(), alarm
}

// Model returns the node's current clock model.
func (t *Tracker) Model(nodeID string) (model.ClockModel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	track, ok := t.nodes[nodeID]
	if !ok {
		return model.ClockModel{}, false
	}
	return track.modelLocked(), true
}

// OffsetAt returns the drift-compensated offset for a coordinator
// timestamp, for aligning node-local sample timestamps.
func (t *Tracker) OffsetAt(nodeID string, at time.Time) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	track, ok := t.nodes[nodeID]
	if !ok {
		return 0, false
	}
	elapsed := at.Sub(track.updated).Seconds()
	return track.applied + int64(track.drift*elapsed), true
}

// Snapshot returns every tracked node's current model.
func (t *Tracker) Snapshot() map[string]model.ClockModel {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]model.ClockModel, len(t.nodes))
	for id, track := range t.nodes {
		out[id] = track.modelLocked()
	}
	return out
}

// Forget drops a node's history. Used on disconnect: a reconnected node
// is never trusted to retain its old offset.
func (t *Tracker) Forget(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

func (n *nodeTrack) modelLocked() model.ClockModel {
	return model.ClockModel{
		OffsetNanos:      n.applied,
		DriftNanosPerSec: n.drift,
		ErrorBoundNanos:  n.bound,
		UpdatedAt:        n.updated,
	}
}

// regressSlope fits offset vs elapsed time by least squares and returns
// the slope in nanos per second.
func regressSlope(samples []driftSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(samples))
	for _, s := range samples {
		x := s.elapsedSec
		y := float64(s.offsetNanos)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
