// Package health monitors node liveness independent of session phase
// and drives reconnection without operator intervention.
package health

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"recsync/internal/clocksync"
	"recsync/internal/model"
	"recsync/internal/registry"
	"recsync/internal/transport"
)

const rttWindow = 32

// Config tunes the heartbeat sweep and reconnection backoff.
type Config struct {
	Interval          time.Duration
	MissedForDegraded int
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
}

// Notifier receives liveness transitions. The session state machine
// implements it; every call ends up in the session event log.
type Notifier interface {
	NodeDegraded(nodeID, reason string)
	NodeLost(nodeID, reason string)
	NodeRecovered(nodeID string, est clocksync.Estimate)
}

type track struct {
	missed       int
	lastBeat     time.Time
	rtts         []float64
	wasDegraded  bool
	backoff      time.Duration
	nextAttempt  time.Time
	reconnecting bool
}

// Detector runs the background heartbeat sweep. A node missing k
// consecutive heartbeats is degraded; missing 2k disconnects it. A
// reconnected node always re-runs a full sync round before the session
// machine will trust it again.
type Detector struct {
	cfg    Config
	reg    *registry.Registry
	tr     transport.Transport
	est    *clocksync.Estimator
	notify Notifier
	clock  clocksync.Clock

	mu     sync.Mutex
	tracks map[string]*track
}

// New builds a detector over the registry and transport.
func New(cfg Config, reg *registry.Registry, tr transport.Transport, est *clocksync.Estimator, notify Notifier, clock clocksync.Clock) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MissedForDegraded <= 0 {
		cfg.MissedForDegraded = 3
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	if clock == nil {
		clock = clocksync.System
	}
	return &Detector{
		cfg:    cfg,
		reg:    reg,
		tr:     tr,
		est:    est,
		notify: notify,
		clock:  clock,
		tracks: make(map[string]*track),
	}
}

// Run sweeps until the context ends.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep checks every registered node once. Nodes are probed in
// parallel; the sweep returns when all checks finish.
func (d *Detector) Sweep(ctx context.Context) {
	nodes := d.reg.List()
	var wg sync.WaitGroup
	for _, node := range nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			if node.State == model.StateDisconnected {
				d.tryReconnect(ctx, node)
				return
			}
			d.heartbeat(ctx, node)
		}()
	}
	wg.Wait()
}

func (d *Detector) heartbeat(ctx context.Context, node model.Node) {
	probe, err := d.tr.Probe(ctx, node)
	now := d.clock.Now()

	d.mu.Lock()
	t := d.trackLocked(node.ID)
	if err == nil {
		t.missed = 0
		t.lastBeat = now
		t.rtts = append(t.rtts, float64(probe.RTT.Microseconds())/1000.0)
		if len(t.rtts) > rttWindow {
			t.rtts = t.rtts[len(t.rtts)-rttWindow:]
		}
		recovered := t.wasDegraded
		t.wasDegraded = false
		d.mu.Unlock()

		_ = d.reg.Heartbeat(node.ID, now)
		if recovered && node.State == model.StateDegraded {
			if uerr := d.reg.UpdateState(node.ID, model.StateConnected); uerr == nil {
				log.Info().Str("node", node.ID).Msg("heartbeats recovered")
			}
		}
		return
	}

	t.missed++
	missed := t.missed
	d.mu.Unlock()

	k := d.cfg.MissedForDegraded
	d.mu.Lock()
	degradeFired := t.wasDegraded
	d.mu.Unlock()
	switch {
	case missed >= k && missed < 2*k && !degradeFired:
		// The registry update can be refused (the node may be mid
		// reconnect handshake); keep retrying on later misses and
		// fire the notification exactly once.
		if uerr := d.reg.UpdateState(node.ID, model.StateDegraded); uerr == nil {
			d.mu.Lock()
			t.wasDegraded = true
			d.mu.Unlock()
			reason := fmt.Sprintf("missed %d heartbeats", missed)
			log.Warn().Str("node", node.ID).Int("missed", missed).Msg("node degraded")
			d.notify.NodeDegraded(node.ID, reason)
		}
	case missed >= 2*k:
		if uerr := d.reg.UpdateState(node.ID, model.StateDisconnected); uerr == nil {
			reason := fmt.Sprintf("missed %d heartbeats", missed)
			log.Warn().Str("node", node.ID).Int("missed", missed).Msg("node disconnected")
			d.scheduleReconnect(node.ID)
			d.notify.NodeLost(node.ID, reason)
		}
	}
}

func (d *Detector) scheduleReconnect(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.trackLocked(nodeID)
	t.backoff = d.cfg.ReconnectBase
	t.nextAttempt = d.clock.Now().Add(withJitter(t.backoff))
	t.reconnecting = false
}

func (d *Detector) tryReconnect(ctx context.Context, node model.Node) {
	d.mu.Lock()
	t := d.trackLocked(node.ID)
	if t.reconnecting || d.clock.Now().Before(t.nextAttempt) {
		d.mu.Unlock()
		return
	}
	t.reconnecting = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		t.reconnecting = false
		d.mu.Unlock()
	}()

	if _, err := d.tr.Probe(ctx, node); err != nil {
		d.mu.Lock()
		t.backoff *= 2
		if t.backoff > d.cfg.ReconnectCap {
			t.backoff = d.cfg.ReconnectCap
		}
		t.nextAttempt = d.clock.Now().Add(withJitter(t.backoff))
		d.mu.Unlock()
		log.Debug().Str("node", node.ID).Dur("backoff", t.backoff).Err(err).Msg("reconnect attempt failed")
		return
	}

	if err := d.reg.UpdateState(node.ID, model.StateConnecting); err != nil {
		return
	}
	_ = d.reg.UpdateState(node.ID, model.StateConnected)
	log.Info().Str("node", node.ID).Msg("node reconnected, re-synchronizing")

	// A reconnected node is never trusted to retain its old offset.
	_ = d.reg.UpdateState(node.ID, model.StateSynchronizing)
	est, err := d.est.Run(ctx, node)
	if err != nil {
		_ = d.reg.UpdateState(node.ID, model.StateDegraded)
		log.Warn().Str("node", node.ID).Err(err).Msg("post-reconnect sync failed")
		return
	}

	d.mu.Lock()
	t.missed = 0
	t.wasDegraded = false
	t.lastBeat = d.clock.Now()
	d.mu.Unlock()
	_ = d.reg.Heartbeat(node.ID, d.clock.Now())
	d.notify.NodeRecovered(node.ID, est)
}

// Record returns a node's current health snapshot.
func (d *Detector) Record(nodeID string) (model.HealthRecord, error) {
	node, err := d.reg.Get(nodeID)
	if err != nil {
		return model.HealthRecord{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.trackLocked(nodeID)
	rec := model.HealthRecord{
		NodeID:        nodeID,
		LastHeartbeat: t.lastBeat,
		MissedProbes:  t.missed,
		State:         node.State,
	}
	if len(t.rtts) > 0 {
		sorted := append([]float64(nil), t.rtts...)
		sort.Float64s(sorted)
		rec.MinRTTMs = sorted[0]
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		rec.AvgRTTMs = sum / float64(len(sorted))
		rec.P95RTTMs = sorted[(len(sorted)*95)/100]
	}
	return rec, nil
}

func (d *Detector) trackLocked(nodeID string) *track {
	t, ok := d.tracks[nodeID]
	if !ok {
		t = &track{}
		d.tracks[nodeID] = t
	}
	return t
}

// withJitter spreads reconnect attempts so a burst of drops doesn't
// produce synchronized retry storms.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	frac := 0.5 + rand.Float64()
	return time.Duration(float64(d) * frac)
}
