package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"recsync/internal/model"
)

var (
	// ErrSyncTimeout means a probe round exceeded its deadline.
	ErrSyncTimeout = errors.New("sync round deadline exceeded")
	// ErrRoundFailed means too few probes survived filtering.
	ErrRoundFailed = errors.New("sync round failed")
)

// minValidProbes is the floor for accepting a round. Fewer survivors
// than this and the offset would lean on too little evidence.
const minValidProbes = 3

// Prober performs one timing round trip against a node.
type Prober interface {
	Probe(ctx context.Context, node model.Node) (model.SyncProbe, error)
}

// Estimate is the output of one accepted probe round.
type Estimate struct {
	NodeID          string
	OffsetNanos     int64
	ErrorBoundNanos int64
	SampleCount     int
	BestRTT         time.Duration
	At              time.Time
}

// EstimatorConfig tunes probe rounds.
type EstimatorConfig struct {
	ProbeCount    int
	RoundDeadline time.Duration
	Retries       int
}

// Estimator computes per-node clock offsets with a bounded error, using
// the minimum-RTT probe of a filtered round (Cristian's method; the
// shortest round trip carries the least asymmetric-delay bias).
type Estimator struct {
	prober Prober
	clock  Clock
	cfg    EstimatorConfig
	// OnProbe, when set, receives every accepted probe for diagnostics.
	OnProbe func(model.SyncProbe)
}

// NewEstimator builds an estimator over the given prober.
func NewEstimator(prober Prober, clock Clock, cfg EstimatorConfig) *Estimator {
	if clock == nil {
		clock = System
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = 5
	}
	if cfg.RoundDeadline <= 0 {
		cfg.RoundDeadline = 10 * time.Second
	}
	return &Estimator{prober: prober, clock: clock, cfg: cfg}
}

// Run performs probe rounds against the node until one is accepted or
// the retry budget is spent. Probes within a round are strictly
// sequential; rounds for one node never overlap.
func (e *Estimator) Run(ctx context.Context, node model.Node) (Estimate, error) {
	attempts := e.cfg.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Estimate{}, fmt.Errorf("%w: node %s", ErrSyncTimeout, node.ID)
		}
		est, err := e.runRound(ctx, node)
		if err == nil {
			return est, nil
		}
		lastErr = err
		log.Debug().Str("node", node.ID).Int("attempt", attempt+1).Err(err).Msg("sync round retry")
	}
	return Estimate{}, fmt.Errorf("%w after %d attempts: %v", ErrRoundFailed, attempts, lastErr)
}

func (e *Estimator) runRound(ctx context.Context, node model.Node) (Estimate, error) {
	roundCtx, cancel := context.WithTimeout(ctx, e.cfg.RoundDeadline)
	defer cancel()

	probes := make([]model.SyncProbe, 0, e.cfg.ProbeCount)
	for i := 0; i < e.cfg.ProbeCount; i++ {
		probe, err := e.prober.Probe(roundCtx, node)
		if err != nil {
			if roundCtx.Err() != nil {
				return Estimate{}, fmt.Errorf("%w: node %s", ErrSyncTimeout, node.ID)
			}
			log.Debug().Str("node", node.ID).Err(err).Msg("probe lost")
			continue
		}
		probes = append(probes, probe)
	}

	kept := filterOutliers(probes)
	if len(kept) < minValidProbes {
		return Estimate{}, fmt.Errorf("%w: %d/%d probes usable", ErrRoundFailed, len(kept), e.cfg.ProbeCount)
	}

	best := kept[0]
	for _, p := range kept[1:] {
		if p.RTT < best.RTT {
			best = p
		}
	}

	if e.OnProbe != nil {
		for _, p := range kept {
			e.OnProbe(p)
		}
	}

	offset := best.NodeEchoTime - (best.SendTime.UnixNano() + best.RTT.Nanoseconds()/2)
	est := Estimate{
		NodeID:          node.ID,
		OffsetNanos:     offset,
		ErrorBoundNanos: best.RTT.Nanoseconds() / 2,
		SampleCount:     len(kept),
		BestRTT:         best.RTT,
		At:              best.ReceiveTime,
	}
	log.Debug().
		Str("node", node.ID).
		Int64("offset_us", offset/1000).
		Int64("bound_us", est.ErrorBoundNanos/1000).
		Int("samples", est.SampleCount).
		Msg("offset estimated")
	return est, nil
}

// filterOutliers drops probes whose RTT exceeds 3x the round median.
func filterOutliers(probes []model.SyncProbe) []model.SyncProbe {
	if len(probes) == 0 {
		return nil
	}
	rtts := make([]time.Duration, len(probes))
	for i, p := range probes {
		rtts[i] = p.RTT
	}
	sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })
	median := rtts[len(rtts)/2]

	kept := make([]model.SyncProbe, 0, len(probes))
	for _, p := range probes {
		if p.RTT <= 3*median {
			kept = append(kept, p)
		}
	}
	return kept
}
