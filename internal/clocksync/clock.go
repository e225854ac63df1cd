// Package clocksync estimates and tracks per-node clock offsets
// against the coordinator's reference clock.
package clocksync

import "time"

// Clock supplies the coordinator reference time. Injected so estimator
// and drift arithmetic are deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System is the wall-clock implementation.
var System Clock = systemClock{}
