package session

import (
	"sync"

	"github.com/rs/zerolog/log"

	"recsync/internal/model"
)

// subscriberBuffer is per-subscriber channel depth. A subscriber that
// falls this far behind loses events from its stream (with a logged
// warning); the session record itself keeps every event regardless.
const subscriberBuffer = 64

// Bus fans session events out to status/automation subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan model.Event
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan model.Event)}
}

// Subscribe returns an event channel and a cancel function. The channel
// is closed on cancel.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan model.Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking the
// state machine.
func (b *Bus) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Int("subscriber", id).Str("kind", string(ev.Kind)).Msg("slow event subscriber, dropping from stream")
		}
	}
}
