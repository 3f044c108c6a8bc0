package portfolio

import (
	"sync"

	"github.com/rs/zerolog"
)

// Fanout broadcasts portfolio snapshots to subscribers over bounded
// channels. Delivery is best effort: a subscriber that misses more than
// slowThreshold consecutive broadcasts is dropped. When disabled the
// component is idle and observers poll the ledger instead.
type Fanout struct {
	mu            sync.Mutex
	enabled       bool
	buffer        int
	slowThreshold int
	nextID        int
	subs          map[int]*subscriber
	log           zerolog.Logger
}

type subscriber struct {
	ch     chan Snapshot
	missed int
}

// NewFanout creates a fan-out hub.
func NewFanout(enabled bool, buffer, slowThreshold int, logger zerolog.Logger) *Fanout {
	if buffer < 1 {
		buffer = 1
	}
	if slowThreshold < 1 {
		slowThreshold = 1
	}
	return &Fanout{
		enabled:       enabled,
		buffer:        buffer,
		slowThreshold: slowThreshold,
		subs:          make(map[int]*subscriber),
		log:           logger,
	}
}

// Subscribe registers an observer. The returned cancel func detaches it
// and closes the channel.
func (f *Fanout) Subscribe() (<-chan Snapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	sub := &subscriber{ch: make(chan Snapshot, f.buffer)}
	f.subs[id] = sub

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish broadcasts a snapshot to every subscriber without blocking.
func (f *Fanout) Publish(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return
	}

	for id, sub := range f.subs {
		select {
		case sub.ch <- snap:
			sub.missed = 0
		default:
			sub.missed++
			if sub.missed >= f.slowThreshold {
				delete(f.subs, id)
				close(sub.ch)
				f.log.Warn().
					Int("subscriber", id).
					Int("missed", sub.missed).
					Msg("Dropped slow portfolio subscriber")
			}
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (f *Fanout) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
