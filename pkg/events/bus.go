// Package events is the agent's in-process broadcast bus. Everything that
// changes observable state publishes here; the WebSocket fan-out and the
// log streamer subscribe.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/easycicd/easycicd/pkg/metrics"
)

// DefaultCapacity is the ring buffer size used when none is given.
const DefaultCapacity = 1000

// ErrClosed is returned by Next once the bus has shut down and the
// subscriber has drained every remaining event.
var ErrClosed = errors.New("event bus closed")

// LagError tells a slow subscriber how many events it missed. The
// subscription remains usable; its cursor has been advanced past the gap.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d events dropped", e.Missed)
}

// Bus is a multi-producer broadcast channel with lossy slow-subscriber
// semantics. Publishers never block: events land in a fixed ring buffer and
// each subscription tracks its own cursor. A subscriber that falls more than
// the buffer capacity behind observes a LagError instead of the lost events.
type Bus struct {
	mu     sync.Mutex
	buf    []Event
	cap    uint64
	seq    uint64 // next sequence to be written
	notify chan struct{}
	closed bool
}

// NewBus creates a bus with the given ring capacity (DefaultCapacity if <= 0).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		buf:    make([]Event, capacity),
		cap:    uint64(capacity),
		notify: make(chan struct{}),
	}
}

// Publish appends an event to the ring. It never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf[b.seq%b.cap] = ev
	b.seq++
	metrics.EventsPublished.WithLabelValues(string(ev.Kind())).Inc()
	// Wake every waiting subscriber.
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// Close shuts down the bus. Subscribers drain buffered events, then Next
// returns ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.notify)
	}
	b.mu.Unlock()
}

// Subscribe registers a new subscription starting at the current head.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{bus: b, cursor: b.seq}
}

// Subscription is a single consumer's view of the bus.
type Subscription struct {
	bus    *Bus
	cursor uint64
}

// Next returns the next event for this subscription. It blocks until an
// event is available, the context is cancelled, or the bus closes. When the
// subscriber has fallen behind by more than the ring capacity it returns a
// *LagError and skips forward to the oldest retained event.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.bus.mu.Lock()
		if s.bus.seq > s.cursor {
			// Behind the ring tail: report the gap and catch up.
			if s.bus.seq-s.cursor > s.bus.cap {
				oldest := s.bus.seq - s.bus.cap
				missed := oldest - s.cursor
				s.cursor = oldest
				s.bus.mu.Unlock()
				return nil, &LagError{Missed: missed}
			}
			ev := s.bus.buf[s.cursor%s.bus.cap]
			s.cursor++
			s.bus.mu.Unlock()
			return ev, nil
		}
		if s.bus.closed {
			s.bus.mu.Unlock()
			return nil, ErrClosed
		}
		wait := s.bus.notify
		s.bus.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
