package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBusClosed is returned by Subscription.Next once the subscription or its
// bus is closed and all queued events have been consumed.
var ErrBusClosed = errors.New("engine: event bus closed")

// EventKind names a playback lifecycle transition.
type EventKind string

const (
	EventLoaded    EventKind = "loaded"
	EventStarted   EventKind = "started"
	EventPaused    EventKind = "paused"
	EventCompleted EventKind = "completed"
	EventErrored   EventKind = "errored"
	EventCancelled EventKind = "cancelled"

	// EventReset is published whenever the loaded file is discarded.
	EventReset EventKind = "reset"
)

// Event is one lifecycle transition.
type Event struct {
	// Seq is strictly increasing per bus.
	Seq      int64     `json:"seq"`
	Kind     EventKind `json:"kind"`
	JobID    string    `json:"job_id,omitempty"`
	File     string    `json:"file,omitempty"`
	Position int64     `json:"position"`
	Size     int64     `json:"size"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Bus fans events out to subscribers. Each subscriber has its own unbounded
// queue, so Publish never blocks.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	seq    atomic.Int64
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber. Only events published after the call
// are delivered.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{q: newEventQueue(), bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.q.Close()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish stamps e with the next sequence number and delivers it to every
// subscriber. Returns the stamped event.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	e.Seq = b.seq.Add(1)
	if b.closed {
		return e
	}
	for s := range b.subs {
		s.q.Enqueue(e)
	}
	return e
}

// Seq returns the sequence number of the last published event.
func (b *Bus) Seq() int64 {
	return b.seq.Load()
}

// Close closes every subscription. Subscribers drain what is already queued.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.q.Close()
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Subscription receives events from a Bus.
type Subscription struct {
	q   *eventQueue
	bus *Bus
}

// Next blocks until an event is available, ctx is done, or the subscription
// is closed and drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if e, ok := s.q.TryDequeue(); ok {
			return e, nil
		}
		if s.q.Closed() {
			return Event{}, ErrBusClosed
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.q.Wait():
		}
	}
}

// TryNext returns a queued event without blocking.
func (s *Subscription) TryNext() (Event, bool) {
	return s.q.TryDequeue()
}

// Ready returns a channel that signals when events may be queued. It is
// closed once the subscription closes.
func (s *Subscription) Ready() <-chan struct{} {
	return s.q.Wait()
}

// Closed reports whether the subscription no longer receives events.
func (s *Subscription) Closed() bool {
	return s.q.Closed()
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	return s.q.Len()
}

// Close stops delivery to this subscription.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.q.Close()
}
