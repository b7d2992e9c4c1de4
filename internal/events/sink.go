// Package events delivers tag observations and control events to at most one
// subscriber, in order, from a single dispatcher goroutine.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultQueueSize = 256

// Handler is called on the dispatcher goroutine, one event at a time.
type Handler func(Event)

type subscriber struct {
	id string
	fn Handler
}

// Stats are cumulative sink counters.
type Stats struct {
	Delivered           uint64 `json:"delivered"`
	DroppedNoSubscriber uint64 `json:"droppedNoSubscriber"`
	DroppedOverflow     uint64 `json:"droppedOverflow"`
}

// Sink drops events while nobody listens. It never buffers for a future
// subscriber.
type Sink struct {
	log zerolog.Logger

	mu     sync.Mutex
	sub    *subscriber
	closed bool

	queue chan Event
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	delivered    atomic.Uint64
	noSubscriber atomic.Uint64
	overflow     atomic.Uint64
}

func NewSink(queueSize int, logger zerolog.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Sink{
		log:   logger.With().Str("component", "events").Logger(),
		queue: make(chan Event, queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Emit queues e for the current subscriber. It never blocks.
func (s *Sink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.sub == nil {
		s.noSubscriber.Add(1)
		return
	}
	select {
	case s.queue <- e:
	default:
		s.overflow.Add(1)
	}
}

// Subscribe replaces any previous subscriber and returns the new subscription id.
func (s *Sink) Subscribe(fn Handler) string {
	id := uuid.NewString()
	s.mu.Lock()
	prev := s.sub
	s.sub = &subscriber{id: id, fn: fn}
	s.mu.Unlock()

	if prev != nil {
		s.log.Info().Str("replaced", prev.id).Str("id", id).Msg("subscriber replaced")
	} else {
		s.log.Info().Str("id", id).Msg("subscriber attached")
	}
	return id
}

// Unsubscribe detaches the subscriber only if id still names it.
func (s *Sink) Unsubscribe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil || s.sub.id != id {
		return false
	}
	s.sub = nil
	s.log.Info().Str("id", id).Msg("subscriber detached")
	return true
}

// HasSubscriber reports whether events are currently being delivered.
func (s *Sink) HasSubscriber() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

func (s *Sink) Stats() Stats {
	return Stats{
		Delivered:           s.delivered.Load(),
		DroppedNoSubscriber: s.noSubscriber.Load(),
		DroppedOverflow:     s.overflow.Load(),
	}
}

// Close stops the dispatcher. Queued events are discarded.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.sub = nil
		s.mu.Unlock()
		close(s.quit)
	})
	<-s.done
}

func (s *Sink) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case e := <-s.queue:
			s.mu.Lock()
			sub := s.sub
			s.mu.Unlock()
			if sub == nil {
				s.noSubscriber.Add(1)
				continue
			}
			s.deliver(sub, e)
		}
	}
}

func (s *Sink) deliver(sub *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("id", sub.id).Msg("subscriber panicked")
		}
	}()
	sub.fn(e)
	s.delivered.Add(1)
}
