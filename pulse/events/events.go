// Package events fans run and job lifecycle events out to observers.
//
// Publishing never blocks the scheduler: channel subscribers that fall
// behind lose events, and callbacks are expected to return quickly.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type names an event
type Type string

const (
	RunStarted   Type = "run.started"
	RunCompleted Type = "run.completed"
	RunFailed    Type = "run.failed"
	RunCancelled Type = "run.cancelled"
	RunResumed   Type = "run.resumed"
	RunPaused    Type = "run.paused"

	JobStarted        Type = "job.started"
	JobCompleted      Type = "job.completed"
	JobFailed         Type = "job.failed"
	JobProgress       Type = "job.progress"
	JobLog            Type = "job.log"
	JobRetryScheduled Type = "job.retry_scheduled"
	JobSkipped        Type = "job.skipped"
	JobBlocked        Type = "job.blocked"
	JobCancelled      Type = "job.cancelled"
)

// Terminal reports whether t ends a run
func (t Type) Terminal() bool {
	return t == RunCompleted || t == RunFailed || t == RunCancelled
}

// Event is one lifecycle notification. Fields that do not apply are zero.
type Event struct {
	Type     Type            `json:"type"`
	RunID    string          `json:"run_id"`
	JobID    string          `json:"job_id,omitempty"`
	Time     time.Time       `json:"time"`
	Status   string          `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
	Message  string          `json:"message,omitempty"`
	Level    string          `json:"level,omitempty"`
	Delay    time.Duration   `json:"delay,omitempty"`
}

// Filter selects events for a subscriber; nil accepts everything
type Filter func(Event) bool

// ForRun accepts events of one run
func ForRun(runID string) Filter {
	return func(e Event) bool { return e.RunID == runID }
}

// Subscription is a channel subscriber. Close it when done.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	id      uint64
	ch      chan Event
	filter  Filter
	dropped uint64
}

// Dropped returns how many events were lost because C was full
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.dropped
}

// Close removes the subscription and closes C
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(s.ch)
}

type callback struct {
	fn     func(Event)
	filter Filter
}

// Bus is safe for concurrent use
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	subs      map[uint64]*Subscription
	callbacks map[uint64]callback
}

// NewBus returns an empty bus
func NewBus() *Bus {
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		callbacks: make(map[uint64]callback),
	}
}

// Subscribe registers a buffered channel subscriber
func (b *Bus) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, bus: b, id: b.nextID, ch: ch, filter: filter}
	b.subs[sub.id] = sub
	return sub
}

// OnEvent registers a callback, invoked synchronously from Publish.
// The returned func unregisters it.
func (b *Bus) OnEvent(filter Filter, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.callbacks[id] = callback{fn: fn, filter: filter}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.callbacks, id)
	}
}

// Publish delivers e to every matching subscriber. A nil bus is a no-op.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Channel sends happen under the write lock so Close cannot race them.
	b.mu.Lock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
		}
	}
	fns := make([]func(Event), 0, len(b.callbacks))
	for _, cb := range b.callbacks {
		if cb.filter == nil || cb.filter(e) {
			fns = append(fns, cb.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Subscribers returns the number of registered subscribers and callbacks
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) + len(b.callbacks)
}
