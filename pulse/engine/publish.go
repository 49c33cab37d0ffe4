package engine

import (
	"sync"

	"github.com/teranos/relay/pulse/events"
)

// publisher delivers one run's events to the bus from its own goroutine.
// The runner queues events while holding the run mutex, so queue order is
// transition order, and callbacks never run under a run lock.
type publisher struct {
	bus    *events.Bus
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []events.Event
	closed bool
}

func newPublisher(bus *events.Bus) *publisher {
	return &publisher{
		bus:    bus,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *publisher) run() {
	defer close(p.done)
	for range p.notify {
		for {
			p.mu.Lock()
			batch, closed := p.queue, p.closed
			p.queue = nil
			p.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, e := range batch {
				p.bus.Publish(e)
			}
		}
	}
}

// push queues batch for delivery. It reports false once the publisher is
// closed; the caller then publishes directly.
func (p *publisher) push(batch []events.Event) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, batch...)
	p.mu.Unlock()
	p.wake()
	return true
}

func (p *publisher) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// close delivers everything still queued and stops the goroutine
func (p *publisher) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wake()
	<-p.done
}
