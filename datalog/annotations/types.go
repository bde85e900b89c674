// Package annotations provides a clean, low-overhead annotation system for
// tracking engine activity: ingest, epochs, query lifecycle, arrangement
// management, fixed-point iteration and worker health.
package annotations

import (
	"sync"
	"time"
)

// Event name constants following hierarchical naming pattern
const (
	// Input
	IngestAccepted = "ingest/accepted"
	EpochClosed    = "epoch/closed"
	EpochProcessed = "epoch/processed"
	SourceLoaded   = "source/loaded"

	// Query lifecycle
	QueryRegistered   = "query/registered"
	QueryUnregistered = "query/unregistered"
	QueryFailed       = "query/failed"
	QueryPlanCreated  = "query/plan.created"

	// Arrangements
	ArrangementBuilt   = "arrangement/built"
	ArrangementDropped = "arrangement/dropped"

	// Execution
	FixpointConverged    = "fixpoint/converged"
	CardinalityViolation = "cardinality/violation"
	ExpressionError      = "expression/error"
	ExchangeRetry        = "exchange/retry"
	WorkerFailed         = "worker/failed"

	// Output
	DiffDelivered = "diff/delivered"
)

// Event represents a single annotation event.
type Event struct {
	Name    string                 // Event name using hierarchical constants above
	Start   time.Time              // Start timestamp
	End     time.Time              // End timestamp
	Latency time.Duration          // Duration (End - Start)
	Data    map[string]interface{} // Additional event-specific data
	Caller  string                 // Optional: file:line where event occurred
}

// Handler processes annotation events as they occur.
type Handler func(event Event)

// Emit sends an event timed from start. A nil handler drops it.
func (h Handler) Emit(name string, start time.Time, data map[string]interface{}) {
	if h == nil {
		return
	}
	end := time.Now()
	if start.IsZero() {
		start = end
	}
	h(Event{Name: name, Start: start, End: end, Latency: end.Sub(start), Data: data})
}

// Fanout returns a handler calling every non-nil handler in order.
func Fanout(handlers ...Handler) Handler {
	var live []Handler
	for _, h := range handlers {
		if h != nil {
			live = append(live, h)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return func(event Event) {
		for _, h := range live {
			h(event)
		}
	}
}

// Collector accumulates events, mostly for tests and the REPL.
type Collector struct {
	handler Handler
	events  []Event
	mu      sync.Mutex
}

// NewCollector creates a new annotation collector. The handler, when
// non-nil, also sees every event.
func NewCollector(handler Handler) *Collector {
	return &Collector{
		handler: handler,
		events:  make([]Event, 0, 128),
	}
}

// Handler returns a Handler that records into this collector.
func (c *Collector) Handler() Handler {
	return c.Add
}

// Add records a new event.
// Thread-safe for concurrent access.
func (c *Collector) Add(event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()

	// Call handler outside the lock to avoid deadlocks
	if c.handler != nil {
		c.handler(event)
	}
}

// Events returns all collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Return a copy to avoid race conditions
	eventsCopy := make([]Event, len(c.events))
	copy(eventsCopy, c.events)
	return eventsCopy
}

// Named returns the collected events with the given name.
func (c *Collector) Named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the collector for reuse.
// Thread-safe for concurrent access.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
}
