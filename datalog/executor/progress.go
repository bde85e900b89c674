package executor

import (
	"context"
	"sync"

	"github.com/wbrown/janus-dataflow/datalog"
)

// Engine is the progress key tracking the engine-wide frontier. Every
// worker reports it after every epoch, whatever dataflows are installed.
const Engine = ""

// ProgressListener is told when the global frontier of a dataflow
// advances: every worker has finished (and emitted) all times below it.
type ProgressListener func(query string, frontier datalog.Time)

// Progress tracks, per dataflow, each worker's frontier and their minimum.
type Progress struct {
	mu        sync.Mutex
	workers   int
	frontiers map[string][]datalog.Time
	global    map[string]datalog.Time
	changed   chan struct{}
	listener  ProgressListener
	poisoned  error
}

// NewProgress creates a tracker for n workers
func NewProgress(n int, listener ProgressListener) *Progress {
	p := &Progress{
		workers:   n,
		frontiers: make(map[string][]datalog.Time),
		global:    make(map[string]datalog.Time),
		changed:   make(chan struct{}),
		listener:  listener,
	}
	p.Register(Engine, 0)
	return p
}

// Register starts tracking a dataflow whose workers all begin at frontier
func (p *Progress) Register(query string, frontier datalog.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := make([]datalog.Time, p.workers)
	for i := range f {
		f[i] = frontier
	}
	p.frontiers[query] = f
	p.global[query] = frontier
}

// Remove stops tracking a dataflow
func (p *Progress) Remove(query string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frontiers, query)
	delete(p.global, query)
	p.broadcast()
}

// Report records that worker has finished every time below frontier for
// query. The listener runs on the reporting goroutine when the global
// frontier moves.
func (p *Progress) Report(worker int, query string, frontier datalog.Time) {
	p.mu.Lock()
	f, ok := p.frontiers[query]
	if !ok || frontier <= f[worker] {
		p.mu.Unlock()
		return
	}
	f[worker] = frontier
	low := f[0]
	for _, t := range f[1:] {
		low = min(low, t)
	}
	advanced := low > p.global[query]
	if advanced {
		p.global[query] = low
		p.broadcast()
	}
	p.mu.Unlock()

	if advanced && p.listener != nil {
		p.listener(query, low)
	}
}

func (p *Progress) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Poison releases every waiter with err. Frontiers stop advancing once
// the workers have failed.
func (p *Progress) Poison(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.poisoned == nil {
		p.poisoned = err
		p.broadcast()
	}
}

// Frontier returns the global frontier of query
func (p *Progress) Frontier(query string) (datalog.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.global[query]
	return t, ok
}

// Wait blocks until the global frontier of query exceeds t
func (p *Progress) Wait(ctx context.Context, query string, t datalog.Time) error {
	for {
		p.mu.Lock()
		frontier, ok := p.global[query]
		changed := p.changed
		poisoned := p.poisoned
		p.mu.Unlock()

		switch {
		case ok && frontier > t:
			return nil
		case poisoned != nil:
			return poisoned
		case !ok:
			return datalog.ErrUnknownQuery
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
