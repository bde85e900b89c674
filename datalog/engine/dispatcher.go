package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/executor"
)

// Result is a query's accumulated result. It reflects every time below
// Frontier.
type Result struct {
	Query    string
	Columns  []string
	Rows     []datalog.Tuple
	Frontier datalog.Time
}

// feed is the dispatcher's state for one registered query
type feed struct {
	name     string
	columns  []string
	frontier datalog.Time
	pending  map[datalog.Time][]executor.Record
	counts   map[string]datalog.Diff
	rows     map[string]datalog.Tuple
	subs     map[string]*Subscription
	err      error

	// bounded feeds stop at limit: output at or after it is dropped
	bounded bool
	limit   datalog.Time
}

// dispatcher turns worker output into ordered diffs. Workers emit into
// per-time buffers; a time is delivered only once progress shows every
// worker is done with it.
type dispatcher struct {
	mu      sync.Mutex
	feeds   map[string]*feed
	handler annotations.Handler
}

func newDispatcher(handler annotations.Handler) *dispatcher {
	return &dispatcher{
		feeds:   make(map[string]*feed),
		handler: handler,
	}
}

// add starts buffering output for query from frontier on
func (d *dispatcher) add(query string, columns []string, frontier datalog.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feeds[query] = newFeed(query, columns, frontier)
}

// addAt buffers output for query at exactly at. Its result stays the
// result as of at however far the workers get.
func (d *dispatcher) addAt(query string, columns []string, at datalog.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := newFeed(query, columns, at)
	f.bounded, f.limit = true, at+1
	d.feeds[query] = f
}

func newFeed(query string, columns []string, frontier datalog.Time) *feed {
	return &feed{
		name:     query,
		columns:  columns,
		frontier: frontier,
		pending:  make(map[datalog.Time][]executor.Record),
		counts:   make(map[string]datalog.Diff),
		rows:     make(map[string]datalog.Tuple),
		subs:     make(map[string]*Subscription),
	}
}

// remove discards buffered output and ends every subscription
func (d *dispatcher) remove(query string) {
	d.mu.Lock()
	f, ok := d.feeds[query]
	delete(d.feeds, query)
	d.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range f.subs {
		s.end(nil)
	}
}

// closeAll ends every subscription of every query
func (d *dispatcher) closeAll() {
	d.mu.Lock()
	feeds := d.feeds
	d.feeds = make(map[string]*feed)
	d.mu.Unlock()
	for _, f := range feeds {
		for _, s := range f.subs {
			s.end(datalog.ErrClosed)
		}
	}
}

// Emit buffers one worker's share of a query's output at t
func (d *dispatcher) Emit(query string, t datalog.Time, rows []executor.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.feeds[query]
	if !ok || f.err != nil || t < f.frontier || (f.bounded && t >= f.limit) {
		return
	}
	f.pending[t] = append(f.pending[t], rows...)
}

// Fail ends a query's subscriptions with err; it delivers nothing more
func (d *dispatcher) Fail(query string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.feeds[query]
	if !ok || f.err != nil {
		return
	}
	f.err = fmt.Errorf("query %s: %w", query, err)
	f.pending = nil
	for id, s := range f.subs {
		s.end(f.err)
		delete(f.subs, id)
	}
}

// advance delivers every buffered time below frontier, in time order
func (d *dispatcher) advance(query string, frontier datalog.Time) {
	if query == executor.Engine {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.feeds[query]
	if !ok || f.err != nil {
		return
	}
	if f.bounded && frontier > f.limit {
		frontier = f.limit
	}
	if frontier <= f.frontier {
		return
	}

	var times []datalog.Time
	for t := range f.pending {
		if t < frontier {
			times = append(times, t)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	f.frontier = frontier

	for _, t := range times {
		start := time.Now()
		records := executor.Consolidate(f.pending[t])
		delete(f.pending, t)

		diff := Diff{Query: query, Time: t, Columns: f.columns}
		for _, r := range records {
			if r.Diff > 0 {
				diff.Added = append(diff.Added, r.Row)
			} else {
				diff.Removed = append(diff.Removed, r.Row)
			}
			f.apply(r.Row, r.Diff)
		}
		if diff.Empty() {
			continue
		}
		for _, s := range f.subs {
			s.push(diff)
		}
		d.handler.Emit(annotations.DiffDelivered, start, map[string]interface{}{
			"query":       query,
			"time":        t,
			"added":       len(diff.Added),
			"removed":     len(diff.Removed),
			"subscribers": len(f.subs),
		})
	}
}

func (f *feed) apply(row datalog.Tuple, diff datalog.Diff) {
	key := row.Key()
	n := f.counts[key] + diff
	if n == 0 {
		delete(f.counts, key)
	} else {
		f.counts[key] = n
	}
	if n > 0 {
		f.rows[key] = row
	} else {
		delete(f.rows, key)
	}
}

func (f *feed) result() *Result {
	rows := make([]datalog.Tuple, 0, len(f.rows))
	for _, row := range f.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return datalog.CompareTuples(rows[i], rows[j]) < 0 })
	return &Result{Query: f.name, Columns: f.columns, Rows: rows, Frontier: f.frontier}
}

// subscribe attaches a new subscription, first handing it the current
// result as a diff at the last complete time when there is one.
func (d *dispatcher) subscribe(query string) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.feeds[query]
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", query, datalog.ErrUnknownQuery)
	}
	if f.err != nil {
		return nil, f.err
	}

	s := newSubscription(query, d)
	if len(f.rows) > 0 {
		res := f.result()
		s.push(Diff{Query: query, Time: f.frontier - 1, Columns: f.columns, Added: res.Rows})
	}
	f.subs[s.id] = s
	return s, nil
}

func (d *dispatcher) unsubscribe(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.feeds[s.query]; ok {
		delete(f.subs, s.id)
	}
}

// result returns the accumulated result of query
func (d *dispatcher) result(query string) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.feeds[query]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", query, datalog.ErrUnknownQuery)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result(), nil
}

// subscribers returns the number of live subscriptions to query
func (d *dispatcher) subscribers(query string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.feeds[query]; ok {
		return len(f.subs)
	}
	return 0
}
