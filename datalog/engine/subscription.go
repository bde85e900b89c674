package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/query"
)

// ErrSubscriptionClosed is returned by Next once the stream has ended and
// every delivered diff has been read.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Diff is the net change of a query's result at one logical time. Rows
// are distinct and sorted by the value order.
type Diff struct {
	Query   string
	Time    datalog.Time
	Columns []string
	Added   []datalog.Tuple
	Removed []datalog.Tuple
}

// Bindings returns the added and removed rows keyed by column
func (d Diff) Bindings() (added, removed []map[query.Symbol]datalog.Value) {
	return bind(d.Columns, d.Added), bind(d.Columns, d.Removed)
}

func bind(columns []string, rows []datalog.Tuple) []map[query.Symbol]datalog.Value {
	out := make([]map[query.Symbol]datalog.Value, len(rows))
	for i, row := range rows {
		m := make(map[query.Symbol]datalog.Value, len(columns))
		for j, col := range columns {
			if j < len(row) {
				m[query.Symbol(col)] = row[j]
			}
		}
		out[i] = m
	}
	return out
}

// Empty reports whether the diff carries no change
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Subscription is an unbounded, ordered stream of a query's diffs. It
// ends when the query is unregistered, fails, or the engine closes.
type Subscription struct {
	id    string
	query string
	d     *dispatcher

	mu    sync.Mutex
	queue []Diff
	ready chan struct{}
	ended bool
	err   error
}

func newSubscription(query string, d *dispatcher) *Subscription {
	return &Subscription{
		id:    uuid.NewString(),
		query: query,
		d:     d,
		ready: make(chan struct{}, 1),
	}
}

// ID returns the subscription's unique identifier
func (s *Subscription) ID() string {
	return s.id
}

// Query returns the name of the subscribed query
func (s *Subscription) Query() string {
	return s.query
}

// Next returns the next diff, blocking until one arrives. After the
// stream ends it drains what was delivered, then returns
// ErrSubscriptionClosed, or the query's failure if it failed.
func (s *Subscription) Next(ctx context.Context) (Diff, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			d := s.queue[0]
			s.queue[0] = Diff{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return d, nil
		}
		if s.ended {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = ErrSubscriptionClosed
			}
			return Diff{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return Diff{}, ctx.Err()
		}
	}
}

// Pending returns the number of diffs delivered but not yet read
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription. Closing twice is a no-op.
func (s *Subscription) Close() {
	s.d.unsubscribe(s)
	s.end(nil)
}

func (s *Subscription) push(d Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.queue = append(s.queue, d)
	s.signal()
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
