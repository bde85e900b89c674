package executor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
)

// Record is a weighted row at a time
type Record struct {
	Row  datalog.Tuple
	Time datalog.Time
	Diff datalog.Diff
}

// Consolidate sums the diffs of identical rows, drops zeros and sorts by
// row. The input slice is reordered.
func Consolidate(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		return datalog.CompareTuples(records[i].Row, records[j].Row) < 0
	})
	out := records[:0]
	for _, r := range records {
		if n := len(out); n > 0 && out[n-1].Row.Equal(r.Row) {
			out[n-1].Diff += r.Diff
			continue
		}
		out = append(out, r)
	}
	kept := out[:0]
	for _, r := range out {
		if r.Diff != 0 {
			kept = append(kept, r)
		}
	}
	return kept
}

// Envelope is what one worker sends another in a round
type Envelope struct {
	Records []Record
	Count   int64
}

type round struct {
	envelopes []Envelope
	received  int
}

type mailbox struct {
	mu     sync.Mutex
	rounds map[uint64]*round
	notify chan struct{}
}

func (m *mailbox) deposit(seq uint64, from, peers int, env Envelope) {
	m.mu.Lock()
	r, ok := m.rounds[seq]
	if !ok {
		r = &round{envelopes: make([]Envelope, peers)}
		m.rounds[seq] = r
	}
	r.envelopes[from] = env
	r.received++
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take(seq uint64, peers int) ([]Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[seq]
	if !ok || r.received < peers {
		return nil, false
	}
	delete(m.rounds, seq)
	return r.envelopes, true
}

// Fabric connects workers with all-to-all exchange rounds. Every worker
// takes part in every round in the same order; deposits never block and
// a worker waits only for its peers' envelopes.
type Fabric struct {
	peers   int
	boxes   []*mailbox
	timeout time.Duration
	retries int
	handler annotations.Handler

	abort     chan struct{}
	abortOnce sync.Once
}

// NewFabric creates a fabric for peers workers
func NewFabric(peers int, timeout time.Duration, retries int, handler annotations.Handler) *Fabric {
	f := &Fabric{
		peers:   peers,
		boxes:   make([]*mailbox, peers),
		timeout: timeout,
		retries: retries,
		handler: handler,
		abort:   make(chan struct{}),
	}
	for i := range f.boxes {
		f.boxes[i] = &mailbox{rounds: make(map[uint64]*round), notify: make(chan struct{}, 1)}
	}
	return f
}

// Abort releases every waiting worker with ErrWorkerFailed
func (f *Fabric) Abort() {
	f.abortOnce.Do(func() { close(f.abort) })
}

// Aborted reports whether the fabric was aborted
func (f *Fabric) Aborted() bool {
	select {
	case <-f.abort:
		return true
	default:
		return false
	}
}

// Endpoint returns worker id's attachment to the fabric
func (f *Fabric) Endpoint(id int) *Endpoint {
	return &Endpoint{fabric: f, id: id}
}

// Endpoint is one worker's side of the fabric. It is not safe for
// concurrent use.
type Endpoint struct {
	fabric *Fabric
	id     int
	seq    uint64
}

// Exchange sends out[d] to worker d and returns everything sent to this
// worker, ordered by sender.
func (e *Endpoint) Exchange(out [][]Record) ([]Record, error) {
	envs := make([]Envelope, e.fabric.peers)
	for d := range envs {
		if d < len(out) {
			envs[d].Records = out[d]
		}
	}
	in, err := e.round(envs)
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, env := range in {
		records = append(records, env.Records...)
	}
	return records, nil
}

// AllReduce returns the sum of v over all workers
func (e *Endpoint) AllReduce(v int64) (int64, error) {
	envs := make([]Envelope, e.fabric.peers)
	for d := range envs {
		envs[d].Count = v
	}
	in, err := e.round(envs)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, env := range in {
		total += env.Count
	}
	return total, nil
}

func (e *Endpoint) round(envs []Envelope) ([]Envelope, error) {
	f := e.fabric
	seq := e.seq
	e.seq++

	for d, env := range envs {
		f.boxes[d].deposit(seq, e.id, f.peers, env)
	}

	box := f.boxes[e.id]
	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	attempts := 0
	for {
		if in, ok := box.take(seq, f.peers); ok {
			return in, nil
		}
		select {
		case <-box.notify:
		case <-f.abort:
			return nil, fmt.Errorf("%w: worker %d: fabric aborted", datalog.ErrWorkerFailed, e.id)
		case <-timer.C:
			attempts++
			f.handler.Emit(annotations.ExchangeRetry, time.Now().Add(-f.timeout), map[string]interface{}{
				"worker":  e.id,
				"round":   seq,
				"attempt": attempts,
			})
			if attempts > f.retries {
				return nil, fmt.Errorf("%w: worker %d: exchange round %d timed out after %d attempts",
					datalog.ErrWorkerFailed, e.id, seq, attempts)
			}
			timer.Reset(f.timeout)
		}
	}
}
