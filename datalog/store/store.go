// Package store is the attribute-oriented fact store. It validates facts
// against the declared schema, buffers them at their logical time, and
// hands each closed epoch to the coordinator.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
)

// Sink receives closed epochs in increasing time order. An epoch with no
// facts still advances progress.
type Sink interface {
	Epoch(t datalog.Time, facts []datalog.Fact) error
}

// Journal records accepted input before it is applied
type Journal interface {
	Declare(spec datalog.AttributeSpec) error
	Append(t datalog.Time, facts []datalog.Fact) error
	Advance(to datalog.Time) error
}

// Store holds the schema and the open epoch
type Store struct {
	schemaMu sync.RWMutex
	schema   map[datalog.Attribute]datalog.AttributeSpec

	mu       sync.Mutex
	frontier datalog.Time // lowest open time
	pending  []datalog.Fact
	sink     Sink
	journal  Journal
	handler  annotations.Handler
}

// NewStore creates an empty store closing epochs into sink
func NewStore(sink Sink, handler annotations.Handler) *Store {
	return &Store{
		schema:  make(map[datalog.Attribute]datalog.AttributeSpec),
		sink:    sink,
		handler: handler,
	}
}

// AttachJournal makes every later ingest and advance durable in j first
func (s *Store) AttachJournal(j Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// DeclareAttribute registers an attribute. Redeclaring it identically is
// a no-op; it reports whether the attribute is new.
func (s *Store) DeclareAttribute(name datalog.Attribute, card datalog.Cardinality, typ datalog.ValueType) (bool, error) {
	name = datalog.InternAttribute(string(name))
	spec := datalog.AttributeSpec{Name: name, Cardinality: card, Type: typ}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if existing, ok := s.schema[name]; ok {
		if existing != spec {
			return false, fmt.Errorf("declare %s as %s: already %s: %w", name.Keyword(), spec, existing, datalog.ErrSchemaConflict)
		}
		return false, nil
	}
	if s.journal != nil {
		if err := s.journal.Declare(spec); err != nil {
			return false, fmt.Errorf("journal declare %s: %w", name.Keyword(), err)
		}
	}
	s.schema[name] = spec
	return true, nil
}

// Attribute returns the declaration of a
func (s *Store) Attribute(a datalog.Attribute) (datalog.AttributeSpec, bool) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	spec, ok := s.schema[a]
	return spec, ok
}

// Attributes returns every declaration, sorted by name
func (s *Store) Attributes() []datalog.AttributeSpec {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	specs := make([]datalog.AttributeSpec, 0, len(s.schema))
	for _, spec := range s.schema {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Frontier returns the lowest time still open for ingest
func (s *Store) Frontier() datalog.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontier
}

// Ingest adds facts at time at. Ingesting at a later time than the
// frontier closes every earlier time. The batch is validated as a whole;
// a rejected batch leaves the store unchanged.
func (s *Store) Ingest(facts []datalog.Fact, at datalog.Time) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if at < s.frontier {
		return fmt.Errorf("ingest at %d, frontier %d: %w", at, s.frontier, datalog.ErrOutOfOrderTime)
	}
	if err := s.validate(facts); err != nil {
		return err
	}
	if s.journal != nil {
		if err := s.journal.Append(at, facts); err != nil {
			return fmt.Errorf("journal ingest at %d: %w", at, err)
		}
	}

	if err := s.close(at); err != nil {
		return err
	}
	s.pending = append(s.pending, facts...)
	s.handler.Emit(annotations.IngestAccepted, start, map[string]interface{}{
		"time":  at,
		"facts": len(facts),
	})
	return nil
}

func (s *Store) validate(facts []datalog.Fact) error {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	for _, f := range facts {
		spec, ok := s.schema[f.A]
		if !ok {
			return fmt.Errorf("fact %s: %w", f, datalog.ErrUnknownAttribute)
		}
		if !spec.Type.Accepts(f.V) {
			return fmt.Errorf("fact %s: %s is not %s: %w", f, f.V.Kind(), spec.Type, datalog.ErrTypeMismatch)
		}
	}
	return nil
}

// Advance declares that no more facts will arrive at or before to.
// Advancing to the last closed time is a no-op.
func (s *Store) Advance(to datalog.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := to + 1
	if next < s.frontier {
		return fmt.Errorf("advance to %d, frontier %d: %w", to, s.frontier, datalog.ErrOutOfOrderTime)
	}
	if next == s.frontier {
		return nil
	}
	if s.journal != nil {
		if err := s.journal.Advance(to); err != nil {
			return fmt.Errorf("journal advance to %d: %w", to, err)
		}
	}
	return s.close(next)
}

// close hands every open time below next to the sink. Buffered facts all
// sit at the current frontier; times between it and next carry none, so
// one empty epoch at next-1 stands for them.
func (s *Store) close(next datalog.Time) error {
	if next <= s.frontier {
		return nil
	}
	last := next - 1

	if len(s.pending) > 0 {
		facts := Consolidate(s.pending)
		s.pending = nil
		if err := s.emit(s.frontier, facts); err != nil {
			return err
		}
		if s.frontier == last {
			s.frontier = next
			return nil
		}
	}
	if err := s.emit(last, nil); err != nil {
		return err
	}
	s.frontier = next
	return nil
}

func (s *Store) emit(t datalog.Time, facts []datalog.Fact) error {
	start := time.Now()
	if err := s.sink.Epoch(t, facts); err != nil {
		return fmt.Errorf("close epoch %d: %w", t, err)
	}
	s.handler.Emit(annotations.EpochClosed, start, map[string]interface{}{
		"time":  t,
		"facts": len(facts),
	})
	return nil
}

// Consolidate sums the multiplicities of identical facts, drops those
// that cancel, and orders the rest by attribute, entity and value.
func Consolidate(facts []datalog.Fact) []datalog.Fact {
	type key struct {
		e datalog.Entity
		a datalog.Attribute
		v datalog.Value
	}
	index := make(map[key]int, len(facts))
	out := make([]datalog.Fact, 0, len(facts))
	for _, f := range facts {
		k := key{f.E, f.A, f.V}
		if i, ok := index[k]; ok {
			out[i].Diff += f.Diff
			continue
		}
		index[k] = len(out)
		out = append(out, f)
	}

	live := out[:0]
	for _, f := range out {
		if f.Diff != 0 {
			live = append(live, f)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.A != b.A {
			return a.A < b.A
		}
		if a.E != b.E {
			return a.E < b.E
		}
		return datalog.CompareValues(a.V, b.V) < 0
	})
	return live
}
