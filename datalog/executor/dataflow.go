package executor

import (
	"errors"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/planner"
)

// dataflow is one worker's replica of an installed plan
type dataflow struct {
	name   string
	plan   *planner.Plan
	strata []*stratum
	failed bool
}

type stratum struct {
	relations []*planner.Relation
	members   map[string]int
	recursive bool
	rules     []*rule
}

func newDataflow(plan *planner.Plan) *dataflow {
	df := &dataflow{name: plan.Query, plan: plan}
	for _, s := range plan.Strata {
		st := &stratum{recursive: s.Recursive, members: make(map[string]int, len(s.Relations))}
		for i, name := range s.Relations {
			st.relations = append(st.relations, plan.Relation(name))
			st.members[name] = i
		}
		for _, rp := range s.Rules {
			st.rules = append(st.rules, compileRule(rp))
		}
		df.strata = append(df.strata, st)
	}
	return df
}

// internal reports whether an atom reads a relation of the stratum itself
func (s *stratum) internal(a *planner.Atom) bool {
	if a.Base || a.Negated {
		return false
	}
	_, ok := s.members[a.Relation]
	return ok
}

// epoch carries the changes at one time through a worker's dataflows.
// Base deltas are shared by every dataflow. Derived deltas and index
// receipts are keyed by relation name, so a relation several dataflows
// share is computed once per epoch.
type epoch struct {
	time    datalog.Time
	replay  bool
	base    map[datalog.Attribute][]Record
	derived map[string][]Record
	indexed map[string][]Record

	done  map[string]bool // strata computed this epoch, by first relation
	fresh map[string]bool // relations whose whole contents are the delta
}

func newEpoch(t datalog.Time, replay bool) *epoch {
	return &epoch{
		time:    t,
		replay:  replay,
		base:    make(map[datalog.Attribute][]Record),
		derived: make(map[string][]Record),
		indexed: make(map[string][]Record),
		done:    make(map[string]bool),
		fresh:   make(map[string]bool),
	}
}

// delta returns this worker's share of the change to an atom's relation
func (ep *epoch) delta(a *planner.Atom) []Record {
	if a.Base {
		return ep.base[a.Attribute]
	}
	return ep.derived[a.Relation]
}

func (ep *epoch) newView() arrangement.View {
	return arrangement.Through(ep.time)
}

// oldView is the state before the epoch. A replay treats the whole base
// collection and every relation another dataflow already maintains as
// its delta, so those atoms start from nothing.
func (ep *epoch) oldView(a *planner.Atom) arrangement.View {
	if ep.replay && (a.Base || ep.fresh[a.Relation]) {
		return arrangement.Empty()
	}
	return arrangement.Before(ep.time)
}

// key names a stratum within an epoch
func (s *stratum) key() string {
	return s.relations[0].Name
}

// install adds a dataflow and, when replay is set, evaluates it against
// the base arrangements as of at. Relations some installed dataflow
// already computes are read back from their arrangements instead of
// being derived again.
func (w *worker) install(plan *planner.Plan, at datalog.Time, replay bool) error {
	w.uninstall(plan.Query)
	df := newDataflow(plan)
	w.installed = append(w.installed, df.name)
	w.dataflows[df.name] = df

	live := make(map[string]bool, len(plan.Relations))
	for _, rel := range plan.Relations {
		live[rel.Name] = w.producers[rel.Name] > 0
		w.producers[rel.Name]++
	}
	if !replay {
		return nil
	}

	ep := newEpoch(at, true)
	for _, s := range df.strata {
		if !live[s.key()] {
			continue
		}
		for _, rel := range s.relations {
			tr, err := w.trace(rel.Presence())
			if err != nil {
				return err
			}
			desc := tr.Descriptor()
			tr.Scan(arrangement.Through(at), func(key, val datalog.Tuple, diff datalog.Diff) {
				ep.derived[rel.Name] = append(ep.derived[rel.Name], Record{Row: desc.Join(key, val), Time: at, Diff: diff})
			})
			ep.fresh[rel.Name] = true
		}
		ep.done[s.key()] = true
	}
	for _, a := range plan.Attributes {
		tr, err := w.trace(arrangement.Forward(a))
		if err != nil {
			return err
		}
		desc := tr.Descriptor()
		tr.Scan(arrangement.Through(at), func(key, val datalog.Tuple, diff datalog.Diff) {
			ep.base[a] = append(ep.base[a], Record{Row: desc.Join(key, val), Time: at, Diff: diff})
		})
	}
	if err := w.evaluate(df, ep); err != nil {
		return err
	}

	for _, desc := range plan.Arrangements {
		if desc.Source != arrangement.Derived || live[desc.Name] {
			continue
		}
		if tr, ok := w.traces[desc.ID()]; ok {
			tr.Publish(at)
		}
	}
	w.coord.progress.Report(w.id, df.name, at+1)
	return nil
}

func (w *worker) uninstall(query string) {
	df, ok := w.dataflows[query]
	if !ok {
		return
	}
	for _, rel := range df.plan.Relations {
		if w.producers[rel.Name]--; w.producers[rel.Name] <= 0 {
			delete(w.producers, rel.Name)
		}
	}
	delete(w.dataflows, query)
	for i, name := range w.installed {
		if name == query {
			w.installed = append(w.installed[:i], w.installed[i+1:]...)
			break
		}
	}
}

// evaluate runs a dataflow's strata in dependency order and emits its
// output changes. A stratum another dataflow already ran this epoch is
// skipped. A runaway recursion fails the dataflows that read its
// relations and no others.
func (w *worker) evaluate(df *dataflow, ep *epoch) error {
	if df.failed {
		return nil
	}
	for _, s := range df.strata {
		if err, ok := w.poisoned[s.key()]; ok {
			w.fail(df, ep, err)
			return nil
		}
		if ep.done[s.key()] {
			continue
		}
		var err error
		if s.recursive {
			err = w.fixpoint(df, s, ep)
		} else {
			err = w.counting(df, s, ep)
		}
		if errors.Is(err, datalog.ErrIterationLimit) {
			for _, rel := range s.relations {
				w.poisoned[rel.Name] = err
			}
			w.fail(df, ep, err)
			return nil
		}
		if err != nil {
			return err
		}
		ep.done[s.key()] = true
	}
	return w.reduce(df, ep)
}

func (w *worker) fail(df *dataflow, ep *epoch, err error) {
	df.failed = true
	if w.id != 0 {
		return
	}
	w.coord.output.Fail(df.name, err)
	w.handler.Emit(annotations.QueryFailed, time.Now(), map[string]interface{}{
		"query": df.name,
		"time":  ep.time,
		"error": err,
	})
}

// runSeeded agrees with the other workers whether any seeds exist before
// running a term, so idle terms cost a single round.
func (w *worker) runSeeded(df *dataflow, r *rule, t *term, seeds []Record, view viewFunc) ([]Record, error) {
	active, err := w.ep.AllReduce(int64(len(seeds)))
	if err != nil || active == 0 {
		return nil, err
	}
	return w.run(df, r, t, seeds, view)
}
