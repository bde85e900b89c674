package executor

import (
	"fmt"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
)

// rowSet is a set of relation rows owned by this worker
type rowSet map[string]datalog.Tuple

func (s rowSet) add(row datalog.Tuple) bool {
	k := row.Key()
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = row
	return true
}

func (s rowSet) records(t datalog.Time, diff datalog.Diff) []Record {
	out := make([]Record, 0, len(s))
	for _, row := range s {
		out = append(out, Record{Row: row, Time: t, Diff: diff})
	}
	return Consolidate(out)
}

// fixpoint maintains a recursive stratum with delete-and-rederive:
//
//  1. overdelete: everything with a derivation that used a removed input,
//     computed against the old state
//  2. rederive: overdeleted rows that still have a derivation in the new state
//  3. insert: semi-naive forward chaining from additions and rederived rows
//
// Relations hold set presence, never counts. Every phase loops until a
// global all-reduce reports no new rows.
func (w *worker) fixpoint(df *dataflow, s *stratum, ep *epoch) error {
	t := ep.time
	fp := &fixpoint{w: w, df: df, s: s, ep: ep, start: time.Now()}
	for _, rel := range s.relations {
		tr, err := w.trace(rel.Presence())
		if err != nil {
			return err
		}
		fp.presence = append(fp.presence, tr)
	}

	deleted, err := fp.overdelete()
	if err != nil {
		return err
	}
	rederived, err := fp.rederive(deleted)
	if err != nil {
		return err
	}
	inserted, iterations, err := fp.insert(rederived)
	if err != nil {
		return err
	}

	for i, rel := range s.relations {
		touched := make(rowSet, len(deleted[i])+len(inserted[i]))
		for k, row := range deleted[i] {
			touched[k] = row
		}
		for k, row := range inserted[i] {
			touched[k] = row
		}
		var delta []Record
		for _, row := range touched {
			d := fp.presence[i].Count(row, nil, arrangement.Through(t)) -
				fp.presence[i].Count(row, nil, arrangement.Before(t))
			if d != 0 {
				delta = append(delta, Record{Row: row, Time: t, Diff: d})
			}
		}
		ep.derived[rel.Name] = Consolidate(delta)
	}

	if w.id == 0 {
		w.handler.Emit(annotations.FixpointConverged, fp.start, map[string]interface{}{
			"query":      df.name,
			"time":       t,
			"relations":  len(s.relations),
			"iterations": iterations,
			"passes":     fp.passes,
		})
	}
	return nil
}

type fixpoint struct {
	w        *worker
	df       *dataflow
	s        *stratum
	ep       *epoch
	presence []*arrangement.Trace
	passes   int
	start    time.Time
}

// pass counts one loop iteration against the configured bound
func (fp *fixpoint) pass() error {
	fp.passes++
	if limit := fp.w.opts.MaxIterations; limit > 0 && fp.passes > limit {
		return fmt.Errorf("%w: query %s at time %d: more than %d iterations",
			datalog.ErrIterationLimit, fp.df.name, fp.ep.time, limit)
	}
	return nil
}

// heads moves derived head rows to their owners, one exchange per
// relation of the stratum in a fixed order.
func (fp *fixpoint) heads(rows map[string][]Record) ([][]Record, error) {
	out := make([][]Record, len(fp.s.relations))
	for i, rel := range fp.s.relations {
		owned, err := fp.w.toOwners(rows[rel.Name])
		if err != nil {
			return nil, err
		}
		out[i] = owned
	}
	return out, nil
}

// sign picks the rows of a delta with the given sign, at unit weight
func sign(rows []Record, positive bool) []Record {
	var out []Record
	for _, r := range rows {
		if (r.Diff > 0) == positive {
			out = append(out, Record{Row: r.Row, Time: r.Time, Diff: 1})
		}
	}
	return out
}

// step runs every term of the stratum once. seeds returns the rows that
// seed atom j of a rule, or nil.
func (fp *fixpoint) step(seeds func(r *rule, j int) []Record, view func(r *rule) viewFunc) (map[string][]Record, error) {
	derived := make(map[string][]Record)
	for _, r := range fp.s.rules {
		for j, tm := range r.terms {
			out, err := fp.w.runSeeded(fp.df, r, tm, r.seed(tm, seeds(r, j), false), view(r))
			if err != nil {
				return nil, err
			}
			derived[r.Head] = append(derived[r.Head], out...)
		}
	}
	return derived, nil
}

func (fp *fixpoint) overdelete() ([]rowSet, error) {
	ep := fp.ep
	deleted := make([]rowSet, len(fp.s.relations))
	frontier := make([]rowSet, len(fp.s.relations))
	for i := range deleted {
		deleted[i] = make(rowSet)
	}

	old := func(r *rule) viewFunc {
		return func(i int) arrangement.View {
			a := &r.Atoms[i]
			if fp.s.internal(a) {
				return arrangement.Before(ep.time)
			}
			return ep.oldView(a)
		}
	}

	for first := true; ; first = false {
		if err := fp.pass(); err != nil {
			return nil, err
		}
		seeds := func(r *rule, j int) []Record {
			a := &r.Atoms[j]
			switch {
			case fp.s.internal(a):
				if first {
					return nil
				}
				return frontier[fp.s.members[a.Relation]].records(ep.time, 1)
			case !first:
				return nil
			case a.Negated:
				return sign(ep.delta(a), true)
			default:
				return sign(ep.delta(a), false)
			}
		}
		derived, err := fp.step(seeds, old)
		if err != nil {
			return nil, err
		}
		owned, err := fp.heads(derived)
		if err != nil {
			return nil, err
		}

		var found int64
		for i, rows := range owned {
			frontier[i] = make(rowSet)
			for _, h := range rows {
				if fp.presence[i].Count(h.Row, nil, arrangement.Before(ep.time)) <= 0 {
					continue
				}
				if deleted[i].add(h.Row) {
					frontier[i][h.Row.Key()] = h.Row
					found++
				}
			}
		}
		total, err := fp.w.ep.AllReduce(found)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			break
		}
	}

	for i, rel := range fp.s.relations {
		delta := deleted[i].records(ep.time, -1)
		for _, r := range delta {
			fp.presence[i].UpdateRow(r.Row, r.Time, r.Diff)
		}
		if err := fp.w.maintainIndexes(rel, delta, ep); err != nil {
			return nil, err
		}
	}
	return deleted, nil
}

func (fp *fixpoint) rederive(deleted []rowSet) ([]rowSet, error) {
	ep := fp.ep
	derived := make(map[string][]Record)
	for _, r := range fp.s.rules {
		i := fp.s.members[r.Head]
		var seeds []Record
		for _, row := range deleted[i] {
			seeds = append(seeds, Record{Row: row, Time: ep.time, Diff: 1})
		}
		out, err := fp.w.runSeeded(fp.df, r, r.rederive, r.seedHead(seeds), func(int) arrangement.View {
			return ep.newView()
		})
		if err != nil {
			return nil, err
		}
		derived[r.Head] = append(derived[r.Head], out...)
	}
	owned, err := fp.heads(derived)
	if err != nil {
		return nil, err
	}

	rederived := make([]rowSet, len(fp.s.relations))
	for i, rows := range owned {
		rederived[i] = make(rowSet)
		for _, h := range rows {
			if _, ok := deleted[i][h.Row.Key()]; ok {
				rederived[i].add(h.Row)
			}
		}
	}
	return rederived, nil
}

// insert applies the rederived rows, then chains forward from them and
// from the stratum's added inputs. It returns every row it made present
// and the number of iterations that produced one.
func (fp *fixpoint) insert(rederived []rowSet) ([]rowSet, int, error) {
	ep := fp.ep
	inserted := make([]rowSet, len(fp.s.relations))
	frontier := rederived
	for i, rel := range fp.s.relations {
		inserted[i] = make(rowSet)
		delta := rederived[i].records(ep.time, 1)
		for _, r := range delta {
			fp.presence[i].UpdateRow(r.Row, r.Time, r.Diff)
			inserted[i].add(r.Row)
		}
		if err := fp.w.maintainIndexes(rel, delta, ep); err != nil {
			return nil, 0, err
		}
	}

	current := func(*rule) viewFunc {
		return func(int) arrangement.View { return ep.newView() }
	}

	iterations := 0
	for first := true; ; first = false {
		if err := fp.pass(); err != nil {
			return nil, 0, err
		}
		seeds := func(r *rule, j int) []Record {
			a := &r.Atoms[j]
			switch {
			case fp.s.internal(a):
				return frontier[fp.s.members[a.Relation]].records(ep.time, 1)
			case !first:
				return nil
			case a.Negated:
				return sign(ep.delta(a), false)
			default:
				return sign(ep.delta(a), true)
			}
		}
		derived, err := fp.step(seeds, current)
		if err != nil {
			return nil, 0, err
		}
		owned, err := fp.heads(derived)
		if err != nil {
			return nil, 0, err
		}

		var found int64
		next := make([]rowSet, len(fp.s.relations))
		for i, rows := range owned {
			next[i] = make(rowSet)
			for _, h := range rows {
				if fp.presence[i].Count(h.Row, nil, arrangement.Through(ep.time)) > 0 {
					continue
				}
				if next[i].add(h.Row) {
					found++
				}
			}
		}
		for i, rel := range fp.s.relations {
			delta := next[i].records(ep.time, 1)
			for _, r := range delta {
				fp.presence[i].UpdateRow(r.Row, r.Time, r.Diff)
				inserted[i].add(r.Row)
			}
			if err := fp.w.maintainIndexes(rel, delta, ep); err != nil {
				return nil, 0, err
			}
		}
		frontier = next

		total, err := fp.w.ep.AllReduce(found)
		if err != nil {
			return nil, 0, err
		}
		if total == 0 {
			break
		}
		iterations++
	}
	return inserted, iterations, nil
}
