package executor

import (
	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/planner"
)

// counting maintains a non-recursive relation with the delta rule
//
//	ΔR = Σj X1..X(j-1)@new · ΔXj · X(j+1)..Xm@old
//
// Head rows carry derivation count changes; the relation's presence
// changes only when a row's count crosses zero.
func (w *worker) counting(df *dataflow, s *stratum, ep *epoch) error {
	rel := s.relations[0]
	t := ep.time

	var heads []Record
	for _, r := range s.rules {
		for j, tm := range r.terms {
			atom := &r.Atoms[j]
			view := func(i int) arrangement.View {
				if i < j {
					return ep.newView()
				}
				return ep.oldView(&r.Atoms[i])
			}
			out, err := w.runSeeded(df, r, tm, r.seed(tm, ep.delta(atom), atom.Negated), view)
			if err != nil {
				return err
			}
			heads = append(heads, out...)
		}
	}

	owned, err := w.toOwners(heads)
	if err != nil {
		return err
	}

	counts, err := w.trace(rel.Counting())
	if err != nil {
		return err
	}
	presence, err := w.trace(rel.Presence())
	if err != nil {
		return err
	}

	var delta []Record
	for _, h := range Consolidate(owned) {
		before := counts.Count(h.Row, nil, arrangement.Through(t))
		counts.UpdateRow(h.Row, t, h.Diff)
		after := before + h.Diff

		var change datalog.Diff
		switch {
		case before <= 0 && after > 0:
			change = 1
		case before > 0 && after <= 0:
			change = -1
		default:
			continue
		}
		presence.UpdateRow(h.Row, t, change)
		delta = append(delta, Record{Row: h.Row, Time: t, Diff: change})
	}

	ep.derived[rel.Name] = delta
	return w.maintainIndexes(rel, delta, ep)
}

// maintainIndexes routes presence changes of a relation into each of its
// live secondary arrangements, whichever dataflows asked for them. What
// each worker received is kept on the epoch for the reduce stage.
func (w *worker) maintainIndexes(rel *planner.Relation, delta []Record, ep *epoch) error {
	for _, desc := range w.indexes[rel.Name] {
		in, err := w.toKeys(desc, delta)
		if err != nil {
			return err
		}
		tr, err := w.trace(desc)
		if err != nil {
			return err
		}
		for _, r := range in {
			tr.UpdateRow(r.Row, r.Time, r.Diff)
		}
		ep.indexed[desc.ID()] = append(ep.indexed[desc.ID()], in...)
	}
	return nil
}
