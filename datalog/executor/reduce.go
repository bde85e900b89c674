package executor

import (
	"sort"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/planner"
)

// reduce turns the result relation's change into output rows: a plain
// projection, or a grouped aggregate recomputed for the touched groups.
func (w *worker) reduce(df *dataflow, ep *epoch) error {
	out := df.plan.Output
	if out.Aggregate == nil {
		delta := ep.derived[out.Relation]
		if len(delta) == 0 {
			return nil
		}
		rows := make([]Record, len(delta))
		for i, r := range delta {
			rows[i] = Record{Row: r.Row.Project(out.Project), Time: r.Time, Diff: r.Diff}
		}
		w.coord.output.Emit(df.name, ep.time, rows)
		return nil
	}

	agg := out.Aggregate
	tr, err := w.trace(agg.Arrangement)
	if err != nil {
		return err
	}
	changed := ep.indexed[agg.Arrangement.ID()]
	if agg.Arrangement.IsPresence() {
		changed = ep.derived[out.Relation]
	}
	if len(changed) == 0 {
		return nil
	}

	groups := make(map[string]datalog.Tuple)
	for _, r := range changed {
		key := r.Row.Project(agg.Group)
		groups[key.Key()] = key
	}
	keys := make([]datalog.Tuple, 0, len(groups))
	for _, key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return datalog.CompareTuples(keys[i], keys[j]) < 0 })

	var rows []Record
	for _, key := range keys {
		before, okBefore := w.aggregate(df, agg, tr, key, arrangement.Before(ep.time))
		after, okAfter := w.aggregate(df, agg, tr, key, arrangement.Through(ep.time))
		if okBefore && okAfter && before.Equal(after) {
			continue
		}
		if okBefore {
			rows = append(rows, Record{Row: before, Time: ep.time, Diff: -1})
		}
		if okAfter {
			rows = append(rows, Record{Row: after, Time: ep.time, Diff: 1})
		}
	}
	if len(rows) > 0 {
		w.coord.output.Emit(df.name, ep.time, rows)
	}
	return nil
}

// aggregate computes the output row of one group in a view. Empty groups
// and groups whose aggregate fails produce no row.
func (w *worker) aggregate(df *dataflow, agg *planner.Aggregate, tr *arrangement.Trace, key datalog.Tuple, view arrangement.View) (datalog.Tuple, bool) {
	desc := tr.Descriptor()
	var members []datalog.Tuple
	tr.Lookup(key, view, func(val datalog.Tuple, diff datalog.Diff) {
		if diff > 0 {
			members = append(members, desc.Join(key, val))
		}
	})
	if len(members) == 0 {
		return nil, false
	}

	row := make(datalog.Tuple, len(agg.Columns))
	for i, col := range agg.Columns {
		if col.Group >= 0 {
			row[i] = key[col.Group]
			continue
		}
		values := make([]datalog.Value, len(members))
		for j, m := range members {
			values[j] = m[col.Arg]
		}
		v, err := col.Function.Aggregate(values)
		if err != nil {
			w.handler.Emit(annotations.ExpressionError, time.Now(), map[string]interface{}{
				"query":     df.name,
				"aggregate": col.Function.FunctionName(),
				"group":     key.String(),
				"worker":    w.id,
				"error":     err,
			})
			return nil, false
		}
		row[i] = v
	}
	return row, true
}
