package executor

import (
	"fmt"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/planner"
)

// rule is a rule plan with per-step binding state precomputed
type rule struct {
	*planner.RulePlan
	terms    []*term
	rederive *term
}

// term is a planned pipeline. bound[i] lists the slots bound before step i.
type term struct {
	planner.Term
	bound [][]bool
}

func compileRule(rp *planner.RulePlan) *rule {
	r := &rule{RulePlan: rp}
	for _, t := range rp.Terms {
		r.terms = append(r.terms, compileTerm(rp, t))
	}
	if rp.Rederive != nil {
		r.rederive = compileTerm(rp, *rp.Rederive)
	}
	return r
}

func compileTerm(rp *planner.RulePlan, t planner.Term) *term {
	ct := &term{Term: t, bound: make([][]bool, len(t.Steps))}
	bound := make([]bool, rp.Slots)
	mark := func(args []planner.Operand) {
		for _, arg := range args {
			if arg.IsSlot() {
				bound[arg.Slot] = true
			}
		}
	}
	if t.Seed == planner.HeadSeed {
		mark(rp.HeadArgs)
	} else {
		mark(rp.Atoms[t.Seed].Args)
	}
	for i, step := range t.Steps {
		ct.bound[i] = append([]bool(nil), bound...)
		switch step.Kind {
		case planner.StepLookup:
			mark(rp.Atoms[step.Atom].Args)
		case planner.StepBind:
			bound[step.Target] = true
		}
	}
	return ct
}

// seed binds relation rows against the seed atom. Negated atoms seed
// with the sign flipped: a row appearing removes an absence.
func (r *rule) seed(t *term, rows []Record, negate bool) []Record {
	atom := &r.Atoms[t.Seed]
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		binding := make(datalog.Tuple, r.Slots)
		bound := make([]bool, r.Slots)
		if !atom.Unify(row.Row, binding, bound) {
			continue
		}
		diff := row.Diff
		if negate {
			diff = -diff
		}
		out = append(out, Record{Row: binding, Time: row.Time, Diff: diff})
	}
	return out
}

// seedHead binds head rows to the head parameters
func (r *rule) seedHead(rows []Record) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		binding := make(datalog.Tuple, r.Slots)
		ok := true
		for i, arg := range r.HeadArgs {
			switch {
			case arg.IsSlot():
				binding[arg.Slot] = row.Row[i]
			case arg.IsConst():
				ok = ok && arg.Const == row.Row[i]
			}
		}
		if ok {
			out = append(out, Record{Row: binding, Time: row.Time, Diff: row.Diff})
		}
	}
	return out
}

// viewFunc picks the view an atom is read at
type viewFunc func(atom int) arrangement.View

// run pushes bindings through a term and returns the derived head rows,
// still on the worker that produced them. Every worker runs every step,
// so exchanges stay in lockstep even for empty inputs.
func (w *worker) run(df *dataflow, r *rule, t *term, bindings []Record, view viewFunc) ([]Record, error) {
	var err error
	for i := range t.Steps {
		step := &t.Steps[i]
		if step.Exchange {
			if bindings, err = w.route(bindings, step); err != nil {
				return nil, err
			}
		}

		switch step.Kind {
		case planner.StepLookup:
			bindings, err = w.lookup(r, t, i, bindings, view(step.Atom))
		case planner.StepAbsent:
			bindings, err = w.absent(&r.Atoms[step.Atom], step, bindings, view(step.Atom))
		case planner.StepFilter:
			bindings = filter(step, bindings)
		case planner.StepBind:
			bindings = w.bind(df, step, bindings)
		}
		if err != nil {
			return nil, err
		}
	}

	heads := make([]Record, len(bindings))
	for i, b := range bindings {
		heads[i] = Record{Row: r.HeadRow(b.Row), Time: b.Time, Diff: b.Diff}
	}
	return heads, nil
}

// route moves bindings to the owner of the step's key, or copies them to
// every worker for a broadcast scan
func (w *worker) route(bindings []Record, step *planner.Step) ([]Record, error) {
	out := make([][]Record, w.peers)
	for _, b := range bindings {
		if step.Broadcast {
			for d := range out {
				out[d] = append(out[d], b)
			}
			continue
		}
		d := resolve(step.Key, b.Row).Partition(w.peers)
		out[d] = append(out[d], b)
	}
	return w.ep.Exchange(out)
}

func resolve(operands []planner.Operand, row datalog.Tuple) datalog.Tuple {
	key := make(datalog.Tuple, len(operands))
	for i, o := range operands {
		key[i] = o.Resolve(row)
	}
	return key
}

func (w *worker) lookup(r *rule, t *term, i int, bindings []Record, view arrangement.View) ([]Record, error) {
	step := &t.Steps[i]
	desc := step.Arrangement
	tr, err := w.trace(desc)
	if err != nil {
		return nil, err
	}
	atom := &r.Atoms[step.Atom]
	bound := t.bound[i]
	scratch := make([]bool, len(bound))

	var out []Record
	for _, b := range bindings {
		match := func(key, val datalog.Tuple, diff datalog.Diff) {
			row := desc.Join(key, val)
			next := b.Row.Clone()
			copy(scratch, bound)
			if atom.Unify(row, next, scratch) {
				out = append(out, Record{Row: next, Time: b.Time, Diff: b.Diff * diff})
			}
		}
		if step.Broadcast {
			tr.Scan(view, match)
			continue
		}
		key := resolve(step.Key, b.Row)
		tr.Lookup(key, view, func(val datalog.Tuple, diff datalog.Diff) {
			match(key, val, diff)
		})
	}
	return out, nil
}

// absent keeps bindings whose fully bound atom row has no multiplicity
func (w *worker) absent(atom *planner.Atom, step *planner.Step, bindings []Record, view arrangement.View) ([]Record, error) {
	tr, err := w.trace(step.Arrangement)
	if err != nil {
		return nil, err
	}
	out := bindings[:0:0]
	for _, b := range bindings {
		key, val := step.Arrangement.Split(resolve(atom.Args, b.Row))
		if tr.Count(key, val, view) <= 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

func filter(step *planner.Step, bindings []Record) []Record {
	out := bindings[:0:0]
	for _, b := range bindings {
		holds := true
		for _, test := range step.Tests {
			if !test.Holds(b.Row) {
				holds = false
				break
			}
		}
		if holds != step.Negate {
			out = append(out, b)
		}
	}
	return out
}

// bind evaluates an arithmetic step. Rows whose expression fails are
// dropped and reported once per step.
func (w *worker) bind(df *dataflow, step *planner.Step, bindings []Record) []Record {
	out := bindings[:0:0]
	var failures int
	var last error
	for _, b := range bindings {
		val, err := step.Op.Apply(step.Left.Resolve(b.Row), step.Right.Resolve(b.Row))
		if err != nil {
			failures++
			last = err
			continue
		}
		if step.Check {
			if b.Row[step.Target] == val {
				out = append(out, b)
			}
			continue
		}
		next := b.Row.Clone()
		next[step.Target] = val
		out = append(out, Record{Row: next, Time: b.Time, Diff: b.Diff})
	}
	if failures > 0 {
		w.handler.Emit(annotations.ExpressionError, time.Now(), map[string]interface{}{
			"query":  df.name,
			"clause": step.Clause,
			"worker": w.id,
			"rows":   failures,
			"error":  last,
		})
	}
	return out
}

// toOwners moves rows to the worker owning them in a presence arrangement
func (w *worker) toOwners(rows []Record) ([]Record, error) {
	out := make([][]Record, w.peers)
	for _, r := range rows {
		d := r.Row.Partition(w.peers)
		out[d] = append(out[d], r)
	}
	return w.ep.Exchange(out)
}

// toKeys moves rows to the owners of their key under desc
func (w *worker) toKeys(desc arrangement.Descriptor, rows []Record) ([]Record, error) {
	out := make([][]Record, w.peers)
	for _, r := range rows {
		d := r.Row.Project(desc.Key).Partition(w.peers)
		out[d] = append(out[d], r)
	}
	return w.ep.Exchange(out)
}

func (w *worker) trace(desc arrangement.Descriptor) (*arrangement.Trace, error) {
	tr, ok := w.traces[desc.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: worker %d: arrangement %s not built", datalog.ErrWorkerFailed, w.id, desc)
	}
	return tr, nil
}
