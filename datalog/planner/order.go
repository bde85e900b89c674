package planner

import (
	"fmt"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/query"
)

// op is a filter or binding awaiting placement
type op struct {
	filter bool
	tests  []Test
	negate bool

	arith       query.ArithmeticOp
	left, right Operand
	target      int

	clause string
}

func (o *op) inputs() []Operand {
	if o.filter {
		var in []Operand
		for _, t := range o.tests {
			in = append(in, t.Left, t.Right)
		}
		return in
	}
	return []Operand{o.left, o.right}
}

type ruleBuilder struct {
	rp     *RulePlan
	rel    *Relation
	schema arrangement.Schema
	ops    []op
}

// ordered is a term plus the clause that could not be placed, if any
type ordered struct {
	Term
	failed string
}

// order builds the term seeded by atom seed (or the head). Starting from
// the seed's variables it repeatedly places every filter and binding whose
// inputs are bound, every negated atom whose variables are bound, and then
// the positive atom with the most bound positions. Ties prefer a
// cardinality-one lookup by entity, then clause order.
func (b *ruleBuilder) order(seed int) (ordered, error) {
	rp := b.rp
	bound := make([]bool, rp.Slots)
	placedAtom := make([]bool, len(rp.Atoms))
	placedOp := make([]bool, len(b.ops))
	result := ordered{Term: Term{Seed: seed}}

	var partition []Operand
	if seed == HeadSeed {
		bindAll(rp.HeadArgs, bound)
		partition = rp.HeadArgs
	} else {
		a := &rp.Atoms[seed]
		placedAtom[seed] = true
		bindAll(a.Args, bound)
		if a.Base {
			partition = a.Args[:1]
		} else {
			partition = a.Args
		}
	}

	for {
		for progress := true; progress; {
			progress = false
			for i := range b.ops {
				o := &b.ops[i]
				if placedOp[i] || !allBound(o.inputs(), bound) {
					continue
				}
				placedOp[i] = true
				progress = true
				if o.filter {
					result.Steps = append(result.Steps, Step{Kind: StepFilter, Tests: o.tests, Negate: o.negate, Clause: o.clause})
					continue
				}
				result.Steps = append(result.Steps, Step{
					Kind:   StepBind,
					Op:     o.arith,
					Left:   o.left,
					Right:  o.right,
					Target: o.target,
					Check:  bound[o.target],
					Clause: o.clause,
				})
				bound[o.target] = true
			}
			for i := range rp.Atoms {
				a := &rp.Atoms[i]
				if placedAtom[i] || !a.Negated || !allBound(a.Args, bound) {
					continue
				}
				placedAtom[i] = true
				progress = true
				step := b.lookup(i, bound, partition)
				step.Kind = StepAbsent
				partition = step.Key
				result.Steps = append(result.Steps, step)
			}
		}

		next := b.pick(placedAtom, bound)
		if next < 0 {
			break
		}
		placedAtom[next] = true
		step := b.lookup(next, bound, partition)
		partition = step.Key
		result.Steps = append(result.Steps, step)
		bindAll(rp.Atoms[next].Args, bound)
	}

	for i := range b.ops {
		if !placedOp[i] {
			result.failed = b.ops[i].clause
			return result, fmt.Errorf("%w: inputs of %s are never bound", datalog.ErrUnboundVariable, b.ops[i].clause)
		}
	}
	for i, a := range rp.Atoms {
		if !placedAtom[i] {
			result.failed = a.Clause
			return result, fmt.Errorf("%w: variables of %s are never bound positively", datalog.ErrUnboundVariable, a.Clause)
		}
	}
	for _, arg := range rp.HeadArgs {
		if arg.IsSlot() && !bound[arg.Slot] {
			result.failed = rp.Source
			return result, fmt.Errorf("%w: %s", datalog.ErrUnboundVariable, rp.SlotNames[arg.Slot])
		}
	}
	return result, nil
}

// pick returns the unplaced positive atom to look up next, or -1
func (b *ruleBuilder) pick(placed []bool, bound []bool) int {
	best, bestScore, bestFunctional := -1, -1, false
	for i := range b.rp.Atoms {
		a := &b.rp.Atoms[i]
		if placed[i] || a.Negated {
			continue
		}
		score := len(boundPositions(a.Args, bound))
		functional := b.functional(a, bound)
		if score > bestScore || (score == bestScore && functional && !bestFunctional) {
			best, bestScore, bestFunctional = i, score, functional
		}
	}
	return best
}

// functional reports a lookup by entity into a cardinality-one attribute
func (b *ruleBuilder) functional(a *Atom, bound []bool) bool {
	if !a.Base || !isBound(a.Args[0], bound) {
		return false
	}
	spec, ok := b.schema.Attribute(a.Attribute)
	return ok && spec.Cardinality == datalog.CardinalityOne
}

// lookup selects the arrangement serving atom i for the bound positions
func (b *ruleBuilder) lookup(i int, bound []bool, partition []Operand) Step {
	a := &b.rp.Atoms[i]
	positions := boundPositions(a.Args, bound)
	step := Step{Kind: StepLookup, Atom: i, Clause: a.Clause}

	if a.Base {
		switch {
		case contains(positions, 0):
			step.Arrangement = arrangement.Forward(a.Attribute)
		case contains(positions, 1):
			step.Arrangement = arrangement.Reverse(a.Attribute)
		default:
			step.Arrangement = arrangement.Forward(a.Attribute)
			step.Broadcast = true
		}
	} else {
		switch {
		case len(positions) == a.Arity():
			step.Arrangement = arrangement.Presence(a.Relation, a.Arity())
		case len(positions) == 0:
			step.Arrangement = arrangement.Presence(a.Relation, a.Arity())
			step.Broadcast = true
		default:
			step.Arrangement = arrangement.Indexed(a.Relation, a.Arity(), positions)
		}
	}

	step.Key = make([]Operand, len(step.Arrangement.Key))
	for k, pos := range step.Arrangement.Key {
		step.Key[k] = a.Args[pos]
	}
	step.Exchange = step.Broadcast || !samePartition(partition, step.Key)
	return step
}

func samePartition(current, key []Operand) bool {
	if current == nil || len(current) != len(key) {
		return false
	}
	for i := range key {
		if !current[i].equal(key[i]) {
			return false
		}
	}
	return true
}

func boundPositions(args []Operand, bound []bool) []int {
	var positions []int
	for i, arg := range args {
		if isBound(arg, bound) {
			positions = append(positions, i)
		}
	}
	return positions
}

func isBound(o Operand, bound []bool) bool {
	return o.IsConst() || (o.IsSlot() && bound[o.Slot])
}

func allBound(args []Operand, bound []bool) bool {
	for _, arg := range args {
		if arg.IsSlot() && !bound[arg.Slot] {
			return false
		}
	}
	return true
}

func bindAll(args []Operand, bound []bool) {
	for _, arg := range args {
		if arg.IsSlot() {
			bound[arg.Slot] = true
		}
	}
}

func contains(positions []int, p int) bool {
	for _, q := range positions {
		if q == p {
			return true
		}
	}
	return false
}
