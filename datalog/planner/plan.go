// Package planner compiles parsed query descriptions into incremental
// dataflow plans.
//
// File organization:
//   - plan.go: Plan, Stratum, RulePlan and step types
//   - compile.go: Compile() entry point, rule resolution and negation lowering
//   - rules.go: options, published rule lookup and shared relation naming
//   - graph.go: call graph, Tarjan SCCs and stratification
//   - order.go: greedy binding analysis for delta terms
//
// Start with Compile() in compile.go to understand the planning flow.
package planner

import (
	"fmt"
	"strings"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/query"
)

// HeadSeed marks a term seeded by rows of the rule's own head relation
// (used by the rederive phase of recursive strata).
const HeadSeed = -1

// Operand is a slot reference, a constant, or a blank.
type Operand struct {
	Slot  int           // binding slot, or -1
	Const datalog.Value // valid when the operand is a constant
}

// SlotOperand refers to binding slot i
func SlotOperand(i int) Operand { return Operand{Slot: i} }

// ConstOperand is a constant operand
func ConstOperand(v datalog.Value) Operand { return Operand{Slot: -1, Const: v} }

// BlankOperand matches anything and binds nothing
func BlankOperand() Operand { return Operand{Slot: -1} }

// IsSlot reports whether the operand refers to a binding slot
func (o Operand) IsSlot() bool { return o.Slot >= 0 }

// IsConst reports whether the operand is a constant
func (o Operand) IsConst() bool { return o.Slot < 0 && o.Const.IsValid() }

// IsBlank reports whether the operand is a blank
func (o Operand) IsBlank() bool { return o.Slot < 0 && !o.Const.IsValid() }

// Resolve returns the operand's value in a binding row
func (o Operand) Resolve(row datalog.Tuple) datalog.Value {
	if o.Slot >= 0 {
		return row[o.Slot]
	}
	return o.Const
}

func (o Operand) equal(other Operand) bool {
	if o.IsSlot() || other.IsSlot() {
		return o.Slot == other.Slot
	}
	return o.IsConst() && other.IsConst() && o.Const == other.Const
}

func (o Operand) format(names []query.Symbol) string {
	switch {
	case o.IsSlot() && o.Slot < len(names):
		return names[o.Slot].String()
	case o.IsSlot():
		return fmt.Sprintf("$%d", o.Slot)
	case o.IsConst():
		return o.Const.String()
	}
	return "_"
}

// Atom is one positive or negated relation occurrence in a rule body.
type Atom struct {
	Base      bool
	Attribute datalog.Attribute // base atoms
	Relation  string            // derived atoms, arrangement name
	Args      []Operand
	Negated   bool
	Clause    string
}

// Arity returns the row width of the atom's relation
func (a *Atom) Arity() int {
	return len(a.Args)
}

// Name returns the attribute or relation name
func (a *Atom) Name() string {
	if a.Base {
		return string(a.Attribute)
	}
	return a.Relation
}

// Primary returns the arrangement holding every row of the atom's relation
func (a *Atom) Primary() arrangement.Descriptor {
	if a.Base {
		return arrangement.Forward(a.Attribute)
	}
	return arrangement.Presence(a.Relation, a.Arity())
}

// Unify matches a full relation row against the atom's arguments,
// extending binding. It returns false when a constant or an already
// bound slot disagrees with the row.
func (a *Atom) Unify(row, binding datalog.Tuple, bound []bool) bool {
	for i, arg := range a.Args {
		switch {
		case arg.IsConst():
			if row[i] != arg.Const {
				return false
			}
		case arg.IsSlot():
			if bound[arg.Slot] {
				if binding[arg.Slot] != row[i] {
					return false
				}
			} else {
				binding[arg.Slot] = row[i]
				bound[arg.Slot] = true
			}
		}
	}
	return true
}

// StepKind identifies a pipeline step
type StepKind uint8

const (
	// StepLookup joins the binding with matching rows of an arrangement.
	StepLookup StepKind = iota
	// StepAbsent keeps bindings whose negated atom row is absent.
	StepAbsent
	// StepFilter keeps bindings satisfying comparisons.
	StepFilter
	// StepBind computes an arithmetic expression into a slot.
	StepBind
)

func (k StepKind) String() string {
	switch k {
	case StepLookup:
		return "lookup"
	case StepAbsent:
		return "absent"
	case StepFilter:
		return "filter"
	case StepBind:
		return "bind"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Test is one comparison of a filter step
type Test struct {
	Op          query.CompareOp
	Left, Right Operand
}

// Holds evaluates the comparison against a binding row
func (t Test) Holds(row datalog.Tuple) bool {
	return t.Op.Holds(t.Left.Resolve(row), t.Right.Resolve(row))
}

// Step is one operator of a delta term pipeline.
type Step struct {
	Kind StepKind

	// Lookup and Absent
	Atom        int // index into RulePlan.Atoms
	Arrangement arrangement.Descriptor
	Key         []Operand // operands for Arrangement.Key, in key order
	Exchange    bool      // bindings move to the key's owner first
	Broadcast   bool      // empty key: bindings are copied to every worker

	// Filter: passes when all tests hold, or when they do not if Negate
	Tests  []Test
	Negate bool

	// Bind
	Op          query.ArithmeticOp
	Left, Right Operand
	Target      int
	Check       bool // target already bound: compare instead of assign

	Clause string
}

// Term is the pipeline evaluating a rule body from one seed.
type Term struct {
	Seed  int // atom index, or HeadSeed
	Steps []Step
}

// RulePlan is one compiled rule definition.
type RulePlan struct {
	Head      string // relation arrangement name
	Source    string
	Slots     int
	SlotNames []query.Symbol
	HeadArgs  []Operand
	Atoms     []Atom
	Terms     []Term // Terms[i] is seeded by Atoms[i]; negated atoms seed too
	Rederive  *Term  // recursive rules only
}

// HeadRow projects a complete binding onto the head relation
func (r *RulePlan) HeadRow(binding datalog.Tuple) datalog.Tuple {
	row := make(datalog.Tuple, len(r.HeadArgs))
	for i, arg := range r.HeadArgs {
		row[i] = arg.Resolve(binding)
	}
	return row
}

// Relation is a derived relation of the plan. Rule relations are named
// after their definitions and may be shared with other plans; the
// result relation is named after the query.
type Relation struct {
	Name      string
	Local     string // name in the description
	Arity     int
	Stratum   int
	Recursive bool
	Indexes   []arrangement.Descriptor // secondary arrangements read by lookups
}

// Presence returns the arrangement of the relation's current rows
func (r *Relation) Presence() arrangement.Descriptor {
	return arrangement.Presence(r.Name, r.Arity)
}

// Counting returns the derivation count arrangement of a non-recursive relation
func (r *Relation) Counting() arrangement.Descriptor {
	return arrangement.Counting(r.Name, r.Arity)
}

// Stratum is a group of mutually recursive relations evaluated together
type Stratum struct {
	Relations []string
	Recursive bool
	Rules     []*RulePlan
}

// Aggregate describes the grouped reduce of the output relation
type Aggregate struct {
	Group       []int // output relation positions of the grouping variables
	Arrangement arrangement.Descriptor
	Columns     []Column
}

// Column is one find element of an aggregating query
type Column struct {
	Group    int // index into Aggregate.Group, or -1
	Function query.AggregateFunction
	Arg      int // output relation position aggregated
}

// Output describes how the result relation becomes query rows
type Output struct {
	Relation  string
	Columns   []string
	Project   []int // relation positions in find order, without aggregates
	Aggregate *Aggregate
}

// Plan is a compiled query description.
type Plan struct {
	Query        string
	Relations    map[string]*Relation
	Strata       []Stratum
	Output       Output
	Arrangements []arrangement.Descriptor
	Attributes   []datalog.Attribute
	Rules        []string // rule names the result depends on, sorted
}

// Relation returns the named derived relation
func (p *Plan) Relation(name string) *Relation {
	return p.Relations[name]
}

// Local returns the relation a rule of the description compiled to
func (p *Plan) Local(local string) *Relation {
	for _, rel := range p.Relations {
		if rel.Local == local {
			return rel
		}
	}
	return nil
}

// String renders the plan for inspection
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan %s:\n", p.Query)
	for i, s := range p.Strata {
		kind := "non-recursive"
		if s.Recursive {
			kind = "recursive"
		}
		fmt.Fprintf(&sb, "  Stratum %d (%s): %s\n", i, kind, strings.Join(s.Relations, ", "))
		for _, r := range s.Rules {
			fmt.Fprintf(&sb, "    Rule %s\n", r.Source)
			for _, term := range r.Terms {
				sb.WriteString("      ")
				sb.WriteString(r.formatTerm(term))
				sb.WriteByte('\n')
			}
			if r.Rederive != nil {
				sb.WriteString("      ")
				sb.WriteString(r.formatTerm(*r.Rederive))
				sb.WriteByte('\n')
			}
		}
	}
	fmt.Fprintf(&sb, "  Output %s %v", p.Output.Relation, p.Output.Columns)
	if p.Output.Aggregate != nil {
		fmt.Fprintf(&sb, " grouped by %v", p.Output.Aggregate.Group)
	}
	sb.WriteByte('\n')
	for _, d := range p.Arrangements {
		fmt.Fprintf(&sb, "  Arrangement %s\n", d)
	}
	return sb.String()
}

func (r *RulePlan) formatTerm(term Term) string {
	var parts []string
	if term.Seed == HeadSeed {
		parts = append(parts, "Δ"+r.Head)
	} else {
		a := r.Atoms[term.Seed]
		parts = append(parts, "Δ"+r.formatAtom(&a))
	}
	for _, step := range term.Steps {
		parts = append(parts, r.formatStep(step))
	}
	return strings.Join(parts, " -> ")
}

func (r *RulePlan) formatAtom(a *Atom) string {
	args := make([]string, len(a.Args))
	for i, arg := range a.Args {
		args[i] = arg.format(r.SlotNames)
	}
	prefix := ""
	if a.Negated {
		prefix = "!"
	}
	return fmt.Sprintf("%s%s(%s)", prefix, a.Name(), strings.Join(args, " "))
}

func (r *RulePlan) formatStep(s Step) string {
	switch s.Kind {
	case StepLookup, StepAbsent:
		a := r.Atoms[s.Atom]
		out := fmt.Sprintf("%s %s via %s", s.Kind, r.formatAtom(&a), s.Arrangement)
		if s.Broadcast {
			out += " (broadcast)"
		} else if s.Exchange {
			out += " (exchange)"
		}
		return out
	case StepFilter:
		tests := make([]string, len(s.Tests))
		for i, t := range s.Tests {
			tests[i] = fmt.Sprintf("(%s %s %s)", t.Op, t.Left.format(r.SlotNames), t.Right.format(r.SlotNames))
		}
		if s.Negate {
			return "filter not " + strings.Join(tests, " ")
		}
		return "filter " + strings.Join(tests, " ")
	case StepBind:
		target := SlotOperand(s.Target).format(r.SlotNames)
		return fmt.Sprintf("bind (%s %s %s) %s", s.Op, s.Left.format(r.SlotNames), s.Right.format(r.SlotNames), target)
	}
	return s.Kind.String()
}
