package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/query"
)

// Reserved relation names and variables. User rules may not start
// with "__".
const (
	findRelation = "__find"
	notPrefix    = "__not_"

	pullAttribute query.Symbol = "?__attribute"
	pullValue     query.Symbol = "?__value"
)

// item is a lowered body clause
type item struct {
	clause  query.Clause
	pattern *query.DataPattern
	call    *query.RuleCall
	negated bool // call is an antijoin
	tests   []query.Comparison
	negate  bool // tests form a negated conjunction
	expr    *query.Expression
}

// definition is one rule body after negation lowering
type definition struct {
	params []query.Symbol
	fixed  map[int]datalog.Value // head positions holding a constant
	items  []item
	source string
}

type compiler struct {
	name   string
	schema arrangement.Schema
	opts   Options

	rules map[string][]query.Rule
	arity map[string]int
	order []string // relations in discovery order
	defs  map[string][]definition
	edges map[string][]edge
	aux   int
	names map[string]string // local relation name to arrangement name
	pull  []datalog.Attribute
}

// Compile turns a parsed description into a plan. It performs no side
// effects; arrangements named by the plan are acquired by the caller.
func Compile(name string, q *query.Query, schema arrangement.Schema) (*Plan, error) {
	return CompileWith(name, q, schema, Options{})
}

// CompileWith is Compile with options
func CompileWith(name string, q *query.Query, schema arrangement.Schema, opts Options) (*Plan, error) {
	c := &compiler{
		name:   name,
		schema: schema,
		opts:   opts,
		rules:  make(map[string][]query.Rule),
		arity:  make(map[string]int),
		defs:   make(map[string][]definition),
		edges:  make(map[string][]edge),
	}

	if err := c.collectRules(q.Rules); err != nil {
		return nil, err
	}

	if pull, ok := q.Pull(); ok {
		if err := c.pullRules(q, pull); err != nil {
			return nil, err
		}
	} else {
		params, err := c.findParams(q)
		if err != nil {
			return nil, err
		}
		c.rules[findRelation] = []query.Rule{{Name: findRelation, Params: params, Body: q.Where}}
		c.arity[findRelation] = len(params)
	}

	if err := c.resolve(); err != nil {
		return nil, err
	}

	strata, err := c.stratify()
	if err != nil {
		return nil, err
	}

	return c.assemble(q, strata)
}

func (c *compiler) errorf(clause fmt.Stringer, err error) error {
	ce := &datalog.CompileError{Query: c.name, Err: err}
	if clause != nil {
		ce.Clause = clause.String()
	}
	return ce
}

// collectRules groups definitions by name and checks they agree on arity
func (c *compiler) collectRules(rules []query.Rule) error {
	for _, r := range rules {
		if strings.HasPrefix(r.Name, "__") {
			return c.errorf(r, fmt.Errorf("reserved rule name %q", r.Name))
		}
		if arity, ok := c.arity[r.Name]; ok && arity != len(r.Params) {
			return c.errorf(r, fmt.Errorf("%w: rule %s defined with %d and %d parameters",
				datalog.ErrArityMismatch, r.Name, arity, len(r.Params)))
		}
		seen := make(map[query.Symbol]bool, len(r.Params))
		for _, p := range r.Params {
			if seen[p] {
				return c.errorf(r, fmt.Errorf("duplicate parameter %s", p))
			}
			seen[p] = true
		}
		c.arity[r.Name] = len(r.Params)
		c.rules[r.Name] = append(c.rules[r.Name], r)
	}
	return nil
}

// findParams returns the columns of the synthetic result relation:
// distinct find variables, or for aggregating queries the grouping
// variables followed by aggregated and :with variables.
func (c *compiler) findParams(q *query.Query) ([]query.Symbol, error) {
	var params []query.Symbol
	seen := make(map[query.Symbol]bool)
	add := func(s query.Symbol) {
		if !seen[s] {
			seen[s] = true
			params = append(params, s)
		}
	}
	for _, elem := range q.Find {
		if v, ok := elem.(query.FindVariable); ok {
			add(v.Symbol)
		}
	}
	if q.HasAggregates() {
		for _, elem := range q.Find {
			if agg, ok := elem.(query.FindAggregate); ok {
				add(agg.Arg)
			}
		}
		for _, s := range q.With {
			add(s)
		}
	} else if len(q.With) > 0 {
		return nil, c.errorf(nil, fmt.Errorf(":with requires an aggregate in :find"))
	}
	return params, nil
}

// pullRules defines the result relation of a pull as one rule per
// pulled attribute, each joining the where clauses with the attribute
// and fixing the attribute column.
func (c *compiler) pullRules(q *query.Query, pull query.FindPull) error {
	if len(q.Find) != 1 {
		return c.errorf(pull, fmt.Errorf("pull must be the only find element"))
	}
	if len(q.With) > 0 {
		return c.errorf(nil, fmt.Errorf(":with requires an aggregate in :find"))
	}
	for _, a := range pull.Attributes {
		if _, ok := c.schema.Attribute(a); !ok {
			return c.errorf(pull, fmt.Errorf("%w: %s", datalog.ErrUnknownAttribute, a.Keyword()))
		}
		body := append(append([]query.Clause(nil), q.Where...), &query.DataPattern{Elements: []query.PatternElement{
			query.Variable{Name: pull.Symbol},
			query.Constant{Value: datalog.AttributeValue(a)},
			query.Variable{Name: pullValue},
		}})
		c.rules[findRelation] = append(c.rules[findRelation], query.Rule{
			Name:   findRelation,
			Params: []query.Symbol{pull.Symbol, pullAttribute, pullValue},
			Body:   body,
		})
		c.pull = append(c.pull, a)
	}
	c.arity[findRelation] = 3
	return nil
}

// resolve lowers every relation reachable from the result relation,
// creating auxiliary relations for negated clause lists.
func (c *compiler) resolve() error {
	queue := []string{findRelation}
	visited := map[string]bool{findRelation: true}

	for len(queue) > 0 {
		rel := queue[0]
		queue = queue[1:]
		c.order = append(c.order, rel)

		for i, r := range c.rules[rel] {
			items, err := c.lower(rel, r.Params, r.Body)
			if err != nil {
				return err
			}
			def := definition{params: r.Params, items: items, source: r.String()}
			if rel == findRelation {
				def.source = "find"
				if c.pull != nil {
					def.source = "pull " + c.pull[i].Keyword()
					def.fixed = map[int]datalog.Value{1: datalog.AttributeValue(c.pull[i])}
				}
			}
			c.defs[rel] = append(c.defs[rel], def)

			for _, it := range items {
				if it.call == nil {
					continue
				}
				c.edges[rel] = append(c.edges[rel], edge{to: it.call.Name, negated: it.negated, clause: it.clause})
				if !visited[it.call.Name] {
					visited[it.call.Name] = true
					queue = append(queue, it.call.Name)
				}
			}
		}
	}
	return nil
}

// lower checks each clause of a body and rewrites negations
func (c *compiler) lower(rel string, params []query.Symbol, body []query.Clause) ([]item, error) {
	items := make([]item, 0, len(body))
	for i, clause := range body {
		switch cl := clause.(type) {
		case *query.DataPattern:
			if _, ok := c.schema.Attribute(cl.Attribute()); !ok {
				return nil, c.errorf(cl, fmt.Errorf("%w: %s", datalog.ErrUnknownAttribute, cl.Attribute().Keyword()))
			}
			items = append(items, item{clause: cl, pattern: cl})

		case *query.Comparison:
			items = append(items, item{clause: cl, tests: []query.Comparison{*cl}})

		case *query.Expression:
			items = append(items, item{clause: cl, expr: cl})

		case *query.RuleCall:
			if err := c.checkCall(cl); err != nil {
				return nil, err
			}
			items = append(items, item{clause: cl, call: cl})

		case *query.NotClause:
			if tests, ok := comparisonsOnly(cl.Clauses); ok {
				items = append(items, item{clause: cl, tests: tests, negate: true})
				continue
			}
			outer := make(map[query.Symbol]bool)
			for _, p := range params {
				outer[p] = true
			}
			for j, other := range body {
				if j == i {
					continue
				}
				for _, s := range clauseSymbols(other) {
					outer[s] = true
				}
			}
			var shared []query.Symbol
			for _, s := range clauseSymbols(cl) {
				if outer[s] {
					shared = append(shared, s)
				}
			}

			c.aux++
			name := notPrefix + strconv.Itoa(c.aux)
			c.rules[name] = []query.Rule{{Name: name, Params: shared, Body: cl.Clauses}}
			c.arity[name] = len(shared)

			args := make([]query.PatternElement, len(shared))
			for j, s := range shared {
				args[j] = query.Variable{Name: s}
			}
			items = append(items, item{clause: cl, call: &query.RuleCall{Name: name, Args: args}, negated: true})

		default:
			return nil, c.errorf(clause, fmt.Errorf("unsupported clause in %s", rel))
		}
	}
	return items, nil
}

func (c *compiler) checkCall(call *query.RuleCall) error {
	if strings.HasPrefix(call.Name, "__") {
		return c.errorf(call, fmt.Errorf("%w: %s", datalog.ErrUnknownRule, call.Name))
	}
	arity, ok := c.arity[call.Name]
	if !ok && c.opts.Rules != nil {
		if defs, found := c.opts.Rules.Rule(call.Name); found {
			if err := c.collectRules(defs); err != nil {
				return err
			}
			arity, ok = c.arity[call.Name]
		}
	}
	if !ok {
		return c.errorf(call, fmt.Errorf("%w: %s", datalog.ErrUnknownRule, call.Name))
	}
	if arity != len(call.Args) {
		return c.errorf(call, fmt.Errorf("%w: %s takes %d arguments, got %d",
			datalog.ErrArityMismatch, call.Name, arity, len(call.Args)))
	}
	return nil
}

func comparisonsOnly(clauses []query.Clause) ([]query.Comparison, bool) {
	tests := make([]query.Comparison, 0, len(clauses))
	for _, clause := range clauses {
		cmp, ok := clause.(*query.Comparison)
		if !ok {
			return nil, false
		}
		tests = append(tests, *cmp)
	}
	return tests, len(tests) > 0
}

// clauseSymbols returns the distinct variables of a clause in order of appearance
func clauseSymbols(clause query.Clause) []query.Symbol {
	var symbols []query.Symbol
	seen := make(map[query.Symbol]bool)
	add := func(syms ...query.Symbol) {
		for _, s := range syms {
			if !seen[s] {
				seen[s] = true
				symbols = append(symbols, s)
			}
		}
	}
	switch cl := clause.(type) {
	case *query.DataPattern:
		add(cl.Symbols()...)
	case *query.Comparison:
		add(cl.RequiredSymbols()...)
	case *query.Expression:
		add(cl.Function.RequiredSymbols()...)
		add(cl.Binding)
	case *query.RuleCall:
		add(cl.Symbols()...)
	case *query.NotClause:
		for _, inner := range cl.Clauses {
			add(clauseSymbols(inner)...)
		}
	}
	return symbols
}

// assemble builds relations, rule plans, output and the arrangement list
func (c *compiler) assemble(q *query.Query, components [][]string) (*Plan, error) {
	plan := &Plan{
		Query:     c.name,
		Relations: make(map[string]*Relation),
	}
	c.nameRelations(components)
	for _, local := range c.order {
		if local != findRelation && !strings.HasPrefix(local, "__") {
			plan.Rules = append(plan.Rules, local)
		}
	}
	sort.Strings(plan.Rules)

	for i, comp := range components {
		recursive := c.recursive(comp)
		stratum := Stratum{Recursive: recursive}
		for _, local := range comp {
			rel := &Relation{
				Name:      c.names[local],
				Local:     local,
				Arity:     c.arity[local],
				Stratum:   i,
				Recursive: recursive,
			}
			plan.Relations[rel.Name] = rel
			stratum.Relations = append(stratum.Relations, rel.Name)
		}
		plan.Strata = append(plan.Strata, stratum)
	}

	attributes := make(map[datalog.Attribute]bool)
	reverse := make(map[datalog.Attribute]bool)
	indexes := make(map[string]map[string]bool)

	for i := range plan.Strata {
		stratum := &plan.Strata[i]
		for _, name := range stratum.Relations {
			rel := plan.Relations[name]
			for _, def := range c.defs[rel.Local] {
				rp, err := c.planRule(rel, def)
				if err != nil {
					return nil, err
				}
				stratum.Rules = append(stratum.Rules, rp)

				for _, a := range rp.Atoms {
					if a.Base {
						attributes[a.Attribute] = true
					}
				}
				for _, term := range rp.allTerms() {
					for _, step := range term.Steps {
						if step.Kind != StepLookup && step.Kind != StepAbsent {
							continue
						}
						d := step.Arrangement
						switch {
						case d.Source == arrangement.Base && !d.IsPrimary():
							reverse[d.Attribute()] = true
						case d.Source == arrangement.Derived && !d.IsPresence():
							target := plan.Relations[d.Name]
							if indexes[d.Name] == nil {
								indexes[d.Name] = make(map[string]bool)
							}
							if !indexes[d.Name][d.ID()] {
								indexes[d.Name][d.ID()] = true
								target.Indexes = append(target.Indexes, d)
							}
						}
					}
				}
			}
		}
	}

	out, err := c.output(q, plan)
	if err != nil {
		return nil, err
	}
	plan.Output = out
	if agg := out.Aggregate; agg != nil && !agg.Arrangement.IsPresence() {
		rel := plan.Relations[out.Relation]
		if !indexes[rel.Name][agg.Arrangement.ID()] {
			rel.Indexes = append(rel.Indexes, agg.Arrangement)
		}
	}

	for a := range attributes {
		plan.Attributes = append(plan.Attributes, a)
	}
	sort.Slice(plan.Attributes, func(i, j int) bool { return plan.Attributes[i] < plan.Attributes[j] })

	for _, a := range plan.Attributes {
		plan.Arrangements = append(plan.Arrangements, arrangement.Forward(a))
		if reverse[a] {
			plan.Arrangements = append(plan.Arrangements, arrangement.Reverse(a))
		}
	}
	for _, stratum := range plan.Strata {
		for _, name := range stratum.Relations {
			rel := plan.Relations[name]
			plan.Arrangements = append(plan.Arrangements, rel.Presence())
			if !rel.Recursive {
				plan.Arrangements = append(plan.Arrangements, rel.Counting())
			}
			plan.Arrangements = append(plan.Arrangements, rel.Indexes...)
		}
	}
	return plan, nil
}

func (r *RulePlan) allTerms() []Term {
	if r.Rederive == nil {
		return r.Terms
	}
	return append(append([]Term(nil), r.Terms...), *r.Rederive)
}

// output derives the result projection or grouped reduce
func (c *compiler) output(q *query.Query, plan *Plan) (Output, error) {
	rel := plan.Relations[c.names[findRelation]]
	params := c.defs[findRelation][0].params
	position := make(map[query.Symbol]int, len(params))
	for i, p := range params {
		position[p] = i
	}

	out := Output{Relation: rel.Name, Columns: q.Columns()}
	if c.pull != nil {
		out.Project = []int{0, 1, 2}
		return out, nil
	}
	if !q.HasAggregates() {
		for _, elem := range q.Find {
			out.Project = append(out.Project, position[elem.(query.FindVariable).Symbol])
		}
		return out, nil
	}

	agg := &Aggregate{}
	groupIndex := make(map[int]int)
	for _, elem := range q.Find {
		v, ok := elem.(query.FindVariable)
		if !ok {
			continue
		}
		pos := position[v.Symbol]
		if _, ok := groupIndex[pos]; !ok {
			groupIndex[pos] = len(agg.Group)
			agg.Group = append(agg.Group, pos)
		}
	}
	for _, elem := range q.Find {
		switch e := elem.(type) {
		case query.FindVariable:
			agg.Columns = append(agg.Columns, Column{Group: groupIndex[position[e.Symbol]], Arg: -1})
		case query.FindAggregate:
			fn, err := query.NewAggregate(e.Function)
			if err != nil {
				return Output{}, c.errorf(e, err)
			}
			agg.Columns = append(agg.Columns, Column{Group: -1, Function: fn, Arg: position[e.Arg]})
		}
	}
	agg.Arrangement = arrangement.Indexed(rel.Name, rel.Arity, agg.Group)
	out.Aggregate = agg
	return out, nil
}

// planRule assigns slots, builds atoms and orders one term per atom
func (c *compiler) planRule(rel *Relation, def definition) (*RulePlan, error) {
	rp := &RulePlan{Head: rel.Name, Source: def.source}

	slots := make(map[query.Symbol]int)
	slotOf := func(s query.Symbol) int {
		if i, ok := slots[s]; ok {
			return i
		}
		slots[s] = len(rp.SlotNames)
		rp.SlotNames = append(rp.SlotNames, s)
		return slots[s]
	}
	for i, p := range def.params {
		if v, ok := def.fixed[i]; ok {
			rp.HeadArgs = append(rp.HeadArgs, ConstOperand(v))
			continue
		}
		rp.HeadArgs = append(rp.HeadArgs, SlotOperand(slotOf(p)))
	}
	for _, it := range def.items {
		symbols := clauseSymbols(it.clause)
		if it.negated {
			symbols = it.call.Symbols()
		}
		for _, s := range symbols {
			slotOf(s)
		}
	}

	element := func(e query.PatternElement) Operand {
		switch el := e.(type) {
		case query.Variable:
			return SlotOperand(slots[el.Name])
		case query.Constant:
			return ConstOperand(el.Value)
		}
		return BlankOperand()
	}
	term := func(t query.Term) Operand {
		switch tt := t.(type) {
		case query.VariableTerm:
			return SlotOperand(slots[tt.Symbol])
		case query.ConstantTerm:
			return ConstOperand(tt.Value)
		}
		return BlankOperand()
	}

	b := &ruleBuilder{rp: rp, schema: c.schema, rel: rel}
	for _, it := range def.items {
		switch {
		case it.pattern != nil:
			rp.Atoms = append(rp.Atoms, Atom{
				Base:      true,
				Attribute: it.pattern.Attribute(),
				Args:      []Operand{element(it.pattern.GetE()), element(it.pattern.GetV())},
				Clause:    it.clause.String(),
			})
		case it.call != nil:
			args := make([]Operand, len(it.call.Args))
			for i, a := range it.call.Args {
				args[i] = element(a)
			}
			rp.Atoms = append(rp.Atoms, Atom{
				Relation: c.names[it.call.Name],
				Args:     args,
				Negated:  it.negated,
				Clause:   it.clause.String(),
			})
		case it.tests != nil:
			tests := make([]Test, len(it.tests))
			for i, cmp := range it.tests {
				tests[i] = Test{Op: cmp.Op, Left: term(cmp.Left), Right: term(cmp.Right)}
			}
			b.ops = append(b.ops, op{filter: true, tests: tests, negate: it.negate, clause: it.clause.String()})
		case it.expr != nil:
			b.ops = append(b.ops, op{
				arith:  it.expr.Function.Op,
				left:   term(it.expr.Function.Left),
				right:  term(it.expr.Function.Right),
				target: slots[it.expr.Binding],
				clause: it.clause.String(),
			})
		}
	}
	rp.Slots = len(rp.SlotNames)

	positive := false
	for _, a := range rp.Atoms {
		if !a.Negated {
			positive = true
		}
	}
	if !positive {
		return nil, c.errorf(stringer(def.source), fmt.Errorf("%w: body has no positive relation clause", datalog.ErrUnboundVariable))
	}

	for i := range rp.Atoms {
		t, err := b.order(i)
		if err != nil {
			return nil, c.errorf(stringer(t.failed), err)
		}
		rp.Terms = append(rp.Terms, t.Term)
	}
	if rel.Recursive {
		t, err := b.order(HeadSeed)
		if err != nil {
			return nil, c.errorf(stringer(t.failed), err)
		}
		rp.Rederive = &t.Term
	}
	return rp, nil
}

type stringer string

func (s stringer) String() string { return string(s) }
