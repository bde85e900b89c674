package query

// Clause represents anything that can appear in a query's WHERE clause
// or in a rule body.
type Clause interface {
	String() string
	clause() // Private marker method
}

// Ensure our types implement Clause
func (*DataPattern) clause() {}
func (*Comparison) clause()  {}
func (*Expression) clause()  {}
func (*RuleCall) clause()    {}
func (*NotClause) clause()   {}

// Expression binds the result of an arithmetic function: [(+ ?a 1) ?b]
type Expression struct {
	Function ArithmeticFunction
	Binding  Symbol
}

func (e *Expression) String() string {
	return "[" + e.Function.String() + " " + e.Binding.String() + "]"
}

// RuleCall invokes a rule: (reach ?a ?b)
type RuleCall struct {
	Name string
	Args []PatternElement
}

// Symbols returns the distinct variables passed to the rule
func (r *RuleCall) Symbols() []Symbol {
	return elementSymbols(r.Args)
}

func (r *RuleCall) String() string {
	if len(r.Args) == 0 {
		return "(" + r.Name + ")"
	}
	return "(" + r.Name + " " + joinElements(r.Args) + ")"
}

// NotClause holds when none of its clauses can be satisfied for the
// bindings of the enclosing body.
type NotClause struct {
	Clauses []Clause
}

func (n *NotClause) String() string {
	result := "(not"
	for _, clause := range n.Clauses {
		result += " " + clause.String()
	}
	return result + ")"
}
