package query

import (
	"fmt"
	"strings"

	"github.com/wbrown/janus-dataflow/datalog"
)

// Symbol represents a variable in a query (e.g., ?x, ?name)
type Symbol string

// IsVariable returns true if this is a variable symbol (starts with ?)
func (s Symbol) IsVariable() bool {
	return len(s) > 0 && s[0] == '?'
}

// String returns the string representation
func (s Symbol) String() string {
	return string(s)
}

// PatternElement represents an element in a pattern or rule invocation.
// It can be a concrete value, a variable, or a blank.
type PatternElement interface {
	IsVariable() bool
	IsBlank() bool
	String() string
}

// Variable represents a query variable (e.g., ?x)
type Variable struct {
	Name Symbol
}

func (v Variable) IsVariable() bool { return true }
func (v Variable) IsBlank() bool    { return false }
func (v Variable) String() string   { return v.Name.String() }

// Blank represents a blank/wildcard (_)
type Blank struct{}

func (b Blank) IsVariable() bool { return false }
func (b Blank) IsBlank() bool    { return true }
func (b Blank) String() string   { return "_" }

// Constant represents a concrete value in a pattern
type Constant struct {
	Value datalog.Value
}

func (c Constant) IsVariable() bool { return false }
func (c Constant) IsBlank() bool    { return false }
func (c Constant) String() string   { return c.Value.String() }

// DataPattern represents a data pattern [e a v]. The attribute position is
// always a constant attribute.
type DataPattern struct {
	Elements []PatternElement
}

// GetE returns the entity element
func (p DataPattern) GetE() PatternElement { return p.Elements[0] }

// GetA returns the attribute element
func (p DataPattern) GetA() PatternElement { return p.Elements[1] }

// GetV returns the value element
func (p DataPattern) GetV() PatternElement { return p.Elements[2] }

// Attribute returns the attribute the pattern reads
func (p DataPattern) Attribute() datalog.Attribute {
	if c, ok := p.GetA().(Constant); ok {
		if a, ok := c.Value.AsAttribute(); ok {
			return a
		}
	}
	return ""
}

// Symbols returns the distinct variables of the pattern in position order
func (p DataPattern) Symbols() []Symbol {
	return elementSymbols(p.Elements)
}

// String returns a string representation of the data pattern
func (p DataPattern) String() string {
	return "[" + joinElements(p.Elements) + "]"
}

func joinElements(elems []PatternElement) string {
	parts := make([]string, len(elems))
	for i, elem := range elems {
		parts[i] = elem.String()
	}
	return strings.Join(parts, " ")
}

func elementSymbols(elems []PatternElement) []Symbol {
	var symbols []Symbol
	seen := make(map[Symbol]bool)
	for _, elem := range elems {
		if v, ok := elem.(Variable); ok && !seen[v.Name] {
			seen[v.Name] = true
			symbols = append(symbols, v.Name)
		}
	}
	return symbols
}

// FindElement represents an element in the find clause
type FindElement interface {
	String() string
	IsAggregate() bool
}

// FindVariable is a simple variable in the find clause
type FindVariable struct {
	Symbol Symbol
}

func (f FindVariable) String() string {
	return f.Symbol.String()
}

func (f FindVariable) IsAggregate() bool {
	return false
}

// FindAggregate represents an aggregate function in the find clause
type FindAggregate struct {
	Function string // "count", "count-distinct", "sum", "avg", "min", "max"
	Arg      Symbol // Variable to aggregate
}

func (f FindAggregate) String() string {
	return fmt.Sprintf("(%s %s)", f.Function, f.Arg)
}

func (f FindAggregate) IsAggregate() bool {
	return true
}

// FindPull pulls attribute values of the entities bound to Symbol. Each
// result row is [entity attribute value].
type FindPull struct {
	Symbol     Symbol
	Attributes []datalog.Attribute
}

func (f FindPull) String() string {
	attrs := make([]string, len(f.Attributes))
	for i, a := range f.Attributes {
		attrs[i] = a.Keyword()
	}
	return fmt.Sprintf("(pull %s [%s])", f.Symbol, strings.Join(attrs, " "))
}

func (f FindPull) IsAggregate() bool {
	return false
}

// Columns returns the columns of pulled rows
func (f FindPull) Columns() []string {
	return []string{f.Symbol.String(), "attribute", "value"}
}

// Rule is one definition of a named rule. A rule with several
// definitions is the union of their bodies.
type Rule struct {
	Name   string
	Params []Symbol
	Body   []Clause
}

// Head returns the rule head in invocation syntax
func (r Rule) Head() string {
	parts := make([]string, 0, len(r.Params)+1)
	parts = append(parts, r.Name)
	for _, p := range r.Params {
		parts = append(parts, p.String())
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func (r Rule) String() string {
	result := "[" + r.Head()
	for _, clause := range r.Body {
		result += " " + clause.String()
	}
	return result + "]"
}

// Query represents a query description: what to find, the clauses to
// satisfy, and the rules those clauses may invoke.
type Query struct {
	Find  []FindElement // Elements to return (variables or aggregates)
	With  []Symbol      // Extra grouping variables kept before aggregation
	Where []Clause      // DataPattern, Comparison, Expression, RuleCall, NotClause
	Rules []Rule        // Rule definitions local to this description
}

// HasAggregates reports whether any find element is an aggregate
func (q Query) HasAggregates() bool {
	for _, elem := range q.Find {
		if elem.IsAggregate() {
			return true
		}
	}
	return false
}

// Pull returns the query's pull element, if it has one
func (q Query) Pull() (FindPull, bool) {
	for _, elem := range q.Find {
		if p, ok := elem.(FindPull); ok {
			return p, true
		}
	}
	return FindPull{}, false
}

// Columns returns the column names of the query's results
func (q Query) Columns() []string {
	if p, ok := q.Pull(); ok && len(q.Find) == 1 {
		return p.Columns()
	}
	columns := make([]string, len(q.Find))
	for i, elem := range q.Find {
		columns[i] = elem.String()
	}
	return columns
}

// String returns a string representation of the query
func (q Query) String() string {
	result := "[:find"
	for _, elem := range q.Find {
		result += " " + elem.String()
	}

	if len(q.With) > 0 {
		result += "\n :with"
		for _, sym := range q.With {
			result += " " + sym.String()
		}
	}

	result += "\n :where"
	for i, clause := range q.Where {
		if i == 0 {
			result += " "
		} else {
			result += "\n        "
		}
		result += clause.String()
	}

	if len(q.Rules) > 0 {
		result += "\n :rules ["
		for i, rule := range q.Rules {
			if i > 0 {
				result += "\n         "
			}
			result += rule.String()
		}
		result += "]"
	}

	result += "]"
	return result
}
