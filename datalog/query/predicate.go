package query

import (
	"fmt"

	"github.com/wbrown/janus-dataflow/datalog"
)

// CompareOp represents comparison operators
type CompareOp string

const (
	OpEQ  CompareOp = "="
	OpNE  CompareOp = "!="
	OpLT  CompareOp = "<"
	OpLTE CompareOp = "<="
	OpGT  CompareOp = ">"
	OpGTE CompareOp = ">="
)

// ParseCompareOp recognises a comparison operator symbol
func ParseCompareOp(s string) (CompareOp, bool) {
	switch op := CompareOp(s); op {
	case OpEQ, OpNE, OpLT, OpLTE, OpGT, OpGTE:
		return op, true
	}
	return "", false
}

// Holds applies the operator using the total value order
func (op CompareOp) Holds(left, right datalog.Value) bool {
	cmp := datalog.CompareValues(left, right)
	switch op {
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	case OpLT:
		return cmp < 0
	case OpLTE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGTE:
		return cmp >= 0
	}
	return false
}

// Term represents either a variable or a constant value in a predicate
type Term interface {
	// RequiredSymbols returns any symbols this term needs
	RequiredSymbols() []Symbol

	String() string
}

// VariableTerm represents a variable like ?x
type VariableTerm struct {
	Symbol Symbol
}

func (v VariableTerm) RequiredSymbols() []Symbol {
	return []Symbol{v.Symbol}
}

func (v VariableTerm) String() string {
	return string(v.Symbol)
}

// ConstantTerm represents a literal value like 5 or "hello"
type ConstantTerm struct {
	Value datalog.Value
}

func (c ConstantTerm) RequiredSymbols() []Symbol {
	return nil
}

func (c ConstantTerm) String() string {
	return c.Value.String()
}

// Comparison implements comparison predicates: [(< ?x 10)], [(>= ?y ?z)], etc.
type Comparison struct {
	Op    CompareOp
	Left  Term
	Right Term
}

func (c Comparison) RequiredSymbols() []Symbol {
	symbols := c.Left.RequiredSymbols()
	return append(symbols, c.Right.RequiredSymbols()...)
}

func (c Comparison) String() string {
	return fmt.Sprintf("[(%s %s %s)]", c.Op, c.Left, c.Right)
}
