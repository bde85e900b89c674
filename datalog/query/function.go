package query

import (
	"fmt"

	"github.com/wbrown/janus-dataflow/datalog"
)

// ArithmeticOp represents arithmetic operators
type ArithmeticOp string

const (
	OpAdd      ArithmeticOp = "+"
	OpSubtract ArithmeticOp = "-"
	OpMultiply ArithmeticOp = "*"
	OpDivide   ArithmeticOp = "/"
)

// ParseArithmeticOp recognises an arithmetic operator symbol
func ParseArithmeticOp(s string) (ArithmeticOp, bool) {
	switch op := ArithmeticOp(s); op {
	case OpAdd, OpSubtract, OpMultiply, OpDivide:
		return op, true
	}
	return "", false
}

// Apply computes left op right exactly
func (op ArithmeticOp) Apply(left, right datalog.Value) (datalog.Value, error) {
	switch op {
	case OpAdd:
		return datalog.Add(left, right)
	case OpSubtract:
		return datalog.Sub(left, right)
	case OpMultiply:
		return datalog.Mul(left, right)
	case OpDivide:
		return datalog.Div(left, right)
	}
	return datalog.Value{}, fmt.Errorf("unknown arithmetic operator %q", op)
}

// ArithmeticFunction implements arithmetic operations
type ArithmeticFunction struct {
	Op    ArithmeticOp
	Left  Term
	Right Term
}

func (a ArithmeticFunction) RequiredSymbols() []Symbol {
	symbols := a.Left.RequiredSymbols()
	return append(symbols, a.Right.RequiredSymbols()...)
}

func (a ArithmeticFunction) String() string {
	return fmt.Sprintf("(%s %s %s)", a.Op, a.Left, a.Right)
}
