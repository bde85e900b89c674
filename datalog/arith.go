package datalog

import (
	"fmt"
	"math/big"
)

// Add returns a+b for numeric values, exactly.
func Add(a, b Value) (Value, error) {
	if a.kind == KindInt && b.kind == KindInt {
		s := a.num + b.num
		if (s > a.num) == (b.num > 0) {
			return Int(s), nil
		}
	}
	return ratOp(a, b, "+", (*big.Rat).Add)
}

// Sub returns a-b for numeric values, exactly.
func Sub(a, b Value) (Value, error) {
	if a.kind == KindInt && b.kind == KindInt {
		d := a.num - b.num
		if (d < a.num) == (b.num > 0) {
			return Int(d), nil
		}
	}
	return ratOp(a, b, "-", (*big.Rat).Sub)
}

// Mul returns a*b for numeric values, exactly.
func Mul(a, b Value) (Value, error) {
	return ratOp(a, b, "*", (*big.Rat).Mul)
}

// Div returns a/b as an exact rational. Division by zero is an error.
func Div(a, b Value) (Value, error) {
	if b.IsNumeric() && b.num == 0 {
		return Value{}, fmt.Errorf("division by zero: %w", ErrArithmetic)
	}
	return ratOp(a, b, "/", (*big.Rat).Quo)
}

func ratOp(a, b Value, op string, fn func(z, x, y *big.Rat) *big.Rat) (Value, error) {
	if !a.IsNumeric() || !b.IsNumeric() {
		return Value{}, fmt.Errorf("(%s %s %s): non-numeric operand: %w", op, a, b, ErrArithmetic)
	}
	return FromRat(fn(new(big.Rat), a.Rat(), b.Rat()))
}
