package query

import (
	"fmt"
	"math/big"

	"github.com/wbrown/janus-dataflow/datalog"
)

// AggregateFunction reduces the values of one group to a single value.
// Every aggregate is recomputed from the full contents of a group, so
// implementations need no inverse.
type AggregateFunction interface {
	// FunctionName returns the name of the aggregate function
	FunctionName() string

	// Aggregate folds a non-empty group. Duplicates in values are
	// distinct rows that differ in a :with variable.
	Aggregate(values []datalog.Value) (datalog.Value, error)
}

// NewAggregate returns the implementation for an aggregate name
func NewAggregate(name string) (AggregateFunction, error) {
	switch name {
	case "count":
		return CountAggregate{}, nil
	case "count-distinct":
		return CountDistinctAggregate{}, nil
	case "sum":
		return SumAggregate{}, nil
	case "avg":
		return AvgAggregate{}, nil
	case "min":
		return MinAggregate{}, nil
	case "max":
		return MaxAggregate{}, nil
	}
	return nil, fmt.Errorf("unknown aggregate function %q", name)
}

// CountAggregate counts the number of values
type CountAggregate struct{}

func (CountAggregate) FunctionName() string { return "count" }

func (CountAggregate) Aggregate(values []datalog.Value) (datalog.Value, error) {
	return datalog.Int(int64(len(values))), nil
}

// CountDistinctAggregate counts distinct values
type CountDistinctAggregate struct{}

func (CountDistinctAggregate) FunctionName() string { return "count-distinct" }

func (CountDistinctAggregate) Aggregate(values []datalog.Value) (datalog.Value, error) {
	seen := make(map[datalog.Value]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return datalog.Int(int64(len(seen))), nil
}

// SumAggregate sums numeric values exactly
type SumAggregate struct{}

func (SumAggregate) FunctionName() string { return "sum" }

func (SumAggregate) Aggregate(values []datalog.Value) (datalog.Value, error) {
	sum, err := ratSum(values)
	if err != nil {
		return datalog.Value{}, err
	}
	return datalog.FromRat(sum)
}

// AvgAggregate computes the exact rational average of numeric values
type AvgAggregate struct{}

func (AvgAggregate) FunctionName() string { return "avg" }

func (AvgAggregate) Aggregate(values []datalog.Value) (datalog.Value, error) {
	sum, err := ratSum(values)
	if err != nil {
		return datalog.Value{}, err
	}
	if len(values) == 0 {
		return datalog.Value{}, fmt.Errorf("avg of empty group: %w", datalog.ErrArithmetic)
	}
	return datalog.FromRat(sum.Quo(sum, new(big.Rat).SetInt64(int64(len(values)))))
}

func ratSum(values []datalog.Value) (*big.Rat, error) {
	sum := new(big.Rat)
	for _, v := range values {
		r := v.Rat()
		if r == nil {
			return nil, fmt.Errorf("cannot sum %s value %s: %w", v.Kind(), v, datalog.ErrArithmetic)
		}
		sum.Add(sum, r)
	}
	return sum, nil
}

// MinAggregate finds the minimum value
type MinAggregate struct{}

func (MinAggregate) FunctionName() string { return "min" }

func (MinAggregate) Aggregate(values []datalog.Value) (datalog.Value, error) {
	return extreme(values, -1)
}

// MaxAggregate finds the maximum value
type MaxAggregate struct{}

func (MaxAggregate) FunctionName() string { return "max" }

func (MaxAggregate) Aggregate(values []datalog.Value) (datalog.Value, error) {
	return extreme(values, 1)
}

func extreme(values []datalog.Value, sign int) (datalog.Value, error) {
	if len(values) == 0 {
		return datalog.Value{}, fmt.Errorf("extreme of empty group: %w", datalog.ErrArithmetic)
	}
	best := values[0]
	for _, v := range values[1:] {
		if datalog.CompareValues(v, best)*sign > 0 {
			best = v
		}
	}
	return best, nil
}
