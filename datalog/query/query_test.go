package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/janus-dataflow/datalog"
)

func TestCompareOpHolds(t *testing.T) {
	tests := []struct {
		op       CompareOp
		left     datalog.Value
		right    datalog.Value
		expected bool
	}{
		{OpGTE, datalog.Int(30), datalog.Int(18), true},
		{OpGTE, datalog.Int(17), datalog.Int(18), false},
		{OpLT, datalog.MustRational(1, 3), datalog.MustRational(1, 2), true},
		{OpEQ, datalog.MustRational(2, 2), datalog.Int(1), true},
		{OpNE, datalog.String("a"), datalog.String("b"), true},
		{OpLTE, datalog.Ref(4), datalog.Ref(4), true},
		{OpGT, datalog.String("a"), datalog.Int(100), true},
	}
	for _, tt := range tests {
		t.Run(string(tt.op)+" "+tt.left.String()+" "+tt.right.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.op.Holds(tt.left, tt.right))
		})
	}
}

func TestComparisonString(t *testing.T) {
	c := Comparison{Op: OpGTE, Left: VariableTerm{Symbol: "?age"}, Right: ConstantTerm{Value: datalog.Int(18)}}
	assert.Equal(t, "[(>= ?age 18)]", c.String())
	assert.Equal(t, []Symbol{"?age"}, c.RequiredSymbols())
}

func TestArithmeticFunction(t *testing.T) {
	f := ArithmeticFunction{Op: OpDivide, Left: VariableTerm{Symbol: "?x"}, Right: ConstantTerm{Value: datalog.Int(3)}}
	assert.Equal(t, "(/ ?x 3)", f.String())
	assert.Equal(t, []Symbol{"?x"}, f.RequiredSymbols())

	v, err := f.Op.Apply(datalog.Int(2), datalog.Int(3))
	require.NoError(t, err)
	assert.Equal(t, datalog.MustRational(2, 3), v)

	_, err = f.Op.Apply(datalog.String("s"), datalog.Int(3))
	assert.ErrorIs(t, err, datalog.ErrArithmetic)

	op, ok := ParseArithmeticOp("*")
	assert.True(t, ok)
	assert.Equal(t, OpMultiply, op)
	_, ok = ParseArithmeticOp("%")
	assert.False(t, ok)
}

func TestAggregates(t *testing.T) {
	values := []datalog.Value{datalog.Int(1), datalog.Int(2), datalog.Int(2), datalog.MustRational(1, 2)}
	tests := []struct {
		name     string
		expected datalog.Value
	}{
		{"count", datalog.Int(4)},
		{"count-distinct", datalog.Int(3)},
		{"sum", datalog.MustRational(11, 2)},
		{"avg", datalog.MustRational(11, 8)},
		{"min", datalog.MustRational(1, 2)},
		{"max", datalog.Int(2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := NewAggregate(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.name, agg.FunctionName())
			got, err := agg.Aggregate(values)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := NewAggregate("median")
	assert.Error(t, err)

	_, err = SumAggregate{}.Aggregate([]datalog.Value{datalog.String("x")})
	assert.ErrorIs(t, err, datalog.ErrArithmetic)
}

func TestQueryString(t *testing.T) {
	q := Query{
		Find: []FindElement{FindVariable{Symbol: "?e"}, FindAggregate{Function: "count", Arg: "?f"}},
		Where: []Clause{
			&DataPattern{Elements: []PatternElement{
				Variable{Name: "?e"},
				Constant{Value: datalog.AttributeValue("friend")},
				Variable{Name: "?f"},
			}},
			&NotClause{Clauses: []Clause{&RuleCall{Name: "blocked", Args: []PatternElement{Variable{Name: "?f"}}}}},
		},
	}
	assert.Equal(t, "[:find ?e (count ?f)\n :where [?e :friend ?f]\n        (not (blocked ?f))]", q.String())
	assert.Equal(t, []string{"?e", "(count ?f)"}, q.Columns())
	assert.True(t, q.HasAggregates())
	assert.Equal(t, datalog.Attribute("friend"), q.Where[0].(*DataPattern).Attribute())
}
