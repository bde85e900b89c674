package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/parser"
	"github.com/wbrown/janus-dataflow/datalog/query"
)

type testSchema map[datalog.Attribute]datalog.AttributeSpec

func (s testSchema) Attribute(a datalog.Attribute) (datalog.AttributeSpec, bool) {
	spec, ok := s[a]
	return spec, ok
}

func newSchema() testSchema {
	s := testSchema{}
	for _, a := range []struct {
		name string
		card datalog.Cardinality
		typ  datalog.ValueType
	}{
		{"age", datalog.CardinalityOne, datalog.TypeInt},
		{"name", datalog.CardinalityOne, datalog.TypeString},
		{"dept", datalog.CardinalityOne, datalog.TypeString},
		{"tags", datalog.CardinalityMany, datalog.TypeString},
		{"edge", datalog.CardinalityMany, datalog.TypeRef},
		{"banned", datalog.CardinalityOne, datalog.TypeBool},
	} {
		attr := datalog.InternAttribute(a.name)
		s[attr] = datalog.AttributeSpec{Name: attr, Cardinality: a.card, Type: a.typ}
	}
	return s
}

func compile(t *testing.T, name, text string) (*Plan, error) {
	t.Helper()
	q, err := parser.ParseQuery(text)
	require.NoError(t, err)
	return Compile(name, q, newSchema())
}

func mustCompile(t *testing.T, name, text string) *Plan {
	t.Helper()
	plan, err := compile(t, name, text)
	require.NoError(t, err)
	return plan
}

func TestCompileSimpleQuery(t *testing.T) {
	plan := mustCompile(t, "adults", `[:find ?e ?age :where [?e :age ?age] [(>= ?age 18)]]`)

	require.Len(t, plan.Strata, 1)
	stratum := plan.Strata[0]
	assert.False(t, stratum.Recursive)
	assert.Equal(t, []string{"adults:__find"}, stratum.Relations)

	require.Len(t, stratum.Rules, 1)
	rule := stratum.Rules[0]
	assert.Equal(t, []query.Symbol{"?e", "?age"}, rule.SlotNames)
	require.Len(t, rule.Terms, 1)
	assert.Nil(t, rule.Rederive)

	term := rule.Terms[0]
	assert.Equal(t, 0, term.Seed)
	require.Len(t, term.Steps, 1)
	assert.Equal(t, StepFilter, term.Steps[0].Kind)
	assert.Equal(t, query.OpGTE, term.Steps[0].Tests[0].Op)

	assert.Equal(t, []int{0, 1}, plan.Output.Project)
	assert.Equal(t, []string{"?e", "?age"}, plan.Output.Columns)
	assert.Equal(t, []datalog.Attribute{"age"}, plan.Attributes)
	assert.Equal(t, []arrangement.Descriptor{
		arrangement.Forward("age"),
		arrangement.Presence("adults:__find", 2),
		arrangement.Counting("adults:__find", 2),
	}, plan.Arrangements)
}

func TestCompileProjectionOrder(t *testing.T) {
	plan := mustCompile(t, "q", `[:find ?age ?e ?age :where [?e :age ?age]]`)
	rel := plan.Relation(plan.Output.Relation)
	require.NotNil(t, rel)
	assert.Equal(t, 2, rel.Arity, "duplicate find variables share a column")
	assert.Equal(t, []int{0, 1, 0}, plan.Output.Project)
}

func TestCompileTransitiveClosure(t *testing.T) {
	plan := mustCompile(t, "tc", `
		[:find ?x ?y
		 :where (reach ?x ?y)
		 :rules [[(reach ?a ?b) [?a :edge ?b]]
		         [(reach ?a ?b) [?a :edge ?c] (reach ?c ?b)]]]`)

	require.Len(t, plan.Strata, 2)
	rel := plan.Local("reach")
	require.NotNil(t, rel)
	assert.Regexp(t, `^reach#[0-9a-f]{16}$`, rel.Name)
	assert.Equal(t, []string{"reach"}, plan.Rules)

	reach := plan.Strata[0]
	assert.True(t, reach.Recursive)
	assert.Equal(t, []string{rel.Name}, reach.Relations)
	require.Len(t, reach.Rules, 2)
	assert.False(t, plan.Strata[1].Recursive)

	assert.True(t, rel.Recursive)
	assert.Equal(t, 0, rel.Stratum)

	recursive := reach.Rules[1]
	require.Len(t, recursive.Terms, 2)
	require.NotNil(t, recursive.Rederive)

	t.Run("seeded by edge", func(t *testing.T) {
		steps := recursive.Terms[0].Steps
		require.Len(t, steps, 1)
		assert.Equal(t, StepLookup, steps[0].Kind)
		assert.Equal(t, arrangement.Indexed(rel.Name, 2, []int{0}), steps[0].Arrangement)
		assert.True(t, steps[0].Exchange)
	})

	t.Run("seeded by reach", func(t *testing.T) {
		steps := recursive.Terms[1].Steps
		require.Len(t, steps, 1)
		assert.Equal(t, arrangement.Reverse("edge"), steps[0].Arrangement)
		assert.True(t, steps[0].Exchange)
	})

	t.Run("rederive", func(t *testing.T) {
		steps := recursive.Rederive.Steps
		require.Len(t, steps, 2)
		assert.Equal(t, arrangement.Forward("edge"), steps[0].Arrangement)
		assert.Equal(t, arrangement.Presence(rel.Name, 2), steps[1].Arrangement)
	})

	assert.Contains(t, plan.Arrangements, arrangement.Reverse("edge"))
	assert.Contains(t, plan.Arrangements, arrangement.Indexed(rel.Name, 2, []int{0}))
	assert.NotContains(t, plan.Arrangements, arrangement.Counting(rel.Name, 2),
		"recursive relations are maintained by presence only")
	assert.Contains(t, plan.String(), "Stratum 0 (recursive): "+rel.Name)
}

func TestCompileMutualRecursion(t *testing.T) {
	plan := mustCompile(t, "q", `
		[:find ?x
		 :where (even ?x)
		 :rules [[(even ?x) [?x :name "zero"]]
		         [(even ?x) [?y :edge ?x] (odd ?y)]
		         [(odd ?x) [?y :edge ?x] (even ?y)]]]`)

	require.Len(t, plan.Strata, 2)
	assert.True(t, plan.Strata[0].Recursive)
	assert.ElementsMatch(t, []string{plan.Local("even").Name, plan.Local("odd").Name}, plan.Strata[0].Relations)
	assert.Len(t, plan.Strata[0].Rules, 3)
}

func TestCompileNegation(t *testing.T) {
	t.Run("lowered to auxiliary relation", func(t *testing.T) {
		plan := mustCompile(t, "q", `[:find ?e :where [?e :name _] (not [?e :banned true])]`)

		require.Len(t, plan.Strata, 2)
		aux := plan.Local("__not_1")
		require.NotNil(t, aux)
		assert.Equal(t, []string{aux.Name}, plan.Strata[0].Relations)
		assert.Equal(t, 1, aux.Arity)

		rule := plan.Strata[1].Rules[0]
		require.Len(t, rule.Atoms, 2)
		assert.True(t, rule.Atoms[1].Negated)

		steps := rule.Terms[0].Steps
		require.Len(t, steps, 1)
		assert.Equal(t, StepAbsent, steps[0].Kind)
		assert.Equal(t, arrangement.Presence(aux.Name, 1), steps[0].Arrangement)
		assert.False(t, steps[0].Exchange, "both sides are partitioned by entity")

		seeded := rule.Terms[1]
		assert.Equal(t, 1, seeded.Seed, "negated atoms seed their own term")
		require.Len(t, seeded.Steps, 1)
		assert.Equal(t, arrangement.Forward("name"), seeded.Steps[0].Arrangement)
	})

	t.Run("comparisons only become a negated filter", func(t *testing.T) {
		plan := mustCompile(t, "q", `[:find ?e :where [?e :age ?a] (not [(> ?a 5)] [(< ?a 10)])]`)
		require.Len(t, plan.Strata, 1)
		steps := plan.Strata[0].Rules[0].Terms[0].Steps
		require.Len(t, steps, 1)
		assert.Equal(t, StepFilter, steps[0].Kind)
		assert.True(t, steps[0].Negate)
		assert.Len(t, steps[0].Tests, 2)
	})

	t.Run("shared variables only", func(t *testing.T) {
		plan := mustCompile(t, "q", `[:find ?e :where [?e :age _] (not [?e :tags ?t] [?t :name "x"])]`)
		aux := plan.Local("__not_1")
		require.NotNil(t, aux)
		assert.Equal(t, 1, aux.Arity)
	})
}

func TestCompileAggregates(t *testing.T) {
	plan := mustCompile(t, "q", `[:find ?d (count ?e) (avg ?a) :where [?e :dept ?d] [?e :age ?a]]`)

	rel := plan.Relation(plan.Output.Relation)
	require.NotNil(t, rel)
	assert.Equal(t, 3, rel.Arity)

	agg := plan.Output.Aggregate
	require.NotNil(t, agg)
	assert.Equal(t, []int{0}, agg.Group)
	require.Len(t, agg.Columns, 3)
	assert.Equal(t, 0, agg.Columns[0].Group)
	assert.Equal(t, "count", agg.Columns[1].Function.FunctionName())
	assert.Equal(t, 1, agg.Columns[1].Arg)
	assert.Equal(t, "avg", agg.Columns[2].Function.FunctionName())
	assert.Equal(t, 2, agg.Columns[2].Arg)

	group := arrangement.Indexed("q:__find", 3, []int{0})
	assert.Equal(t, group, agg.Arrangement)
	assert.Contains(t, rel.Indexes, group)
	assert.Contains(t, plan.Arrangements, group)

	t.Run("with keeps duplicates apart", func(t *testing.T) {
		plan := mustCompile(t, "q", `[:find (sum ?a) :with ?e :where [?e :age ?a]]`)
		agg := plan.Output.Aggregate
		require.NotNil(t, agg)
		assert.Empty(t, agg.Group)
		assert.Equal(t, 2, plan.Relation(plan.Output.Relation).Arity)
	})
}

func TestOrderingPrefersFunctionalLookups(t *testing.T) {
	plan := mustCompile(t, "q", `[:find ?n ?a :where [?e :name ?n] [?e :tags ?t] [?e :age ?a]]`)
	rule := plan.Strata[0].Rules[0]
	steps := rule.Terms[0].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].Atom, "cardinality-one :age before :tags")
	assert.Equal(t, 1, steps[1].Atom)
	assert.False(t, steps[0].Exchange)
	assert.False(t, steps[1].Exchange)
}

func TestOrderingPrefersBoundPositions(t *testing.T) {
	plan := mustCompile(t, "q", `[:find ?x ?n :where [?x :edge ?y] [?z :name ?n] [?y :name ?n]]`)
	rule := plan.Strata[0].Rules[0]

	steps := rule.Terms[0].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].Atom, "atom sharing ?y goes first")
	assert.Equal(t, arrangement.Forward("name"), steps[0].Arrangement)
	assert.True(t, steps[0].Exchange)
	assert.Equal(t, 1, steps[1].Atom)
	assert.Equal(t, arrangement.Reverse("name"), steps[1].Arrangement)
}

func TestOrderingBindsExpressions(t *testing.T) {
	plan := mustCompile(t, "q", `[:find ?e ?next :where [?e :age ?a] [(+ ?a 1) ?next] [(> ?next 10)]]`)
	steps := plan.Strata[0].Rules[0].Terms[0].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, StepBind, steps[0].Kind)
	assert.Equal(t, query.OpAdd, steps[0].Op)
	assert.False(t, steps[0].Check)
	assert.Equal(t, StepFilter, steps[1].Kind)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		err  error
	}{
		{
			name: "unknown rule",
			text: `[:find ?x :where (missing ?x)]`,
			err:  datalog.ErrUnknownRule,
		},
		{
			name: "call arity",
			text: `[:find ?x :where (r ?x ?x) :rules [[(r ?a) [?a :age _]]]]`,
			err:  datalog.ErrArityMismatch,
		},
		{
			name: "definition arity",
			text: `[:find ?x :where (r ?x) :rules [[(r ?a) [?a :age _]] [(r ?a ?b) [?a :age ?b]]]]`,
			err:  datalog.ErrArityMismatch,
		},
		{
			name: "unknown attribute",
			text: `[:find ?e :where [?e :salary _]]`,
			err:  datalog.ErrUnknownAttribute,
		},
		{
			name: "unbound find variable",
			text: `[:find ?e ?x :where [?e :age _]]`,
			err:  datalog.ErrUnboundVariable,
		},
		{
			name: "unbound predicate input",
			text: `[:find ?e :where [?e :age ?a] [(< ?a ?limit)]]`,
			err:  datalog.ErrUnboundVariable,
		},
		{
			name: "unbound rule head",
			text: `[:find ?x :where (r ?x) :rules [[(r ?a) [?b :age _]]]]`,
			err:  datalog.ErrUnboundVariable,
		},
		{
			name: "negation through recursion",
			text: `[:find ?x :where (p ?x)
			        :rules [[(p ?x) [?x :age _] (not (p ?x))]]]`,
			err:  datalog.ErrUnstratifiableNegation,
		},
		{
			name: "negation through mutual recursion",
			text: `[:find ?x :where (p ?x)
			        :rules [[(p ?x) [?x :age _] (not (q ?x))]
			                [(q ?x) (p ?x)]]]`,
			err:  datalog.ErrUnstratifiableNegation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(t, "bad", tt.text)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			var ce *datalog.CompileError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "bad", ce.Query)
		})
	}

	_, err := compile(t, "bad", `[:find ?x :where (p ?x) :rules [[(p ?x) [?x :age _] (not (p ?x))]]]`)
	assert.ErrorIs(t, err, datalog.ErrUnstratifiablenNegation, "alias matches too")
}

func TestCompileIgnoresUnusedRules(t *testing.T) {
	plan := mustCompile(t, "q", `[:find ?e :where [?e :age _] :rules [[(r ?a) [?a :name _]]]]`)
	assert.Nil(t, plan.Local("r"))
	assert.Empty(t, plan.Rules)
	assert.Equal(t, []datalog.Attribute{"age"}, plan.Attributes)
}

type ruleMap map[string][]query.Rule

func (m ruleMap) Rule(name string) ([]query.Rule, bool) {
	defs, ok := m[name]
	return defs, ok
}

func TestCompileSharedRuleNames(t *testing.T) {
	const reach = `:rules [[(reach ?a ?b) [?a :edge ?b]] [(reach ?a ?b) [?a :edge ?c] (reach ?c ?b)]]`
	first := mustCompile(t, "q1", `[:find ?x ?y :where (reach ?x ?y) `+reach+`]`)
	second := mustCompile(t, "q2", `[:find ?y :where [?x :name "root"] (reach ?x ?y) `+reach+`]`)
	other := mustCompile(t, "q3", `[:find ?x ?y :where (reach ?x ?y) :rules [[(reach ?a ?b) [?b :edge ?a]]]]`)

	name := first.Local("reach").Name
	assert.Equal(t, name, second.Local("reach").Name, "equal definitions share a relation")
	assert.NotEqual(t, name, other.Local("reach").Name)
	assert.NotEqual(t, first.Output.Relation, second.Output.Relation, "result relations stay private")

	t.Run("negation helpers", func(t *testing.T) {
		a := mustCompile(t, "a", `[:find ?e :where [?e :age _] (not [?e :tags ?t] [?t :name "x"])]`)
		b := mustCompile(t, "b", `[:find ?e ?n :where [?e :name ?n] (not [?e :tags ?t] [?t :name "x"])]`)
		assert.Equal(t, a.Local("__not_1").Name, b.Local("__not_1").Name)
		assert.Regexp(t, `^__not#`, a.Local("__not_1").Name)
	})

	t.Run("callee changes the name", func(t *testing.T) {
		a := mustCompile(t, "a", `[:find ?x :where (top ?x) :rules [[(top ?x) (base ?x)] [(base ?x) [?x :age _]]]]`)
		b := mustCompile(t, "b", `[:find ?x :where (top ?x) :rules [[(top ?x) (base ?x)] [(base ?x) [?x :name _]]]]`)
		assert.NotEqual(t, a.Local("top").Name, b.Local("top").Name)
	})

	t.Run("private", func(t *testing.T) {
		q, err := parser.ParseQuery(`[:find ?x ?y :where (reach ?x ?y) ` + reach + `]`)
		require.NoError(t, err)
		plan, err := CompileWith("eval-1", q, newSchema(), Options{Private: true})
		require.NoError(t, err)
		assert.Equal(t, "eval-1:reach", plan.Local("reach").Name)
	})
}

func TestCompilePublishedRules(t *testing.T) {
	defs, err := parser.ParseQuery(`[:find ?x :where (reach ?x _)
		:rules [[(reach ?a ?b) [?a :edge ?b]] [(reach ?a ?b) [?a :edge ?c] (reach ?c ?b)]]]`)
	require.NoError(t, err)
	rules := ruleMap{"reach": defs.Rules}

	q, err := parser.ParseQuery(`[:find ?b :where [?a :name "root"] (reach ?a ?b)]`)
	require.NoError(t, err)

	_, err = Compile("q", q, newSchema())
	assert.ErrorIs(t, err, datalog.ErrUnknownRule)

	plan, err := CompileWith("q", q, newSchema(), Options{Rules: rules})
	require.NoError(t, err)
	assert.Equal(t, []string{"reach"}, plan.Rules)
	require.NotNil(t, plan.Local("reach"))
	assert.True(t, plan.Local("reach").Recursive)

	owner, err := Compile("owner", defs, newSchema())
	require.NoError(t, err)
	assert.Equal(t, owner.Local("reach").Name, plan.Local("reach").Name)

	q, err = parser.ParseQuery(`[:find ?b :where (reach ?b)]`)
	require.NoError(t, err)
	_, err = CompileWith("q", q, newSchema(), Options{Rules: rules})
	assert.ErrorIs(t, err, datalog.ErrArityMismatch)

	assert.Equal(t, RuleText(defs.Rules), RuleText([]query.Rule{defs.Rules[1], defs.Rules[0]}), "definition order is irrelevant")
}

func TestCompilePull(t *testing.T) {
	plan := mustCompile(t, "people", `[:find (pull ?e [:name :age]) :where [?e :dept "ops"]]`)

	assert.Equal(t, []string{"?e", "attribute", "value"}, plan.Output.Columns)
	assert.Equal(t, []int{0, 1, 2}, plan.Output.Project)
	assert.Equal(t, []datalog.Attribute{"age", "dept", "name"}, plan.Attributes)

	require.Len(t, plan.Strata, 1)
	rules := plan.Strata[0].Rules
	require.Len(t, rules, 2, "one rule per pulled attribute")
	for i, a := range []datalog.Attribute{"name", "age"} {
		head := rules[i].HeadArgs
		require.Len(t, head, 3)
		assert.True(t, head[0].IsSlot())
		assert.Equal(t, ConstOperand(datalog.AttributeValue(a)), head[1])
		assert.True(t, head[2].IsSlot())
		assert.Equal(t, "pull "+a.Keyword(), rules[i].Source)
	}

	for _, tt := range []struct {
		name string
		text string
		err  error
	}{
		{"undeclared attribute", `[:find (pull ?e [:salary]) :where [?e :age _]]`, datalog.ErrUnknownAttribute},
		{"with clause", `[:find (pull ?e [:name]) :with ?a :where [?e :age ?a]]`, nil},
		{"mixed find", `[:find ?e (pull ?e [:name]) :where [?e :age _]]`, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(t, "bad", tt.text)
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestAtomUnify(t *testing.T) {
	atom := Atom{Args: []Operand{SlotOperand(0), ConstOperand(datalog.Int(3)), SlotOperand(0), BlankOperand()}}

	binding := make(datalog.Tuple, 1)
	bound := make([]bool, 1)
	assert.True(t, atom.Unify(datalog.Tuple{datalog.Ref(1), datalog.Int(3), datalog.Ref(1), datalog.String("x")}, binding, bound))
	assert.Equal(t, datalog.Ref(1), binding[0])

	binding = make(datalog.Tuple, 1)
	bound = make([]bool, 1)
	assert.False(t, atom.Unify(datalog.Tuple{datalog.Ref(1), datalog.Int(3), datalog.Ref(2), datalog.String("x")}, binding, bound))
	assert.False(t, atom.Unify(datalog.Tuple{datalog.Ref(1), datalog.Int(4), datalog.Ref(1), datalog.String("x")}, make(datalog.Tuple, 1), make([]bool, 1)))
}

func TestQueryCache(t *testing.T) {
	cache := NewQueryCache(2)
	text := `[:find ?e :where [?e :age _]]`

	_, ok := cache.Get(text)
	assert.False(t, ok)

	parses := 0
	parse := func(s string) (*query.Query, error) {
		parses++
		return parser.ParseQuery(s)
	}
	first, err := cache.GetOrParse(text, parse)
	require.NoError(t, err)
	second, err := cache.GetOrParse(text, parse)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, parses)

	_, err = cache.GetOrParse(`[:find`, parse)
	assert.Error(t, err)

	hits, misses, size := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(3), misses)
	assert.Equal(t, 1, size)

	cache.Set("a", first)
	cache.Set("b", first)
	_, _, size = cache.Stats()
	assert.Equal(t, 2, size, "least recently used entry evicted")

	cache.Clear()
	hits, misses, size = cache.Stats()
	assert.Zero(t, hits+misses+int64(size))

	var nilCache *QueryCache
	_, ok = nilCache.Get(text)
	assert.False(t, ok)
}
