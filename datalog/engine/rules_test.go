package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/executor"
)

func rows(t *testing.T, e *Engine, q string) []datalog.Tuple {
	t.Helper()
	res, err := e.Result(q)
	require.NoError(t, err)
	return res.Rows
}

func TestSharedRules(t *testing.T) {
	e := newEngine(t, withWorkers(2))
	const named = `[:find ?a :where (reach ?a ?b) [?b :name "end"]
	                :rules [[(reach ?a ?b) [?a :edge ?b]] [(reach ?a ?b) [?a :edge ?c] (reach ?c ?b)]]]`

	require.NoError(t, e.Register("pairs", reachQuery))
	require.NoError(t, e.Register("named", named))
	presence := e.queries["pairs"].plan.Local("reach").Presence()
	assert.Equal(t, presence, e.queries["named"].plan.Local("reach").Presence())
	assert.Equal(t, 2, e.manager.RefCount(presence), "one relation for both queries")
	assert.Equal(t, []string{"reach"}, e.Rules())

	step(t, e, 0,
		datalog.Assert(1, edge, datalog.Ref(2)),
		datalog.Assert(2, edge, datalog.Ref(3)),
		datalog.Assert(1, name, datalog.String("start")),
		datalog.Assert(3, name, datalog.String("end")))
	assert.Equal(t, []datalog.Tuple{refs(1, 2), refs(1, 3), refs(2, 3)}, rows(t, e, "pairs"))
	assert.Equal(t, []datalog.Tuple{refs(1), refs(2)}, rows(t, e, "named"))

	t.Run("later queries call registered rules", func(t *testing.T) {
		require.NoError(t, e.Register("from-start", `[:find ?b :where [?a :name "start"] (reach ?a ?b)]`))
		assert.Equal(t, presence, e.queries["from-start"].plan.Local("reach").Presence())
		assert.Equal(t, 3, e.manager.RefCount(presence))
		assert.Equal(t, []datalog.Tuple{refs(2), refs(3)}, rows(t, e, "from-start"))
	})

	t.Run("retractions reach every reader", func(t *testing.T) {
		step(t, e, 1, datalog.Retract(2, edge, datalog.Ref(3)))
		assert.Equal(t, []datalog.Tuple{refs(1, 2)}, rows(t, e, "pairs"))
		assert.Empty(t, rows(t, e, "named"))
		assert.Equal(t, []datalog.Tuple{refs(2)}, rows(t, e, "from-start"))
	})

	t.Run("evaluation calls registered rules", func(t *testing.T) {
		res, err := e.Evaluate(context5s(t), `[:find ?a ?b :where (reach ?a ?b)]`)
		require.NoError(t, err)
		assert.Equal(t, []datalog.Tuple{refs(1, 2)}, res.Rows)
		assert.Equal(t, 3, e.manager.RefCount(presence), "evaluation computes a private copy")
	})

	const other = `[:find ?a ?b :where (reach ?a ?b) :rules [[(reach ?a ?b) [?a :edge ?b]]]]`

	t.Run("a different body for a bound name is rejected", func(t *testing.T) {
		err := e.Register("direct", other)
		assert.ErrorIs(t, err, datalog.ErrRuleConflict)
		var ce *datalog.CompileError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "reach", ce.Clause)
		assert.NotContains(t, e.Queries(), "direct")
	})

	t.Run("restating the same body is accepted", func(t *testing.T) {
		require.NoError(t, e.Register("again", reachQuery))
		assert.Equal(t, []datalog.Tuple{refs(1, 2)}, rows(t, e, "again"))
		require.NoError(t, e.Unregister("again"))
	})

	t.Run("names are freed with their last query", func(t *testing.T) {
		require.NoError(t, e.Unregister("pairs"))
		require.NoError(t, e.Unregister("named"))
		assert.Equal(t, []string{"reach"}, e.Rules())
		assert.Equal(t, 1, e.manager.RefCount(presence))

		step(t, e, 2, datalog.Assert(2, edge, datalog.Ref(3)))
		assert.Equal(t, []datalog.Tuple{refs(2), refs(3)}, rows(t, e, "from-start"))

		require.NoError(t, e.Unregister("from-start"))
		assert.Empty(t, e.Rules())
		assert.False(t, e.manager.Live(presence))

		require.NoError(t, e.Register("direct", other))
		assert.Equal(t, []datalog.Tuple{refs(1, 2), refs(2, 3)}, rows(t, e, "direct"))
	})
}

func TestPull(t *testing.T) {
	for _, workers := range []int{1, 3} {
		e := newEngine(t, withWorkers(workers))
		require.NoError(t, e.Register("eng", `[:find (pull ?e [:name :age]) :where [?e :dept "eng"]]`))
		sub, err := e.Subscribe("eng")
		require.NoError(t, err)

		step(t, e, 0,
			datalog.Assert(1, dept, datalog.String("eng")),
			datalog.Assert(1, name, datalog.String("ann")),
			datalog.Assert(1, age, datalog.Int(30)),
			datalog.Assert(2, dept, datalog.String("ops")),
			datalog.Assert(2, name, datalog.String("bob")),
			datalog.Assert(3, dept, datalog.String("eng")),
			datalog.Assert(3, name, datalog.String("cy")))

		d := next(t, sub)
		assert.Equal(t, []string{"?e", "attribute", "value"}, d.Columns)
		assert.Equal(t, []datalog.Tuple{
			{datalog.Ref(1), datalog.AttributeValue(age), datalog.Int(30)},
			{datalog.Ref(1), datalog.AttributeValue(name), datalog.String("ann")},
			{datalog.Ref(3), datalog.AttributeValue(name), datalog.String("cy")},
		}, rows(t, e, "eng"), "%d workers", workers)
		assert.Equal(t, datalog.KindAttribute, d.Added[0][1].Kind())

		step(t, e, 1,
			datalog.Retract(1, age, datalog.Int(30)),
			datalog.Assert(1, age, datalog.Int(31)),
			datalog.Retract(3, dept, datalog.String("eng")))
		d = next(t, sub)
		assert.Equal(t, []datalog.Tuple{{datalog.Ref(1), datalog.AttributeValue(age), datalog.Int(31)}}, d.Added)
		assert.ElementsMatch(t, []datalog.Tuple{
			{datalog.Ref(1), datalog.AttributeValue(age), datalog.Int(30)},
			{datalog.Ref(3), datalog.AttributeValue(name), datalog.String("cy")},
		}, d.Removed)
	}
}

func TestBoundedFeed(t *testing.T) {
	d := newDispatcher(nil)
	d.addAt("eval", []string{"?e"}, 0)

	d.Emit("eval", 0, []executor.Record{{Row: refs(1), Time: 0, Diff: 1}})
	d.Emit("eval", 1, []executor.Record{{Row: refs(2), Time: 1, Diff: 1}})
	d.advance("eval", 3)

	res, err := d.result("eval")
	require.NoError(t, err)
	assert.Equal(t, []datalog.Tuple{refs(1)}, res.Rows, "later times are not applied")
	assert.Equal(t, datalog.Time(1), res.Frontier)

	d.add("live", []string{"?e"}, 0)
	d.Emit("live", 0, []executor.Record{{Row: refs(1), Time: 0, Diff: 1}})
	d.Emit("live", 1, []executor.Record{{Row: refs(2), Time: 1, Diff: 1}})
	d.advance("live", 2)
	res, err = d.result("live")
	require.NoError(t, err)
	assert.Equal(t, []datalog.Tuple{refs(1), refs(2)}, res.Rows)
}
