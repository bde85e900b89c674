package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/arrangement"
	"github.com/wbrown/janus-dataflow/datalog/parser"
	"github.com/wbrown/janus-dataflow/datalog/planner"
)

type testSchema map[datalog.Attribute]datalog.AttributeSpec

func (s testSchema) Attribute(a datalog.Attribute) (datalog.AttributeSpec, bool) {
	spec, ok := s[a]
	return spec, ok
}

var (
	age    = datalog.InternAttribute("age")
	name   = datalog.InternAttribute("name")
	dept   = datalog.InternAttribute("dept")
	edge   = datalog.InternAttribute("edge")
	banned = datalog.InternAttribute("banned")
)

func newSchema() testSchema {
	s := testSchema{}
	for _, spec := range []datalog.AttributeSpec{
		{Name: age, Cardinality: datalog.CardinalityOne, Type: datalog.TypeInt},
		{Name: name, Cardinality: datalog.CardinalityOne, Type: datalog.TypeString},
		{Name: dept, Cardinality: datalog.CardinalityOne, Type: datalog.TypeString},
		{Name: edge, Cardinality: datalog.CardinalityMany, Type: datalog.TypeRef},
		{Name: banned, Cardinality: datalog.CardinalityOne, Type: datalog.TypeBool},
	} {
		s[spec.Name] = spec
	}
	return s
}

// sink collects emitted rows per query and time
type sink struct {
	mu     sync.Mutex
	rows   map[string]map[datalog.Time][]Record
	failed map[string]error
}

func newSink() *sink {
	return &sink{rows: make(map[string]map[datalog.Time][]Record), failed: make(map[string]error)}
}

func (s *sink) Emit(query string, t datalog.Time, rows []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[query] == nil {
		s.rows[query] = make(map[datalog.Time][]Record)
	}
	s.rows[query][t] = append(s.rows[query][t], rows...)
}

func (s *sink) Fail(query string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[query] = err
}

// at returns the net change of query at t keyed by row
func (s *sink) at(query string, t datalog.Time) map[string]datalog.Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]datalog.Diff)
	for _, r := range Consolidate(append([]Record(nil), s.rows[query][t]...)) {
		out[r.Row.String()] = r.Diff
	}
	return out
}

type change struct {
	row  datalog.Tuple
	diff datalog.Diff
}

func want(changes ...change) map[string]datalog.Diff {
	out := make(map[string]datalog.Diff)
	for _, c := range changes {
		out[c.row.String()] = c.diff
	}
	return out
}

func refs(es ...datalog.Entity) datalog.Tuple {
	row := make(datalog.Tuple, len(es))
	for i, e := range es {
		row[i] = datalog.Ref(e)
	}
	return row
}

type harness struct {
	t     *testing.T
	c     *Coordinator
	sink  *sink
	ctx   context.Context
	built map[string]bool
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	s := newSink()
	c := NewCoordinator(newSchema(), s, nil, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})

	h := &harness{t: t, c: c, sink: s, ctx: ctx, built: make(map[string]bool)}
	for _, a := range []datalog.Attribute{age, name, dept, edge, banned} {
		h.build(arrangement.Forward(a))
	}
	return h
}

func (h *harness) build(desc arrangement.Descriptor) {
	h.t.Helper()
	if h.built[desc.ID()] {
		return
	}
	require.NoError(h.t, h.c.BuildArrangement(desc))
	h.built[desc.ID()] = true
}

func (h *harness) install(query, text string, at datalog.Time, replay bool) *planner.Plan {
	h.t.Helper()
	q, err := parser.ParseQuery(text)
	require.NoError(h.t, err)
	plan, err := planner.Compile(query, q, newSchema())
	require.NoError(h.t, err)
	for _, desc := range plan.Arrangements {
		h.build(desc)
	}
	require.NoError(h.t, h.c.Install(plan, at, replay))
	return plan
}

// epoch runs facts at t and waits until every worker has finished it
func (h *harness) epoch(t datalog.Time, facts ...datalog.Fact) {
	h.t.Helper()
	require.NoError(h.t, h.c.Epoch(t, facts))
	require.NoError(h.t, h.c.Progress().Wait(h.ctx, Engine, t))
}

const reachRules = `:rules [[(reach ?a ?b) [?a :edge ?b]]
                            [(reach ?a ?b) [?a :edge ?c] (reach ?c ?b)]]`

func TestCoordinatorScenarios(t *testing.T) {
	for _, workers := range []int{1, 4} {
		opts := DefaultOptions()
		opts.Workers = workers
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			testScenarios(t, opts)
		})
	}
}

func testScenarios(t *testing.T, opts Options) {
	t.Run("adults", func(t *testing.T) {
		h := newHarness(t, opts)
		h.install("adults", `[:find ?e ?age :where [?e :age ?age] [(>= ?age 18)]]`, 0, false)

		h.epoch(0, datalog.Assert(1, age, datalog.Int(30)))
		assert.Equal(t, want(change{datalog.Tuple{datalog.Ref(1), datalog.Int(30)}, 1}), h.sink.at("adults", 0))

		h.epoch(1,
			datalog.Retract(1, age, datalog.Int(30)),
			datalog.Assert(1, age, datalog.Int(17)))
		assert.Equal(t, want(change{datalog.Tuple{datalog.Ref(1), datalog.Int(30)}, -1}), h.sink.at("adults", 1))

		h.epoch(2, datalog.Assert(2, name, datalog.String("bob")))
		assert.Empty(t, h.sink.at("adults", 2))
	})

	t.Run("transitive closure", func(t *testing.T) {
		collector := annotations.NewCollector(nil)
		o := opts
		o.Handler = collector.Handler()
		h := newHarness(t, o)
		h.install("reach", `[:find ?a ?b :where (reach ?a ?b) `+reachRules+`]`, 0, false)

		h.epoch(0,
			datalog.Assert(1, edge, datalog.Ref(2)),
			datalog.Assert(2, edge, datalog.Ref(3)))
		assert.Equal(t, want(
			change{refs(1, 2), 1},
			change{refs(2, 3), 1},
			change{refs(1, 3), 1},
		), h.sink.at("reach", 0))

		converged := collector.Named(annotations.FixpointConverged)
		require.Len(t, converged, 1)
		assert.Equal(t, 2, converged[0].Data["iterations"])

		h.epoch(1, datalog.Retract(1, edge, datalog.Ref(2)))
		assert.Equal(t, want(
			change{refs(1, 2), -1},
			change{refs(1, 3), -1},
		), h.sink.at("reach", 1))

		// A second path keeps a row alive through a deletion
		h.epoch(2,
			datalog.Assert(1, edge, datalog.Ref(2)),
			datalog.Assert(1, edge, datalog.Ref(3)))
		h.epoch(3, datalog.Retract(2, edge, datalog.Ref(3)))
		assert.Equal(t, want(change{refs(2, 3), -1}), h.sink.at("reach", 3))
	})

	t.Run("cycle", func(t *testing.T) {
		h := newHarness(t, opts)
		h.install("reach", `[:find ?a ?b :where (reach ?a ?b) `+reachRules+`]`, 0, false)

		h.epoch(0,
			datalog.Assert(1, edge, datalog.Ref(2)),
			datalog.Assert(2, edge, datalog.Ref(1)))
		assert.Equal(t, want(
			change{refs(1, 2), 1},
			change{refs(2, 1), 1},
			change{refs(1, 1), 1},
			change{refs(2, 2), 1},
		), h.sink.at("reach", 0))

		h.epoch(1, datalog.Retract(2, edge, datalog.Ref(1)))
		assert.Equal(t, want(
			change{refs(2, 1), -1},
			change{refs(1, 1), -1},
			change{refs(2, 2), -1},
		), h.sink.at("reach", 1))
	})

	t.Run("negation", func(t *testing.T) {
		h := newHarness(t, opts)
		h.install("allowed", `[:find ?e :where [?e :name _] (not [?e :banned true])]`, 0, false)

		h.epoch(0,
			datalog.Assert(1, name, datalog.String("ann")),
			datalog.Assert(2, name, datalog.String("bob")),
			datalog.Assert(2, banned, datalog.Bool(true)))
		assert.Equal(t, want(change{refs(1), 1}), h.sink.at("allowed", 0))

		h.epoch(1,
			datalog.Retract(2, banned, datalog.Bool(true)),
			datalog.Assert(1, banned, datalog.Bool(true)))
		assert.Equal(t, want(change{refs(1), -1}, change{refs(2), 1}), h.sink.at("allowed", 1))
	})

	t.Run("aggregate", func(t *testing.T) {
		h := newHarness(t, opts)
		h.install("sizes", `[:find ?d (count ?e) :where [?e :dept ?d]]`, 0, false)

		h.epoch(0,
			datalog.Assert(1, dept, datalog.String("eng")),
			datalog.Assert(2, dept, datalog.String("eng")),
			datalog.Assert(3, dept, datalog.String("ops")))
		assert.Equal(t, want(
			change{datalog.Tuple{datalog.String("eng"), datalog.Int(2)}, 1},
			change{datalog.Tuple{datalog.String("ops"), datalog.Int(1)}, 1},
		), h.sink.at("sizes", 0))

		h.epoch(1, datalog.Retract(3, dept, datalog.String("ops")))
		assert.Equal(t, want(
			change{datalog.Tuple{datalog.String("ops"), datalog.Int(1)}, -1},
		), h.sink.at("sizes", 1))

		h.epoch(2, datalog.Assert(3, dept, datalog.String("eng")))
		assert.Equal(t, want(
			change{datalog.Tuple{datalog.String("eng"), datalog.Int(2)}, -1},
			change{datalog.Tuple{datalog.String("eng"), datalog.Int(3)}, 1},
		), h.sink.at("sizes", 2))
	})

	t.Run("replay", func(t *testing.T) {
		h := newHarness(t, opts)
		h.epoch(0,
			datalog.Assert(1, age, datalog.Int(30)),
			datalog.Assert(2, age, datalog.Int(12)))
		h.epoch(1, datalog.Assert(3, age, datalog.Int(40)))

		h.install("adults", `[:find ?e :where [?e :age ?age] [(>= ?age 18)]]`, 1, true)
		assert.Equal(t, want(change{refs(1), 1}, change{refs(3), 1}), h.sink.at("adults", 1))

		f, ok := h.c.Progress().Frontier("adults")
		require.True(t, ok)
		assert.Equal(t, datalog.Time(2), f)

		h.epoch(2, datalog.Assert(2, age, datalog.Int(18)), datalog.Retract(2, age, datalog.Int(12)))
		assert.Equal(t, want(change{refs(2), 1}), h.sink.at("adults", 2))
	})
}

func TestCoordinatorReverseLookup(t *testing.T) {
	h := newHarness(t, Options{Workers: 3})
	h.epoch(0,
		datalog.Assert(1, dept, datalog.String("eng")),
		datalog.Assert(2, dept, datalog.String("eng")),
		datalog.Assert(3, dept, datalog.String("ops")))

	// The reverse arrangement is built after facts exist and must see them
	h.install("peers", `[:find ?a ?b :where [?a :dept ?d] [?b :dept ?d] [(!= ?a ?b)]]`, 0, true)
	assert.Equal(t, want(change{refs(1, 2), 1}, change{refs(2, 1), 1}), h.sink.at("peers", 0))

	h.epoch(1, datalog.Assert(4, dept, datalog.String("ops")))
	assert.Equal(t, want(change{refs(3, 4), 1}, change{refs(4, 3), 1}), h.sink.at("peers", 1))
}

func TestCoordinatorIterationLimit(t *testing.T) {
	h := newHarness(t, Options{Workers: 2, MaxIterations: 1})
	h.install("reach", `[:find ?a ?b :where (reach ?a ?b) `+reachRules+`]`, 0, false)
	h.install("adults", `[:find ?e :where [?e :age ?age] [(>= ?age 18)]]`, 0, false)

	h.epoch(0,
		datalog.Assert(1, edge, datalog.Ref(2)),
		datalog.Assert(1, age, datalog.Int(20)))

	h.sink.mu.Lock()
	err := h.sink.failed["reach"]
	h.sink.mu.Unlock()
	assert.ErrorIs(t, err, datalog.ErrIterationLimit)
	assert.Empty(t, h.sink.at("reach", 0))
	assert.Equal(t, want(change{refs(1), 1}), h.sink.at("adults", 0), "other queries are unaffected")
	assert.NoError(t, h.c.Err())
}

func TestCoordinatorSharedRelations(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			h := newHarness(t, Options{Workers: workers})
			p1 := h.install("pairs", `[:find ?a ?b :where (reach ?a ?b) `+reachRules+`]`, 0, false)
			p2 := h.install("named", `[:find ?a :where (reach ?a ?b) [?b :name ?n] `+reachRules+`]`, 0, false)
			require.Equal(t, p1.Local("reach").Name, p2.Local("reach").Name)

			h.epoch(0,
				datalog.Assert(1, edge, datalog.Ref(2)),
				datalog.Assert(2, edge, datalog.Ref(3)),
				datalog.Assert(1, name, datalog.String("a")),
				datalog.Assert(3, name, datalog.String("c")))
			assert.Equal(t, want(
				change{refs(1, 2), 1},
				change{refs(2, 3), 1},
				change{refs(1, 3), 1},
			), h.sink.at("pairs", 0), "computed once for both queries")
			assert.Equal(t, want(change{refs(1), 1}, change{refs(2), 1}), h.sink.at("named", 0))

			h.epoch(1, datalog.Retract(2, edge, datalog.Ref(3)))
			assert.Equal(t, want(change{refs(2, 3), -1}, change{refs(1, 3), -1}), h.sink.at("pairs", 1))
			assert.Equal(t, want(change{refs(1), -1}, change{refs(2), -1}), h.sink.at("named", 1))

			t.Run("late query reads the live relation", func(t *testing.T) {
				h.install("from-named", `[:find ?b :where [?a :name ?n] (reach ?a ?b) `+reachRules+`]`, 1, true)
				assert.Equal(t, want(change{refs(2), 1}), h.sink.at("from-named", 1))

				h.epoch(2, datalog.Assert(2, edge, datalog.Ref(4)))
				assert.Equal(t, want(change{refs(2, 4), 1}, change{refs(1, 4), 1}), h.sink.at("pairs", 2))
				assert.Equal(t, want(change{refs(4), 1}), h.sink.at("from-named", 2))
			})

			t.Run("remaining queries keep the relation current", func(t *testing.T) {
				require.NoError(t, h.c.Uninstall("pairs"))
				h.epoch(3, datalog.Retract(1, edge, datalog.Ref(2)))
				assert.Empty(t, h.sink.at("pairs", 3))
				assert.Equal(t, want(change{refs(2), -1}, change{refs(4), -1}), h.sink.at("from-named", 3))
			})
		})
	}
}

func TestCoordinatorSharedIterationLimit(t *testing.T) {
	h := newHarness(t, Options{Workers: 2, MaxIterations: 1})
	h.install("pairs", `[:find ?a ?b :where (reach ?a ?b) `+reachRules+`]`, 0, false)
	h.install("starts", `[:find ?a :where (reach ?a ?b) `+reachRules+`]`, 0, false)
	h.install("adults", `[:find ?e :where [?e :age ?age] [(>= ?age 18)]]`, 0, false)

	h.epoch(0,
		datalog.Assert(1, edge, datalog.Ref(2)),
		datalog.Assert(1, age, datalog.Int(20)))

	h.sink.mu.Lock()
	errPairs, errStarts := h.sink.failed["pairs"], h.sink.failed["starts"]
	h.sink.mu.Unlock()
	assert.ErrorIs(t, errPairs, datalog.ErrIterationLimit)
	assert.ErrorIs(t, errStarts, datalog.ErrIterationLimit, "readers of the relation fail with it")
	assert.Equal(t, want(change{refs(1), 1}), h.sink.at("adults", 0))
	assert.NoError(t, h.c.Err())
}

func TestCoordinatorUninstall(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})
	h.install("adults", `[:find ?e :where [?e :age ?age] [(>= ?age 18)]]`, 0, false)
	require.NoError(t, h.c.Uninstall("adults"))
	require.NoError(t, h.c.Uninstall("adults"))

	h.epoch(0, datalog.Assert(1, age, datalog.Int(30)))
	assert.Empty(t, h.sink.at("adults", 0))
	_, ok := h.c.Progress().Frontier("adults")
	assert.False(t, ok)
}

func TestCoordinatorSnapshot(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})
	h.epoch(0,
		datalog.Assert(1, age, datalog.Int(30)),
		datalog.Assert(2, age, datalog.Int(40)))

	var rows []datalog.Tuple
	for w := 0; w < h.c.Workers(); w++ {
		snap := h.c.Snapshot(arrangement.Forward(age), w)
		require.NotNil(t, snap)
		assert.Equal(t, datalog.Time(0), snap.Time())
		rows = append(rows, snap.Rows(arrangement.Through(0))...)
	}
	assert.Len(t, rows, 2)
	assert.Nil(t, h.c.Snapshot(arrangement.Forward(age), 7))
}

func TestCoordinatorWorkerFailure(t *testing.T) {
	collector := annotations.NewCollector(nil)
	h := newHarness(t, Options{Workers: 2, Handler: collector.Handler()})

	// Facts for an attribute with no arrangement are fatal
	unknown := datalog.InternAttribute("unknown")
	require.NoError(t, h.c.Epoch(0, []datalog.Fact{datalog.Assert(1, unknown, datalog.Int(1))}))
	err := h.c.Progress().Wait(h.ctx, Engine, 0)
	assert.ErrorIs(t, err, datalog.ErrWorkerFailed)
	assert.ErrorIs(t, h.c.Err(), datalog.ErrWorkerFailed)
	assert.Len(t, collector.Named(annotations.WorkerFailed), 1)

	assert.ErrorIs(t, h.c.Epoch(1, nil), datalog.ErrWorkerFailed)
	assert.ErrorIs(t, h.c.BuildArrangement(arrangement.Forward(unknown)), datalog.ErrWorkerFailed)
}

func TestCoordinatorStopIdempotent(t *testing.T) {
	c := NewCoordinator(newSchema(), newSink(), nil, Options{Workers: 2})
	c.Stop()
	c.Stop()
	assert.ErrorIs(t, c.BuildArrangement(arrangement.Forward(age)), datalog.ErrClosed)
}
