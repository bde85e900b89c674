package arrangement

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/janus-dataflow/datalog"
)

func row(vals ...int64) datalog.Tuple {
	t := make(datalog.Tuple, len(vals))
	for i, v := range vals {
		t[i] = datalog.Int(v)
	}
	return t
}

func collect(tr *Trace, key datalog.Tuple, view View) map[string]datalog.Diff {
	out := make(map[string]datalog.Diff)
	tr.Lookup(key, view, func(val datalog.Tuple, diff datalog.Diff) {
		out[val.String()] = diff
	})
	return out
}

func TestDescriptorSplitJoin(t *testing.T) {
	d := Indexed("q:r", 3, []int{2, 0})
	require.NoError(t, d.Validate())

	key, val := d.Split(row(1, 2, 3))
	assert.Equal(t, row(3, 1), key)
	assert.Equal(t, row(2), val)
	assert.Equal(t, row(1, 2, 3), d.Join(key, val))

	assert.True(t, Forward("age").IsPrimary())
	assert.False(t, Reverse("age").IsPrimary())
	assert.True(t, Presence("q:r", 2).IsPresence())
	assert.False(t, Counting("q:r", 2).IsPresence())
	assert.NotEqual(t, Presence("q:r", 2).ID(), Counting("q:r", 2).ID())
	assert.Equal(t, Reverse("age").ID(), Reverse("age").ID())

	assert.Error(t, Indexed("q:r", 2, []int{0, 0}).Validate())
	assert.Error(t, Indexed("q:r", 2, []int{2}).Validate())
}

func TestTraceViews(t *testing.T) {
	tr := NewTrace(Forward("age"))
	key := datalog.Tuple{datalog.Ref(1)}

	tr.Update(key, row(30), 0, 1)
	tr.Update(key, row(30), 1, -1)
	tr.Update(key, row(17), 1, 1)

	assert.Empty(t, collect(tr, key, Empty()))
	assert.Equal(t, map[string]datalog.Diff{"[30]": 1}, collect(tr, key, Before(1)))
	assert.Equal(t, map[string]datalog.Diff{"[30]": 1}, collect(tr, key, Through(0)))
	assert.Equal(t, map[string]datalog.Diff{"[17]": 1}, collect(tr, key, Through(1)))

	assert.Equal(t, datalog.Diff(1), tr.Count(key, row(30), Before(1)))
	assert.Equal(t, datalog.Diff(0), tr.Count(key, row(30), Through(1)))
}

func TestTraceConsolidatesInPlace(t *testing.T) {
	tr := NewTrace(Presence("q:r", 1))
	tr.UpdateRow(row(5), 3, 1)
	tr.UpdateRow(row(5), 3, -1)
	assert.Equal(t, 0, tr.Len())

	tr.UpdateRow(row(5), 3, 2)
	tr.UpdateRow(row(5), 3, 0)
	assert.Equal(t, datalog.Diff(2), tr.Count(row(5), datalog.Tuple{}, Through(3)))
}

func TestTraceCompaction(t *testing.T) {
	tr := NewTrace(Forward("age"))
	key := datalog.Tuple{datalog.Ref(1)}
	tr.Update(key, row(30), 0, 1)
	tr.Update(key, row(30), 1, -1)
	tr.Update(key, row(17), 1, 1)
	tr.Update(key, row(18), 5, 1)

	tr.Compact(1)
	assert.Equal(t, datalog.Time(1), tr.CompactedThrough())

	var raw []datalog.Time
	tr.Updates(func(_, val datalog.Tuple, time datalog.Time, diff datalog.Diff) {
		raw = append(raw, time)
		assert.NotEqual(t, row(30), val, "cancelled pair must be dropped")
	})
	assert.ElementsMatch(t, []datalog.Time{1, 5}, raw)
	assert.Equal(t, map[string]datalog.Diff{"[17]": 1}, collect(tr, key, Through(1)))
	assert.Equal(t, map[string]datalog.Diff{"[17]": 1, "[18]": 1}, collect(tr, key, Through(5)))

	tr.Update(key, row(17), 6, -1)
	tr.Update(key, row(18), 6, -1)
	tr.Compact(6)
	assert.Equal(t, 0, tr.Len())
}

func TestSnapshotIsolation(t *testing.T) {
	tr := NewTrace(Presence("q:r", 1))
	tr.UpdateRow(row(1), 0, 1)
	tr.Publish(0)
	snap := tr.Snapshot()

	tr.UpdateRow(row(2), 1, 1)
	tr.UpdateRow(row(1), 1, -1)

	assert.Equal(t, []datalog.Tuple{row(1)}, snap.Rows(Through(1)))
	tr.Publish(1)
	assert.Equal(t, []datalog.Tuple{row(2)}, tr.Snapshot().Rows(Through(1)))
	assert.Equal(t, datalog.Time(1), tr.Snapshot().Time())
}

func TestScanOrder(t *testing.T) {
	tr := NewTrace(Presence("q:r", 1))
	for _, v := range []int64{3, 1, 2} {
		tr.UpdateRow(row(v), 0, 1)
	}
	var keys []datalog.Tuple
	tr.Scan(Through(0), func(key, _ datalog.Tuple, _ datalog.Diff) {
		keys = append(keys, key)
	})
	assert.Equal(t, []datalog.Tuple{row(1), row(2), row(3)}, keys)
}

type schema map[datalog.Attribute]datalog.AttributeSpec

func (s schema) Attribute(a datalog.Attribute) (datalog.AttributeSpec, bool) {
	spec, ok := s[a]
	return spec, ok
}

type fakeBuilder struct {
	mu      sync.Mutex
	built   []string
	dropped []string
}

func (b *fakeBuilder) BuildArrangement(d Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.built = append(b.built, d.ID())
	return nil
}

func (b *fakeBuilder) DropArrangement(d Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = append(b.dropped, d.ID())
	return nil
}

func (b *fakeBuilder) Snapshot(Descriptor, int) *Snapshot { return nil }

func TestManagerSharing(t *testing.T) {
	b := &fakeBuilder{}
	m := NewManager(schema{"edge": {Name: "edge"}}, b, nil)
	require.NoError(t, m.Pin(Forward("edge")))

	h1, err := m.GetOrBuild(Reverse("edge"))
	require.NoError(t, err)
	h2, err := m.GetOrBuild(Reverse("edge"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.RefCount(Reverse("edge")))
	assert.Equal(t, []string{Forward("edge").ID(), Reverse("edge").ID()}, b.built, "second acquisition shares")

	require.NoError(t, h1.Release())
	require.NoError(t, h1.Release())
	assert.Equal(t, 1, m.RefCount(Reverse("edge")))
	assert.Empty(t, b.dropped)

	require.NoError(t, h2.Release())
	assert.False(t, m.Live(Reverse("edge")))
	assert.Equal(t, []string{Reverse("edge").ID()}, b.dropped)

	h3, err := m.GetOrBuild(Forward("edge"))
	require.NoError(t, err)
	require.NoError(t, h3.Release())
	assert.True(t, m.Live(Forward("edge")), "pinned arrangements survive release")
}

func TestManagerUnknownAttribute(t *testing.T) {
	m := NewManager(schema{}, &fakeBuilder{}, nil)
	_, err := m.GetOrBuild(Reverse("missing"))
	assert.ErrorIs(t, err, datalog.ErrUnknownAttribute)

	h, err := m.GetOrBuild(Presence("q:r", 2))
	require.NoError(t, err)
	assert.Equal(t, Presence("q:r", 2), h.Descriptor())
}

func TestManagerDerivedIndex(t *testing.T) {
	b := &fakeBuilder{}
	m := NewManager(schema{}, b, nil)
	idx := Indexed("reach#00000000000000ff", 2, []int{1})

	_, err := m.GetOrBuild(idx)
	assert.ErrorIs(t, err, datalog.ErrUnknownRule, "index before its relation")
	assert.Empty(t, b.built)

	p1, err := m.GetOrBuild(Presence("reach#00000000000000ff", 2))
	require.NoError(t, err)
	p2, err := m.GetOrBuild(Presence("reach#00000000000000ff", 2))
	require.NoError(t, err)
	h, err := m.GetOrBuild(idx)
	require.NoError(t, err)

	assert.Equal(t, 2, m.RefCount(Presence("reach#00000000000000ff", 2)))
	assert.Equal(t, 1, m.RefCount(idx))
	assert.Len(t, b.built, 2, "shared presence built once")

	require.NoError(t, h.Release())
	require.NoError(t, p1.Release())
	assert.True(t, m.Live(Presence("reach#00000000000000ff", 2)))
	require.NoError(t, p2.Release())
	assert.False(t, m.Live(Presence("reach#00000000000000ff", 2)))
}
