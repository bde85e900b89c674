package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
)

type epoch struct {
	time  datalog.Time
	facts []datalog.Fact
}

type recorder struct {
	epochs []epoch
	err    error
}

func (r *recorder) Epoch(t datalog.Time, facts []datalog.Fact) error {
	if r.err != nil {
		return r.err
	}
	r.epochs = append(r.epochs, epoch{t, facts})
	return nil
}

type memJournal struct {
	entries []string
}

func (j *memJournal) Declare(spec datalog.AttributeSpec) error {
	j.entries = append(j.entries, "declare")
	return nil
}

func (j *memJournal) Append(t datalog.Time, facts []datalog.Fact) error {
	j.entries = append(j.entries, "append")
	return nil
}

func (j *memJournal) Advance(to datalog.Time) error {
	j.entries = append(j.entries, "advance")
	return nil
}

var (
	age  = datalog.InternAttribute("age")
	name = datalog.InternAttribute("name")
)

func newStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := NewStore(rec, nil)
	_, err := s.DeclareAttribute(age, datalog.CardinalityOne, datalog.TypeInt)
	require.NoError(t, err)
	_, err = s.DeclareAttribute(name, datalog.CardinalityOne, datalog.TypeString)
	require.NoError(t, err)
	return s, rec
}

func TestDeclareAttribute(t *testing.T) {
	s, _ := newStore(t)

	created, err := s.DeclareAttribute(age, datalog.CardinalityOne, datalog.TypeInt)
	require.NoError(t, err)
	assert.False(t, created, "identical redeclaration is a no-op")

	_, err = s.DeclareAttribute(age, datalog.CardinalityMany, datalog.TypeInt)
	assert.ErrorIs(t, err, datalog.ErrSchemaConflict)

	spec, ok := s.Attribute(age)
	require.True(t, ok)
	assert.Equal(t, datalog.CardinalityOne, spec.Cardinality)

	specs := s.Attributes()
	require.Len(t, specs, 2)
	assert.Equal(t, age, specs[0].Name)
	assert.Equal(t, name, specs[1].Name)
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name  string
		facts []datalog.Fact
		err   error
	}{
		{
			name:  "unknown attribute",
			facts: []datalog.Fact{datalog.Assert(1, "height", datalog.Int(180))},
			err:   datalog.ErrUnknownAttribute,
		},
		{
			name:  "type mismatch",
			facts: []datalog.Fact{datalog.Assert(1, age, datalog.String("old"))},
			err:   datalog.ErrTypeMismatch,
		},
		{
			name: "whole batch rejected",
			facts: []datalog.Fact{
				datalog.Assert(1, age, datalog.Int(30)),
				datalog.Assert(2, name, datalog.Int(7)),
			},
			err: datalog.ErrTypeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec := newStore(t)
			err := s.Ingest(tt.facts, 0)
			assert.ErrorIs(t, err, tt.err)

			require.NoError(t, s.Advance(0))
			require.Len(t, rec.epochs, 1)
			assert.Empty(t, rec.epochs[0].facts, "nothing from the rejected batch was kept")
		})
	}
}

func TestIngestClosesEarlierTimes(t *testing.T) {
	s, rec := newStore(t)

	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(1, age, datalog.Int(30))}, 0))
	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(2, age, datalog.Int(40))}, 0))
	assert.Empty(t, rec.epochs, "time 0 is still open")
	assert.Equal(t, datalog.Time(0), s.Frontier())

	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(3, age, datalog.Int(50))}, 5))
	require.Len(t, rec.epochs, 2)
	assert.Equal(t, datalog.Time(0), rec.epochs[0].time)
	assert.Len(t, rec.epochs[0].facts, 2)
	assert.Equal(t, datalog.Time(4), rec.epochs[1].time, "an empty epoch carries progress to the new frontier")
	assert.Empty(t, rec.epochs[1].facts)
	assert.Equal(t, datalog.Time(5), s.Frontier())

	err := s.Ingest([]datalog.Fact{datalog.Assert(4, age, datalog.Int(60))}, 3)
	assert.ErrorIs(t, err, datalog.ErrOutOfOrderTime)
	assert.Equal(t, datalog.Time(5), s.Frontier(), "store unchanged")
}

func TestIngestRepeatedOpenTime(t *testing.T) {
	s, rec := newStore(t)

	// batches at the open time accumulate until it closes
	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(1, age, datalog.Int(30))}, 2))
	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(2, age, datalog.Int(40))}, 2))
	require.NoError(t, s.Ingest(nil, 2))
	require.NoError(t, s.Advance(2))
	require.Len(t, rec.epochs, 2)
	assert.Equal(t, datalog.Time(2), rec.epochs[1].time)
	assert.Len(t, rec.epochs[1].facts, 2)

	for _, at := range []datalog.Time{0, 2} {
		err := s.Ingest([]datalog.Fact{datalog.Assert(3, age, datalog.Int(50))}, at)
		assert.ErrorIs(t, err, datalog.ErrOutOfOrderTime, "time %d is closed", at)
	}
	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(3, age, datalog.Int(50))}, 3))
	assert.Equal(t, datalog.Time(3), s.Frontier())
}

func TestAdvance(t *testing.T) {
	collector := annotations.NewCollector(nil)
	rec := &recorder{}
	s := NewStore(rec, collector.Handler())
	_, err := s.DeclareAttribute(age, datalog.CardinalityOne, datalog.TypeInt)
	require.NoError(t, err)

	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(1, age, datalog.Int(30))}, 2))
	require.NoError(t, s.Advance(2))
	require.Len(t, rec.epochs, 2)
	assert.Equal(t, epoch{1, nil}, rec.epochs[0])
	assert.Equal(t, datalog.Time(2), rec.epochs[1].time)
	assert.Equal(t, datalog.Time(3), s.Frontier())

	require.NoError(t, s.Advance(2), "advancing to the last closed time is a no-op")
	assert.Len(t, rec.epochs, 2)

	assert.ErrorIs(t, s.Advance(0), datalog.ErrOutOfOrderTime)

	require.NoError(t, s.Advance(10))
	require.Len(t, rec.epochs, 3)
	assert.Equal(t, epoch{10, nil}, rec.epochs[2])

	assert.Len(t, collector.Named(annotations.IngestAccepted), 1)
	assert.Len(t, collector.Named(annotations.EpochClosed), 3)
}

func TestSinkFailure(t *testing.T) {
	s, rec := newStore(t)
	rec.err = datalog.ErrWorkerFailed
	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(1, age, datalog.Int(30))}, 0))
	err := s.Advance(0)
	assert.True(t, errors.Is(err, datalog.ErrWorkerFailed))
}

func TestJournalOrder(t *testing.T) {
	s, _ := newStore(t)
	j := &memJournal{}
	s.AttachJournal(j)

	_, err := s.DeclareAttribute(age, datalog.CardinalityOne, datalog.TypeInt)
	require.NoError(t, err)
	_, err = s.DeclareAttribute("email", datalog.CardinalityOne, datalog.TypeString)
	require.NoError(t, err)
	require.NoError(t, s.Ingest([]datalog.Fact{datalog.Assert(1, age, datalog.Int(30))}, 0))
	assert.Error(t, s.Ingest([]datalog.Fact{datalog.Assert(1, age, datalog.String("x"))}, 0))
	require.NoError(t, s.Advance(0))
	require.NoError(t, s.Advance(0))
	assert.Equal(t, []string{"declare", "append", "advance"}, j.entries, "rejected and no-op calls are not journaled")
}

func TestConsolidate(t *testing.T) {
	facts := Consolidate([]datalog.Fact{
		datalog.Assert(2, age, datalog.Int(40)),
		datalog.Assert(1, name, datalog.String("ann")),
		datalog.Assert(1, age, datalog.Int(30)),
		datalog.Retract(2, age, datalog.Int(40)),
		datalog.Assert(1, age, datalog.Int(30)),
	})
	require.Len(t, facts, 2)
	assert.Equal(t, datalog.Fact{E: 1, A: age, V: datalog.Int(30), Diff: 2}, facts[0])
	assert.Equal(t, name, facts[1].A)
}
