package storage

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/janus-dataflow/datalog"
)

func TestJournalReplayOrder(t *testing.T) {
	j, err := OpenInMemory()
	require.NoError(t, err)
	defer j.Close()

	age := datalog.AttributeSpec{Name: "age", Cardinality: datalog.CardinalityOne, Type: datalog.TypeInt}
	facts := []datalog.Fact{
		datalog.Assert(1, "age", datalog.Int(30)),
		datalog.Retract(2, "age", datalog.Int(-4)),
	}
	require.NoError(t, j.Declare(age))
	require.NoError(t, j.Append(3, facts))
	require.NoError(t, j.Advance(3))
	assert.Equal(t, uint64(3), j.Len())

	var got []Entry
	require.NoError(t, j.Replay(func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)

	assert.Equal(t, Entry{Seq: 1, Kind: EntryDeclare, Spec: age}, got[0])
	assert.Equal(t, EntryIngest, got[1].Kind)
	assert.Equal(t, datalog.Time(3), got[1].Time)
	assert.Equal(t, facts, got[1].Facts)
	assert.Equal(t, Entry{Seq: 3, Kind: EntryAdvance, Time: 3}, got[2])
}

func TestJournalValues(t *testing.T) {
	id := uuid.MustParse("8b2c9f0a-3d4e-4f5a-9b6c-7d8e9f0a1b2c")
	values := []datalog.Value{
		datalog.Int(-7),
		datalog.String("héllo"),
		datalog.Bool(true),
		datalog.Ref(42),
		datalog.UUID(id),
		datalog.MustRational(3, 4),
		datalog.AttributeValue("person/name"),
	}

	j, err := OpenInMemory()
	require.NoError(t, err)
	defer j.Close()

	var facts []datalog.Fact
	for i, v := range values {
		facts = append(facts, datalog.Assert(datalog.Entity(i), "v", v))
	}
	require.NoError(t, j.Append(0, facts))

	require.NoError(t, j.Replay(func(e Entry) error {
		assert.Equal(t, facts, e.Facts)
		return nil
	}))
}

func TestJournalReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, j.Append(0, []datalog.Fact{datalog.Assert(1, "age", datalog.Int(1))}))
	require.NoError(t, j.Advance(0))
	require.NoError(t, j.Close())

	j, err = Open(Options{Path: dir})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(2), j.Len(), "sequence survives a restart")

	require.NoError(t, j.Advance(5))
	var seqs []uint64
	require.NoError(t, j.Replay(func(e Entry) error {
		seqs = append(seqs, e.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestJournalReplayStops(t *testing.T) {
	j, err := OpenInMemory()
	require.NoError(t, err)
	defer j.Close()
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Advance(datalog.Time(i)))
	}

	stop := errors.New("stop")
	calls := 0
	err = j.Replay(func(Entry) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestDecodeEntryCorrupt(t *testing.T) {
	valid, err := encodeEntry(Entry{Kind: EntryIngest, Time: 1, Facts: []datalog.Fact{
		datalog.Assert(1, "name", datalog.String("ann")),
	}})
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"unknown kind", []byte{99}},
		{"truncated", valid[:len(valid)-2]},
		{"trailing bytes", append(append([]byte{}, valid...), 0)},
		{"huge count", []byte{byte(EntryIngest), 1, 0xff, 0xff, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEntry(tt.raw)
			assert.ErrorIs(t, err, ErrCorruptEntry)
		})
	}
}
