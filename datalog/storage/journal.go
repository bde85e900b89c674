// Package storage keeps the engine's input durable. The journal records
// every accepted declaration, ingest and advance in BadgerDB so a
// restarted engine can rebuild its state by replaying them in order.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/wbrown/janus-dataflow/datalog"
)

// EntryKind identifies what a journal entry records
type EntryKind uint8

const (
	EntryDeclare EntryKind = iota + 1
	EntryIngest
	EntryAdvance
)

func (k EntryKind) String() string {
	switch k {
	case EntryDeclare:
		return "declare"
	case EntryIngest:
		return "ingest"
	case EntryAdvance:
		return "advance"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// Entry is one journaled operation. Spec is set for declarations, Facts
// for ingests; Time is the ingest time or the advance bound.
type Entry struct {
	Seq   uint64
	Kind  EntryKind
	Time  datalog.Time
	Spec  datalog.AttributeSpec
	Facts []datalog.Fact
}

// journalPrefix separates entries from the sequence counter
var (
	journalPrefix = []byte{'j'}
	seqKey        = []byte{'s'}
)

// ErrCorruptEntry is returned when a stored entry cannot be decoded
var ErrCorruptEntry = errors.New("corrupt journal entry")

// Options configures a journal
type Options struct {
	Path     string
	InMemory bool
	// SyncWrites makes every append durable before it returns
	SyncWrites bool
}

// BadgerJournal is a write-ahead log of engine input
type BadgerJournal struct {
	db *badger.DB

	mu  sync.Mutex
	seq uint64
}

// Open opens or creates the journal described by opts
func Open(opts Options) (*BadgerJournal, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil
	bopts.SyncWrites = opts.SyncWrites

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &BadgerJournal{db: db}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return ErrCorruptEntry
			}
			j.seq = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read journal sequence: %w", err)
	}
	return j, nil
}

// OpenInMemory opens a journal that lives only as long as the process
func OpenInMemory() (*BadgerJournal, error) {
	return Open(Options{InMemory: true})
}

// Close flushes and closes the journal
func (j *BadgerJournal) Close() error {
	return j.db.Close()
}

// Len returns the number of entries written
func (j *BadgerJournal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Declare records an attribute declaration
func (j *BadgerJournal) Declare(spec datalog.AttributeSpec) error {
	return j.append(Entry{Kind: EntryDeclare, Spec: spec})
}

// Append records facts ingested at t
func (j *BadgerJournal) Append(t datalog.Time, facts []datalog.Fact) error {
	return j.append(Entry{Kind: EntryIngest, Time: t, Facts: facts})
}

// Advance records that input was closed through to
func (j *BadgerJournal) Advance(to datalog.Time) error {
	return j.append(Entry{Kind: EntryAdvance, Time: to})
}

func (j *BadgerJournal) append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.seq + 1
	value, err := encodeEntry(e)
	if err != nil {
		return err
	}
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], seq)

	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(seq), value); err != nil {
			return fmt.Errorf("failed to write %s entry: %w", e.Kind, err)
		}
		return txn.Set(seqKey, counter[:])
	})
	if err != nil {
		return err
	}
	j.seq = seq
	return nil
}

// Replay calls fn for every entry in the order it was written. It stops
// at the first error fn returns.
func (j *BadgerJournal) Replay(fn func(Entry) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = journalPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 9 {
				return fmt.Errorf("journal key %x: %w", key, ErrCorruptEntry)
			}
			seq := binary.BigEndian.Uint64(key[1:])

			var entry Entry
			err := item.Value(func(val []byte) error {
				var err error
				entry, err = decodeEntry(val)
				return err
			})
			if err != nil {
				return fmt.Errorf("journal entry %d: %w", seq, err)
			}
			entry.Seq = seq
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func entryKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = journalPrefix[0]
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// Entry layout: kind byte, then
//
//	declare: cardinality byte, type byte, name
//	ingest:  time, fact count, facts
//	advance: time
//
// Integers are uvarints; a fact is entity, attribute name, diff as a
// varint, then the value as a one-element encoded tuple. Strings and
// values carry a uvarint length prefix.
func encodeEntry(e Entry) ([]byte, error) {
	buf := []byte{byte(e.Kind)}
	switch e.Kind {
	case EntryDeclare:
		buf = append(buf, byte(e.Spec.Cardinality), byte(e.Spec.Type))
		buf = appendBytes(buf, []byte(e.Spec.Name))
	case EntryIngest:
		buf = binary.AppendUvarint(buf, uint64(e.Time))
		buf = binary.AppendUvarint(buf, uint64(len(e.Facts)))
		for _, f := range e.Facts {
			buf = binary.AppendUvarint(buf, uint64(f.E))
			buf = appendBytes(buf, []byte(f.A))
			buf = binary.AppendVarint(buf, int64(f.Diff))
			buf = appendBytes(buf, datalog.EncodeTuple(datalog.Tuple{f.V}))
		}
	case EntryAdvance:
		buf = binary.AppendUvarint(buf, uint64(e.Time))
	default:
		return nil, fmt.Errorf("cannot journal %s", e.Kind)
	}
	return buf, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = ErrCorruptEntry
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = ErrCorruptEntry
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) == 0 {
		r.err = ErrCorruptEntry
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) blob() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.err = ErrCorruptEntry
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func decodeEntry(val []byte) (Entry, error) {
	r := &reader{buf: val}
	e := Entry{Kind: EntryKind(r.u8())}
	switch e.Kind {
	case EntryDeclare:
		e.Spec.Cardinality = datalog.Cardinality(r.u8())
		e.Spec.Type = datalog.ValueType(r.u8())
		e.Spec.Name = datalog.InternAttribute(string(r.blob()))
	case EntryIngest:
		e.Time = datalog.Time(r.uvarint())
		n := r.uvarint()
		if r.err == nil && n > uint64(len(r.buf)) {
			return Entry{}, ErrCorruptEntry
		}
		e.Facts = make([]datalog.Fact, 0, n)
		for i := uint64(0); i < n && r.err == nil; i++ {
			var f datalog.Fact
			f.E = datalog.Entity(r.uvarint())
			f.A = datalog.InternAttribute(string(r.blob()))
			f.Diff = datalog.Diff(r.varint())
			raw := r.blob()
			if r.err != nil {
				break
			}
			tuple, err := datalog.DecodeTuple(raw)
			if err != nil || len(tuple) != 1 {
				return Entry{}, ErrCorruptEntry
			}
			f.V = tuple[0]
			e.Facts = append(e.Facts, f)
		}
	case EntryAdvance:
		e.Time = datalog.Time(r.uvarint())
	default:
		return Entry{}, ErrCorruptEntry
	}
	if r.err != nil {
		return Entry{}, r.err
	}
	if len(r.buf) != 0 {
		return Entry{}, ErrCorruptEntry
	}
	return e, nil
}
