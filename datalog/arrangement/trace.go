package arrangement

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/wbrown/janus-dataflow/datalog"
)

// update is one weighted change to a (key, value) pair at a time
type update struct {
	val  datalog.Tuple
	time datalog.Time
	diff datalog.Diff
}

// bucket holds the updates of one key. Buckets are copy-on-write: a
// published snapshot never observes later changes.
type bucket struct {
	updates []update
}

// Trace is one worker's partition of an arrangement: a sorted index from
// key to the time-versioned updates of that key. A trace is mutated only
// by its owning worker; other goroutines read published snapshots.
type Trace struct {
	desc     Descriptor
	index    *immutable.SortedMap[datalog.Tuple, *bucket]
	dirty    map[string]datalog.Tuple
	since    datalog.Time
	snapshot atomic.Pointer[Snapshot]
}

// NewTrace creates an empty trace for a descriptor
func NewTrace(desc Descriptor) *Trace {
	t := &Trace{
		desc:  desc,
		index: immutable.NewSortedMap[datalog.Tuple, *bucket](datalog.TupleComparer{}),
		dirty: make(map[string]datalog.Tuple),
	}
	t.Publish(0)
	return t
}

// Descriptor returns what this trace indexes
func (t *Trace) Descriptor() Descriptor {
	return t.desc
}

// Update records diff for (key, val) at time. Updates to the same
// (val, time) pair are consolidated in place.
func (t *Trace) Update(key, val datalog.Tuple, time datalog.Time, diff datalog.Diff) {
	if diff == 0 {
		return
	}
	old, _ := t.index.Get(key)

	var updates []update
	if old != nil {
		updates = make([]update, 0, len(old.updates)+1)
		updates = append(updates, old.updates...)
	}

	merged := false
	for i := range updates {
		if updates[i].time == time && updates[i].val.Equal(val) {
			updates[i].diff += diff
			if updates[i].diff == 0 {
				updates = append(updates[:i], updates[i+1:]...)
			}
			merged = true
			break
		}
	}
	if !merged {
		updates = append(updates, update{val: val, time: time, diff: diff})
	}

	if len(updates) == 0 {
		t.index = t.index.Delete(key)
	} else {
		t.index = t.index.Set(key, &bucket{updates: updates})
	}
	t.dirty[key.Key()] = key
}

// UpdateRow splits a row by the descriptor and records it
func (t *Trace) UpdateRow(row datalog.Tuple, time datalog.Time, diff datalog.Diff) {
	key, val := t.desc.Split(row)
	t.Update(key, val, time, diff)
}

// Lookup calls fn for every value of key with a non-zero accumulated
// multiplicity in the view.
func (t *Trace) Lookup(key datalog.Tuple, view View, fn func(val datalog.Tuple, diff datalog.Diff)) {
	lookup(t.index, key, view, fn)
}

// Count returns the accumulated multiplicity of one (key, val) pair
func (t *Trace) Count(key, val datalog.Tuple, view View) datalog.Diff {
	return count(t.index, key, val, view)
}

// Scan calls fn for every (key, val) with a non-zero accumulated
// multiplicity in the view, in key order.
func (t *Trace) Scan(view View, fn func(key, val datalog.Tuple, diff datalog.Diff)) {
	scan(t.index, view, fn)
}

// Updates calls fn for every raw update, preserving times. It is used to
// build a new arrangement from an existing one without losing history.
func (t *Trace) Updates(fn func(key, val datalog.Tuple, time datalog.Time, diff datalog.Diff)) {
	itr := t.index.Iterator()
	for !itr.Done() {
		key, b, _ := itr.Next()
		for _, u := range b.updates {
			fn(key, u.val, u.time, u.diff)
		}
	}
}

// Len returns the number of keys with updates
func (t *Trace) Len() int {
	return t.index.Len()
}

// Compact consolidates the updates of every key touched since the last
// compaction: updates at or below frontier are merged into frontier and
// cancelled pairs are dropped. Reads through views at or after frontier
// are unaffected.
func (t *Trace) Compact(frontier datalog.Time) {
	for k, key := range t.dirty {
		delete(t.dirty, k)
		b, ok := t.index.Get(key)
		if !ok {
			continue
		}

		acc := make(map[string]int, len(b.updates))
		updates := make([]update, 0, len(b.updates))
		for _, u := range b.updates {
			if u.time > frontier {
				updates = append(updates, u)
				continue
			}
			vk := u.val.Key()
			if i, ok := acc[vk]; ok {
				updates[i].diff += u.diff
				continue
			}
			acc[vk] = len(updates)
			updates = append(updates, update{val: u.val, time: frontier, diff: u.diff})
		}

		live := updates[:0]
		for _, u := range updates {
			if u.diff != 0 {
				live = append(live, u)
			}
		}
		if len(live) == 0 {
			t.index = t.index.Delete(key)
		} else {
			t.index = t.index.Set(key, &bucket{updates: live})
		}
	}
	if frontier > t.since {
		t.since = frontier
	}
}

// CompactedThrough returns the latest compaction frontier. Views before it
// no longer reflect the exact history.
func (t *Trace) CompactedThrough() datalog.Time {
	return t.since
}

// Publish makes the current contents visible to snapshot readers
func (t *Trace) Publish(time datalog.Time) {
	t.snapshot.Store(&Snapshot{desc: t.desc, index: t.index, time: time, since: t.since})
}

// Snapshot returns the latest published snapshot
func (t *Trace) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

// Snapshot is an immutable, lock-free view of a trace as of its last
// published epoch.
type Snapshot struct {
	desc  Descriptor
	index *immutable.SortedMap[datalog.Tuple, *bucket]
	time  datalog.Time
	since datalog.Time
}

// Time returns the epoch the snapshot was published at
func (s *Snapshot) Time() datalog.Time {
	return s.time
}

// Lookup is Trace.Lookup over the snapshot
func (s *Snapshot) Lookup(key datalog.Tuple, view View, fn func(val datalog.Tuple, diff datalog.Diff)) {
	lookup(s.index, key, view, fn)
}

// Scan is Trace.Scan over the snapshot
func (s *Snapshot) Scan(view View, fn func(key, val datalog.Tuple, diff datalog.Diff)) {
	scan(s.index, view, fn)
}

// Rows returns every row with a positive multiplicity in the view
func (s *Snapshot) Rows(view View) []datalog.Tuple {
	var rows []datalog.Tuple
	s.Scan(view, func(key, val datalog.Tuple, diff datalog.Diff) {
		if diff > 0 {
			rows = append(rows, s.desc.Join(key, val))
		}
	})
	return rows
}

func accumulate(b *bucket, view View) []update {
	var out []update
	for _, u := range b.updates {
		if !view.Includes(u.time) {
			continue
		}
		merged := false
		for i := range out {
			if out[i].val.Equal(u.val) {
				out[i].diff += u.diff
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, update{val: u.val, diff: u.diff})
		}
	}
	return out
}

func lookup(index *immutable.SortedMap[datalog.Tuple, *bucket], key datalog.Tuple, view View, fn func(datalog.Tuple, datalog.Diff)) {
	b, ok := index.Get(key)
	if !ok {
		return
	}
	for _, u := range accumulate(b, view) {
		if u.diff != 0 {
			fn(u.val, u.diff)
		}
	}
}

func count(index *immutable.SortedMap[datalog.Tuple, *bucket], key, val datalog.Tuple, view View) datalog.Diff {
	b, ok := index.Get(key)
	if !ok {
		return 0
	}
	var total datalog.Diff
	for _, u := range b.updates {
		if view.Includes(u.time) && u.val.Equal(val) {
			total += u.diff
		}
	}
	return total
}

func scan(index *immutable.SortedMap[datalog.Tuple, *bucket], view View, fn func(datalog.Tuple, datalog.Tuple, datalog.Diff)) {
	itr := index.Iterator()
	for !itr.Done() {
		key, b, _ := itr.Next()
		for _, u := range accumulate(b, view) {
			if u.diff != 0 {
				fn(key, u.val, u.diff)
			}
		}
	}
}
