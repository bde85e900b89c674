// Package arrangement maintains time-versioned, sorted indices over fact
// collections and derived relations. Arrangements are partitioned across
// workers; each partition is a Trace owned by exactly one worker.
package arrangement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wbrown/janus-dataflow/datalog"
)

// Source says what an arrangement indexes.
type Source uint8

const (
	// Base arrangements index a declared attribute: rows are [entity value].
	Base Source = iota
	// Derived arrangements index a rule's output. Queries compiling the
	// same rule share them.
	Derived
)

func (s Source) String() string {
	if s == Base {
		return "base"
	}
	return "derived"
}

// Descriptor identifies an arrangement. Two descriptors with the same ID
// denote the same shared arrangement.
//
// Rows of the indexed collection have Arity columns. Key lists the row
// positions forming the index key; the remaining positions, in order,
// form the value.
type Descriptor struct {
	Source Source
	Name   string // attribute name, or relation name
	Key    []int
	Arity  int
	Counts bool // derivation counts instead of set presence
}

// Forward is the primary arrangement of an attribute, keyed by entity.
func Forward(a datalog.Attribute) Descriptor {
	return Descriptor{Source: Base, Name: string(a), Key: []int{0}, Arity: 2}
}

// Reverse indexes an attribute by value.
func Reverse(a datalog.Attribute) Descriptor {
	return Descriptor{Source: Base, Name: string(a), Key: []int{1}, Arity: 2}
}

// Presence indexes a derived relation by its full row.
func Presence(name string, arity int) Descriptor {
	return Descriptor{Source: Derived, Name: name, Key: allPositions(arity), Arity: arity}
}

// Counting holds the derivation count of each row of a derived relation.
func Counting(name string, arity int) Descriptor {
	d := Presence(name, arity)
	d.Counts = true
	return d
}

// Indexed arranges a derived relation by a subset of its columns.
func Indexed(name string, arity int, key []int) Descriptor {
	return Descriptor{Source: Derived, Name: name, Key: append([]int(nil), key...), Arity: arity}
}

func allPositions(n int) []int {
	key := make([]int, n)
	for i := range key {
		key[i] = i
	}
	return key
}

// ID returns the canonical identity of the descriptor
func (d Descriptor) ID() string {
	var sb strings.Builder
	sb.WriteString(d.Source.String())
	sb.WriteByte(':')
	sb.WriteString(d.Name)
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(d.Arity))
	sb.WriteByte('[')
	for i, k := range d.Key {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(k))
	}
	sb.WriteByte(']')
	if d.Counts {
		sb.WriteString("#")
	}
	return sb.String()
}

func (d Descriptor) String() string {
	return d.ID()
}

// Attribute returns the attribute of a base descriptor
func (d Descriptor) Attribute() datalog.Attribute {
	return datalog.Attribute(d.Name)
}

// IsPrimary reports whether d is an attribute's forward arrangement
func (d Descriptor) IsPrimary() bool {
	return d.Source == Base && len(d.Key) == 1 && d.Key[0] == 0
}

// IsPresence reports whether d keys a derived relation by its full row
func (d Descriptor) IsPresence() bool {
	return d.Source == Derived && !d.Counts && len(d.Key) == d.Arity && isIdentity(d.Key)
}

func isIdentity(key []int) bool {
	for i, k := range key {
		if k != i {
			return false
		}
	}
	return true
}

// Validate checks that the key positions are distinct and in range
func (d Descriptor) Validate() error {
	seen := make(map[int]bool, len(d.Key))
	for _, k := range d.Key {
		if k < 0 || k >= d.Arity || seen[k] {
			return fmt.Errorf("arrangement %s: invalid key position %d", d.Name, k)
		}
		seen[k] = true
	}
	return nil
}

// valuePositions returns the row positions not in the key, in order
func (d Descriptor) valuePositions() []int {
	inKey := make([]bool, d.Arity)
	for _, k := range d.Key {
		inKey[k] = true
	}
	vals := make([]int, 0, d.Arity-len(d.Key))
	for i := 0; i < d.Arity; i++ {
		if !inKey[i] {
			vals = append(vals, i)
		}
	}
	return vals
}

// Split divides a row into its key and value tuples
func (d Descriptor) Split(row datalog.Tuple) (key, val datalog.Tuple) {
	return row.Project(d.Key), row.Project(d.valuePositions())
}

// Join reassembles a row from key and value tuples
func (d Descriptor) Join(key, val datalog.Tuple) datalog.Tuple {
	row := make(datalog.Tuple, d.Arity)
	for i, k := range d.Key {
		row[k] = key[i]
	}
	for i, p := range d.valuePositions() {
		row[p] = val[i]
	}
	return row
}
