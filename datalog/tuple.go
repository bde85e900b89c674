package datalog

import (
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Tuple is a row of values, ordered by position.
type Tuple []Value

// String returns a string representation of the tuple
func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Equal reports whether two tuples hold the same values
func (t Tuple) Equal(other Tuple) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share backing memory
func (t Tuple) Clone() Tuple {
	if t == nil {
		return nil
	}
	out := make(Tuple, len(t))
	copy(out, t)
	return out
}

// Project picks the given positions into a new tuple
func (t Tuple) Project(positions []int) Tuple {
	out := make(Tuple, len(positions))
	for i, p := range positions {
		out[i] = t[p]
	}
	return out
}

// Key encodes the tuple into a string usable as a map key. Two tuples have
// the same key exactly when they are Equal.
func (t Tuple) Key() string {
	buf := make([]byte, 0, 16*len(t))
	for _, v := range t {
		buf = appendValue(buf, v)
	}
	return string(buf)
}

// Hash returns a stable 64-bit hash of the tuple, used to partition data
// across workers.
func (t Tuple) Hash() uint64 {
	d := xxhash.New()
	var scratch [32]byte
	for _, v := range t {
		_, _ = d.Write(appendValue(scratch[:0], v))
	}
	return d.Sum64()
}

// Partition maps the tuple onto one of n workers
func (t Tuple) Partition(n int) int {
	if n <= 1 {
		return 0
	}
	return int(t.Hash() % uint64(n))
}

// appendValue writes the canonical binary form of v: a kind byte followed
// by a fixed or length-prefixed payload.
func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindBool:
		buf = append(buf, byte(v.num))
	case KindInt, KindRef:
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.num))
	case KindRational:
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.num))
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.den))
	case KindString, KindAttribute:
		buf = binary.AppendUvarint(buf, uint64(len(v.str)))
		buf = append(buf, v.str...)
	case KindUUID:
		buf = append(buf, v.id[:]...)
	}
	return buf
}

// EncodeTuple returns the canonical binary form of a tuple
func EncodeTuple(t Tuple) []byte {
	var buf []byte
	for _, v := range t {
		buf = appendValue(buf, v)
	}
	return buf
}

// DecodeTuple reverses EncodeTuple
func DecodeTuple(buf []byte) (Tuple, error) {
	var out Tuple
	for len(buf) > 0 {
		v, n, err := decodeValue(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		buf = buf[n:]
	}
	return out, nil
}

func decodeValue(buf []byte) (Value, int, error) {
	kind := Kind(buf[0])
	rest := buf[1:]
	need := func(n int) error {
		if len(rest) < n {
			return errTruncated
		}
		return nil
	}
	switch kind {
	case KindBool:
		if err := need(1); err != nil {
			return Value{}, 0, err
		}
		return Value{kind: kind, num: int64(rest[0])}, 2, nil
	case KindInt, KindRef:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return Value{kind: kind, num: int64(binary.BigEndian.Uint64(rest))}, 9, nil
	case KindRational:
		if err := need(16); err != nil {
			return Value{}, 0, err
		}
		return Value{
			kind: kind,
			num:  int64(binary.BigEndian.Uint64(rest)),
			den:  int64(binary.BigEndian.Uint64(rest[8:])),
		}, 17, nil
	case KindString, KindAttribute:
		l, n := binary.Uvarint(rest)
		if n <= 0 || len(rest) < n+int(l) {
			return Value{}, 0, errTruncated
		}
		s := string(rest[n : n+int(l)])
		if kind == KindAttribute {
			s = string(InternAttribute(s))
		}
		return Value{kind: kind, str: s}, 1 + n + int(l), nil
	case KindUUID:
		if err := need(16); err != nil {
			return Value{}, 0, err
		}
		v := Value{kind: kind}
		copy(v.id[:], rest[:16])
		return v, 17, nil
	}
	return Value{}, 0, errUnknownKind
}
