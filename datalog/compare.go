package datalog

import (
	"bytes"
	"strings"
)

// kindRank orders the variants. Int and Rational share a rank so that
// numbers interleave by magnitude.
func kindRank(k Kind) int {
	switch k {
	case KindBool:
		return 1
	case KindInt, KindRational:
		return 2
	case KindString:
		return 3
	case KindAttribute:
		return 4
	case KindRef:
		return 5
	case KindUUID:
		return 6
	}
	return 0
}

// CompareValues compares two values and returns:
//
//	-1 if left < right
//	 0 if left == right
//	 1 if left > right
//
// The order is total: values of different kinds order by kind
// (bool < number < string < attribute < ref < uuid), numbers order by
// magnitude regardless of representation, everything else by payload.
// The invalid zero Value sorts first.
func CompareValues(left, right Value) int {
	lr, rr := kindRank(left.kind), kindRank(right.kind)
	if lr != rr {
		return compareInts(int64(lr), int64(rr))
	}

	switch left.kind {
	case KindInvalid:
		return 0
	case KindBool:
		return compareInts(left.num, right.num)
	case KindInt, KindRational:
		if left.kind == KindInt && right.kind == KindInt {
			return compareInts(left.num, right.num)
		}
		return left.Rat().Cmp(right.Rat())
	case KindString, KindAttribute:
		return strings.Compare(left.str, right.str)
	case KindRef:
		return compareUints(uint64(left.num), uint64(right.num))
	case KindUUID:
		return bytes.Compare(left.id[:], right.id[:])
	}
	return 0
}

// CompareTuples compares tuples lexicographically; shorter prefixes sort first.
func CompareTuples(left, right Tuple) int {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	for i := 0; i < n; i++ {
		if c := CompareValues(left[i], right[i]); c != 0 {
			return c
		}
	}
	return compareInts(int64(len(left)), int64(len(right)))
}

// TupleComparer orders tuples for sorted indices.
type TupleComparer struct{}

// Compare implements immutable.Comparer
func (TupleComparer) Compare(a, b Tuple) int {
	return CompareTuples(a, b)
}

func compareInts(a, b int64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func compareUints(a, b uint64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}
