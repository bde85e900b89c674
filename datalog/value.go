package datalog

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindRational
	KindString
	KindAttribute
	KindRef
	KindUUID
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindRational:
		return "rational"
	case KindString:
		return "string"
	case KindAttribute:
		return "attribute"
	case KindRef:
		return "ref"
	case KindUUID:
		return "uuid"
	default:
		return "invalid"
	}
}

// Value is the closed set of things a fact can hold:
// string, signed integer, rational, boolean, entity reference,
// attribute name and an optional external identifier (UUID).
//
// Values are comparable with == because every variant is stored in
// canonical form: rationals are reduced, and a rational with denominator 1
// is an Int.
type Value struct {
	kind Kind
	num  int64
	den  int64
	str  string
	id   uuid.UUID
}

// String creates a string value
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int creates an integer value
func Int(i int64) Value { return Value{kind: KindInt, num: i} }

// Bool creates a boolean value
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

// Ref creates an entity reference value
func Ref(e Entity) Value { return Value{kind: KindRef, num: int64(e)} }

// UUID creates an external identifier value
func UUID(id uuid.UUID) Value { return Value{kind: KindUUID, id: id} }

// AttributeValue creates a value naming an attribute
func AttributeValue(a Attribute) Value {
	return Value{kind: KindAttribute, str: string(InternAttribute(string(a)))}
}

// Rational creates an exact rational num/den. It fails on a zero denominator.
func Rational(num, den int64) (Value, error) {
	if den == 0 {
		return Value{}, fmt.Errorf("rational %d/0: %w", num, ErrArithmetic)
	}
	return FromRat(new(big.Rat).SetFrac64(num, den))
}

// MustRational is Rational for literals known to be valid.
func MustRational(num, den int64) Value {
	v, err := Rational(num, den)
	if err != nil {
		panic(err)
	}
	return v
}

// FromRat converts a big.Rat to its canonical Value. Results whose numerator
// or denominator do not fit in 64 bits are rejected.
func FromRat(r *big.Rat) (Value, error) {
	if !r.Num().IsInt64() || !r.Denom().IsInt64() {
		return Value{}, fmt.Errorf("rational %s out of range: %w", r.RatString(), ErrArithmetic)
	}
	if r.IsInt() {
		return Int(r.Num().Int64()), nil
	}
	return Value{kind: KindRational, num: r.Num().Int64(), den: r.Denom().Int64()}, nil
}

// ParseRational reads "n/d" or "n".
func ParseRational(s string) (Value, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Value{}, fmt.Errorf("invalid rational %q", s)
	}
	return FromRat(r)
}

// Kind returns the variant tag
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a value (the zero Value does not)
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// IsNumeric reports whether v is an Int or a Rational
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindRational }

// AsString returns the string payload
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsInt returns the integer payload
func (v Value) AsInt() (int64, bool) { return v.num, v.kind == KindInt }

// AsBool returns the boolean payload
func (v Value) AsBool() (bool, bool) { return v.num != 0, v.kind == KindBool }

// AsRef returns the referenced entity
func (v Value) AsRef() (Entity, bool) { return Entity(v.num), v.kind == KindRef }

// AsUUID returns the external identifier
func (v Value) AsUUID() (uuid.UUID, bool) { return v.id, v.kind == KindUUID }

// AsAttribute returns the attribute payload
func (v Value) AsAttribute() (Attribute, bool) { return Attribute(v.str), v.kind == KindAttribute }

// Rat returns numeric values as a big.Rat; nil for non-numeric kinds.
func (v Value) Rat() *big.Rat {
	switch v.kind {
	case KindInt:
		return new(big.Rat).SetInt64(v.num)
	case KindRational:
		return new(big.Rat).SetFrac64(v.num, v.den)
	}
	return nil
}

// String renders the value as an EDN literal
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindRational:
		return strconv.FormatInt(v.num, 10) + "/" + strconv.FormatInt(v.den, 10)
	case KindString:
		return strconv.Quote(v.str)
	case KindAttribute:
		return Attribute(v.str).Keyword()
	case KindRef:
		return "#ref " + strconv.FormatUint(uint64(v.num), 10)
	case KindUUID:
		return "#uuid " + strconv.Quote(v.id.String())
	default:
		return "nil"
	}
}

// Display renders the value for tables: strings unquoted, refs as plain numbers.
func (v Value) Display() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindRef:
		return strconv.FormatUint(uint64(v.num), 10)
	case KindUUID:
		return v.id.String()
	}
	return v.String()
}

// ValueType is the declared type of an attribute's values.
type ValueType uint8

const (
	TypeAny ValueType = iota
	TypeString
	TypeInt
	TypeRational
	TypeBool
	TypeRef
	TypeUUID
	TypeAttribute
)

// String returns the type name
func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeRational:
		return "rational"
	case TypeBool:
		return "bool"
	case TypeRef:
		return "ref"
	case TypeUUID:
		return "uuid"
	case TypeAttribute:
		return "attribute"
	default:
		return "any"
	}
}

// ParseValueType accepts the type names above, with or without the
// ":db.type/" prefix. "number" and "long" are read as int.
func ParseValueType(s string) (ValueType, error) {
	switch trimTypePrefix(s) {
	case "any", "":
		return TypeAny, nil
	case "string":
		return TypeString, nil
	case "int", "long", "number":
		return TypeInt, nil
	case "rational", "ratio":
		return TypeRational, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "ref", "eid":
		return TypeRef, nil
	case "uuid":
		return TypeUUID, nil
	case "attribute", "keyword", "aid":
		return TypeAttribute, nil
	}
	return TypeAny, fmt.Errorf("unknown value type %q", s)
}

func trimTypePrefix(s string) string {
	if len(s) > 0 && s[0] == ':' {
		s = s[1:]
	}
	const prefix = "db.type/"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	return s
}

// Accepts reports whether v may be stored under an attribute of this type.
// Rational attributes accept integers, since integral rationals are Ints.
func (t ValueType) Accepts(v Value) bool {
	switch t {
	case TypeAny:
		return v.IsValid()
	case TypeString:
		return v.kind == KindString
	case TypeInt:
		return v.kind == KindInt
	case TypeRational:
		return v.IsNumeric()
	case TypeBool:
		return v.kind == KindBool
	case TypeRef:
		return v.kind == KindRef
	case TypeUUID:
		return v.kind == KindUUID
	case TypeAttribute:
		return v.kind == KindAttribute
	}
	return false
}
