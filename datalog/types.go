package datalog

import (
	"fmt"
	"strings"
)

// Entity is an opaque 64-bit identifier naming a subject.
type Entity uint64

// Time is a logical epoch. Every consistency guarantee in the engine is
// expressed relative to it, never to wall-clock time.
type Time uint64

// Diff is the signed multiplicity attached to a fact or derived tuple:
// +1 asserts, -1 retracts.
type Diff int64

// Attribute names a property. Attributes are interned, see InternAttribute.
type Attribute string

// String returns the attribute name
func (a Attribute) String() string {
	return string(a)
}

// Keyword returns the attribute in EDN keyword form (":age")
func (a Attribute) Keyword() string {
	if strings.HasPrefix(string(a), ":") {
		return string(a)
	}
	return ":" + string(a)
}

// AttributeFromKeyword strips the leading colon of an EDN keyword.
func AttributeFromKeyword(kw string) Attribute {
	return InternAttribute(strings.TrimPrefix(kw, ":"))
}

// Cardinality says whether an attribute holds one live value per entity or many.
type Cardinality uint8

const (
	CardinalityMany Cardinality = iota
	CardinalityOne
)

// String returns the cardinality name
func (c Cardinality) String() string {
	if c == CardinalityOne {
		return "one"
	}
	return "many"
}

// ParseCardinality accepts "one"/"many" with or without the
// ":db.cardinality/" prefix.
func ParseCardinality(s string) (Cardinality, error) {
	switch strings.TrimPrefix(strings.TrimPrefix(s, ":"), "db.cardinality/") {
	case "one", "CardinalityOne":
		return CardinalityOne, nil
	case "many", "CardinalityMany", "":
		return CardinalityMany, nil
	}
	return 0, fmt.Errorf("unknown cardinality %q", s)
}

// AttributeSpec is the schema entry for a declared attribute.
type AttributeSpec struct {
	Name        Attribute
	Cardinality Cardinality
	Type        ValueType
}

// String returns a string representation of the attribute spec
func (s AttributeSpec) String() string {
	return fmt.Sprintf("%s (%s, %s)", s.Name.Keyword(), s.Cardinality, s.Type)
}

// Fact is a single (entity, attribute, value) tuple with a multiplicity.
// The logical time is supplied with the batch a fact is ingested in.
type Fact struct {
	E    Entity
	A    Attribute
	V    Value
	Diff Diff
}

// Assert creates a fact with multiplicity +1
func Assert(e Entity, a Attribute, v Value) Fact {
	return Fact{E: e, A: InternAttribute(string(a)), V: v, Diff: 1}
}

// Retract creates a fact with multiplicity -1
func Retract(e Entity, a Attribute, v Value) Fact {
	return Fact{E: e, A: InternAttribute(string(a)), V: v, Diff: -1}
}

// String returns a string representation of the fact
func (f Fact) String() string {
	return fmt.Sprintf("[%d %s %s %+d]", f.E, f.A.Keyword(), f.V, f.Diff)
}
