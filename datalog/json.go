package datalog

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Wire tags for values. Each value is a single-key object, e.g.
// {"Number":30}, {"String":"x"}, {"Eid":1}, {"Rational":"1/3"}.
const (
	tagString   = "String"
	tagNumber   = "Number"
	tagRational = "Rational"
	tagBool     = "Bool"
	tagEid      = "Eid"
	tagAid      = "Aid"
	tagUUID     = "Uuid"
)

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	var tag string
	var payload interface{}
	switch v.kind {
	case KindString:
		tag, payload = tagString, v.str
	case KindInt:
		tag, payload = tagNumber, v.num
	case KindRational:
		tag, payload = tagRational, strconv.FormatInt(v.num, 10)+"/"+strconv.FormatInt(v.den, 10)
	case KindBool:
		tag, payload = tagBool, v.num != 0
	case KindRef:
		tag, payload = tagEid, uint64(v.num)
	case KindAttribute:
		tag, payload = tagAid, v.str
	case KindUUID:
		tag, payload = tagUUID, v.id.String()
	default:
		return []byte("null"), nil
	}
	return json.Marshal(map[string]interface{}{tag: payload})
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("value must be a tagged object: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("value must have exactly one tag, got %d", len(obj))
	}
	for tag, raw := range obj {
		parsed, err := decodeTagged(tag, raw)
		if err != nil {
			return err
		}
		*v = parsed
	}
	return nil
}

func decodeTagged(tag string, raw json.RawMessage) (Value, error) {
	switch tag {
	case tagString:
		var s string
		err := json.Unmarshal(raw, &s)
		return String(s), err
	case tagNumber:
		var n int64
		err := json.Unmarshal(raw, &n)
		return Int(n), err
	case tagRational:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, err
		}
		return ParseRational(s)
	case tagBool:
		var b bool
		err := json.Unmarshal(raw, &b)
		return Bool(b), err
	case tagEid:
		var e uint64
		err := json.Unmarshal(raw, &e)
		return Ref(Entity(e)), err
	case tagAid:
		var s string
		err := json.Unmarshal(raw, &s)
		return AttributeValue(AttributeFromKeyword(s)), err
	case tagUUID:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, err
		}
		id, err := uuid.Parse(s)
		return UUID(id), err
	}
	return Value{}, fmt.Errorf("unknown value tag %q", tag)
}
