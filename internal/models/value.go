package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ValueKind identifies which variant a Value holds.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the lowercase name of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is an opaque structured value: null, bool, number, string, list or map.
// Entity payloads are built from Values so diff and merge logic stays generic
// across entity types. The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int wraps an integer as a number.
func Int(i int64) Value { return Value{kind: KindNumber, n: float64(i)} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps a sequence of values.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Map wraps a nested payload.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// Kind returns the variant held by v.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean and true if v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number and true if v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string and true if v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns a copy of the list items and true if v is a list.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// AsMap returns a copy of the nested payload and true if v is a map.
func (v Value) AsMap() (Payload, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return Payload(v.m).Clone(), true
}

// Equal reports deep equality. Map key order never matters; list order does.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return Payload(v.m).Equal(Payload(o.m))
	}
	return false
}

// Interface converts v to plain Go values (nil, bool, float64, string,
// []interface{}, map[string]interface{}), the shape encoding/json produces.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		return Payload(v.m).Interface()
	default:
		return nil
	}
}

// FromInterface converts a plain Go value into a Value. It accepts the types
// encoding/json decodes into plus the common integer and float widths.
func FromInterface(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Number(float64(t)), nil
		}
		return Int(int64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			cv, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = cv
		}
		return Value{kind: KindList, list: items}, nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]interface{}:
		p, err := PayloadFromMap(t)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindMap, m: p}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// MarshalJSON encodes v as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes any JSON document into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	cv, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = cv
	return nil
}

// Payload is the opaque key to value body of an entity.
type Payload map[string]Value

// PayloadFromMap converts a decoded JSON object into a Payload.
func PayloadFromMap(m map[string]interface{}) (Payload, error) {
	p := make(Payload, len(m))
	for k, raw := range m {
		v, err := FromInterface(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}

// ParsePayload decodes a JSON object into a Payload.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if len(bytes.TrimSpace(data)) == 0 {
		return Payload{}, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// Interface converts the payload into a map of plain Go values.
func (p Payload) Interface() map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}

// Clone returns a shallow copy; Values are immutable so this is a full copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	cp := make(Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// Overlay returns a copy of p with every field of later written over it.
func (p Payload) Overlay(later Payload) Payload {
	out := p.Clone()
	for k, v := range later {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether both payloads hold the same fields and values.
func (p Payload) Equal(o Payload) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
