package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// EncodeAttributes serializes attributes for JSON columns and snapshots.
func EncodeAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return data, nil
}

// AttrType is the Go type an attribute value decodes to.
type AttrType int

// Attribute types. TypeAny keeps the untyped decoding: integral numbers as
// int64, other numbers as float64 and timestamps as strings.
const (
	TypeAny AttrType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeTime
	TypeBool
)

// AttrTypes resolves the attribute types declared by a schema. Stores use it
// to restore values exactly as the normalizer produced them.
type AttrTypes interface {
	AttrTypes(schema string) map[string]AttrType
}

// ResolveAttrTypes looks up schema in types, which may be nil.
func ResolveAttrTypes(types AttrTypes, schema string) map[string]AttrType {
	if types == nil {
		return nil
	}
	return types.AttrTypes(schema)
}

// DecodeAttributes reverses EncodeAttributes. Keys listed in types come back
// as the declared Go type; the rest fall back to TypeAny.
func DecodeAttributes(data []byte, types map[string]AttrType) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	for k, v := range raw {
		if v == nil {
			continue
		}
		typed, err := decodeValue(types[k], v)
		if err != nil {
			return nil, fmt.Errorf("decode attribute %s: %w", k, err)
		}
		raw[k] = typed
	}
	return raw, nil
}

func decodeValue(typ AttrType, v any) (any, error) {
	switch typ {
	case TypeInt:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", v)
		}
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		i, ok := AttrInt(n)
		if !ok {
			return nil, fmt.Errorf("%s is not an integer", n)
		}
		return i, nil
	case TypeFloat:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", v)
		}
		return n.Float64()
	case TypeTime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want timestamp, got %T", v)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return ts.UTC(), nil
	case TypeString, TypeBool:
		return v, nil
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		if f, err := n.Float64(); err == nil {
			return f, nil
		}
	}
	return v, nil
}

// AttrsEqual reports whether two attribute maps hold the same values.
// Timestamps compare by instant and numbers by value, so a row read back from
// storage matches the row that was written.
func AttrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !attrEqual(av, bv) {
			return false
		}
	}
	return true
}

func attrEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	switch a.(type) {
	case int64, float64, int:
		af, _ := AttrFloat(a)
		bf, ok := numeric(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func numeric(v any) (float64, bool) {
	switch v.(type) {
	case int64, float64, int:
		return AttrFloat(v)
	}
	return 0, false
}

// AttrFloat reads a numeric attribute regardless of its stored Go type.
func AttrFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil && !math.IsNaN(f)
	default:
		return 0, false
	}
}

// AttrInt reads an integral attribute regardless of its stored Go type.
func AttrInt(v any) (int64, bool) {
	f, ok := AttrFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// AttrTime reads a timestamp attribute stored as time.Time or RFC 3339 text.
func AttrTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		return ts, err == nil
	default:
		return time.Time{}, false
	}
}
