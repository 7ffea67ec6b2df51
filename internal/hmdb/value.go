package hmdb

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the shapes the HMDB API returns. Responses mix
// objects, arrays and bare scalars freely, so every payload is decoded
// into this tagged union before reconciliation.
type Kind int

const (
	KindScalar Kind = iota
	KindList
	KindObject
)

// Value is a decoded API response node.
type Value struct {
	Kind   Kind
	Scalar any
	List   []Value
	Object map[string]Value
}

// DecodeJSON parses a raw API body into a Value tree.
func DecodeJSON(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, fmt.Errorf("decode api response: %w", err)
	}
	return fromAny(raw), nil
}

func fromAny(raw any) Value {
	switch v := raw.(type) {
	case map[string]any:
		obj := make(map[string]Value, len(v))
		for k, child := range v {
			obj[k] = fromAny(child)
		}
		return Value{Kind: KindObject, Object: obj}
	case []any:
		list := make([]Value, 0, len(v))
		for _, child := range v {
			list = append(list, fromAny(child))
		}
		return Value{Kind: KindList, List: list}
	default:
		return Value{Kind: KindScalar, Scalar: v}
	}
}

// Interface converts a Value back into plain Go data.
func (v Value) Interface() any {
	switch v.Kind {
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, child := range v.Object {
			out[k] = child.Interface()
		}
		return out
	case KindList:
		out := make([]any, 0, len(v.List))
		for _, child := range v.List {
			out = append(out, child.Interface())
		}
		return out
	default:
		return v.Scalar
	}
}
