package jsonmerge

import (
	"encoding/json"
	"fmt"
)

// kind classifies a JSON value for the type-mismatch rule.
type kind int

const (
	kindInvalid kind = iota
	kindNull
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

// Merge returns target with incoming merged into it.
// Both arguments must be objects (map[string]any). The inputs are left
// untouched and are fully validated before any result is built.
func Merge(target, incoming any) (map[string]any, error) {
	t, ok := target.(map[string]any)
	if !ok && target != nil {
		return nil, fmt.Errorf("%w: target is %T, want object", ErrInvalidDocument, target)
	}
	in, ok := incoming.(map[string]any)
	if !ok && incoming != nil {
		return nil, fmt.Errorf("%w: incoming is %T, want object", ErrInvalidDocument, incoming)
	}

	if err := validate(t, "$"); err != nil {
		return nil, err
	}
	if err := validate(in, "$"); err != nil {
		return nil, err
	}

	return mergeObjects(t, in), nil
}

func mergeObjects(target, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(target)+len(incoming))
	for k, v := range target {
		out[k] = clone(v)
	}

	for k, v := range incoming {
		existing, present := out[k]
		switch {
		case !present:
			out[k] = clone(v)
		case v == nil:
			// Null never overwrites.
		case kindOf(existing) != kindOf(v):
			out[k] = clone(v)
		case kindOf(v) == kindObject:
			out[k] = mergeObjects(existing.(map[string]any), v.(map[string]any))
		default:
			out[k] = clone(v)
		}
	}
	return out
}

func kindOf(v any) kind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return kindNumber
	case string:
		return kindString
	case []any:
		return kindArray
	case map[string]any:
		return kindObject
	default:
		return kindInvalid
	}
}

func validate(v any, path string) error {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if err := validate(child, path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range val {
			if err := validate(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		if kindOf(v) == kindInvalid {
			return fmt.Errorf("%w: unsupported value %T at %s", ErrInvalidDocument, v, path)
		}
	}
	return nil
}

// Clone returns a deep copy of a validated JSON value.
func Clone(v any) any {
	return clone(v)
}

func clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = clone(child)
		}
		return out
	default:
		return val
	}
}
