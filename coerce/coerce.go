// Package coerce turns loosely-typed wire arguments into the exact Go values a
// resolved method declares.
//
// Each declared parameter falls into one shape category, checked in this order:
//
//	scalar      bool, numbers, string   pass through (numbers re-typed without loss)
//	sequence    slice, array            parsed as an ordered list of the element type
//	mapping     map                     parsed as a generic string-keyed mapping
//	structured  anything else           rebuilt field by field as the declared type
//
// String wire values for the last three categories are treated as JSON text.
package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"callrpc/message"
	"callrpc/rpcerr"
	"callrpc/target"
)

var genericMapType = reflect.TypeOf(map[string]any(nil))

// Coerce shapes values positionally into params. An absent or empty argument
// list is returned unchanged.
func Coerce(values []any, params []reflect.Type) ([]any, error) {
	if len(values) == 0 {
		return values, nil
	}
	if len(values) != len(params) {
		return nil, rpcerr.New(rpcerr.CoercionFailed,
			"expected %d arguments, got %d", len(params), len(values))
	}
	out := make([]any, len(values))
	for i, v := range values {
		c, err := Value(v, params[i])
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CoercionFailed, err,
				"cannot coerce parameter %d to %s", i, target.ShapeOf(params[i]))
		}
		out[i] = c
	}
	return out, nil
}

// Value coerces a single wire value into type t.
func Value(v any, t reflect.Type) (any, error) {
	switch target.CategoryOf(t) {
	case target.Scalar:
		return scalar(v, t)
	case target.Sequence:
		return decode(v, t)
	case target.Mapping:
		return mapping(v, t)
	default:
		if t.Kind() == reflect.Interface && v != nil && reflect.TypeOf(v).Implements(t) {
			return plain(message.Normalize(v)), nil
		}
		return decode(v, t)
	}
}

func scalar(v any, t reflect.Type) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("null is not a %s", t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == t {
		return v, nil
	}
	switch t.Kind() {
	case reflect.String:
		if rv.Kind() != reflect.String {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return rv.Convert(t).Interface(), nil
	case reflect.Bool:
		if rv.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return rv.Convert(t).Interface(), nil
	}
	return number(v, t)
}

// number re-types a decoded number, refusing truncation and overflow.
func number(v any, t reflect.Type) (any, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			v = i
		} else if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			v = u
		} else if f, err := strconv.ParseFloat(n.String(), 64); err == nil {
			v = f
		} else {
			return nil, fmt.Errorf("invalid number %q", n.String())
		}
	}

	rv := reflect.ValueOf(v)
	out := reflect.New(t).Elem()
	overflow := fmt.Errorf("%v overflows %s", v, t)

	switch {
	case isInt(rv.Kind()):
		i := rv.Int()
		switch {
		case isInt(t.Kind()):
			if out.OverflowInt(i) {
				return nil, overflow
			}
			out.SetInt(i)
		case isUint(t.Kind()):
			if i < 0 || out.OverflowUint(uint64(i)) {
				return nil, overflow
			}
			out.SetUint(uint64(i))
		default:
			out.SetFloat(float64(i))
		}
	case isUint(rv.Kind()):
		u := rv.Uint()
		switch {
		case isInt(t.Kind()):
			if u > math.MaxInt64 || out.OverflowInt(int64(u)) {
				return nil, overflow
			}
			out.SetInt(int64(u))
		case isUint(t.Kind()):
			if out.OverflowUint(u) {
				return nil, overflow
			}
			out.SetUint(u)
		default:
			out.SetFloat(float64(u))
		}
	case rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64:
		f := rv.Float()
		switch {
		case isInt(t.Kind()):
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			if f < math.MinInt64 || f >= math.MaxInt64 || out.OverflowInt(int64(f)) {
				return nil, overflow
			}
			out.SetInt(int64(f))
		case isUint(t.Kind()):
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			if f < 0 || f >= math.MaxUint64 || out.OverflowUint(uint64(f)) {
				return nil, overflow
			}
			out.SetUint(uint64(f))
		default:
			if out.OverflowFloat(f) {
				return nil, overflow
			}
			out.SetFloat(f)
		}
	default:
		return nil, fmt.Errorf("expected number, got %T", v)
	}
	return out.Interface(), nil
}

func mapping(v any, t reflect.Type) (any, error) {
	if v == nil {
		return reflect.Zero(t).Interface(), nil
	}
	raw, err := text(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	if t == genericMapType {
		return generic, nil
	}
	// Go cannot pass a generic map where a narrower one is declared.
	return decode(json.RawMessage(raw), t)
}

func decode(v any, t reflect.Type) (any, error) {
	if v == nil {
		if nillable(t.Kind()) {
			return reflect.Zero(t).Interface(), nil
		}
		return nil, fmt.Errorf("null is not a %s", t)
	}
	raw, err := text(v)
	if err != nil {
		return nil, err
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// text returns the JSON form of a wire value. Strings already are their textual form.
func text(v any) ([]byte, error) {
	switch s := v.(type) {
	case json.RawMessage:
		return s, nil
	case string:
		return []byte(s), nil
	}
	return json.Marshal(message.Normalize(v))
}

// plain widens decoder-specific numbers to int64, uint64 (above MaxInt64 only)
// or float64, so untyped parameters see the same values from every codec.
func plain(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			return u
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = plain(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = plain(e)
		}
		return x
	}
	rv := reflect.ValueOf(v)
	switch {
	case v == nil:
		return nil
	case isInt(rv.Kind()):
		return rv.Int()
	case isUint(rv.Kind()):
		u := rv.Uint()
		if u > math.MaxInt64 {
			return u
		}
		return int64(u)
	case rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64:
		return rv.Float()
	}
	return v
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func nillable(k reflect.Kind) bool {
	switch k {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return false
}
