package coerce

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"testing"

	"callrpc/rpcerr"
)

type Address struct {
	City string `json:"city"`
}

type Profile struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Emails  []string `json:"emails"`
	Address *Address `json:"address"`
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func TestEmptyArgumentsUnchanged(t *testing.T) {
	got, err := Coerce(nil, []reflect.Type{typeOf[int]()})
	if err != nil || got != nil {
		t.Fatalf("nil arguments must come back nil, got %v, %v", got, err)
	}

	empty := []any{}
	got, err = Coerce(empty, nil)
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("empty arguments must come back unchanged, got %#v, %v", got, err)
	}
}

func TestScalars(t *testing.T) {
	cases := []struct {
		in   any
		typ  reflect.Type
		want any
	}{
		{"hello", typeOf[string](), "hello"},
		{true, typeOf[bool](), true},
		{float64(7), typeOf[int64](), int64(7)},
		{json.Number("7"), typeOf[int64](), int64(7)},
		{json.Number("2.5"), typeOf[float64](), 2.5},
		{int8(3), typeOf[uint16](), uint16(3)},
		{uint64(9), typeOf[int](), 9},
		{int64(4), typeOf[float32](), float32(4)},
		{json.Number("18446744073709551615"), typeOf[uint64](), uint64(math.MaxUint64)},
		{json.Number("9223372036854775808"), typeOf[uint](), uint(1 << 63)},
	}
	for _, tc := range cases {
		got, err := Value(tc.in, tc.typ)
		if err != nil {
			t.Fatalf("Value(%#v, %s): %v", tc.in, tc.typ, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Value(%#v, %s) = %#v, want %#v", tc.in, tc.typ, got, tc.want)
		}
	}
}

func TestScalarFailures(t *testing.T) {
	cases := []struct {
		in  any
		typ reflect.Type
	}{
		{"7", typeOf[int64]()},
		{7.5, typeOf[int]()},
		{float64(300), typeOf[int8]()},
		{int64(-1), typeOf[uint]()},
		{1, typeOf[string]()},
		{nil, typeOf[bool]()},
		{json.Number("18446744073709551616"), typeOf[uint64]()},
		{json.Number("9223372036854775808"), typeOf[int64]()},
	}
	for _, tc := range cases {
		if _, err := Value(tc.in, tc.typ); err == nil {
			t.Fatalf("Value(%#v, %s) should fail", tc.in, tc.typ)
		}
	}
}

func TestSequence(t *testing.T) {
	got, err := Value([]any{json.Number("1"), json.Number("2")}, typeOf[[]int64]())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("got %#v", got)
	}

	// textual form
	got, err = Value(`["a","b"]`, typeOf[[]string]())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("got %#v", got)
	}

	got, err = Value([]any{map[string]any{"city": "Oslo"}}, typeOf[[]Address]())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []Address{{City: "Oslo"}}) {
		t.Fatalf("got %#v", got)
	}
}

func TestMappingIsGeneric(t *testing.T) {
	in := map[any]any{"n": int8(1), "nested": map[any]any{"k": "v"}}
	got, err := Value(in, typeOf[map[string]any]())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"n": float64(1), "nested": map[string]any{"k": "v"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	got, err = Value(`{"a":1}`, typeOf[map[string]int]())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, map[string]int{"a": 1}) {
		t.Fatalf("got %#v", got)
	}
}

func TestStructured(t *testing.T) {
	wire := map[string]any{
		"id":      json.Number("7"),
		"name":    "ada",
		"emails":  []any{"a@x"},
		"address": map[string]any{"city": "Oslo"},
	}
	want := Profile{ID: 7, Name: "ada", Emails: []string{"a@x"}, Address: &Address{City: "Oslo"}}

	got, err := Value(wire, typeOf[Profile]())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v", got)
	}

	ptr, err := Value(`{"id":7,"name":"ada","emails":["a@x"],"address":{"city":"Oslo"}}`, typeOf[*Profile]())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*ptr.(*Profile), want) {
		t.Fatalf("got %#v", ptr)
	}

	nilPtr, err := Value(nil, typeOf[*Profile]())
	if err != nil || nilPtr.(*Profile) != nil {
		t.Fatalf("nil wire value should coerce to a nil pointer, got %#v, %v", nilPtr, err)
	}
}

func TestCoerceReportsIndexAndShape(t *testing.T) {
	_, err := Coerce([]any{"x", "not json"}, []reflect.Type{typeOf[string](), typeOf[Profile]()})
	if !rpcerr.Is(err, rpcerr.CoercionFailed) {
		t.Fatalf("expect CoercionFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "parameter 1 to Profile") {
		t.Fatalf("message should identify index and shape, got %q", err.Error())
	}
}

func TestCoercePositional(t *testing.T) {
	got, err := Coerce(
		[]any{json.Number("7"), "ada", []any{"x"}},
		[]reflect.Type{typeOf[int64](), typeOf[string](), typeOf[[]string]()},
	)
	if err != nil {
		t.Fatal(err)
	}
	want := []any{int64(7), "ada", []string{"x"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestUntypedParameterGetsPlainNumbers(t *testing.T) {
	anyType := typeOf[any]()
	cases := []struct {
		in   any
		want any
	}{
		{json.Number("7"), int64(7)},
		{int8(7), int64(7)},
		{uint16(7), int64(7)},
		{json.Number("2.5"), 2.5},
		{float32(2.5), 2.5},
		{json.Number("18446744073709551615"), uint64(math.MaxUint64)},
		{"text", "text"},
		{
			map[any]any{"n": json.Number("1"), "xs": []any{int8(2), json.Number("3.5")}},
			map[string]any{"n": int64(1), "xs": []any{int64(2), 3.5}},
		},
	}
	for _, tc := range cases {
		got, err := Value(tc.in, anyType)
		if err != nil {
			t.Fatalf("Value(%#v, any): %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Value(%#v, any) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}
