package message

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"callrpc/rpcerr"
)

type user struct {
	ID   int64    `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  CallRequest
		want string
	}{
		{"missing target", CallRequest{ID: "1", MethodName: "m"}, "missing targetName"},
		{"missing method", CallRequest{ID: "1", TargetName: "T"}, "missing methodName"},
		{"misaligned", CallRequest{ID: "1", TargetName: "T", MethodName: "m", ParameterShapes: []string{"int64"}}, "1 parameter shapes but 0"},
	}
	for _, tc := range cases {
		err := tc.req.Validate()
		if err == nil {
			t.Fatalf("%s: expect error", tc.name)
		}
		if !rpcerr.Is(err, rpcerr.MalformedRequest) {
			t.Fatalf("%s: expect MalformedRequest, got %v", tc.name, rpcerr.KindOf(err))
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expect %q in %q", tc.name, tc.want, err.Error())
		}
	}

	ok := CallRequest{ID: "1", TargetName: "T", MethodName: "m", ParameterShapes: []string{"int64"}, ParameterValues: []any{7}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expect valid request, got %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	if !NewHeartbeat().IsHeartbeat() {
		t.Fatal("NewHeartbeat must be a heartbeat")
	}
	if (&CallRequest{MethodName: "HeartBeat"}).IsHeartbeat() {
		t.Fatal("heartbeat sentinel is case-sensitive")
	}
}

func TestResponsePayloadExclusive(t *testing.T) {
	resp := NewResponse("42")
	if resp.OK() || resp.RequestID != "42" {
		t.Fatalf("fresh response should be a correlated failure, got %+v", resp)
	}

	resp.Succeed(3)
	if !resp.OK() || resp.ErrorMessage != "" || resp.Data != 3 {
		t.Fatalf("unexpected success response %+v", resp)
	}

	resp.Fail("boom")
	if resp.OK() || resp.Data != nil || resp.ErrorMessage != "boom" {
		t.Fatalf("unexpected failure response %+v", resp)
	}
	if resp.Err() == nil || resp.Err().Error() != "boom" {
		t.Fatalf("expect error boom, got %v", resp.Err())
	}
}

// Encode a successful response, decode it generically the way a client would,
// then reshape the data into the original type.
func TestResponseRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		data any
		out  func() any
	}{
		{"int", int64(7), func() any { return new(int64) }},
		{"string", "hello", func() any { return new(string) }},
		{"sequence", []int{1, 2, 3}, func() any { return new([]int) }},
		{"mapping", map[string]any{"a": "b", "n": float64(1)}, func() any { return new(map[string]any) }},
		{"struct", user{ID: 7, Name: "ada", Tags: []string{"x"}}, func() any { return new(user) }},
	}

	for _, tc := range cases {
		raw, err := json.Marshal(NewResponse("1").Succeed(tc.data))
		if err != nil {
			t.Fatalf("%s: marshal: %v", tc.name, err)
		}
		var decoded CallResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("%s: unmarshal: %v", tc.name, err)
		}
		out := tc.out()
		if err := decoded.DecodeData(out); err != nil {
			t.Fatalf("%s: DecodeData: %v", tc.name, err)
		}
		got := reflect.ValueOf(out).Elem().Interface()
		if !reflect.DeepEqual(got, tc.data) {
			t.Fatalf("%s: round trip mismatch: got %#v, want %#v", tc.name, got, tc.data)
		}
	}
}

func TestNormalize(t *testing.T) {
	in := map[any]any{"a": []any{map[any]any{1: "x"}}}
	got := Normalize(in)
	want := map[string]any{"a": []any{map[string]any{"1": "x"}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}
