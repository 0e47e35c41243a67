package main

import (
	"context"
	"encoding/json"
	"testing"

	"callrpc/dispatch"
	"callrpc/message"
)

func TestParseArgs(t *testing.T) {
	values := parseArgs([]string{"42", `{"id":7,"name":"bob"}`, "plain", `"quoted"`})
	if n, ok := values[0].(json.Number); !ok || n.String() != "42" {
		t.Fatalf("expect json.Number 42, got %#v", values[0])
	}
	if m, ok := values[1].(map[string]any); !ok || m["name"] != "bob" {
		t.Fatalf("expect object, got %#v", values[1])
	}
	if values[2] != "plain" || values[3] != "quoted" {
		t.Fatalf("expect strings, got %#v %#v", values[2], values[3])
	}
}

func TestDemoTable(t *testing.T) {
	table, err := demoTable()
	if err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(table)
	ctx := context.Background()

	resp := d.Dispatch(ctx, &message.CallRequest{ID: "1", TargetName: "UserService", MethodName: "getUser",
		ParameterShapes: []string{"long"}, ParameterValues: parseArgs([]string{"42"})})
	var u User
	if err := resp.DecodeData(&u); err != nil || u.Name != "ada" {
		t.Fatalf("getUser: %+v %v", resp, err)
	}

	resp = d.Dispatch(ctx, &message.CallRequest{ID: "2", TargetName: "UserService", MethodName: "saveUser",
		ParameterShapes: []string{"User"}, ParameterValues: parseArgs([]string{`{"id":7,"name":"bob"}`})})
	if !resp.OK() {
		t.Fatalf("saveUser: %+v", resp)
	}

	resp = d.Dispatch(ctx, &message.CallRequest{ID: "3", TargetName: "UserService", MethodName: "count"})
	var n int
	if err := resp.DecodeData(&n); err != nil || n != 2 {
		t.Fatalf("count: expect 2, got %d (%v) %+v", n, err, resp)
	}

	resp = d.Dispatch(ctx, &message.CallRequest{ID: "4", TargetName: "Arith", MethodName: "divide",
		ParameterShapes: []string{"double", "double"}, ParameterValues: []any{1, 0}})
	if resp.OK() || resp.ErrorMessage != "divide by zero" {
		t.Fatalf("divide: %+v", resp)
	}
}
