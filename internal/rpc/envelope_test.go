package rpc

import (
	"encoding/json"
	"testing"
)

func TestRequestUnmarshalDefaults(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"method":"initialize"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.JSONRPC != "2.0" {
		t.Errorf("expected default jsonrpc 2.0, got %q", req.JSONRPC)
	}
	if string(req.Params) != "{}" {
		t.Errorf("expected default empty params object, got %s", req.Params)
	}
}

func TestRequestUnmarshalPreservesExplicitVersion(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"1.0","method":"initialize"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.JSONRPC != "1.0" {
		t.Errorf("expected explicit jsonrpc to be preserved, got %q", req.JSONRPC)
	}
}

func TestResponseEchoesID(t *testing.T) {
	cases := []struct {
		name string
		id   json.RawMessage
		want string
	}{
		{"string id", json.RawMessage(`"abc"`), `"abc"`},
		{"integer id", json.RawMessage(`42`), `42`},
		{"absent id", nil, `null`},
		{"null id", json.RawMessage(`null`), `null`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := NewResult(tc.id, map[string]bool{"ok": true})
			if string(resp.ID) != tc.want {
				t.Errorf("expected id %s, got %s", tc.want, resp.ID)
			}
		})
	}
}

func TestMethodNotFound(t *testing.T) {
	resp := MethodNotFound(json.RawMessage(`1`), "bogus/call")
	if resp.Result != nil {
		t.Errorf("expected no result on error response")
	}
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected code %d, got %+v", CodeMethodNotFound, resp.Error)
	}
	if resp.StatusLabel() != "error" {
		t.Errorf("expected status label error")
	}
}

func TestNewResultStatusLabel(t *testing.T) {
	resp := NewResult(json.RawMessage(`1`), map[string]int{"x": 1})
	if resp.StatusLabel() != "ok" {
		t.Errorf("expected status label ok")
	}
}
