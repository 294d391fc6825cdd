package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/wisbric/mcprouter/internal/rpc"
)

// fakeDriver is a stub transport.Driver for exercising the registry without
// spawning real processes or HTTP servers.
type fakeDriver struct {
	calls    int
	response *rpc.Response
	err      error
}

func (f *fakeDriver) Call(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func TestRegisterDriverPreservesOrder(t *testing.T) {
	r := New()
	r.RegisterDriver("beta", &fakeDriver{})
	r.RegisterDriver("alpha", &fakeDriver{})
	r.RegisterDriver("beta", &fakeDriver{}) // idempotent replace, order unchanged

	got := r.List()
	want := []string{"beta", "alpha"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("List() = %v, want %v", got, want)
	}
}

func TestCallUnknownUpstream(t *testing.T) {
	r := New()
	_, err := r.Call(context.Background(), "ghost", &rpc.Request{})
	if err == nil {
		t.Fatalf("expected error calling unregistered upstream")
	}
}

func TestCallForwardsToDriver(t *testing.T) {
	r := New()
	driver := &fakeDriver{response: rpc.NewResult(json.RawMessage(`1`), map[string]string{"ok": "yes"})}
	r.RegisterDriver("alpha", driver)

	resp, err := r.Call(context.Background(), "alpha", &rpc.Request{Method: "tools/list"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.IsError() {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	if driver.calls != 1 {
		t.Errorf("expected 1 call recorded, got %d", driver.calls)
	}
}

func TestEnsureInitializedMemoizesAndPreservesOrder(t *testing.T) {
	r := New()
	alpha := &fakeDriver{response: rpc.NewResult(json.RawMessage(`1`), map[string]string{"name": "alpha"})}
	beta := &fakeDriver{err: fmt.Errorf("connection refused")}
	gamma := &fakeDriver{response: rpc.NewResult(json.RawMessage(`1`), map[string]string{"name": "gamma"})}

	r.RegisterDriver("alpha", alpha)
	r.RegisterDriver("beta", beta)
	r.RegisterDriver("gamma", gamma)

	results := r.EnsureInitialized(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 successful results (beta fails), got %d: %+v", len(results), results)
	}
	if results[0].Name != "alpha" || results[1].Name != "gamma" {
		t.Errorf("expected order [alpha, gamma], got [%s, %s]", results[0].Name, results[1].Name)
	}

	// Calling again must not re-invoke initialize on any handle.
	r.EnsureInitialized(context.Background())
	if alpha.calls != 1 {
		t.Errorf("expected alpha.initialize called exactly once, got %d", alpha.calls)
	}
}
