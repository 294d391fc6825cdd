package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcprouter/internal/crypto"
	"github.com/wisbric/mcprouter/internal/eventhub"
	"github.com/wisbric/mcprouter/internal/registry"
	"github.com/wisbric/mcprouter/internal/rpc"
	"github.com/wisbric/mcprouter/internal/store"
)

// fakeDriver returns a fixed response (or error) for every call, recording
// the last request it saw.
type fakeDriver struct {
	response *rpc.Response
	err      error
	lastReq  *rpc.Request
}

func (f *fakeDriver) Call(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	st := newTestStore(t)
	reg := registry.New()
	hub := eventhub.New()
	r, err := New(context.Background(), &Manifest{}, reg, st, hub, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

// newTestStore mirrors the store package's integration-test helper: skips
// unless DATABASE_URL points at a reachable Postgres instance.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping router integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("connecting to test database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("pinging test database: %v", err)
	}

	logger := discardLogger()
	enc, err := crypto.NewFromEnv(logger, "")
	if err != nil {
		t.Fatalf("building encryptor: %v", err)
	}

	t.Cleanup(pool.Close)
	return store.New(pool, enc, logger)
}

func TestNewBootstrapsEmptyManifestAndRespondsToInitialize(t *testing.T) {
	r := newTestRouter(t)
	resp := r.dispatch(context.Background(), &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"})
	if resp.IsError() {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var info struct {
		Capabilities struct {
			Tools bool `json:"tools"`
		} `json:"capabilities"`
		Upstreams []any `json:"upstreams"`
	}
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		t.Fatalf("unmarshaling initialize result: %v", err)
	}
	if !info.Capabilities.Tools {
		t.Errorf("expected tools capability to be advertised")
	}
	if len(info.Upstreams) != 0 {
		t.Errorf("got %d upstreams from an empty manifest, want 0", len(info.Upstreams))
	}
}

func TestDispatchRejectsUnsupportedVersion(t *testing.T) {
	r := &Router{reg: registry.New(), logger: discardLogger(), info: json.RawMessage(`{}`)}
	resp := r.dispatch(context.Background(), &rpc.Request{JSONRPC: "1.0", ID: json.RawMessage(`1`), Method: "initialize"})
	if !resp.IsError() || resp.Error.Code != rpc.CodeInvalidVersion {
		t.Fatalf("got %+v, want invalid-version", resp)
	}
}

func TestDispatchUnknownMethodIsMethodNotFound(t *testing.T) {
	r := &Router{reg: registry.New(), logger: discardLogger(), info: json.RawMessage(`{}`)}
	resp := r.dispatch(context.Background(), &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "bogus"})
	if !resp.IsError() || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("got %+v, want method-not-found", resp)
	}
}

func TestAggregateNamespacesAcrossUpstreams(t *testing.T) {
	reg := registry.New()
	reg.RegisterDriver("alpha", &fakeDriver{response: rpc.NewResult(nil, json.RawMessage(`{"tools":[{"name":"echo"}]}`))})
	reg.RegisterDriver("beta", &fakeDriver{response: rpc.NewResult(nil, json.RawMessage(`{"tools":[{"name":"greet"}]}`))})

	r := &Router{reg: reg, logger: discardLogger()}
	resp := r.dispatch(context.Background(), &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	if resp.IsError() {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshaling result: %v", err)
	}
	names := map[string]bool{}
	for _, tl := range result.Tools {
		names[tl.Name] = true
	}
	if !names["alpha/echo"] || !names["beta/greet"] {
		t.Fatalf("got %+v, want both alpha/echo and beta/greet", result.Tools)
	}
}

func TestAggregatePartialFailureOmitsFailedUpstream(t *testing.T) {
	reg := registry.New()
	reg.RegisterDriver("healthy", &fakeDriver{response: rpc.NewResult(nil, json.RawMessage(`{"prompts":[{"name":"greeting"}]}`))})
	reg.RegisterDriver("sick", &fakeDriver{err: fmt.Errorf("connection refused")})

	r := &Router{reg: reg, logger: discardLogger()}
	resp := r.dispatch(context.Background(), &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "prompts/list"})
	if resp.IsError() {
		t.Fatalf("aggregate must not surface per-backend failures: %+v", resp.Error)
	}

	var result struct {
		Prompts []struct {
			Name string `json:"name"`
		} `json:"prompts"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshaling result: %v", err)
	}
	if len(result.Prompts) != 1 || result.Prompts[0].Name != "healthy/greeting" {
		t.Fatalf("got %+v, want only healthy/greeting", result.Prompts)
	}
}

func TestResourceReadForwardsDecodedURI(t *testing.T) {
	driver := &fakeDriver{response: rpc.NewResult(nil, json.RawMessage(`{"contents":"hello"}`))}
	reg := registry.New()
	reg.RegisterDriver("beta", driver)

	r := &Router{reg: reg, logger: discardLogger()}
	uri := EncodeResourceURI("beta", "file:///tmp/x.txt")
	params, _ := json.Marshal(map[string]string{"uri": uri})
	resp := r.dispatch(context.Background(), &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "resources/read", Params: params})
	if resp.IsError() {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var forwardedParams struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(driver.lastReq.Params, &forwardedParams); err != nil {
		t.Fatalf("unmarshaling forwarded params: %v", err)
	}
	if forwardedParams.URI != "file:///tmp/x.txt" {
		t.Errorf("forwarded uri = %q, want file:///tmp/x.txt", forwardedParams.URI)
	}
}

func TestToolsCallRejectsUnnamespacedTool(t *testing.T) {
	r := &Router{reg: registry.New(), logger: discardLogger()}
	params, _ := json.Marshal(map[string]string{"name": "echo"})
	resp := r.dispatch(context.Background(), &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params})
	if !resp.IsError() || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("got %+v, want invalid params", resp)
	}
}

func TestToolsCallNamespacedDispatchAndUsageRecording(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.EnsureUser(ctx, "router-e2e@example.com", "")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if _, err := st.UpsertSubscription(ctx, u.ID, store.TierPro, nil, nil); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}

	driver := &fakeDriver{response: rpc.NewResult(nil, json.RawMessage(`{"usage":{"total_tokens":12}}`))}
	reg := registry.New()
	reg.RegisterDriver("alpha", driver)

	r := &Router{reg: reg, store: st, hub: eventhub.New(), logger: discardLogger()}

	params, _ := json.Marshal(map[string]interface{}{
		"name":  "alpha/echo",
		"user":  u.ID,
		"usage": map[string]int{"expected_tokens": 10},
	})
	resp := r.dispatch(ctx, &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params})
	if resp.IsError() {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	sub, err := st.GetSubscription(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.TokensUsed != 12 || sub.RequestsUsed != 1 {
		t.Errorf("got tokens_used=%d requests_used=%d, want 12/1", sub.TokensUsed, sub.RequestsUsed)
	}

	var forwarded struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(driver.lastReq.Params, &forwarded); err != nil {
		t.Fatalf("unmarshaling forwarded params: %v", err)
	}
	if forwarded.Name != "echo" {
		t.Errorf("forwarded tool name = %q, want bare %q", forwarded.Name, "echo")
	}
}

func TestToolsCallQuotaDenialSkipsUpstreamCall(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.EnsureUser(ctx, "router-quota@example.com", "")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	quota := store.Quota{MaxTokens: 100, MaxRequests: 1000, MaxConcurrent: 1}
	if _, err := st.UpsertSubscription(ctx, u.ID, store.TierBasic, nil, &quota); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}
	if err := st.RecordUsage(ctx, u.ID, 95, "alpha"); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	driver := &fakeDriver{response: rpc.NewResult(nil, json.RawMessage(`{}`))}
	reg := registry.New()
	reg.RegisterDriver("alpha", driver)

	r := &Router{reg: reg, store: st, hub: eventhub.New(), logger: discardLogger()}
	params, _ := json.Marshal(map[string]interface{}{
		"name":  "alpha/echo",
		"user":  u.ID,
		"usage": map[string]int{"expected_tokens": 10},
	})
	resp := r.dispatch(ctx, &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params})
	if !resp.IsError() || resp.Error.Code != rpc.CodeTokensExceeded {
		t.Fatalf("got %+v, want tokens-exceeded", resp)
	}
	if driver.lastReq != nil {
		t.Errorf("upstream must not be called on quota denial")
	}

	sub, err := st.GetSubscription(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.TokensUsed != 95 {
		t.Errorf("tokens_used changed on denial: got %d, want 95", sub.TokensUsed)
	}
}

func TestStreamingToolCallReturnsImmediatelyAndPublishesEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.EnsureUser(ctx, "router-stream@example.com", "")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if _, err := st.UpsertSubscription(ctx, u.ID, store.TierPro, nil, nil); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}

	driver := &fakeDriver{response: rpc.NewResult(nil, json.RawMessage(`{"ok":true}`))}
	reg := registry.New()
	reg.RegisterDriver("alpha", driver)
	hub := eventhub.New()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	r := &Router{reg: reg, store: st, hub: hub, logger: discardLogger()}
	params, _ := json.Marshal(map[string]interface{}{"name": "alpha/echo", "user": u.ID, "stream": true})
	resp := r.dispatch(ctx, &rpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params})
	if resp.IsError() {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result struct {
		Stream struct {
			ID string `json:"id"`
		} `json:"stream"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshaling result: %v", err)
	}
	if result.Stream.ID == "" {
		t.Fatalf("expected a non-empty stream id")
	}

	select {
	case evt := <-sub.C:
		if evt.Event != "stream-start" {
			t.Errorf("got event %q, want stream-start", evt.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream-start event")
	}
}
