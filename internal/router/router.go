// Package router is the JSON-RPC dispatch and aggregation core: it fans out
// tools/prompts/resources enumeration across every registered upstream,
// namespaces the results, enforces per-user subscription quotas on
// tools/call, and forwards the rest verbatim.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/mcprouter/internal/eventhub"
	"github.com/wisbric/mcprouter/internal/opsnotify"
	"github.com/wisbric/mcprouter/internal/registry"
	"github.com/wisbric/mcprouter/internal/rpc"
	"github.com/wisbric/mcprouter/internal/store"
	"github.com/wisbric/mcprouter/internal/telemetry"
)

// Manifest is the static bootstrap file naming upstreams and catalog
// providers to register before the router accepts traffic. Additional
// upstream records may also live in the store (added via the admin
// surface); both sources are registered at startup.
type Manifest struct {
	Upstreams []UpstreamConfig `json:"upstreams"`
	Providers []ProviderConfig `json:"providers"`
}

// UpstreamConfig mirrors store.UpstreamRecord for the static manifest file.
type UpstreamConfig struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Command      string   `json:"command,omitempty"`
	Args         []string `json:"args,omitempty"`
	URL          string   `json:"url,omitempty"`
	Bearer       string   `json:"bearer,omitempty"`
	ProviderSlug string   `json:"provider_slug,omitempty"`
}

// ProviderConfig is a catalog provider entry to upsert at bootstrap.
type ProviderConfig struct {
	Slug        string  `json:"slug"`
	DisplayName string  `json:"display_name"`
	Description *string `json:"description,omitempty"`
}

// oauth2Key is the JSON shape stored (encrypted) under a provider key whose
// mode is oauth2_client_credentials.
type oauth2Key struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

// LoadManifest reads a bootstrap manifest from path. A missing file yields
// an empty manifest; upstreams may be registered entirely from the store.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading upstream manifest %q: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing upstream manifest %q: %w", path, err)
	}
	return &m, nil
}

const (
	burstThreshold = 5
	burstWindow    = 60 * time.Second
)

// rejectionWindow counts subscription-gate rejections for a single user
// within a sliding window, to trigger an ops notification on sustained
// quota pressure. Not required for correctness: a lost increment under a
// race is acceptable, same tolerance the store grants record_usage.
type rejectionWindow struct {
	mu    sync.Mutex
	count int
	since time.Time
}

// Router is the dispatch core. It holds references to the upstream
// registry, the subscription store, the event hub, and the ops notifier;
// the cached info blob is rebuilt once at bootstrap.
type Router struct {
	reg      *registry.Registry
	store    *store.Store
	hub      *eventhub.Hub
	notifier *opsnotify.Notifier
	logger   *slog.Logger

	info json.RawMessage

	rejections sync.Map // user string -> *rejectionWindow
}

// New constructs a Router and runs the bootstrap sequence: register every
// configured upstream (manifest, then store records), upsert catalog
// providers, call ensure_initialized, and materialize the info blob.
func New(ctx context.Context, manifest *Manifest, reg *registry.Registry, st *store.Store, hub *eventhub.Hub, notifier *opsnotify.Notifier, logger *slog.Logger) (*Router, error) {
	r := &Router{reg: reg, store: st, hub: hub, notifier: notifier, logger: logger}

	for _, uc := range manifest.Upstreams {
		if err := r.registerFromConfig(ctx, uc); err != nil {
			return nil, err
		}
	}

	records, err := st.ListUpstreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading upstream records from store: %w", err)
	}
	for _, rec := range records {
		if err := r.registerFromRecord(ctx, rec); err != nil {
			return nil, err
		}
	}

	for _, pc := range manifest.Providers {
		if _, err := st.PutProvider(ctx, store.NewProvider{Slug: pc.Slug, DisplayName: pc.DisplayName, Description: pc.Description}); err != nil {
			return nil, fmt.Errorf("upserting catalog provider %q: %w", pc.Slug, err)
		}
	}

	r.materializeInfo(ctx)
	return r, nil
}

func (r *Router) registerFromConfig(ctx context.Context, uc UpstreamConfig) error {
	reg := registry.Registration{
		Name:    uc.Name,
		Kind:    store.UpstreamKind(uc.Kind),
		Command: uc.Command,
		Args:    uc.Args,
		URL:     uc.URL,
		Bearer:  uc.Bearer,
	}
	if uc.ProviderSlug != "" {
		creds, err := r.oauth2Credentials(ctx, uc.ProviderSlug)
		if err != nil {
			return err
		}
		reg.OAuth2 = creds
	}
	if err := r.reg.Register(reg, r.logger); err != nil {
		return err
	}
	if r.notifier != nil {
		r.notifier.UpstreamRegistered(ctx, uc.Name, uc.Kind)
	}
	return nil
}

func (r *Router) registerFromRecord(ctx context.Context, rec store.UpstreamRecord) error {
	var command, url, bearer string
	if rec.Command != nil {
		command = *rec.Command
	}
	if rec.URL != nil {
		url = *rec.URL
	}
	if rec.Bearer != nil {
		bearer = *rec.Bearer
	}

	reg := registry.Registration{Name: rec.Name, Kind: rec.Kind, Command: command, Args: rec.Args, URL: url, Bearer: bearer}
	if rec.ProviderSlug != nil && *rec.ProviderSlug != "" {
		creds, err := r.oauth2Credentials(ctx, *rec.ProviderSlug)
		if err != nil {
			return err
		}
		reg.OAuth2 = creds
	}
	if err := r.reg.Register(reg, r.logger); err != nil {
		return err
	}
	if r.notifier != nil {
		r.notifier.UpstreamRegistered(ctx, rec.Name, string(rec.Kind))
	}
	return nil
}

// oauth2Credentials loads the provider's "default" key and, if its mode is
// oauth2_client_credentials, decodes the JSON client-credentials blob.
func (r *Router) oauth2Credentials(ctx context.Context, slug string) (*registry.OAuth2Credentials, error) {
	plaintext, err := r.store.FetchProviderKey(ctx, slug, "default")
	if err != nil {
		return nil, fmt.Errorf("fetching provider key for %q: %w", slug, err)
	}
	if plaintext == nil {
		return nil, nil
	}

	var key oauth2Key
	if err := json.Unmarshal(plaintext, &key); err != nil {
		// Not an OAuth2 blob; treat as a plain static bearer, which the
		// caller already wired from the upstream record's bearer field.
		return nil, nil
	}
	if key.ClientID == "" || key.TokenURL == "" {
		return nil, nil
	}
	return &registry.OAuth2Credentials{
		ClientID:     key.ClientID,
		ClientSecret: key.ClientSecret,
		TokenURL:     key.TokenURL,
		Scopes:       key.Scopes,
	}, nil
}

func (r *Router) materializeInfo(ctx context.Context) {
	results := r.reg.EnsureInitialized(ctx)

	type upstreamInfo struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	}
	upstreams := make([]upstreamInfo, 0, len(results))
	for _, res := range results {
		upstreams = append(upstreams, upstreamInfo{Name: res.Name, Info: res.Info})
	}

	blob := struct {
		Capabilities struct {
			Tools     bool `json:"tools"`
			Prompts   bool `json:"prompts"`
			Resources bool `json:"resources"`
		} `json:"capabilities"`
		Upstreams []upstreamInfo `json:"upstreams"`
	}{Upstreams: upstreams}
	blob.Capabilities.Tools = true
	blob.Capabilities.Prompts = true
	blob.Capabilities.Resources = true

	encoded, err := json.Marshal(blob)
	if err != nil {
		r.logger.Error("marshaling initialize info blob failed", "error", err)
		encoded = json.RawMessage(`{}`)
	}
	r.info = encoded
}

// Dispatch routes a single JSON-RPC request and records RPC-level metrics.
// The returned *rpc.Response is never nil.
func (r *Router) Dispatch(ctx context.Context, req *rpc.Request, reqBytes int) *rpc.Response {
	start := time.Now()
	resp := r.dispatch(ctx, req)
	elapsed := time.Since(start)

	status := resp.StatusLabel()
	telemetry.RPCTotal.WithLabelValues(req.Method, status).Inc()
	telemetry.RPCLatency.WithLabelValues(req.Method, status).Observe(elapsed.Seconds())
	telemetry.RPCBytesIn.WithLabelValues(req.Method).Add(float64(reqBytes))
	if encoded, err := json.Marshal(resp); err == nil {
		telemetry.RPCBytesOut.WithLabelValues(req.Method).Add(float64(len(encoded)))
	}
	return resp
}

func (r *Router) dispatch(ctx context.Context, req *rpc.Request) *rpc.Response {
	if req.JSONRPC != "2.0" {
		return rpc.NewError(req.ID, rpc.CodeInvalidVersion, "unsupported jsonrpc version: "+req.JSONRPC, nil)
	}

	switch req.Method {
	case "initialize":
		return rpc.NewResult(req.ID, r.info)
	case "tools/list", "prompts/list", "resources/list":
		return r.aggregate(ctx, req)
	case "prompts/get":
		return r.forwardNamespaced(ctx, req, "name")
	case "resources/read":
		return r.forwardResourceRead(ctx, req)
	case "tools/call":
		return r.toolsCall(ctx, req)
	default:
		return rpc.MethodNotFound(req.ID, req.Method)
	}
}

var listKeyByMethod = map[string]string{
	"tools/list":     "tools",
	"prompts/list":   "prompts",
	"resources/list": "resources",
}

var aggregationErrorByMethod = map[string]int{
	"tools/list":     rpc.CodeAggregationTools,
	"prompts/list":   rpc.CodeAggregationPrompts,
	"resources/list": rpc.CodeAggregationResources,
}

// aggregate fans out req.Method to every registered upstream concurrently,
// merges the named array from each successful response, and namespaces
// each item's name/uri by its owning server. Failures are logged and
// skipped; they never fail the aggregate call.
func (r *Router) aggregate(ctx context.Context, req *rpc.Request) *rpc.Response {
	names := r.reg.List()
	listKey := listKeyByMethod[req.Method]

	type partial struct {
		server string
		items  []json.RawMessage
		err    error
	}
	results := make([]partial, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			forwarded := &rpc.Request{JSONRPC: "2.0", ID: req.ID, Method: req.Method, Params: json.RawMessage("{}")}
			resp, err := r.reg.Call(ctx, name, forwarded)
			if err != nil {
				results[i] = partial{server: name, err: err}
				return
			}
			if resp.IsError() {
				results[i] = partial{server: name, err: fmt.Errorf("%s", resp.Error.Message)}
				return
			}
			items, err := extractNamedArray(resp.Result, listKey)
			if err != nil {
				results[i] = partial{server: name, err: err}
				return
			}
			results[i] = partial{server: name, items: items}
		}(i, name)
	}
	wg.Wait()

	merged := make([]json.RawMessage, 0)
	for _, p := range results {
		if p.err != nil {
			r.logger.Warn("aggregation call failed, skipping backend", "method", req.Method, "server", p.server, "error", p.err)
			continue
		}
		for _, item := range p.items {
			namespaced, err := namespaceItem(p.server, item, req.Method)
			if err != nil {
				r.logger.Warn("namespacing aggregation item failed, skipping item", "method", req.Method, "server", p.server, "error", err)
				continue
			}
			merged = append(merged, namespaced)
		}
	}

	result := map[string][]json.RawMessage{listKey: merged}
	encoded, err := json.Marshal(result)
	if err != nil {
		return rpc.NewError(req.ID, aggregationErrorByMethod[req.Method], fmt.Sprintf("marshaling aggregated %s failed", listKey), nil)
	}
	return rpc.NewResult(req.ID, json.RawMessage(encoded))
}

// extractNamedArray pulls the top-level array field `key` out of a raw
// JSON object result.
func extractNamedArray(result json.RawMessage, key string) ([]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil {
		return nil, fmt.Errorf("parsing result object: %w", err)
	}
	raw, ok := obj[key]
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parsing %q array: %w", key, err)
	}
	return items, nil
}

// namespaceItem rewrites an aggregated item's "name" to "<server>/<local>"
// (if not already namespaced) and, for resources, rewrites "uri" to the
// router-scheme URI.
func namespaceItem(server string, item json.RawMessage, method string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil {
		return nil, fmt.Errorf("parsing item object: %w", err)
	}

	if raw, ok := fields["name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && !strings.Contains(name, "/") {
			namespaced, err := json.Marshal(server + "/" + name)
			if err != nil {
				return nil, err
			}
			fields["name"] = namespaced
		}
	}

	if method == "resources/list" {
		if raw, ok := fields["uri"]; ok {
			var uri string
			if err := json.Unmarshal(raw, &uri); err == nil {
				rewritten, err := json.Marshal(EncodeResourceURI(server, uri))
				if err != nil {
					return nil, err
				}
				fields["uri"] = rewritten
			}
		}
	}

	return json.Marshal(fields)
}

// forwardNamespaced requires params[field] to be "<server>/<local>" and
// forwards the call to <server> with field replaced by <local>.
func (r *Router) forwardNamespaced(ctx context.Context, req *rpc.Request, field string) *rpc.Response {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.InvalidParams(req.ID, "params must be an object")
	}

	var full string
	raw, ok := params[field]
	if !ok || json.Unmarshal(raw, &full) != nil {
		return rpc.InvalidParams(req.ID, fmt.Sprintf("params.%s is required", field))
	}
	server, local, ok := strings.Cut(full, "/")
	if !ok {
		return rpc.InvalidParams(req.ID, fmt.Sprintf("params.%s must be \"<server>/<local>\"", field))
	}

	localEncoded, err := json.Marshal(local)
	if err != nil {
		return rpc.Internal(req.ID, "encoding forwarded params failed")
	}
	params[field] = localEncoded
	forwardedParams, err := json.Marshal(params)
	if err != nil {
		return rpc.Internal(req.ID, "encoding forwarded params failed")
	}

	forwarded := &rpc.Request{JSONRPC: "2.0", ID: req.ID, Method: req.Method, Params: forwardedParams}
	resp, err := r.reg.Call(ctx, server, forwarded)
	if err != nil {
		return rpc.NewError(req.ID, rpc.CodeUpstreamFailed, fmt.Sprintf("upstream %q call failed: %s", server, err), nil)
	}
	return resp
}

// forwardResourceRead decodes params.uri as a router-scheme URI and
// forwards resources/read to the owning server with the original uri.
func (r *Router) forwardResourceRead(ctx context.Context, req *rpc.Request) *rpc.Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return rpc.InvalidParams(req.ID, "params.uri is required")
	}

	server, original, err := DecodeResourceURI(params.URI)
	if err != nil {
		return rpc.NewError(req.ID, rpc.CodeResourceReadFail, fmt.Sprintf("invalid resource uri: %s", err), nil)
	}

	forwardedParams, err := json.Marshal(map[string]string{"uri": original})
	if err != nil {
		return rpc.Internal(req.ID, "encoding forwarded params failed")
	}
	forwarded := &rpc.Request{JSONRPC: "2.0", ID: req.ID, Method: req.Method, Params: forwardedParams}

	resp, err := r.reg.Call(ctx, server, forwarded)
	if err != nil {
		return rpc.NewError(req.ID, rpc.CodeResourceReadFail, fmt.Sprintf("upstream %q read failed: %s", server, err), nil)
	}
	return resp
}

type toolsCallParams struct {
	Name    string          `json:"name"`
	User    string          `json:"user"`
	Account *struct {
		UserID string `json:"user_id"`
	} `json:"account"`
	Usage *struct {
		ExpectedTokens *int64 `json:"expected_tokens"`
	} `json:"usage"`
	Tokens *int64 `json:"tokens"`
	Stream bool   `json:"stream"`
}

// toolsCall implements the ten-step tools/call semantics: namespaced name
// extraction, user extraction, token-cost estimation, subscription
// enforcement, and either a synchronous forward-and-record or a detached
// streaming dispatch.
func (r *Router) toolsCall(ctx context.Context, req *rpc.Request) *rpc.Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.InvalidParams(req.ID, "params must be an object")
	}

	server, tool, ok := strings.Cut(params.Name, "/")
	if params.Name == "" || !ok {
		return rpc.InvalidParams(req.ID, "params.name must be \"<server>/<tool>\"")
	}

	user := params.User
	if user == "" && params.Account != nil {
		user = params.Account.UserID
	}
	if user == "" {
		user = "anonymous"
	}

	var estimate int64
	if params.Usage != nil && params.Usage.ExpectedTokens != nil {
		estimate = *params.Usage.ExpectedTokens
	} else if params.Tokens != nil {
		estimate = *params.Tokens
	}
	if estimate < 0 {
		estimate = 0
	}

	if denied := r.enforceSubscription(ctx, req.ID, user, estimate); denied != nil {
		return denied
	}
	r.resetRejections(user)

	rawParams := map[string]json.RawMessage{}
	if err := json.Unmarshal(req.Params, &rawParams); err == nil {
		nameEncoded, _ := json.Marshal(tool)
		rawParams["name"] = nameEncoded
	}
	forwardedParams, err := json.Marshal(rawParams)
	if err != nil {
		return rpc.Internal(req.ID, "encoding forwarded params failed")
	}
	forwarded := &rpc.Request{JSONRPC: "2.0", ID: req.ID, Method: req.Method, Params: forwardedParams}

	if params.Stream {
		return r.streamToolCall(ctx, req.ID, server, tool, user, forwarded)
	}
	return r.forwardToolCall(ctx, req.ID, server, tool, user, estimate, forwarded)
}

func (r *Router) enforceSubscription(ctx context.Context, id json.RawMessage, user string, estimate int64) *rpc.Response {
	sub, err := r.store.GetSubscription(ctx, user)
	if err != nil {
		return rpc.NewError(id, rpc.CodeInternal, fmt.Sprintf("loading subscription failed: %s", err), nil)
	}
	if sub == nil {
		r.recordRejection(user, "missing subscription")
		return rpc.NewError(id, rpc.CodeSubscriptionMissing, "no subscription for user", nil)
	}
	switch sub.CheckQuota(estimate, time.Now()) {
	case store.Expired:
		r.recordRejection(user, "subscription expired")
		return rpc.NewError(id, rpc.CodeSubscriptionExpired, "subscription expired", nil)
	case store.RequestsExceeded:
		r.recordRejection(user, "request quota exceeded")
		return rpc.NewError(id, rpc.CodeRequestsExceeded, "request quota exceeded", nil)
	case store.TokensExceeded:
		r.recordRejection(user, "token quota exceeded")
		return rpc.NewError(id, rpc.CodeTokensExceeded, "token quota exceeded", nil)
	}
	return nil
}

// recordRejection tracks a subscription-gate rejection for user within a
// sliding window and best-effort-notifies ops on sustained pressure.
func (r *Router) recordRejection(user, reason string) {
	v, _ := r.rejections.LoadOrStore(user, &rejectionWindow{since: time.Now()})
	w := v.(*rejectionWindow)

	w.mu.Lock()
	if time.Since(w.since) > burstWindow {
		w.count = 0
		w.since = time.Now()
	}
	w.count++
	count := w.count
	w.mu.Unlock()

	if count == burstThreshold && r.notifier != nil {
		go r.notifier.QuotaPressure(context.Background(), user, count, reason)
	}
}

func (r *Router) resetRejections(user string) {
	r.rejections.Delete(user)
}

func (r *Router) forwardToolCall(ctx context.Context, id json.RawMessage, server, tool, user string, estimate int64, forwarded *rpc.Request) *rpc.Response {
	resp, err := r.reg.Call(ctx, server, forwarded)
	if err != nil {
		return rpc.NewError(id, rpc.CodeUpstreamFailed, fmt.Sprintf("upstream %q call failed: %s", server, err), nil)
	}

	outcome := "ok"
	if resp.IsError() {
		outcome = "error"
	}

	cost := estimate
	if !resp.IsError() {
		if actual, ok := extractTotalTokens(resp.Result); ok {
			cost = actual
		}
	}
	if cost > 0 {
		telemetry.ProviderUsageTokens.WithLabelValues(server, outcome).Add(float64(cost))
		if err := r.store.RecordUsage(ctx, user, cost, server); err != nil {
			r.logger.Error("recording usage failed", "user", user, "server", server, "error", err)
		}
	}

	return resp
}

func extractTotalTokens(result json.RawMessage) (int64, bool) {
	var obj struct {
		Usage struct {
			TotalTokens *int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(result, &obj); err != nil || obj.Usage.TotalTokens == nil {
		return 0, false
	}
	return *obj.Usage.TotalTokens, true
}

type streamErrorPayload struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type streamCompletePayload struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}

// streamToolCall synthesizes a stream id, publishes stream-start, spawns
// the upstream call, and returns immediately. Quota enforcement already
// happened synchronously; usage recording in streaming mode is out of
// scope.
func (r *Router) streamToolCall(ctx context.Context, id json.RawMessage, server, tool, user string, forwarded *rpc.Request) *rpc.Response {
	streamID := uuid.NewString()
	name := server + "/" + tool

	r.hub.Publish("stream-start", map[string]string{"name": name, "user": user})

	go func() {
		bgCtx := context.Background()
		resp, err := r.reg.Call(bgCtx, server, forwarded)
		switch {
		case err != nil:
			r.hub.Publish("stream-error", streamErrorPayload{ID: streamID, Error: err.Error()})
		case resp.IsError():
			r.hub.Publish("stream-error", streamErrorPayload{ID: streamID, Error: resp.Error.Message})
		default:
			r.hub.Publish("stream-complete", streamCompletePayload{ID: streamID, Result: resp.Result})
		}
	}()

	result, err := json.Marshal(map[string]interface{}{"stream": map[string]string{"id": streamID}})
	if err != nil {
		return rpc.Internal(id, "encoding stream result failed")
	}
	return rpc.NewResult(id, json.RawMessage(result))
}
