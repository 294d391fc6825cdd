// Package registry is the router's upstream directory: a name-to-driver
// map with lazy, memoized initialize() calls.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/wisbric/mcprouter/internal/rpc"
	"github.com/wisbric/mcprouter/internal/store"
	"github.com/wisbric/mcprouter/internal/transport"
)

// Registration is the input to Register: enough information to build the
// concrete driver for an upstream's kind.
type Registration struct {
	Name         string
	Kind         store.UpstreamKind
	Command      string
	Args         []string
	URL          string
	Bearer       string
	OAuth2       *OAuth2Credentials
}

// OAuth2Credentials configures an HTTP upstream's client-credentials grant.
type OAuth2Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// handle is a registered upstream: its driver plus memoized initialize info.
type handle struct {
	name   string
	driver transport.Driver

	initOnce sync.Once
	info     json.RawMessage
	initErr  error
}

// Registry maps name → handle. Reads dominate, guarded by a read-biased lock.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	handles map[string]*handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]*handle)}
}

// Register builds the concrete driver from reg and adds (or idempotently
// replaces) the handle. Missing fields required by reg.Kind are
// registration-time errors.
func (r *Registry) Register(reg Registration, logger *slog.Logger) error {
	var driver transport.Driver

	switch reg.Kind {
	case store.KindStdio:
		if reg.Command == "" {
			return fmt.Errorf("registering %q: stdio upstream requires a command", reg.Name)
		}
		driver = transport.NewStdioDriver(reg.Name, reg.Command, reg.Args, logger)
	case store.KindHTTP:
		if reg.URL == "" {
			return fmt.Errorf("registering %q: http upstream requires a url", reg.Name)
		}
		var opts []transport.HTTPDriverOption
		switch {
		case reg.OAuth2 != nil:
			opts = append(opts, transport.WithOAuth2ClientCredentials(reg.OAuth2.ClientID, reg.OAuth2.ClientSecret, reg.OAuth2.TokenURL, reg.OAuth2.Scopes))
		case reg.Bearer != "":
			opts = append(opts, transport.WithBearer(reg.Bearer))
		}
		driver = transport.NewHTTPDriver(http.DefaultClient, reg.URL, opts...)
	default:
		return fmt.Errorf("registering %q: unknown upstream kind %q", reg.Name, reg.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[reg.Name]; !exists {
		r.order = append(r.order, reg.Name)
	}
	r.handles[reg.Name] = &handle{name: reg.Name, driver: driver}
	return nil
}

// RegisterDriver adds a pre-built driver directly under name, bypassing the
// kind-specific construction Register performs. Used by tests and by any
// caller that already holds a constructed transport.Driver.
func (r *Registry) RegisterDriver(name string, driver transport.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handles[name] = &handle{name: name, driver: driver}
}

// List returns every registered name, in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Call forwards req to the named upstream's driver.
func (r *Registry) Call(ctx context.Context, name string, req *rpc.Request) (*rpc.Response, error) {
	r.mu.RLock()
	h, ok := r.handles[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown upstream %q", name)
	}
	return h.driver.Call(ctx, req)
}

// InitResult is one upstream's self-reported initialize() info.
type InitResult struct {
	Name string
	Info json.RawMessage
}

// EnsureInitialized calls "initialize" on every registered backend exactly
// once, memoizing the result per-handle. Handles that fail are omitted from
// the result; registration order is preserved.
func (r *Registry) EnsureInitialized(ctx context.Context) []InitResult {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	handles := make(map[string]*handle, len(r.handles))
	for k, v := range r.handles {
		handles[k] = v
	}
	r.mu.RUnlock()

	results := make([]InitResult, 0, len(names))
	for _, name := range names {
		h := handles[name]
		h.initOnce.Do(func() {
			req := &rpc.Request{JSONRPC: "2.0", Method: "initialize", Params: json.RawMessage("{}")}
			resp, err := h.driver.Call(ctx, req)
			if err != nil {
				h.initErr = err
				return
			}
			if resp.IsError() {
				h.initErr = fmt.Errorf("initialize failed: %s", resp.Error.Message)
				return
			}
			h.info = resp.Result
		})
		if h.initErr == nil {
			results = append(results, InitResult{Name: name, Info: h.info})
		}
	}
	return results
}
