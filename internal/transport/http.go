package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wisbric/mcprouter/internal/rpc"
)

const protocolVersion = "2024-05-13"

// HTTPDriver POSTs requests as JSON to a fixed upstream URL. It caches a
// session id echoed by the upstream on Mcp-Session-Id and resends it on
// subsequent calls. Safe for concurrent use over a shared *http.Client.
type HTTPDriver struct {
	client *http.Client
	url    string

	// Exactly one of bearer or tokenSource is set, or neither (no auth).
	bearer      string
	tokenSource oauth2.TokenSource

	sessionMu sync.Mutex
	sessionID string
}

// HTTPDriverOption configures an HTTPDriver at construction time.
type HTTPDriverOption func(*HTTPDriver)

// WithBearer configures a static bearer token sent verbatim on every call.
func WithBearer(token string) HTTPDriverOption {
	return func(d *HTTPDriver) { d.bearer = token }
}

// WithOAuth2ClientCredentials configures an OAuth2 client-credentials grant;
// the resulting token source handles refresh transparently.
func WithOAuth2ClientCredentials(clientID, clientSecret, tokenURL string, scopes []string) HTTPDriverOption {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return func(d *HTTPDriver) { d.tokenSource = cfg.TokenSource(context.Background()) }
}

// NewHTTPDriver builds a driver posting to url.
func NewHTTPDriver(client *http.Client, url string, opts ...HTTPDriverOption) *HTTPDriver {
	if client == nil {
		client = http.DefaultClient
	}
	d := &HTTPDriver{client: client, url: url}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call implements Driver.
func (d *HTTPDriver) Call(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("MCP-Protocol-Version", protocolVersion)

	if err := d.applyAuth(ctx, httpReq); err != nil {
		return nil, fmt.Errorf("applying upstream credentials: %w", err)
	}

	d.sessionMu.Lock()
	sessionID := d.sessionID
	d.sessionMu.Unlock()
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		d.sessionMu.Lock()
		d.sessionID = sid
		d.sessionMu.Unlock()
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(payload, 256))
	}

	var out rpc.Response
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("parsing upstream response: %w", err)
	}
	return &out, nil
}

func (d *HTTPDriver) applyAuth(ctx context.Context, req *http.Request) error {
	switch {
	case d.tokenSource != nil:
		tok, err := d.tokenSource.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	case d.bearer != "":
		req.Header.Set("Authorization", "Bearer "+d.bearer)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
