package store

import "time"

// Tier is a subscription tier name.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Quota is the (max_tokens, max_requests, max_concurrent) triple a tier
// preset supplies when a caller omits explicit quotas.
type Quota struct {
	MaxTokens      int64
	MaxRequests    int64
	MaxConcurrent  int32
}

// tierPresets supplies the default quota for each tier.
var tierPresets = map[Tier]Quota{
	TierBasic:      {MaxTokens: 100_000, MaxRequests: 1_000, MaxConcurrent: 1},
	TierPro:        {MaxTokens: 1_000_000, MaxRequests: 10_000, MaxConcurrent: 3},
	TierEnterprise: {MaxTokens: 10_000_000, MaxRequests: 100_000, MaxConcurrent: 10},
}

// PresetFor returns the default quota for a tier, falling back to basic for
// an unrecognized tier name.
func PresetFor(tier Tier) Quota {
	if q, ok := tierPresets[tier]; ok {
		return q
	}
	return tierPresets[TierBasic]
}

// User is an identity row. Created by admin CRUD; never deleted implicitly.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Subscription is one row per user; UserID is the primary key.
type Subscription struct {
	UserID        string     `json:"user_id"`
	Tier          Tier       `json:"tier"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxTokens     int64      `json:"max_tokens"`
	MaxRequests   int64      `json:"max_requests"`
	MaxConcurrent int32      `json:"max_concurrent"`
	TokensUsed    int64      `json:"tokens_used"`
	RequestsUsed  int64      `json:"requests_used"`
}

// EnforcementResult names a subscription-gate outcome. Zero value means
// the call is admitted.
type EnforcementResult int

const (
	Admitted EnforcementResult = iota
	NoSubscription
	Expired
	RequestsExceeded
	TokensExceeded
)

// CheckQuota evaluates the subscription gate for an incoming call estimated
// to cost `tokens`. Precedence: expired > requests-exceeded > tokens-exceeded.
func (s *Subscription) CheckQuota(tokens int64, now time.Time) EnforcementResult {
	if s.ExpiresAt != nil && s.ExpiresAt.Before(now) {
		return Expired
	}
	if s.RequestsUsed >= s.MaxRequests {
		return RequestsExceeded
	}
	if s.TokensUsed+tokens > s.MaxTokens {
		return TokensExceeded
	}
	return Admitted
}

// ApiToken is an opaque credential issued to a user.
type ApiToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderKeyMode names what kind of credential a ProviderKey encrypts.
type ProviderKeyMode string

const (
	ModeStaticBearer           ProviderKeyMode = "static_bearer"
	ModeOAuth2ClientCredentials ProviderKeyMode = "oauth2_client_credentials"
)

// Provider is a catalog entry; slugs are the stable identifier referenced
// by upstreams and keys.
type Provider struct {
	ID          string  `json:"id"`
	Slug        string  `json:"slug"`
	DisplayName string  `json:"display_name"`
	Description *string `json:"description,omitempty"`
}

// NewProvider is the input to put_provider.
type NewProvider struct {
	Slug        string
	DisplayName string
	Description *string
}

// ProviderKey's (provider_id, name) is the primary key; Ciphertext is
// base64(nonce‖ciphertext‖tag) produced by internal/crypto. Plaintext never
// persists.
type ProviderKey struct {
	ProviderID string
	Name       string
	Mode       ProviderKeyMode
	Ciphertext string
	UpdatedAt  time.Time
}

// UpstreamKind names a transport.
type UpstreamKind string

const (
	KindStdio UpstreamKind = "stdio"
	KindHTTP  UpstreamKind = "http"
)

// UpstreamRecord describes a registered backend MCP server. Name must match
// [A-Za-z0-9_-]+ and becomes the namespace prefix on the wire.
type UpstreamRecord struct {
	Name         string       `json:"name"`
	Kind         UpstreamKind `json:"kind"`
	Command      *string      `json:"command,omitempty"`
	Args         []string     `json:"args,omitempty"`
	URL          *string      `json:"url,omitempty"`
	Bearer       *string      `json:"bearer,omitempty"`
	ProviderSlug *string      `json:"provider_slug,omitempty"`
}

// UsageCounter is an append-only record written once per successful
// forwarded tools/call.
type UsageCounter struct {
	ID           int64     `json:"id"`
	ProviderSlug string    `json:"provider_slug"`
	UserID       string    `json:"user_id"`
	Tokens       int64     `json:"tokens"`
	RecordedAt   time.Time `json:"recorded_at"`
}
