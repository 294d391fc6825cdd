// Package store is the router's durable subscription, provider, and
// upstream registry backing, plus a write-through cache of subscription
// rows. All persistence runs through pgxpool against a single schema.
package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcprouter/internal/crypto"
)

// upstreamNamePattern enforces the UpstreamRecord.Name invariant: the name
// becomes the namespace prefix on the wire (router.go splits "name/tool" on
// the first "/"), so it can never itself contain a "/" or other separator.
var upstreamNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store is the subscription/provider/upstream persistence layer.
type Store struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
	logger    *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]Subscription
}

// New creates a Store backed by the given pool and encryptor.
func New(pool *pgxpool.Pool, encryptor *crypto.Encryptor, logger *slog.Logger) *Store {
	return &Store{
		pool:      pool,
		encryptor: encryptor,
		logger:    logger,
		cache:     make(map[string]Subscription),
	}
}

// EnsureUser inserts the user if absent (keyed by email) and returns the
// row either way. Idempotent.
func (s *Store) EnsureUser(ctx context.Context, email, name string) (*User, error) {
	var displayName *string
	if name != "" {
		displayName = &name
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name)
		VALUES (gen_random_uuid()::text, $1, $2)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, COALESCE(display_name, ''), created_at
	`, email, displayName)

	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("ensuring user %q: %w", email, err)
	}
	return &u, nil
}

// ListUsers returns every user row.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, email, COALESCE(display_name, ''), created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpsertSubscription creates or updates a user's subscription. Quotas
// default to the tier preset when nil. On update, quota bounds change but
// counters are preserved (COALESCE against the existing row). Invalidates
// the cache entry for user_id.
func (s *Store) UpsertSubscription(ctx context.Context, userID string, tier Tier, expiresAt *time.Time, quota *Quota) (*Subscription, error) {
	q := PresetFor(tier)
	if quota != nil {
		q = *quota
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, tier, expires_at, max_tokens, max_requests, max_concurrent, tokens_used, requests_used)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			expires_at = EXCLUDED.expires_at,
			max_tokens = EXCLUDED.max_tokens,
			max_requests = EXCLUDED.max_requests,
			max_concurrent = EXCLUDED.max_concurrent,
			tokens_used = COALESCE(subscriptions.tokens_used, 0),
			requests_used = COALESCE(subscriptions.requests_used, 0)
		RETURNING user_id, tier, expires_at, max_tokens, max_requests, max_concurrent, tokens_used, requests_used
	`, userID, string(tier), expiresAt, q.MaxTokens, q.MaxRequests, q.MaxConcurrent)

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("upserting subscription for %q: %w", userID, err)
	}

	s.invalidate(userID)
	return sub, nil
}

// GetSubscription reads the cache first; on miss it loads from the
// database and populates the cache.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	s.cacheMu.RLock()
	if sub, ok := s.cache[userID]; ok {
		s.cacheMu.RUnlock()
		cpy := sub
		return &cpy, nil
	}
	s.cacheMu.RUnlock()

	row := s.pool.QueryRow(ctx, `
		SELECT user_id, tier, expires_at, max_tokens, max_requests, max_concurrent, tokens_used, requests_used
		FROM subscriptions WHERE user_id = $1
	`, userID)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading subscription for %q: %w", userID, err)
	}

	s.cacheMu.Lock()
	s.cache[userID] = *sub
	s.cacheMu.Unlock()

	return sub, nil
}

// RecordUsage atomically increments tokens_used and requests_used and
// inserts a UsageCounter row. Must not fail a call if it fails to persist —
// callers should log and continue, which is why this only returns an error
// for the caller to decide whether to do so.
func (s *Store) RecordUsage(ctx context.Context, userID string, tokens int64, providerSlug string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning usage transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE subscriptions SET tokens_used = tokens_used + $1, requests_used = requests_used + 1
		WHERE user_id = $2
	`, tokens, userID); err != nil {
		return fmt.Errorf("incrementing usage for %q: %w", userID, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_counters (provider_slug, user_id, tokens, recorded_at)
		VALUES ($1, $2, $3, now())
	`, providerSlug, userID, tokens); err != nil {
		return fmt.Errorf("inserting usage counter for %q: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing usage transaction: %w", err)
	}

	s.invalidate(userID)
	return nil
}

func (s *Store) invalidate(userID string) {
	s.cacheMu.Lock()
	delete(s.cache, userID)
	s.cacheMu.Unlock()
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var tier string
	if err := row.Scan(&sub.UserID, &tier, &sub.ExpiresAt, &sub.MaxTokens, &sub.MaxRequests, &sub.MaxConcurrent, &sub.TokensUsed, &sub.RequestsUsed); err != nil {
		return nil, err
	}
	sub.Tier = Tier(tier)
	return &sub, nil
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const tokenLen = 48

// IssueToken mints a random 48-character alphanumeric token for a user.
func (s *Store) IssueToken(ctx context.Context, userID, scope string) (*ApiToken, error) {
	if scope == "" {
		scope = "default"
	}
	token, err := randomToken(tokenLen)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO api_tokens (id, user_id, token, scope)
		VALUES (gen_random_uuid()::text, $1, $2, $3)
		RETURNING id, user_id, token, scope, created_at
	`, userID, token, scope)

	var t ApiToken
	if err := row.Scan(&t.ID, &t.UserID, &t.Token, &t.Scope, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("issuing token for %q: %w", userID, err)
	}
	return &t, nil
}

// ListTokens returns tokens, optionally filtered to a single user.
func (s *Store) ListTokens(ctx context.Context, userID string) ([]ApiToken, error) {
	var rows pgx.Rows
	var err error
	if userID != "" {
		rows, err = s.pool.Query(ctx, `SELECT id, user_id, token, scope, created_at FROM api_tokens WHERE user_id = $1 ORDER BY created_at`, userID)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT id, user_id, token, scope, created_at FROM api_tokens ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var tokens []ApiToken
	for rows.Next() {
		var t ApiToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Scope, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = tokenAlphabet[idx.Int64()]
	}
	return string(buf), nil
}

// PutProvider upserts by slug; updates display_name and description on
// conflict.
func (s *Store) PutProvider(ctx context.Context, np NewProvider) (*Provider, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO providers (id, slug, display_name, description)
		VALUES (gen_random_uuid()::text, $1, $2, $3)
		ON CONFLICT (slug) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description
		RETURNING id, slug, display_name, description
	`, np.Slug, np.DisplayName, np.Description)

	var p Provider
	if err := row.Scan(&p.ID, &p.Slug, &p.DisplayName, &p.Description); err != nil {
		return nil, fmt.Errorf("upserting provider %q: %w", np.Slug, err)
	}
	return &p, nil
}

// ListProviders returns every provider row.
func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, slug, display_name, description FROM providers ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var providers []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Slug, &p.DisplayName, &p.Description); err != nil {
			return nil, fmt.Errorf("scanning provider row: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// StoreProviderKey encrypts plaintext and stores it under (slug, name).
// Plaintext never leaves process memory beyond this call.
func (s *Store) StoreProviderKey(ctx context.Context, slug, name string, mode ProviderKeyMode, plaintext []byte) error {
	providerID, err := s.providerID(ctx, slug)
	if err != nil {
		return err
	}

	ciphertext, err := s.encryptor.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypting provider key %q/%q: %w", slug, name, err)
	}

	if mode == "" {
		mode = ModeStaticBearer
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO provider_keys (provider_id, name, mode, ciphertext, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (provider_id, name) DO UPDATE SET
			mode = EXCLUDED.mode,
			ciphertext = EXCLUDED.ciphertext,
			updated_at = now()
	`, providerID, name, string(mode), ciphertext)
	if err != nil {
		return fmt.Errorf("storing provider key %q/%q: %w", slug, name, err)
	}
	return nil
}

// FetchProviderKey decrypts and returns the plaintext for (slug, name), or
// nil if no such key exists.
func (s *Store) FetchProviderKey(ctx context.Context, slug, name string) ([]byte, error) {
	providerID, err := s.providerID(ctx, slug)
	if err != nil {
		return nil, err
	}

	var ciphertext string
	err = s.pool.QueryRow(ctx, `
		SELECT ciphertext FROM provider_keys WHERE provider_id = $1 AND name = $2
	`, providerID, name).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching provider key %q/%q: %w", slug, name, err)
	}

	plaintext, err := s.encryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting provider key %q/%q: %w", slug, name, err)
	}
	return plaintext, nil
}

func (s *Store) providerID(ctx context.Context, slug string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM providers WHERE slug = $1`, slug).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("looking up provider %q: %w", slug, err)
	}
	return id, nil
}

// UpsertUpstream inserts or replaces an upstream record. Args are stored as
// a JSON array string.
func (s *Store) UpsertUpstream(ctx context.Context, rec UpstreamRecord) error {
	if !upstreamNamePattern.MatchString(rec.Name) {
		return fmt.Errorf("upstream name %q must match [A-Za-z0-9_-]+", rec.Name)
	}

	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshaling upstream args for %q: %w", rec.Name, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO upstreams (name, kind, command, args, url, bearer, provider_slug)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind,
			command = EXCLUDED.command,
			args = EXCLUDED.args,
			url = EXCLUDED.url,
			bearer = EXCLUDED.bearer,
			provider_slug = EXCLUDED.provider_slug
	`, rec.Name, string(rec.Kind), rec.Command, string(argsJSON), rec.URL, rec.Bearer, rec.ProviderSlug)
	if err != nil {
		return fmt.Errorf("upserting upstream %q: %w", rec.Name, err)
	}
	return nil
}

// ListUpstreams returns every upstream record.
func (s *Store) ListUpstreams(ctx context.Context) ([]UpstreamRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, kind, command, args, url, bearer, provider_slug FROM upstreams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing upstreams: %w", err)
	}
	defer rows.Close()

	var records []UpstreamRecord
	for rows.Next() {
		var rec UpstreamRecord
		var kind string
		var argsJSON string
		if err := rows.Scan(&rec.Name, &kind, &rec.Command, &argsJSON, &rec.URL, &rec.Bearer, &rec.ProviderSlug); err != nil {
			return nil, fmt.Errorf("scanning upstream row: %w", err)
		}
		rec.Kind = UpstreamKind(kind)
		if argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
				return nil, fmt.Errorf("unmarshaling args for upstream %q: %w", rec.Name, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
