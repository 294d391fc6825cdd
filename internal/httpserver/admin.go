package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/mcprouter/internal/store"
)

// auditActor names the caller in audit log entries. The admin surface is
// gated by a single shared bearer secret rather than per-user identities,
// so every mutation is attributed to the gate itself.
const auditActor = "bearer"

// auditDetail best-effort marshals v for the audit log's detail column.
// A marshal failure drops the detail rather than failing the mutation.
func auditDetail(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// mountAdmin wires the bearer-gated CRUD surface used to bootstrap and
// inspect upstreams, providers, subscriptions, and users. It carries no
// business logic beyond marshaling — all of it lives in internal/store.
func (s *Server) mountAdmin(r chi.Router) {
	r.Get("/upstreams", s.handleListUpstreams)
	r.Post("/upstreams", s.handleCreateUpstream)
	r.Get("/providers", s.handleListProviders)
	r.Post("/providers", s.handleCreateProvider)
	r.Post("/providers/{slug}/keys", s.handleCreateProviderKey)
	r.Get("/subscriptions/{userID}", s.handleGetSubscription)
	r.Post("/subscriptions", s.handleCreateSubscription)
	r.Get("/users", s.handleListUsers)
	r.Post("/users", s.handleCreateUser)
}

func (s *Server) handleListUpstreams(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListUpstreams(r.Context())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]any{"upstreams": items})
}

type createUpstreamRequest struct {
	Name         string   `json:"name" validate:"required,upstreamname"`
	Kind         string   `json:"kind" validate:"required,oneof=stdio http"`
	Command      *string  `json:"command,omitempty"`
	Args         []string `json:"args,omitempty"`
	URL          *string  `json:"url,omitempty"`
	Bearer       *string  `json:"bearer,omitempty"`
	ProviderSlug *string  `json:"provider_slug,omitempty"`
}

func (s *Server) handleCreateUpstream(w http.ResponseWriter, r *http.Request) {
	var req createUpstreamRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	rec := store.UpstreamRecord{
		Name:         req.Name,
		Kind:         store.UpstreamKind(req.Kind),
		Command:      req.Command,
		Args:         req.Args,
		URL:          req.URL,
		Bearer:       req.Bearer,
		ProviderSlug: req.ProviderSlug,
	}
	if err := s.store.UpsertUpstream(r.Context(), rec); err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if s.auditLogger != nil {
		s.auditLogger.LogFromRequest(r, auditActor, "create", "upstream", rec.Name, auditDetail(rec))
	}
	Respond(w, http.StatusCreated, rec)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListProviders(r.Context())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]any{"providers": items})
}

type createProviderRequest struct {
	Slug        string  `json:"slug" validate:"required"`
	DisplayName string  `json:"display_name" validate:"required"`
	Description *string `json:"description,omitempty"`
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req createProviderRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	provider, err := s.store.PutProvider(r.Context(), store.NewProvider{
		Slug:        req.Slug,
		DisplayName: req.DisplayName,
		Description: req.Description,
	})
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if s.auditLogger != nil {
		s.auditLogger.LogFromRequest(r, auditActor, "create", "provider", provider.Slug, auditDetail(provider))
	}
	Respond(w, http.StatusCreated, provider)
}

type createProviderKeyRequest struct {
	Name      string `json:"name" validate:"required"`
	Mode      string `json:"mode" validate:"required,oneof=static_bearer oauth2_client_credentials"`
	Plaintext string `json:"plaintext" validate:"required"`
}

func (s *Server) handleCreateProviderKey(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var req createProviderKeyRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if err := s.store.StoreProviderKey(r.Context(), slug, req.Name, store.ProviderKeyMode(req.Mode), []byte(req.Plaintext)); err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if s.auditLogger != nil {
		// Never audit the plaintext secret, only which key was set and how.
		s.auditLogger.LogFromRequest(r, auditActor, "create", "provider_key", slug+"/"+req.Name,
			auditDetail(map[string]string{"name": req.Name, "mode": req.Mode}))
	}
	Respond(w, http.StatusCreated, map[string]string{"provider_slug": slug, "name": req.Name})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	sub, err := s.store.GetSubscription(r.Context(), userID)
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if sub == nil {
		RespondError(w, r, http.StatusNotFound, "not_found", "no subscription for this user")
		return
	}
	Respond(w, http.StatusOK, sub)
}

type createSubscriptionRequest struct {
	UserID    string  `json:"user_id" validate:"required"`
	Tier      string  `json:"tier" validate:"required,oneof=basic pro enterprise"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "bad_request", "expires_at must be RFC3339")
			return
		}
		expiresAt = &ts
	}

	sub, err := s.store.UpsertSubscription(r.Context(), req.UserID, store.Tier(req.Tier), expiresAt, nil)
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if s.auditLogger != nil {
		s.auditLogger.LogFromRequest(r, auditActor, "create", "subscription", sub.UserID, auditDetail(sub))
	}
	Respond(w, http.StatusCreated, sub)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListUsers(r.Context())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]any{"users": items})
}

type createUserRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	user, err := s.store.EnsureUser(r.Context(), req.Email, req.DisplayName)
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if s.auditLogger != nil {
		s.auditLogger.LogFromRequest(r, auditActor, "create", "user", user.ID, auditDetail(user))
	}
	Respond(w, http.StatusCreated, user)
}
