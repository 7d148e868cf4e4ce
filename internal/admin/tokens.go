package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lexilearn/token-gateway/internal/storage"
	"github.com/lexilearn/token-gateway/internal/token"
)

// permissionBody is a model grant in issue requests and token views.
type permissionBody struct {
	ID        int64  `json:"id,omitempty"`
	ModelName string `json:"model_name"`

	CanCreate     bool `json:"can_create"`
	CanRead       bool `json:"can_read"`
	CanUpdate     bool `json:"can_update"`
	CanDelete     bool `json:"can_delete"`
	CanList       bool `json:"can_list"`
	CanBulkCreate bool `json:"can_bulk_create"`
	CanBulkUpdate bool `json:"can_bulk_update"`
	CanBulkDelete bool `json:"can_bulk_delete"`

	RestrictedFields []string `json:"restricted_fields,omitempty"`
	ReadonlyFields   []string `json:"readonly_fields,omitempty"`
}

// issueRequest is the body of POST /api/tokens.
type issueRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name"`

	Role               string `json:"role,omitempty"`
	RequiredAppVersion string `json:"required_app_version,omitempty"`

	ClientName       string   `json:"client_name,omitempty"`
	ClientEmail      string   `json:"client_email,omitempty"`
	RateLimitPerHour int64    `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  int64    `json:"rate_limit_per_day,omitempty"`
	AllowedEndpoints []string `json:"allowed_endpoints,omitempty"`

	AllowedIPs    []string   `json:"allowed_ips,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxUsageCount int64      `json:"max_usage_count,omitempty"`

	Permissions []permissionBody `json:"permissions,omitempty"`
}

// tokenView is the JSON representation of a stored token. The secret is
// present only in issue and regenerate responses, never in views.
type tokenView struct {
	ID     int64  `json:"id"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Status string `json:"status"`

	Role               string `json:"role,omitempty"`
	RequiredAppVersion string `json:"required_app_version,omitempty"`

	ClientName       string   `json:"client_name,omitempty"`
	ClientEmail      string   `json:"client_email,omitempty"`
	RateLimitPerHour int64    `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  int64    `json:"rate_limit_per_day,omitempty"`
	AllowedEndpoints []string `json:"allowed_endpoints,omitempty"`

	AllowedIPs    []string   `json:"allowed_ips,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxUsageCount int64      `json:"max_usage_count,omitempty"`
	UsageCount    int64      `json:"usage_count"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	Permissions []permissionBody `json:"permissions,omitempty"`
}

// HandleIssueToken creates a new token and returns it with the plaintext
// secret. This response is the only time the secret is visible.
// POST /api/tokens
func (h *Handler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	kind := storage.TokenKind(req.Kind)
	if kind != storage.KindMobile && kind != storage.KindAPI {
		WriteErrorWithHint(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"unknown token kind", "kind must be 'mobile' or 'api'")
		return
	}

	policy := token.Policy{
		Name:               req.Name,
		Role:               req.Role,
		RequiredAppVersion: req.RequiredAppVersion,
		ClientName:         req.ClientName,
		ClientEmail:        req.ClientEmail,
		RateLimitPerHour:   req.RateLimitPerHour,
		RateLimitPerDay:    req.RateLimitPerDay,
		AllowedEndpoints:   req.AllowedEndpoints,
		AllowedIPs:         req.AllowedIPs,
		ExpiresAt:          req.ExpiresAt,
		MaxUsageCount:      req.MaxUsageCount,
	}
	for _, p := range req.Permissions {
		policy.Permissions = append(policy.Permissions, permissionFromBody(0, p))
	}

	t, secret, err := h.issuer.Issue(r.Context(), kind, policy)
	if err != nil {
		if errors.Is(err, token.ErrInvalidPolicy) || errors.Is(err, token.ErrInvalidExpiresAt) {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidPolicy, err.Error())
			return
		}
		h.logger.Error("token issuance failed", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to issue token")
		return
	}

	h.logger.Info("token issued",
		"token_id", t.ID,
		"kind", t.Kind,
		"name", t.Name,
		"secret", token.MaskSecret(secret),
	)

	view := viewFromToken(t, nil)
	writeJSON(w, http.StatusCreated, struct {
		tokenView
		Secret string `json:"secret"`
	}{view, secret})
}

// HandleListTokens returns all tokens, without permissions.
// GET /api/tokens
func (h *Handler) HandleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.storage.ListTokens(r.Context())
	if err != nil {
		h.logger.Error("failed to list tokens", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list tokens")
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, viewFromToken(t, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

// HandleGetToken returns one token with its permission grants.
// GET /api/tokens/{id}
func (h *Handler) HandleGetToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	t, err := h.storage.GetTokenByID(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "failed to get token")
		return
	}

	perms, err := h.storage.ListPermissions(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list permissions", "token_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to load permissions")
		return
	}

	writeJSON(w, http.StatusOK, viewFromToken(t, perms))
}

// HandleDeleteToken removes a token and its dependent rows.
// DELETE /api/tokens/{id}
func (h *Handler) HandleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.storage.DeleteToken(r.Context(), id); err != nil {
		h.writeLookupError(w, err, "failed to delete token")
		return
	}

	h.cache.Invalidate(id)
	h.logger.Info("token deleted", "token_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRevokeToken permanently disables a token. Takes effect on the
// next validation attempt; token status is never cached.
// POST /api/tokens/{id}/revoke
func (h *Handler) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "revoked", h.issuer.Revoke)
}

// HandleActivateToken re-enables an inactive token.
// POST /api/tokens/{id}/activate
func (h *Handler) HandleActivateToken(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "active", h.issuer.Activate)
}

// HandleDeactivateToken pauses a token without revoking it.
// POST /api/tokens/{id}/deactivate
func (h *Handler) HandleDeactivateToken(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "inactive", h.issuer.Deactivate)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, status string, do func(ctx context.Context, id int64) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := do(r.Context(), id); err != nil {
		h.writeLookupError(w, err, "failed to update token status")
		return
	}

	h.logger.Info("token status changed", "token_id", id, "status", status)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}

// HandleRegenerateToken swaps in a new secret. The old secret stops
// validating the moment the row commits.
// POST /api/tokens/{id}/regenerate
func (h *Handler) HandleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	secret, err := h.issuer.Regenerate(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "failed to regenerate secret")
		return
	}

	h.logger.Info("token secret regenerated", "token_id", id, "secret", token.MaskSecret(secret))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "secret": secret})
}

// HandleBulkRevoke revokes a batch of tokens as independent idempotent
// operations; tokens that are missing or already revoked are skipped.
// POST /api/tokens/revoke
func (h *Handler) HandleBulkRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "ids must not be empty")
		return
	}

	revoked, err := h.issuer.RevokeAll(r.Context(), req.IDs)
	if err != nil {
		h.logger.Error("bulk revoke failed", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "bulk revoke failed")
		return
	}

	h.logger.Info("tokens revoked", "requested", len(req.IDs), "revoked", len(revoked))
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

// HandleUpsertPermission creates or replaces a model grant for a token.
// PUT /api/tokens/{id}/permissions
func (h *Handler) HandleUpsertPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body permissionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if body.ModelName == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "model_name is required")
		return
	}

	if _, err := h.storage.GetTokenByID(r.Context(), id); err != nil {
		h.writeLookupError(w, err, "failed to get token")
		return
	}

	if err := h.storage.UpsertPermission(r.Context(), permissionFromBody(id, body)); err != nil {
		h.logger.Error("failed to upsert permission", "token_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to save permission")
		return
	}

	// Cached rows may be stale for up to the TTL; drop them now.
	h.cache.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]any{"token_id": id, "model_name": body.ModelName})
}

// HandleDeletePermission removes a model grant.
// DELETE /api/tokens/{id}/permissions/{pid}
func (h *Handler) HandleDeletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pid, err := strconv.ParseInt(chi.URLParam(r, "pid"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid permission ID")
		return
	}

	if err := h.storage.DeletePermission(r.Context(), pid); err != nil {
		h.writeLookupError(w, err, "failed to delete permission")
		return
	}

	h.cache.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, logMsg string) {
	if errors.Is(err, storage.ErrNotFound) {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "token not found")
		return
	}
	h.logger.Error(logMsg, "error", err)
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, logMsg)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid token ID")
		return 0, false
	}
	return id, true
}

func permissionFromBody(tokenID int64, b permissionBody) *storage.ModelPermission {
	return &storage.ModelPermission{
		TokenID:          tokenID,
		ModelName:        b.ModelName,
		CanCreate:        b.CanCreate,
		CanRead:          b.CanRead,
		CanUpdate:        b.CanUpdate,
		CanDelete:        b.CanDelete,
		CanList:          b.CanList,
		CanBulkCreate:    b.CanBulkCreate,
		CanBulkUpdate:    b.CanBulkUpdate,
		CanBulkDelete:    b.CanBulkDelete,
		RestrictedFields: b.RestrictedFields,
		ReadonlyFields:   b.ReadonlyFields,
	}
}

func viewFromToken(t *storage.Token, perms []*storage.ModelPermission) tokenView {
	v := tokenView{
		ID:                 t.ID,
		Kind:               string(t.Kind),
		Name:               t.Name,
		Status:             string(t.Status),
		Role:               t.Role,
		RequiredAppVersion: t.RequiredAppVersion,
		ClientName:         t.ClientName,
		ClientEmail:        t.ClientEmail,
		RateLimitPerHour:   t.RateLimitPerHour,
		RateLimitPerDay:    t.RateLimitPerDay,
		AllowedEndpoints:   t.AllowedEndpoints,
		AllowedIPs:         t.AllowedIPs,
		ExpiresAt:          t.ExpiresAt,
		MaxUsageCount:      t.MaxUsageCount,
		UsageCount:         t.UsageCount,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		LastUsedAt:         t.LastUsedAt,
	}
	for _, p := range perms {
		v.Permissions = append(v.Permissions, permissionBody{
			ID:               p.ID,
			ModelName:        p.ModelName,
			CanCreate:        p.CanCreate,
			CanRead:          p.CanRead,
			CanUpdate:        p.CanUpdate,
			CanDelete:        p.CanDelete,
			CanList:          p.CanList,
			CanBulkCreate:    p.CanBulkCreate,
			CanBulkUpdate:    p.CanBulkUpdate,
			CanBulkDelete:    p.CanBulkDelete,
			RestrictedFields: p.RestrictedFields,
			ReadonlyFields:   p.ReadonlyFields,
		})
	}
	return v
}
