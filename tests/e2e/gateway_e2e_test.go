// Package e2e exercises the gateway end to end: the admin API, the
// validation endpoint, and the storage layer wired together over an
// in-memory database.
package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexilearn/token-gateway/internal/admin"
	"github.com/lexilearn/token-gateway/internal/gateway"
	"github.com/lexilearn/token-gateway/internal/middleware"
	"github.com/lexilearn/token-gateway/internal/permission"
	"github.com/lexilearn/token-gateway/internal/ratelimit"
	"github.com/lexilearn/token-gateway/internal/storage"
	"github.com/lexilearn/token-gateway/internal/token"
	"github.com/lexilearn/token-gateway/internal/usagelog"
)

const adminSecret = "e2e-admin-secret-0123456789"

// clock is a settable time source shared by every component under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	t      *testing.T
	router http.Handler
	clock  *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := usagelog.NewRecorder(store, logger, usagelog.Config{})
	t.Cleanup(func() { recorder.Close() }) //nolint:errcheck

	clk := &clock{now: time.Date(2026, 5, 20, 14, 30, 0, 0, time.UTC)}
	permCache := permission.NewCachedSource(store, time.Second)
	validator := gateway.NewValidator(store, permCache, ratelimit.NewLimiter(store),
		gateway.WithClock(clk.Now))
	issuer := token.NewIssuer(store)

	adminHandler := admin.NewHandler(store, issuer, permCache, adminSecret, logger)
	gatewayHandler := gateway.NewHandler(validator, recorder, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Post("/v1/validate", gatewayHandler.Validate)
	r.Mount("/admin", adminHandler.NewRouter())

	return &env{t: t, router: r, clock: clk}
}

func (e *env) adminDo(method, target, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", "Bearer "+adminSecret)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// issue creates a token through the admin API and returns its ID and
// plaintext secret.
func (e *env) issue(body string) (int64, string) {
	e.t.Helper()
	w := e.adminDo(http.MethodPost, "/admin/api/tokens", body)
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		ID     int64  `json:"id"`
		Secret string `json:"secret"`
	}
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotZero(e.t, resp.ID)
	require.NotEmpty(e.t, resp.Secret)
	return resp.ID, resp.Secret
}

// validate posts to /v1/validate with the given secret and extra body
// fields.
func (e *env) validate(secret string, extra map[string]any) *httptest.ResponseRecorder {
	e.t.Helper()
	body := map[string]any{
		"path":      "/api/v1/words",
		"method":    "GET",
		"client_ip": "10.0.0.1",
		"secret":    secret,
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(e.t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/validate", strings.NewReader(string(raw)))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestMobileTokenLifecycle(t *testing.T) {
	e := newEnv(t)

	id, secret := e.issue(`{
		"kind": "mobile",
		"name": "android-prod",
		"role": "user",
		"required_app_version": "2.1.0"
	}`)

	// First validation succeeds and reports the mobile attributes.
	w := e.validate(secret, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Authorized         bool   `json:"authorized"`
		TokenID            int64  `json:"token_id"`
		Role               string `json:"role"`
		RequiredAppVersion string `json:"required_app_version"`
		UsageCount         int64  `json:"usage_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Authorized)
	assert.Equal(t, id, resp.TokenID)
	assert.Equal(t, "user", resp.Role)
	assert.Equal(t, "2.1.0", resp.RequiredAppVersion)
	assert.Equal(t, int64(1), resp.UsageCount)

	// Each successful validation increments the usage count.
	w = e.validate(secret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.UsageCount)
}

func TestRevokeTakesEffectImmediately(t *testing.T) {
	e := newEnv(t)

	id, secret := e.issue(`{"kind": "mobile", "name": "to-revoke", "role": "user"}`)

	w := e.validate(secret, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.adminDo(http.MethodPost, fmt.Sprintf("/admin/api/tokens/%d/revoke", id), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// No cached status anywhere: the very next attempt is denied.
	w = e.validate(secret, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "token_inactive", errorCode(t, w))
}

func TestRegenerateInvalidatesOldSecret(t *testing.T) {
	e := newEnv(t)

	id, oldSecret := e.issue(`{"kind": "mobile", "name": "to-rotate", "role": "user"}`)

	w := e.adminDo(http.MethodPost, fmt.Sprintf("/admin/api/tokens/%d/regenerate", id), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEqual(t, oldSecret, resp.Secret)

	w = e.validate(oldSecret, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "token_not_found", errorCode(t, w))

	w = e.validate(resp.Secret, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHourlyRateLimit(t *testing.T) {
	e := newEnv(t)

	_, secret := e.issue(`{
		"kind": "api",
		"name": "partner-sync",
		"client_name": "Partner Inc",
		"rate_limit_per_hour": 3
	}`)

	for i := 0; i < 3; i++ {
		w := e.validate(secret, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d: %s", i+1, w.Body.String())
	}

	w := e.validate(secret, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit_exceeded", errorCode(t, w))

	// The window is wall-clock aligned; the next hour admits again.
	e.clock.Advance(time.Hour)
	w = e.validate(secret, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestUsageCap(t *testing.T) {
	e := newEnv(t)

	_, secret := e.issue(`{
		"kind": "mobile",
		"name": "capped",
		"role": "user",
		"max_usage_count": 2
	}`)

	for i := 0; i < 2; i++ {
		w := e.validate(secret, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := e.validate(secret, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "usage_limit_exceeded", errorCode(t, w))
}

func TestModelPermissions(t *testing.T) {
	e := newEnv(t)

	id, secret := e.issue(`{
		"kind": "api",
		"name": "reader",
		"client_name": "Reader Inc",
		"permissions": [{
			"model_name": "words",
			"can_read": true,
			"can_list": true,
			"restricted_fields": ["internal_notes"]
		}]
	}`)

	// Read on the granted model: allowed, restricted field stripped.
	w := e.validate(secret, map[string]any{
		"model":     "words",
		"operation": "read",
		"fields":    []string{"term", "internal_notes"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		AllowedFields []string `json:"allowed_fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"term"}, resp.AllowedFields)

	// Ungranted operation on the same model.
	w = e.validate(secret, map[string]any{"model": "words", "operation": "delete"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", errorCode(t, w))

	// No grant at all for another model.
	w = e.validate(secret, map[string]any{"model": "users", "operation": "read"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", errorCode(t, w))

	// Granting the model through the admin API invalidates the cached
	// miss, so the change is visible at once.
	w = e.adminDo(http.MethodPut, fmt.Sprintf("/admin/api/tokens/%d/permissions", id),
		`{"model_name": "users", "can_read": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.validate(secret, map[string]any{"model": "users", "operation": "read"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestEndpointAllowlist(t *testing.T) {
	e := newEnv(t)

	_, secret := e.issue(`{
		"kind": "api",
		"name": "scoped",
		"client_name": "Scoped Inc",
		"allowed_endpoints": ["/api/v1/words/"]
	}`)

	w := e.validate(secret, map[string]any{"path": "/api/v1/words/42"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.validate(secret, map[string]any{"path": "/api/v1/users"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "endpoint_not_allowed", errorCode(t, w))
}

func TestIPAllowlist(t *testing.T) {
	e := newEnv(t)

	_, secret := e.issue(`{
		"kind": "mobile",
		"name": "office-only",
		"role": "user",
		"allowed_ips": ["10.0.0.0/8"]
	}`)

	w := e.validate(secret, map[string]any{"client_ip": "10.1.2.3"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.validate(secret, map[string]any{"client_ip": "203.0.113.9"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ip_not_allowed", errorCode(t, w))
}

func TestUsageLogReachesAdminAPI(t *testing.T) {
	e := newEnv(t)

	id, secret := e.issue(`{"kind": "mobile", "name": "logged", "role": "user"}`)

	e.validate(secret, nil)
	e.validate("mob_doesnotexist0000000000000000000000000000000000000000000000000", nil)

	// The recorder flushes asynchronously; poll the admin API.
	deadline := time.Now().Add(5 * time.Second)
	for {
		w := e.adminDo(http.MethodGet, "/admin/api/usage", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Entries []struct {
				TokenID   int64  `json:"token_id"`
				ErrorCode string `json:"error_code"`
			} `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		if len(resp.Entries) >= 2 {
			var sawSuccess, sawDenial bool
			for _, entry := range resp.Entries {
				if entry.TokenID == id && entry.ErrorCode == "" {
					sawSuccess = true
				}
				if entry.ErrorCode == "token_not_found" {
					sawDenial = true
				}
			}
			assert.True(t, sawSuccess, "expected a success entry for the issued token")
			assert.True(t, sawDenial, "expected a denial entry for the unknown secret")
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("usage log never flushed, have %d entries", len(resp.Entries))
		}
		time.Sleep(50 * time.Millisecond)
	}
}
