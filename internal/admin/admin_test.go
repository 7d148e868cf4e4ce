package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lexilearn/token-gateway/internal/storage"
	"github.com/lexilearn/token-gateway/internal/token"
)

const testAdminSecret = "correct-horse-battery-staple"

type fakeStorage struct {
	tokens      map[int64]*storage.Token
	permissions map[int64][]*storage.ModelPermission
	upserted    []*storage.ModelPermission
	summary     *storage.UsageSummary
	entries     []*storage.UsageEntry
	lastFilter  storage.UsageFilter
	pingErr     error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		tokens:      make(map[int64]*storage.Token),
		permissions: make(map[int64][]*storage.ModelPermission),
	}
}

func (f *fakeStorage) Ping(context.Context) error { return f.pingErr }

func (f *fakeStorage) GetTokenByID(_ context.Context, id int64) (*storage.Token, error) {
	t, ok := f.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStorage) ListTokens(context.Context) ([]*storage.Token, error) {
	out := make([]*storage.Token, 0, len(f.tokens))
	for _, t := range f.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStorage) DeleteToken(_ context.Context, id int64) error {
	if _, ok := f.tokens[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.tokens, id)
	return nil
}

func (f *fakeStorage) UpsertPermission(_ context.Context, p *storage.ModelPermission) error {
	f.upserted = append(f.upserted, p)
	return nil
}

func (f *fakeStorage) GetPermission(_ context.Context, tokenID int64, modelName string) (*storage.ModelPermission, error) {
	for _, p := range f.permissions[tokenID] {
		if p.ModelName == modelName {
			return p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStorage) ListPermissions(_ context.Context, tokenID int64) ([]*storage.ModelPermission, error) {
	return f.permissions[tokenID], nil
}

func (f *fakeStorage) DeletePermission(_ context.Context, id int64) error {
	for tokenID, perms := range f.permissions {
		for i, p := range perms {
			if p.ID == id {
				f.permissions[tokenID] = append(perms[:i], perms[i+1:]...)
				return nil
			}
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStorage) GetUsageSummary(_ context.Context, tokenID int64, since time.Time) (*storage.UsageSummary, error) {
	if f.summary != nil {
		return f.summary, nil
	}
	return &storage.UsageSummary{TokenID: tokenID, Since: since}, nil
}

func (f *fakeStorage) ListUsageEntries(_ context.Context, filter storage.UsageFilter) ([]*storage.UsageEntry, error) {
	f.lastFilter = filter
	return f.entries, nil
}

type fakeIssuer struct {
	issued    *storage.Token
	issueErr  error
	secret    string
	transited map[string][]int64
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{secret: "mob_newsecret1234", transited: make(map[string][]int64)}
}

func (f *fakeIssuer) Issue(_ context.Context, kind storage.TokenKind, policy token.Policy) (*storage.Token, string, error) {
	if f.issueErr != nil {
		return nil, "", f.issueErr
	}
	f.issued = &storage.Token{
		ID:     1,
		Kind:   kind,
		Name:   policy.Name,
		Status: storage.StatusActive,
		Role:   policy.Role,
	}
	return f.issued, f.secret, nil
}

func (f *fakeIssuer) Regenerate(_ context.Context, id int64) (string, error) {
	f.transited["regenerate"] = append(f.transited["regenerate"], id)
	return f.secret, nil
}

func (f *fakeIssuer) Revoke(_ context.Context, id int64) error {
	f.transited["revoke"] = append(f.transited["revoke"], id)
	return nil
}

func (f *fakeIssuer) Activate(_ context.Context, id int64) error {
	f.transited["activate"] = append(f.transited["activate"], id)
	return nil
}

func (f *fakeIssuer) Deactivate(_ context.Context, id int64) error {
	f.transited["deactivate"] = append(f.transited["deactivate"], id)
	return nil
}

func (f *fakeIssuer) RevokeAll(_ context.Context, ids []int64) ([]int64, error) {
	f.transited["revoke_all"] = append(f.transited["revoke_all"], ids...)
	return ids, nil
}

type fakeCache struct {
	invalidated []int64
}

func (f *fakeCache) Invalidate(tokenID int64) {
	f.invalidated = append(f.invalidated, tokenID)
}

type fixture struct {
	storage *fakeStorage
	issuer  *fakeIssuer
	cache   *fakeCache
	router  http.Handler
}

func newFixture() *fixture {
	st := newFakeStorage()
	issuer := newFakeIssuer()
	cache := &fakeCache{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(st, issuer, cache, testAdminSecret, logger)
	return &fixture{storage: st, issuer: issuer, cache: cache, router: h.NewRouter()}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", "Bearer "+testAdminSecret)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return apiErr
}

func TestSecretAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		auth       string
		wantStatus int
	}{
		{name: "missing header", auth: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", auth: "Basic " + testAdminSecret, wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", auth: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "correct secret", auth: "Bearer " + testAdminSecret, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if apiErr := decodeAPIError(t, w); apiErr.Error != ErrCodeInvalidCredentials {
					t.Errorf("error code = %q, want %q", apiErr.Error, ErrCodeInvalidCredentials)
				}
			}
		})
	}
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	t.Parallel()

	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("GET /health without auth = %d, want 200", w.Code)
	}
}

func TestReadyReportsStoreFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.storage.pingErr = errors.New("database is locked")
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /ready with a dead store = %d, want 503", w.Code)
	}
}

func TestIssueToken(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.do(http.MethodPost, "/api/tokens", `{
		"kind": "mobile",
		"name": "android-prod",
		"role": "user"
	}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID     int64  `json:"id"`
		Kind   string `json:"kind"`
		Name   string `json:"name"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Kind != "mobile" || resp.Name != "android-prod" {
		t.Errorf("issued = %+v, want mobile android-prod", resp)
	}
	if resp.Secret != f.issuer.secret {
		t.Errorf("secret = %q, want the plaintext secret in the issue response", resp.Secret)
	}
}

func TestIssueTokenUnknownKind(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.do(http.MethodPost, "/api/tokens", `{"kind": "service", "name": "x"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if apiErr := decodeAPIError(t, w); apiErr.Error != ErrCodeInvalidRequest {
		t.Errorf("error code = %q, want %q", apiErr.Error, ErrCodeInvalidRequest)
	}
}

func TestIssueTokenInvalidPolicy(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.issuer.issueErr = token.ErrInvalidPolicy
	w := f.do(http.MethodPost, "/api/tokens", `{"kind": "mobile", "name": ""}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if apiErr := decodeAPIError(t, w); apiErr.Error != ErrCodeInvalidPolicy {
		t.Errorf("error code = %q, want %q", apiErr.Error, ErrCodeInvalidPolicy)
	}
}

func TestGetTokenWithPermissions(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.storage.tokens[7] = &storage.Token{ID: 7, Kind: storage.KindAPI, Name: "partner", Status: storage.StatusActive}
	f.storage.permissions[7] = []*storage.ModelPermission{{ID: 3, TokenID: 7, ModelName: "words", CanRead: true}}

	w := f.do(http.MethodGet, "/api/tokens/7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var view tokenView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.ID != 7 || len(view.Permissions) != 1 || view.Permissions[0].ModelName != "words" {
		t.Errorf("view = %+v, want token 7 with the words grant", view)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Error("token view leaked a secret field")
	}
}

func TestGetTokenNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.do(http.MethodGet, "/api/tokens/99", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if apiErr := decodeAPIError(t, w); apiErr.Error != ErrCodeNotFound {
		t.Errorf("error code = %q, want %q", apiErr.Error, ErrCodeNotFound)
	}
}

func TestDeleteTokenInvalidatesCache(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.storage.tokens[7] = &storage.Token{ID: 7}

	w := f.do(http.MethodDelete, "/api/tokens/7", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(f.cache.invalidated) != 1 || f.cache.invalidated[0] != 7 {
		t.Errorf("invalidated = %v, want [7]", f.cache.invalidated)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target     string
		wantAction string
		wantStatus string
	}{
		{target: "/api/tokens/5/revoke", wantAction: "revoke", wantStatus: "revoked"},
		{target: "/api/tokens/5/activate", wantAction: "activate", wantStatus: "active"},
		{target: "/api/tokens/5/deactivate", wantAction: "deactivate", wantStatus: "inactive"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.wantAction, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			w := f.do(http.MethodPost, tt.target, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if ids := f.issuer.transited[tt.wantAction]; len(ids) != 1 || ids[0] != 5 {
				t.Errorf("%s called with %v, want [5]", tt.wantAction, ids)
			}
			var resp struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestRegenerateToken(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.do(http.MethodPost, "/api/tokens/5/regenerate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Secret != f.issuer.secret {
		t.Errorf("secret = %q, want the new plaintext secret", resp.Secret)
	}
}

func TestBulkRevoke(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.do(http.MethodPost, "/api/tokens/revoke", `{"ids": [1, 2, 3]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Revoked []int64 `json:"revoked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Revoked) != 3 {
		t.Errorf("revoked = %v, want 3 ids", resp.Revoked)
	}
}

func TestBulkRevokeEmptyIDs(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.do(http.MethodPost, "/api/tokens/revoke", `{"ids": []}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestUpsertPermission(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.storage.tokens[7] = &storage.Token{ID: 7, Kind: storage.KindAPI}

	w := f.do(http.MethodPut, "/api/tokens/7/permissions", `{
		"model_name": "words",
		"can_read": true,
		"can_list": true,
		"restricted_fields": ["internal_notes"]
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	if len(f.storage.upserted) != 1 {
		t.Fatalf("upserted %d permissions, want 1", len(f.storage.upserted))
	}
	p := f.storage.upserted[0]
	if p.TokenID != 7 || p.ModelName != "words" || !p.CanRead || !p.CanList {
		t.Errorf("upserted = %+v, want read+list on words for token 7", p)
	}
	// Stale cached grants must be dropped so the edit takes effect within
	// the TTL.
	if len(f.cache.invalidated) != 1 || f.cache.invalidated[0] != 7 {
		t.Errorf("invalidated = %v, want [7]", f.cache.invalidated)
	}
}

func TestUpsertPermissionMissingModel(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.storage.tokens[7] = &storage.Token{ID: 7}
	w := f.do(http.MethodPut, "/api/tokens/7/permissions", `{"can_read": true}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDeletePermission(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.storage.tokens[7] = &storage.Token{ID: 7}
	f.storage.permissions[7] = []*storage.ModelPermission{{ID: 3, TokenID: 7, ModelName: "words"}}

	w := f.do(http.MethodDelete, "/api/tokens/7/permissions/3", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(f.storage.permissions[7]) != 0 {
		t.Error("permission row not deleted")
	}
}

func TestUsageSummary(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.storage.tokens[7] = &storage.Token{ID: 7}
	f.storage.summary = &storage.UsageSummary{
		TokenID:      7,
		TotalCount:   10,
		SuccessCount: 8,
		DeniedCount:  2,
		AvgLatencyMS: 12.5,
	}

	w := f.do(http.MethodGet, "/api/tokens/7/usage", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		TotalCount   int64   `json:"total_count"`
		SuccessCount int64   `json:"success_count"`
		DeniedCount  int64   `json:"denied_count"`
		AvgLatencyMS float64 `json:"avg_latency_ms"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalCount != 10 || resp.SuccessCount != 8 || resp.DeniedCount != 2 {
		t.Errorf("summary = %+v, want 10/8/2", resp)
	}
}

func TestUsageSummaryBadSince(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.storage.tokens[7] = &storage.Token{ID: 7}
	w := f.do(http.MethodGet, "/api/tokens/7/usage?since=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRecentUsageFilters(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.do(http.MethodGet, "/api/usage?token_id=7&endpoint=/api/v1/words&errors_only=true&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	got := f.storage.lastFilter
	if got.TokenID != 7 || got.Endpoint != "/api/v1/words" || !got.ErrorsOnly || got.Limit != 5 {
		t.Errorf("filter = %+v, want token 7 endpoint /api/v1/words errors-only limit 5", got)
	}
}

func TestRecentUsageBadLimit(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.do(http.MethodGet, "/api/usage?limit=0", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
