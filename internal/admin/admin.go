// Package admin provides the token administration API: issuance,
// lifecycle transitions, and usage analytics.
package admin

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"time"

	"github.com/lexilearn/token-gateway/internal/storage"
	"github.com/lexilearn/token-gateway/internal/token"
)

// Storage is the persistence surface admin endpoints need.
type Storage interface {
	// Health check
	Ping(ctx context.Context) error

	// Token reads
	GetTokenByID(ctx context.Context, id int64) (*storage.Token, error)
	ListTokens(ctx context.Context) ([]*storage.Token, error)
	DeleteToken(ctx context.Context, id int64) error

	// Permission operations
	UpsertPermission(ctx context.Context, p *storage.ModelPermission) error
	GetPermission(ctx context.Context, tokenID int64, modelName string) (*storage.ModelPermission, error)
	ListPermissions(ctx context.Context, tokenID int64) ([]*storage.ModelPermission, error)
	DeletePermission(ctx context.Context, id int64) error

	// Usage analytics
	GetUsageSummary(ctx context.Context, tokenID int64, since time.Time) (*storage.UsageSummary, error)
	ListUsageEntries(ctx context.Context, f storage.UsageFilter) ([]*storage.UsageEntry, error)
}

// Issuer drives token creation and lifecycle transitions.
type Issuer interface {
	Issue(ctx context.Context, kind storage.TokenKind, policy token.Policy) (*storage.Token, string, error)
	Regenerate(ctx context.Context, id int64) (string, error)
	Revoke(ctx context.Context, id int64) error
	Activate(ctx context.Context, id int64) error
	Deactivate(ctx context.Context, id int64) error
	RevokeAll(ctx context.Context, ids []int64) ([]int64, error)
}

// Invalidator drops cached permission rows for a token. Revocation does
// not need it (status is never cached) but permission edits do.
type Invalidator interface {
	Invalidate(tokenID int64)
}

// Handler provides admin endpoints.
type Handler struct {
	storage    Storage
	issuer     Issuer
	cache      Invalidator
	logger     *slog.Logger
	secretHash [sha256.Size]byte
}

// NewHandler creates an admin handler. adminSecret guards every /api
// route; it is compared in constant time against the stored digest.
func NewHandler(st Storage, issuer Issuer, cache Invalidator, adminSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		storage:    st,
		issuer:     issuer,
		cache:      cache,
		logger:     logger,
		secretHash: sha256.Sum256([]byte(adminSecret)),
	}
}
