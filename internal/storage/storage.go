// Package storage provides types and interfaces for SQLite persistence operations.
package storage

import (
	"context"
	"time"
)

// Storage defines the interface for SQLite persistence operations.
// Consumers depend on narrower interfaces declared at the point of use;
// this one documents the full contract and is implemented by SQLiteStorage.
type Storage interface {
	// Token operations
	CreateToken(ctx context.Context, t *Token) error
	GetTokenBySecretHash(ctx context.Context, secretHash string) (*Token, error)
	GetTokenByID(ctx context.Context, id int64) (*Token, error)
	ListTokens(ctx context.Context) ([]*Token, error)
	SetTokenStatus(ctx context.Context, id int64, status TokenStatus) error
	SwapSecretHash(ctx context.Context, id int64, newHash string) error
	DeleteToken(ctx context.Context, id int64) error

	// Permission operations
	UpsertPermission(ctx context.Context, p *ModelPermission) error
	GetPermission(ctx context.Context, tokenID int64, modelName string) (*ModelPermission, error)
	ListPermissions(ctx context.Context, tokenID int64) ([]*ModelPermission, error)
	DeletePermission(ctx context.Context, id int64) error

	// Counter operations
	Commit(ctx context.Context, c UsageCommit) (*CommitResult, error)
	WindowCount(ctx context.Context, tokenID int64, kind WindowKind, start time.Time) (int64, error)
	DeleteCountersBefore(ctx context.Context, kind WindowKind, cutoff time.Time) (int64, error)

	// Usage log operations
	InsertUsageEntries(ctx context.Context, entries []*UsageEntry) error
	GetUsageSummary(ctx context.Context, tokenID int64, since time.Time) (*UsageSummary, error)
	ListUsageEntries(ctx context.Context, f UsageFilter) ([]*UsageEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

var _ Storage = (*SQLiteStorage)(nil)
