package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const tokenColumns = `id, secret_hash, kind, name, status, role,
	required_app_version, client_name, client_email, rate_limit_per_hour,
	rate_limit_per_day, allowed_endpoints, allowed_ips, expires_at,
	max_usage_count, usage_count, created_at, updated_at, last_used_at`

// CreateToken persists a new token record and fills in its ID.
// Returns ErrDuplicate if a token with this secret hash already exists.
func (s *SQLiteStorage) CreateToken(ctx context.Context, t *Token) error {
	endpointsJSON, err := marshalStringArray(t.AllowedEndpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed endpoints: %w", err)
	}
	ipsJSON, err := marshalStringArray(t.AllowedIPs)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed IPs: %w", err)
	}

	if t.Status == "" {
		t.Status = StatusActive
	}
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (secret_hash, kind, name, status, role,
			required_app_version, client_name, client_email,
			rate_limit_per_hour, rate_limit_per_day, allowed_endpoints,
			allowed_ips, expires_at, max_usage_count, usage_count,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SecretHash, t.Kind, t.Name, t.Status, t.Role,
		t.RequiredAppVersion, t.ClientName, t.ClientEmail,
		t.RateLimitPerHour, t.RateLimitPerDay, string(endpointsJSON),
		string(ipsJSON), nullableTime(t.ExpiresAt), t.MaxUsageCount,
		t.UsageCount, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create token: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}

	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// GetTokenBySecretHash retrieves a token by its secret hash.
// This is the per-request lookup used during validation.
// Returns ErrNotFound if the hash doesn't exist.
func (s *SQLiteStorage) GetTokenBySecretHash(ctx context.Context, secretHash string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM tokens WHERE secret_hash = ?",
		secretHash)

	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token by secret hash: %w", err)
	}
	return t, nil
}

// GetTokenByID retrieves a token by ID.
// Returns ErrNotFound if the token doesn't exist.
func (s *SQLiteStorage) GetTokenByID(ctx context.Context, id int64) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM tokens WHERE id = ?", id)

	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token by ID: %w", err)
	}
	return t, nil
}

// ListTokens returns all tokens, newest first.
// Returns empty slice if no tokens exist.
func (s *SQLiteStorage) ListTokens(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tokenColumns+" FROM tokens ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	tokens := make([]*Token, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}

	return tokens, nil
}

// SetTokenStatus updates a token's stored status (revoke, activate,
// deactivate). The change is visible to the very next validation attempt;
// status is never cached.
// Returns ErrNotFound if the token doesn't exist.
func (s *SQLiteStorage) SetTokenStatus(ctx context.Context, id int64, status TokenStatus) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update token status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SwapSecretHash atomically replaces a token's secret hash. The old secret
// stops validating the instant the row commits; there is no window in which
// both secrets work.
// Returns ErrNotFound if the token doesn't exist, ErrDuplicate if the new
// hash collides with another token.
func (s *SQLiteStorage) SwapSecretHash(ctx context.Context, id int64, newHash string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET secret_hash = ?, updated_at = ? WHERE id = ?",
		newHash, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to swap secret hash: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteToken deletes a token by ID.
// Cascades to permissions and counters via foreign key constraints.
// Returns ErrNotFound if the token doesn't exist.
func (s *SQLiteStorage) DeleteToken(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanToken.
type scanner interface {
	Scan(dest ...any) error
}

func scanToken(sc scanner) (*Token, error) {
	var t Token
	var endpointsJSON, ipsJSON string
	var expiresAt, lastUsedAt sql.NullTime

	err := sc.Scan(&t.ID, &t.SecretHash, &t.Kind, &t.Name, &t.Status,
		&t.Role, &t.RequiredAppVersion, &t.ClientName, &t.ClientEmail,
		&t.RateLimitPerHour, &t.RateLimitPerDay, &endpointsJSON, &ipsJSON,
		&expiresAt, &t.MaxUsageCount, &t.UsageCount, &t.CreatedAt,
		&t.UpdatedAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}

	if err := unmarshalStringArray(endpointsJSON, &t.AllowedEndpoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed endpoints: %w", err)
	}
	if err := unmarshalStringArray(ipsJSON, &t.AllowedIPs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed IPs: %w", err)
	}

	if expiresAt.Valid {
		v := expiresAt.Time
		t.ExpiresAt = &v
	}
	if lastUsedAt.Valid {
		v := lastUsedAt.Time
		t.LastUsedAt = &v
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// violation. The extended error code for UNIQUE constraint is 2067; the
// base constraint error code is 19.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == 2067 || (sqliteErr.Code()&0xFF) == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// marshalStringArray is a helper to marshal a string array to JSON.
// nil marshals as an empty array for stable storage.
func marshalStringArray(arr []string) ([]byte, error) {
	if arr == nil {
		arr = []string{}
	}
	return json.Marshal(arr)
}

// unmarshalStringArray is a helper to unmarshal a JSON string array.
func unmarshalStringArray(data string, arr *[]string) error {
	if data == "" {
		*arr = nil
		return nil
	}
	if err := json.Unmarshal([]byte(data), arr); err != nil {
		return err
	}
	if len(*arr) == 0 {
		*arr = nil
	}
	return nil
}
