package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
)

// InsertUsageEntries appends a batch of usage-log entries in one
// transaction. Entries are write-once; nothing in the gateway ever updates
// or deletes them (retention is an external concern).
func (s *SQLiteStorage) InsertUsageEntries(ctx context.Context, entries []*UsageEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin usage log transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_log (token_id, token_kind, token_name, ts,
			endpoint, method, client_ip, user_agent, status_code,
			latency_ms, request_size, response_size, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare usage log insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx, e.TokenID, e.TokenKind, e.TokenName,
			e.Timestamp.UTC(), e.Endpoint, e.Method, e.ClientIP, e.UserAgent,
			e.StatusCode, e.LatencyMS, e.RequestSize, e.ResponseSize,
			e.ErrorCode)
		if err != nil {
			return fmt.Errorf("failed to insert usage log entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage log batch: %w", err)
	}
	return nil
}

// UsageSummary aggregates usage-log entries for one token.
type UsageSummary struct {
	TokenID      int64
	Since        time.Time
	TotalCount   int64
	SuccessCount int64
	DeniedCount  int64
	AvgLatencyMS float64
}

// GetUsageSummary aggregates a token's usage log since the given time.
func (s *SQLiteStorage) GetUsageSummary(ctx context.Context, tokenID int64, since time.Time) (*UsageSummary, error) {
	sb := sqlbuilder.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN error_code = '' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN error_code != '' THEN 1 ELSE 0 END), 0)",
		"COALESCE(AVG(latency_ms), 0)",
	)
	sb.From("usage_log")
	sb.Where(
		sb.Equal("token_id", tokenID),
		sb.GreaterEqualThan("ts", since.UTC()),
	)

	query, args := sb.Build()
	summary := &UsageSummary{TokenID: tokenID, Since: since}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.TotalCount, &summary.SuccessCount, &summary.DeniedCount,
		&summary.AvgLatencyMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage summary: %w", err)
	}
	return summary, nil
}

// UsageFilter narrows a recent-usage query. Zero values mean "no filter".
type UsageFilter struct {
	TokenID    int64
	Endpoint   string
	Method     string
	ErrorsOnly bool
	Since      time.Time
	Limit      int
}

// ListUsageEntries returns recent usage-log entries matching the filter,
// newest first. The query is assembled dynamically from the filter.
func (s *SQLiteStorage) ListUsageEntries(ctx context.Context, f UsageFilter) ([]*UsageEntry, error) {
	sb := sqlbuilder.Select(
		"id", "token_id", "token_kind", "token_name", "ts", "endpoint",
		"method", "client_ip", "user_agent", "status_code", "latency_ms",
		"request_size", "response_size", "error_code",
	)
	sb.From("usage_log")

	var conds []string
	if f.TokenID > 0 {
		conds = append(conds, sb.Equal("token_id", f.TokenID))
	}
	if f.Endpoint != "" {
		conds = append(conds, sb.Equal("endpoint", f.Endpoint))
	}
	if f.Method != "" {
		conds = append(conds, sb.Equal("method", f.Method))
	}
	if f.ErrorsOnly {
		conds = append(conds, sb.NotEqual("error_code", ""))
	}
	if !f.Since.IsZero() {
		conds = append(conds, sb.GreaterEqualThan("ts", f.Since.UTC()))
	}
	if len(conds) > 0 {
		sb.Where(conds...)
	}

	sb.OrderBy("ts").Desc()
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	sb.Limit(limit)

	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage log: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	entries := make([]*UsageEntry, 0)
	for rows.Next() {
		var e UsageEntry
		err := rows.Scan(&e.ID, &e.TokenID, &e.TokenKind, &e.TokenName,
			&e.Timestamp, &e.Endpoint, &e.Method, &e.ClientIP, &e.UserAgent,
			&e.StatusCode, &e.LatencyMS, &e.RequestSize, &e.ResponseSize,
			&e.ErrorCode)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log row: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage log rows: %w", err)
	}

	return entries, nil
}
