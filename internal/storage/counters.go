package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Commit performs the atomic end-of-validation commit: increment
// usage_count, last_used_at, and both rate-window counters in a single
// transaction. Every limit is re-checked under the transaction, so two
// requests racing for the last usage slot or rate slot cannot both pass.
//
// A denied commit increments nothing. HourLimit/DayLimit of 0 skip window
// tracking entirely (mobile tokens, unlimited API tokens).
func (s *SQLiteStorage) Commit(ctx context.Context, c UsageCommit) (*CommitResult, error) {
	// The pool holds a single connection, so the read-check-write sequence
	// below is serialized against concurrent commits.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status TokenStatus
	var usageCount, maxUsageCount int64
	err = tx.QueryRowContext(ctx,
		"SELECT status, usage_count, max_usage_count FROM tokens WHERE id = ?",
		c.TokenID).Scan(&status, &usageCount, &maxUsageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read token for commit: %w", err)
	}

	// Revocation must take effect for the very next attempt, including one
	// already past the status check.
	if status != StatusActive {
		return &CommitResult{Denial: CommitTokenNotActive, UsageCount: usageCount}, nil
	}

	if maxUsageCount > 0 && usageCount >= maxUsageCount {
		return &CommitResult{Denial: CommitUsageLimit, UsageCount: usageCount}, nil
	}

	if c.HourLimit > 0 {
		if denied, err := checkWindow(ctx, tx, c.TokenID, WindowHour, c.HourStart, c.HourLimit); err != nil {
			return nil, err
		} else if denied {
			return &CommitResult{Denial: CommitHourLimit, UsageCount: usageCount}, nil
		}
	}
	if c.DayLimit > 0 {
		if denied, err := checkWindow(ctx, tx, c.TokenID, WindowDay, c.DayStart, c.DayLimit); err != nil {
			return nil, err
		} else if denied {
			return &CommitResult{Denial: CommitDayLimit, UsageCount: usageCount}, nil
		}
	}

	// All checks passed - increment everything.
	if c.HourLimit > 0 {
		if err := bumpWindow(ctx, tx, c.TokenID, WindowHour, c.HourStart); err != nil {
			return nil, err
		}
	}
	if c.DayLimit > 0 {
		if err := bumpWindow(ctx, tx, c.TokenID, WindowDay, c.DayStart); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE tokens SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?",
		c.Now.UTC(), c.TokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit usage transaction: %w", err)
	}

	return &CommitResult{Denial: CommitOK, UsageCount: usageCount + 1}, nil
}

// checkWindow reports whether the window counter is already at its limit.
func checkWindow(ctx context.Context, tx *sql.Tx, tokenID int64, kind WindowKind, start time.Time, limit int64) (bool, error) {
	var count int64
	err := tx.QueryRowContext(ctx,
		"SELECT count FROM usage_counters WHERE token_id = ? AND window_kind = ? AND window_start = ?",
		tokenID, kind, start.UTC()).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s window counter: %w", kind, err)
	}
	return count >= limit, nil
}

// bumpWindow increments a window counter, creating the row on first use.
func bumpWindow(ctx context.Context, tx *sql.Tx, tokenID int64, kind WindowKind, start time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO usage_counters (token_id, window_kind, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (token_id, window_kind, window_start)
		DO UPDATE SET count = count + 1`,
		tokenID, kind, start.UTC())
	if err != nil {
		return fmt.Errorf("failed to increment %s window counter: %w", kind, err)
	}
	return nil
}

// WindowCount returns the current count for a token's window.
// A missing row counts as zero.
func (s *SQLiteStorage) WindowCount(ctx context.Context, tokenID int64, kind WindowKind, start time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT count FROM usage_counters WHERE token_id = ? AND window_kind = ? AND window_start = ?",
		tokenID, kind, start.UTC()).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read window counter: %w", err)
	}
	return count, nil
}

// DeleteCountersBefore removes counter rows for closed windows of the given
// kind. Counters are ephemeral; durable history lives in the usage log.
// Returns the number of rows removed.
func (s *SQLiteStorage) DeleteCountersBefore(ctx context.Context, kind WindowKind, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM usage_counters WHERE window_kind = ? AND window_start < ?",
		kind, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune counters: %w", err)
	}
	return result.RowsAffected()
}
