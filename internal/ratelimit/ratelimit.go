// Package ratelimit maintains per-token request counters over wall-clock
// aligned hour and day windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/lexilearn/token-gateway/internal/storage"
)

// Windows are aligned to the top of the hour and the start of the day (UTC)
// rather than sliding from the first request. This trades burst smoothing
// for predictable reset times.

// HourStart returns the start of the hour window containing t.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayStart returns the start of the day window containing t.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// CounterStore is the persistence surface the limiter needs. The atomic
// check-and-increment itself lives in the storage commit; the limiter only
// reads counters and prunes closed windows.
type CounterStore interface {
	WindowCount(ctx context.Context, tokenID int64, kind storage.WindowKind, start time.Time) (int64, error)
	DeleteCountersBefore(ctx context.Context, kind storage.WindowKind, cutoff time.Time) (int64, error)
}

// Status reports a peek at a token's current windows.
type Status struct {
	Allowed bool
	// Window names the exhausted window when Allowed is false.
	Window storage.WindowKind

	HourCount     int64
	HourRemaining int64 // -1 when unlimited
	DayCount      int64
	DayRemaining  int64 // -1 when unlimited
}

// Limiter checks per-token hour/day ceilings. Hourly and daily limits are
// enforced independently: either window at its ceiling denies the request.
type Limiter struct {
	store CounterStore
}

// NewLimiter creates a Limiter over the given counter store.
func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// Peek reads the current window counters for a token without incrementing
// anything. A denial here is authoritative enough to reject early; the
// race-free enforcement happens again inside the storage commit, which is
// the single atomic check-and-increment.
func (l *Limiter) Peek(ctx context.Context, tokenID int64, now time.Time, hourLimit, dayLimit int64) (*Status, error) {
	st := &Status{Allowed: true, HourRemaining: -1, DayRemaining: -1}

	if hourLimit > 0 {
		count, err := l.store.WindowCount(ctx, tokenID, storage.WindowHour, HourStart(now))
		if err != nil {
			return nil, fmt.Errorf("failed to read hour window: %w", err)
		}
		st.HourCount = count
		st.HourRemaining = max(hourLimit-count, 0)
		if count >= hourLimit {
			st.Allowed = false
			st.Window = storage.WindowHour
			return st, nil
		}
	}

	if dayLimit > 0 {
		count, err := l.store.WindowCount(ctx, tokenID, storage.WindowDay, DayStart(now))
		if err != nil {
			return nil, fmt.Errorf("failed to read day window: %w", err)
		}
		st.DayCount = count
		st.DayRemaining = max(dayLimit-count, 0)
		if count >= dayLimit {
			st.Allowed = false
			st.Window = storage.WindowDay
			return st, nil
		}
	}

	return st, nil
}

// Prune removes counter rows for windows that have rolled over. Counters
// are ephemeral; durable history lives in the usage log.
func (l *Limiter) Prune(ctx context.Context, now time.Time) (int64, error) {
	hours, err := l.store.DeleteCountersBefore(ctx, storage.WindowHour, HourStart(now))
	if err != nil {
		return 0, err
	}
	days, err := l.store.DeleteCountersBefore(ctx, storage.WindowDay, DayStart(now))
	if err != nil {
		return hours, err
	}
	return hours + days, nil
}
