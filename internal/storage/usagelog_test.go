package storage

import (
	"context"
	"testing"
	"time"
)

func seedUsageLog(t *testing.T, s *SQLiteStorage, tokenID int64) {
	t.Helper()
	base := time.Now().Add(-time.Hour).UTC()
	entries := []*UsageEntry{
		{TokenID: tokenID, TokenKind: KindAPI, TokenName: "t", Timestamp: base,
			Endpoint: "/api/v1/words", Method: "GET", StatusCode: 200, LatencyMS: 10},
		{TokenID: tokenID, TokenKind: KindAPI, TokenName: "t", Timestamp: base.Add(time.Minute),
			Endpoint: "/api/v1/words", Method: "POST", StatusCode: 403, LatencyMS: 4,
			ErrorCode: "permission_denied"},
		{TokenID: tokenID, TokenKind: KindAPI, TokenName: "t", Timestamp: base.Add(2 * time.Minute),
			Endpoint: "/api/v1/decks", Method: "GET", StatusCode: 200, LatencyMS: 16},
	}
	if err := s.InsertUsageEntries(context.Background(), entries); err != nil {
		t.Fatalf("InsertUsageEntries() error = %v", err)
	}
}

func TestGetUsageSummary(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t)

	tok := mustCreateToken(t, s, &Token{SecretHash: "h-sum", Name: "t"})
	seedUsageLog(t, s, tok.ID)

	summary, err := s.GetUsageSummary(context.Background(), tok.ID, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("GetUsageSummary() error = %v", err)
	}

	if summary.TotalCount != 3 {
		t.Errorf("TotalCount = %d, want 3", summary.TotalCount)
	}
	if summary.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", summary.SuccessCount)
	}
	if summary.DeniedCount != 1 {
		t.Errorf("DeniedCount = %d, want 1", summary.DeniedCount)
	}
	if summary.AvgLatencyMS != 10 {
		t.Errorf("AvgLatencyMS = %v, want 10", summary.AvgLatencyMS)
	}
}

func TestGetUsageSummaryRespectsSince(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t)

	tok := mustCreateToken(t, s, &Token{SecretHash: "h-since", Name: "t"})
	seedUsageLog(t, s, tok.ID)

	summary, err := s.GetUsageSummary(context.Background(), tok.ID, time.Now())
	if err != nil {
		t.Fatalf("GetUsageSummary() error = %v", err)
	}
	if summary.TotalCount != 0 {
		t.Errorf("TotalCount = %d, want 0 for future since", summary.TotalCount)
	}
}

func TestListUsageEntriesFilters(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t)

	tok := mustCreateToken(t, s, &Token{SecretHash: "h-list", Name: "t"})
	seedUsageLog(t, s, tok.ID)

	tests := []struct {
		name   string
		filter UsageFilter
		want   int
	}{
		{name: "no filter", filter: UsageFilter{}, want: 3},
		{name: "by endpoint", filter: UsageFilter{Endpoint: "/api/v1/words"}, want: 2},
		{name: "by method", filter: UsageFilter{Method: "POST"}, want: 1},
		{name: "errors only", filter: UsageFilter{ErrorsOnly: true}, want: 1},
		{name: "limit", filter: UsageFilter{Limit: 2}, want: 2},
		{name: "by token", filter: UsageFilter{TokenID: tok.ID}, want: 3},
		{name: "other token", filter: UsageFilter{TokenID: tok.ID + 1}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := s.ListUsageEntries(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("ListUsageEntries() error = %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("got %d entries, want %d", len(entries), tt.want)
			}
		})
	}
}

func TestListUsageEntriesNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t)

	tok := mustCreateToken(t, s, &Token{SecretHash: "h-order", Name: "t"})
	seedUsageLog(t, s, tok.ID)

	entries, err := s.ListUsageEntries(context.Background(), UsageFilter{})
	if err != nil {
		t.Fatalf("ListUsageEntries() error = %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Errorf("entries not in descending time order at index %d", i)
		}
	}
}
