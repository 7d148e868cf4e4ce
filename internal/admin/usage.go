package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lexilearn/token-gateway/internal/storage"
)

// HandleUsageSummary aggregates a token's usage log.
// GET /api/tokens/{id}/usage?since=<RFC3339>
// Defaults to the last 24 hours.
func (h *Handler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteErrorWithHint(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				"invalid since parameter", "use RFC3339, e.g. 2026-01-02T15:04:05Z")
			return
		}
		since = parsed
	}

	if _, err := h.storage.GetTokenByID(r.Context(), id); err != nil {
		h.writeLookupError(w, err, "failed to get token")
		return
	}

	summary, err := h.storage.GetUsageSummary(r.Context(), id, since)
	if err != nil {
		h.logger.Error("failed to summarize usage", "token_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to summarize usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token_id":       summary.TokenID,
		"since":          summary.Since,
		"total_count":    summary.TotalCount,
		"success_count":  summary.SuccessCount,
		"denied_count":   summary.DeniedCount,
		"avg_latency_ms": summary.AvgLatencyMS,
	})
}

// HandleRecentUsage lists recent usage-log entries, newest first.
// GET /api/usage?token_id=&endpoint=&method=&errors_only=&since=&limit=
func (h *Handler) HandleRecentUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.UsageFilter{
		Endpoint: q.Get("endpoint"),
		Method:   q.Get("method"),
	}

	if raw := q.Get("token_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid token_id parameter")
			return
		}
		filter.TokenID = id
	}
	if raw := q.Get("errors_only"); raw != "" {
		filter.ErrorsOnly = raw == "true" || raw == "1"
	}
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid since parameter")
			return
		}
		filter.Since = parsed
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid limit parameter")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.storage.ListUsageEntries(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list usage entries", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list usage entries")
		return
	}

	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		views = append(views, map[string]any{
			"id":            e.ID,
			"token_id":      e.TokenID,
			"token_kind":    e.TokenKind,
			"token_name":    e.TokenName,
			"ts":            e.Timestamp,
			"endpoint":      e.Endpoint,
			"method":        e.Method,
			"client_ip":     e.ClientIP,
			"user_agent":    e.UserAgent,
			"status_code":   e.StatusCode,
			"latency_ms":    e.LatencyMS,
			"request_size":  e.RequestSize,
			"response_size": e.ResponseSize,
			"error_code":    e.ErrorCode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}
