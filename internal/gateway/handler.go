package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lexilearn/token-gateway/internal/permission"
	"github.com/lexilearn/token-gateway/internal/storage"
)

// validateRequest is the body of POST /v1/validate. The backend forwards
// the original request's attributes; the secret comes from its bearer
// header or the body.
type validateRequest struct {
	Path      string   `json:"path"`
	Method    string   `json:"method"`
	ClientIP  string   `json:"client_ip"`
	Model     string   `json:"model,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	Secret    string   `json:"secret,omitempty"`
}

type validateResponse struct {
	Authorized         bool     `json:"authorized"`
	TokenID            int64    `json:"token_id"`
	Kind               string   `json:"kind"`
	TokenName          string   `json:"token_name"`
	Role               string   `json:"role,omitempty"`
	RequiredAppVersion string   `json:"required_app_version,omitempty"`
	AllowedFields      []string `json:"allowed_fields,omitempty"`
	UsageCount         int64    `json:"usage_count"`
}

// Handler serves the remote validation endpoint for backends that do not
// link the gateway packages directly. The response mirrors the Decision;
// denials use the same JSON error shape and HTTP mapping as the
// middleware.
type Handler struct {
	validator *Validator
	recorder  UsageRecorder
	logger    *slog.Logger
}

// NewHandler creates a validation endpoint handler.
func NewHandler(v *Validator, rec UsageRecorder, logger *slog.Logger) *Handler {
	return &Handler{validator: v, recorder: rec, logger: logger}
}

// Validate handles POST /v1/validate.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{
			Code: "invalid_request", Message: "malformed request body"}})
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = ExtractBearerToken(r)
	}

	in := Input{
		Secret:    secret,
		Path:      req.Path,
		Method:    req.Method,
		ClientIP:  req.ClientIP,
		Model:     req.Model,
		Operation: permission.Operation(req.Operation),
		Fields:    req.Fields,
	}
	if in.ClientIP == "" {
		in.ClientIP = ClientIP(r)
	}
	if in.Method == "" {
		in.Method = r.Method
	}

	decision, err := h.validator.Validate(r.Context(), in)
	if err != nil {
		status := HTTPStatusOf(err)
		code := CodeOf(err)
		writeError(w, status, code, err)

		h.logger.Info("validation denied",
			"code", code,
			"status", status,
			"method", in.Method,
			"path", in.Path,
			"client_ip", in.ClientIP,
		)
		h.record(in, start, status, err, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(validateResponse{
		Authorized:         true,
		TokenID:            decision.TokenID,
		Kind:               string(decision.Kind),
		TokenName:          decision.TokenName,
		Role:               decision.Role,
		RequiredAppVersion: decision.RequiredAppVersion,
		AllowedFields:      decision.AllowedFields,
		UsageCount:         decision.UsageCount,
	})
	h.record(in, start, http.StatusOK, nil, decision)
}

func (h *Handler) record(in Input, start time.Time, status int, err error, d *Decision) {
	entry := &storage.UsageEntry{
		Timestamp:  start,
		Endpoint:   in.Path,
		Method:     in.Method,
		ClientIP:   in.ClientIP,
		StatusCode: status,
		LatencyMS:  time.Since(start).Milliseconds(),
		ErrorCode:  CodeOf(err),
	}
	if d != nil {
		entry.TokenID = d.TokenID
		entry.TokenKind = d.Kind
		entry.TokenName = d.TokenName
		entry.ErrorCode = ""
	} else {
		var ae *AttributedError
		if errors.As(err, &ae) {
			entry.TokenID = ae.TokenID
			entry.TokenKind = ae.Kind
			entry.TokenName = ae.Name
		}
	}
	h.recorder.Record(entry)
}
