package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lexilearn/token-gateway/internal/permission"
	"github.com/lexilearn/token-gateway/internal/storage"
)

// ModelResolver maps a request to the model operation it performs, for
// the permission stage. A resolver returning an empty model skips that
// stage. nil disables model permission checks entirely.
type ModelResolver func(r *http.Request) (model string, op permission.Operation, fields []string)

// UsageRecorder accepts usage-log entries fire-and-forget. The async
// recorder satisfies this; logging never blocks or fails a request.
type UsageRecorder interface {
	Record(e *storage.UsageEntry)
}

// errorResponse is the JSON body returned on every gateway denial.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Middleware returns chi-compatible middleware that runs the full
// validation pipeline before the wrapped handler. Authorized requests
// proceed with the Decision in the request context; denied requests get a
// JSON error with a stable code. Every attempt, allowed or denied, is
// recorded to the usage log.
func Middleware(v *Validator, rec UsageRecorder, logger *slog.Logger, resolve ModelResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			in := Input{
				Secret:   ExtractBearerToken(r),
				Path:     r.URL.Path,
				Method:   r.Method,
				ClientIP: ClientIP(r),
			}
			if resolve != nil {
				in.Model, in.Operation, in.Fields = resolve(r)
			}

			decision, err := v.Validate(r.Context(), in)
			if err != nil {
				status := HTTPStatusOf(err)
				code := CodeOf(err)
				writeError(w, status, code, err)

				logger.Info("request denied",
					"code", code,
					"status", status,
					"method", r.Method,
					"path", r.URL.Path,
					"client_ip", in.ClientIP,
				)
				recordAttempt(rec, r, in, start, status, 0, err)
				return
			}

			rw := &sizeRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(WithDecision(r.Context(), decision)))

			recordDecision(rec, r, in, start, rw.status, rw.written, decision)
		})
	}
}

// ExtractBearerToken gets the secret from "Authorization: Bearer <secret>".
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// ClientIP returns the caller address: the first X-Forwarded-For entry
// when present (the gateway sits behind a trusted proxy), otherwise the
// connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	body := errorResponse{Error: errorBody{Code: code}}

	var ve *ValidationError
	var pe *PermissionDeniedError
	switch {
	case errors.As(err, &pe):
		body.Error.Message = "permission denied: " + string(pe.Reason)
		body.Error.Field = pe.Field
	case errors.As(err, &ve):
		body.Error.Message = ve.Message
	default:
		body.Error.Message = "validation failed"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func recordAttempt(rec UsageRecorder, r *http.Request, in Input, start time.Time, status int, respSize int64, err error) {
	entry := &storage.UsageEntry{
		Timestamp:    start,
		Endpoint:     r.URL.Path,
		Method:       r.Method,
		ClientIP:     in.ClientIP,
		UserAgent:    r.UserAgent(),
		StatusCode:   status,
		LatencyMS:    time.Since(start).Milliseconds(),
		RequestSize:  max(r.ContentLength, 0),
		ResponseSize: respSize,
		ErrorCode:    CodeOf(err),
	}

	var ae *AttributedError
	if errors.As(err, &ae) {
		entry.TokenID = ae.TokenID
		entry.TokenKind = ae.Kind
		entry.TokenName = ae.Name
	}
	rec.Record(entry)
}

func recordDecision(rec UsageRecorder, r *http.Request, in Input, start time.Time, status int, respSize int64, d *Decision) {
	rec.Record(&storage.UsageEntry{
		TokenID:      d.TokenID,
		TokenKind:    d.Kind,
		TokenName:    d.TokenName,
		Timestamp:    start,
		Endpoint:     r.URL.Path,
		Method:       r.Method,
		ClientIP:     in.ClientIP,
		UserAgent:    r.UserAgent(),
		StatusCode:   status,
		LatencyMS:    time.Since(start).Milliseconds(),
		RequestSize:  max(r.ContentLength, 0),
		ResponseSize: respSize,
	})
}

// sizeRecorder captures the status code and body size of a response.
type sizeRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (sr *sizeRecorder) WriteHeader(status int) {
	if !sr.wroteHeader {
		sr.status = status
		sr.wroteHeader = true
		sr.ResponseWriter.WriteHeader(status)
	}
}

func (sr *sizeRecorder) Write(b []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.written += int64(n)
	return n, err
}
