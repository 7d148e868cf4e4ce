package forward

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lexilearn/token-gateway/internal/logging"
)

// LoggingTransport wraps an http.RoundTripper and logs upstream HTTP
// interactions with sensitive headers masked. Bodies are not logged;
// the HTTP logging middleware covers those at DEBUG.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.transport().RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		t.Logger.Error("upstream request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	t.Logger.Debug("upstream response",
		"method", req.Method,
		"url", req.URL.String(),
		"headers", maskedHeaders(req.Header),
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
	)
	return resp, nil
}

func (t *LoggingTransport) transport() http.RoundTripper {
	if t.Transport != nil {
		return t.Transport
	}
	return http.DefaultTransport
}

func maskedHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		result[k] = logging.MaskHeader(k, strings.Join(v, ", "))
	}
	return result
}
