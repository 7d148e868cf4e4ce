// Package forward implements the gateway's proxy mode: authorized
// requests are forwarded to the protected upstream backend.
package forward

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/lexilearn/token-gateway/internal/gateway"
	"github.com/lexilearn/token-gateway/internal/middleware"
)

// Forwarder reverse-proxies validated requests to the upstream backend.
// It runs behind the gateway middleware, so every request reaching it
// carries an authorization decision in its context.
type Forwarder struct {
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// New creates a Forwarder targeting upstream. The bearer secret is
// stripped before forwarding; the upstream trusts the gateway's identity
// headers instead.
func New(upstream *url.URL, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Forwarder{logger: logger}
	f.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			f.decorate(pr)
		},
		Transport: &LoggingTransport{Logger: logger},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed",
				"request_id", middleware.GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"code":"upstream_unavailable","message":"upstream request failed"}}`))
		},
	}
	return f
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.proxy.ServeHTTP(w, r)
}

// decorate strips the caller's secret and attaches the validation decision
// as identity headers for the upstream.
func (f *Forwarder) decorate(pr *httputil.ProxyRequest) {
	pr.Out.Header.Del("Authorization")

	d, ok := gateway.DecisionFromContext(pr.In.Context())
	if !ok {
		return
	}

	pr.Out.Header.Set("X-Token-Kind", string(d.Kind))
	pr.Out.Header.Set("X-Token-Name", d.TokenName)
	if d.Role != "" {
		pr.Out.Header.Set("X-Token-Role", d.Role)
	}
	if d.RequiredAppVersion != "" {
		pr.Out.Header.Set("X-Required-App-Version", d.RequiredAppVersion)
	}
	if id := middleware.GetRequestID(pr.In.Context()); id != "" {
		pr.Out.Header.Set("X-Request-ID", id)
	}
}
