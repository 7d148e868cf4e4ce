package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// numericSegment matches numeric path segments for label normalization.
var numericSegment = regexp.MustCompile(`/(\d+)`)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and writes it to the underlying ResponseWriter.
func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// Write ensures a status code is recorded before writing the body.
func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.statusCode = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

// Middleware returns an HTTP middleware that records Prometheus metrics for
// each request: count and latency by method, normalized path, and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		startTime := time.Now()

		defer func() {
			duration := time.Since(startTime).Seconds()

			statusCode := recorder.statusCode
			if statusCode == 0 {
				statusCode = http.StatusInternalServerError
			}

			// Normalize the path to avoid cardinality explosion,
			// e.g. /admin/tokens/123 becomes /admin/tokens/:id
			normalizedPath := normalizePath(r.URL.Path)
			statusStr := strconv.Itoa(statusCode)

			RecordRequest(r.Method, normalizedPath, statusStr)
			RecordRequestDuration(r.Method, normalizedPath, statusStr, duration)

			if err := recover(); err != nil {
				if !recorder.written {
					recorder.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(recorder, r)
	})
}

// normalizePath replaces numeric path segments with :id so unique IDs do
// not explode metric label cardinality.
func normalizePath(path string) string {
	return numericSegment.ReplaceAllString(path, "/:id")
}
