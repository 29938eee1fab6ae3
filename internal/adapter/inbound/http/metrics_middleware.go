package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Request surfaces used as the "surface" metric label.
const (
	surfaceAPI     = "api"
	surfacePortal  = "portal"
	surfaceGateway = "gateway"
)

// unmeteredPaths are excluded from request metrics: scrapes, probes and the
// long-lived event stream.
var unmeteredPaths = map[string]bool{
	"/metrics":            true,
	"/health":             true,
	"/api/session/events": true,
}

// MetricsMiddleware records request count and latency per surface. Portal
// paths share one label so guarded page URLs never become label values.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unmeteredPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			surface := surfaceOf(r.URL.Path)
			metrics.RequestDuration.WithLabelValues(surface).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(surface, r.Method, statusClass(rec.status)).Inc()
		})
	}
}

func surfaceOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/"):
		return surfaceAPI
	case isGatewayPath(path):
		return surfaceGateway
	default:
		return surfacePortal
	}
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// statusRecorder keeps the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE and streamed portal responses working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
