package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// healthCheckTimeout bounds each named check.
const healthCheckTimeout = 2 * time.Second

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// CheckFunc probes one component. A non-nil error marks the service unhealthy.
type CheckFunc func(ctx context.Context) (string, error)

// SizeCheck reports a component's size as its health detail.
func SizeCheck(size func() int) CheckFunc {
	return func(context.Context) (string, error) {
		return fmt.Sprintf("ok: %d", size()), nil
	}
}

// PingCheck wraps a connectivity probe such as a store Ping.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) (string, error) {
		if err := ping(ctx); err != nil {
			return "", err
		}
		return "ok", nil
	}
}

// HealthChecker verifies component health.
type HealthChecker struct {
	checks  map[string]CheckFunc
	version string
}

// NewHealthChecker creates a HealthChecker reporting version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc), version: version}
}

// Register adds a named check. Not safe to call once serving.
func (h *HealthChecker) Register(name string, fn CheckFunc) *HealthChecker {
	h.checks[name] = fn
	return h
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string, len(h.checks)+1)
	healthy := true

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		detail, err := h.checks[name](cctx)
		cancel()
		if err != nil {
			checks[name] = "error: " + err.Error()
			healthy = false
			continue
		}
		checks[name] = detail
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())
		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
}
