package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthChecker_Healthy(t *testing.T) {
	t.Parallel()
	hc := NewHealthChecker("test-version").
		Register("sessions", SizeCheck(func() int { return 3 })).
		Register("rate_limit_store", PingCheck(func(context.Context) error { return nil }))

	health := hc.Check(context.Background())

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["sessions"] != "ok: 3" {
		t.Errorf("sessions check = %q, want 'ok: 3'", health.Checks["sessions"])
	}
	if health.Checks["rate_limit_store"] != "ok" {
		t.Errorf("rate_limit_store check = %q, want ok", health.Checks["rate_limit_store"])
	}
}

func TestHealthChecker_NoChecks(t *testing.T) {
	t.Parallel()
	health := NewHealthChecker("").Check(context.Background())

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if len(health.Checks) != 1 {
		t.Errorf("Checks = %v, want only goroutines", health.Checks)
	}
}

func TestHealthChecker_Handler_HTTP(t *testing.T) {
	t.Parallel()
	hc := NewHealthChecker("1.0.0").Register("sessions", SizeCheck(func() int { return 0 }))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Response status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Response version = %q, want 1.0.0", resp.Version)
	}
}

func TestHealthChecker_Handler_Unhealthy_503(t *testing.T) {
	t.Parallel()
	hc := NewHealthChecker("").
		Register("rate_limit_store", PingCheck(func(context.Context) error { return errors.New("connection refused") }))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("Response status = %q, want unhealthy", resp.Status)
	}
	if resp.Checks["rate_limit_store"] != "error: connection refused" {
		t.Errorf("rate_limit_store = %q", resp.Checks["rate_limit_store"])
	}
}

func TestHealthChecker_GoroutineCount(t *testing.T) {
	t.Parallel()
	health := NewHealthChecker("").Check(context.Background())

	if health.Checks["goroutines"] == "" {
		t.Error("goroutines check should be present")
	}
	if health.Checks["goroutines"] == "0" {
		t.Error("goroutines count should be > 0")
	}
}
