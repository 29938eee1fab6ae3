package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/freightdesk/trustgate/internal/adapter/outbound/memory"
	"github.com/freightdesk/trustgate/internal/clock/clocktest"
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
	"github.com/freightdesk/trustgate/internal/service"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
)

var epoch = time.Date(2026, 5, 18, 14, 0, 0, 0, time.UTC)

const adminTOTPSecret = "JBSWY3DPEHPK3PXP"

// Argon2id hashing is slow; hash the fixture passwords once per package.
var fixtureHashes = sync.OnceValues(func() (map[string]string, error) {
	out := make(map[string]string)
	for _, pw := range []string{"pw-alice", "pw-carol", "pw-root"} {
		h, err := auth.HashPassword(pw)
		if err != nil {
			return nil, err
		}
		out[pw] = h
	}
	return out, nil
})

// markerHandler writes a fixed marker so routing tests can see which
// handler answered.
func markerHandler(marker string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", marker)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, marker)
	})
}

type apiFixture struct {
	clock    *clocktest.Fake
	idp      *memory.IdentityProvider
	registry *service.Registry
	stats    *service.StatsService
	metrics  *Metrics
	guard    *RouteGuard
	api      *API
	server   *Server
	handler  http.Handler
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	apiPolicy *ratelimit.Policy
	origins   []string
	upstream  string
}

func withAPIPolicy(p ratelimit.Policy) fixtureOption {
	return func(c *fixtureConfig) { c.apiPolicy = &p }
}

func withOrigins(origins ...string) fixtureOption {
	return func(c *fixtureConfig) { c.origins = origins }
}

// withUpstream puts a PortalProxy to url behind the guard instead of the
// marker handler.
func withUpstream(url string) fixtureOption {
	return func(c *fixtureConfig) { c.upstream = url }
}

func newAPIFixture(t *testing.T, opts ...fixtureOption) *apiFixture {
	t.Helper()
	var fc fixtureConfig
	for _, opt := range opts {
		opt(&fc)
	}

	hashes, err := fixtureHashes()
	if err != nil {
		t.Fatalf("hash passwords: %v", err)
	}

	fake := clocktest.NewFake(epoch)
	logger := discardLogger()

	grants := memory.NewGrantStoreWithConfig(time.Minute, fake)
	idp := memory.NewIdentityProvider(grants, time.Hour, fake, logger)
	for _, u := range []memory.User{
		{Username: "alice", PasswordHash: hashes["pw-alice"], Identity: auth.Identity{ID: "u-alice", Name: "Alice", Role: auth.RoleShipper}},
		{Username: "carol", PasswordHash: hashes["pw-carol"], Identity: auth.Identity{ID: "u-carol", Name: "Carol", Role: auth.RoleCarrier}},
		{Username: "root", PasswordHash: hashes["pw-root"], TOTPSecret: adminTOTPSecret, Identity: auth.Identity{ID: "u-root", Name: "Root", Role: auth.RoleAdmin}},
	} {
		if err := idp.AddUser(u); err != nil {
			t.Fatalf("AddUser(%s): %v", u.Username, err)
		}
	}

	store := memory.NewRateLimitStore()
	store.SetClock(fake)
	t.Cleanup(store.Stop)
	limiter := ratelimit.NewLimiter(store, ratelimit.WithClock(fake), ratelimit.WithLogger(logger))
	sanitizer := errsafe.NewSanitizer(errsafe.WithLogger(logger))

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	stats := service.NewStatsService()
	recorder := service.MultiRecorder{stats, metrics}

	cfg := service.Config{
		Session:     session.Config{IdleTimeout: 2 * time.Minute, WarningLead: 30 * time.Second},
		EventBuffer: 64,
	}
	factory := func() (*service.SecurityProvider, error) {
		return service.NewSecurityProvider(idp, limiter, sanitizer, cfg,
			service.WithProviderClock(fake),
			service.WithProviderLogger(logger),
			service.WithPresenter(nil),
			service.WithRecorder(recorder),
		)
	}
	registry := service.NewRegistry(factory,
		service.WithRegistryClock(fake),
		service.WithRegistryLogger(logger),
		service.WithRegistryRecorder(recorder),
	)
	t.Cleanup(registry.Stop)

	guard := NewRouteGuard(registry, []RouteRule{
		{Prefix: "/admin", Requirement: auth.RequireRoles(auth.RoleAdmin)},
		{Prefix: "/bookings", Requirement: auth.RequirePermissions(auth.PermBookingsView)},
		{Prefix: "/bookings/new", Requirement: auth.RequirePermissions(auth.PermBookingsCreate)},
	}, "")

	api := NewAPI(registry, guard, sanitizer, WithStatsService(stats), WithAPILogger(logger))

	var app http.Handler = markerHandler("app")
	if fc.upstream != "" {
		app = NewPortalProxy([]UpstreamTarget{{PathPrefix: "/", Upstream: fc.upstream}}, sanitizer, WithProxyLogger(logger))
	}

	serverOpts := []Option{
		WithLogger(logger),
		WithMetrics(metrics, reg),
		WithAppHandler(app),
		WithHealthChecker(NewHealthChecker("test").Register("sessions", SizeCheck(registry.Len))),
		WithAllowedOrigins(fc.origins),
		WithRecorder(recorder),
	}
	if fc.apiPolicy != nil {
		serverOpts = append(serverOpts, WithAPIRateLimit(limiter, *fc.apiPolicy))
	}
	server := NewServer(api, serverOpts...)

	return &apiFixture{
		clock:    fake,
		idp:      idp,
		registry: registry,
		stats:    stats,
		metrics:  metrics,
		guard:    guard,
		api:      api,
		server:   server,
		handler:  server.Handler(),
	}
}

// do serves one request through the full middleware chain. body may be nil,
// a string, or a value to JSON-encode.
func (f *apiFixture) do(t *testing.T, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// login signs in and returns the session cookie.
func (f *apiFixture) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/session/login", auth.Credentials{Username: username, Password: password}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login(%s) status = %d, body %s", username, rec.Code, rec.Body)
	}
	return sessionCookie(t, rec)
}

func (f *apiFixture) totpCode(t *testing.T) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(adminTOTPSecret, f.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultSessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v (body %q)", v, err, rec.Body.String())
	}
	return v
}
