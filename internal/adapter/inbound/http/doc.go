// Package http is the inbound HTTP adapter for the trust gateway.
//
// It serves the session API, enforces route access rules in front of the
// application, and exposes health and Prometheus metrics.
//
// # Usage
//
//	api := http.NewAPI(registry, guard, sanitizer, http.WithStatsService(stats))
//	server := http.NewServer(api,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://portal.example.com"}),
//	    http.WithAppHandler(app),
//	)
//	err := server.Start(ctx)
//
// # Endpoints
//
//	POST /api/session/login       - Sign in; sets the session cookie
//	POST /api/session/logout      - Sign out; clears the cookie
//	GET  /api/session/status      - Current status (and identity when signed in)
//	POST /api/session/activity    - Record activity
//	POST /api/session/extend      - "Stay signed in"
//	GET  /api/session/events      - Lifecycle events as server-sent events
//	POST /api/authorize           - Access decision for a path or requirement
//	POST /api/ratelimit/attempt   - Record an attempt at a named action
//	POST /api/ratelimit/reset     - Clear an action counter
//	GET  /api/ratelimit/remaining - Attempts left for an action
//	POST /api/errors/classify     - Display-safe message for a backend failure
//	GET  /api/stats               - Decision counters
//	GET  /health                  - Component health
//	GET  /metrics                 - Prometheus metrics
//
// Every other path goes to the application handler behind the RouteGuard:
// 401 when unauthenticated, 403 on a role or permission gap, 503 with
// Retry-After while the session is still loading.
//
// The application handler is usually a PortalProxy. It forwards to the
// portal backends with the signed-in identity in X-Trustgate-* headers,
// strips the session cookie, and replaces JSON error bodies with their
// sanitized classification.
//
// # Sessions
//
// The session ID travels in an HttpOnly, SameSite=Lax cookie. Non-browser
// clients may send it as a bearer token instead.
//
// # Middleware Chain
//
//  1. MetricsMiddleware - request count and duration
//  2. RequestIDMiddleware - X-Request-ID and an enriched logger
//  3. ClientIPMiddleware - client IP, proxy headers from trusted peers only
//  4. SecurityHeaders - CSP, framing and no-store on /api/
//  5. OriginCheck - same-origin or allowlisted Origin
//  6. APIRateLimitMiddleware - per-IP throttle on /api/ when configured
package http
