package http

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/session"
	"github.com/freightdesk/trustgate/internal/service"
)

// DefaultSessionCookie carries the backend session ID.
const DefaultSessionCookie = "trustgate_session"

// RouteRule gates every path under Prefix.
type RouteRule struct {
	Prefix      string
	Requirement auth.Requirement
}

// RouteGuard applies access decisions to configured route prefixes. The
// longest matching prefix wins; unmatched paths pass through.
type RouteGuard struct {
	rules    []RouteRule
	registry *service.Registry
	cookie   string
}

// NewRouteGuard creates a guard over rules. cookie names the session cookie
// (DefaultSessionCookie when empty).
func NewRouteGuard(registry *service.Registry, rules []RouteRule, cookie string) *RouteGuard {
	if cookie == "" {
		cookie = DefaultSessionCookie
	}
	sorted := append([]RouteRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &RouteGuard{rules: sorted, registry: registry, cookie: cookie}
}

// Match returns the rule governing path.
func (g *RouteGuard) Match(path string) (RouteRule, bool) {
	for _, rule := range g.rules {
		if matchPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return RouteRule{}, false
}

// matchPrefix matches whole path segments: "/bookings" covers
// "/bookings" and "/bookings/42" but not "/bookingsx".
func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// Provider resolves the SecurityProvider for the request's session, or nil.
func (g *RouteGuard) Provider(ctx context.Context, r *http.Request) (*service.SecurityProvider, error) {
	id := sessionIDFromRequest(r, g.cookie)
	if id == "" {
		return nil, nil
	}
	p, err := g.registry.Resume(ctx, id)
	if errors.Is(err, service.ErrSessionNotFound) {
		return nil, nil
	}
	return p, err
}

// Decide evaluates req for the request's principal.
func (g *RouteGuard) Decide(r *http.Request, req auth.Requirement) (auth.Decision, *service.SecurityProvider, error) {
	p, err := g.Provider(r.Context(), r)
	if err != nil {
		return auth.Pending, nil, err
	}
	if p == nil {
		return auth.AuthorizeIdentity(session.Unauthenticated, nil, req), nil, nil
	}
	return p.Authorize(req), p, nil
}

// Middleware enforces the rules: 401 when unauthenticated, 403 on a role or
// permission gap, 503 with Retry-After while the session is still loading.
// Allowed navigation counts as activity.
func (g *RouteGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := g.Match(r.URL.Path)
		if !ok {
			// Public path: still tell the application who is signed in.
			if p, err := g.Provider(r.Context(), r); err == nil && p != nil && p.Status().IsAuthenticated() {
				r = r.WithContext(withProvider(r.Context(), p))
			}
			next.ServeHTTP(w, r)
			return
		}

		d, p, err := g.Decide(r, rule.Requirement)
		if err != nil {
			LoggerFromContext(r.Context()).Warn("session lookup failed", "error", err)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "Session check in progress. Please retry.")
			return
		}
		if !writeDecision(w, d) {
			return
		}
		if p != nil {
			p.RecordActivity()
			r = r.WithContext(withProvider(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

type providerContextKey struct{}

func withProvider(ctx context.Context, p *service.SecurityProvider) context.Context {
	return context.WithValue(ctx, providerContextKey{}, p)
}

// ProviderFromContext returns the signed-in principal's provider attached by
// RouteGuard.Middleware, or nil.
func ProviderFromContext(ctx context.Context) *service.SecurityProvider {
	p, _ := ctx.Value(providerContextKey{}).(*service.SecurityProvider)
	return p
}

// writeDecision writes the refusal for a non-allow decision and reports
// whether the request may proceed.
func writeDecision(w http.ResponseWriter, d auth.Decision) bool {
	switch {
	case d.Allowed():
		return true
	case d.IsPending():
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, decisionResponse(d))
	case d.Reason == auth.ReasonUnauthenticated:
		writeJSON(w, http.StatusUnauthorized, decisionResponse(d))
	default:
		writeJSON(w, http.StatusForbidden, decisionResponse(d))
	}
	return false
}

// sessionIDFromRequest reads the session cookie, falling back to a bearer
// token for non-browser clients.
func sessionIDFromRequest(r *http.Request, cookie string) string {
	if c, err := r.Cookie(cookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
