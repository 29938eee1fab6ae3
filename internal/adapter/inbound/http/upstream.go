package http

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/service"
)

// Headers the proxy sets from the signed-in identity. Client-supplied values
// are always removed.
const (
	HeaderUserID      = "X-Trustgate-User-Id"
	HeaderUserRole    = "X-Trustgate-Role"
	HeaderPermissions = "X-Trustgate-Permissions"
)

// maxErrorBody caps how much of an upstream error response is read for
// classification.
const maxErrorBody = 64 << 10

// hopByHopHeaders lists headers that must be removed when forwarding requests.
// These headers are meaningful only for a single transport-level connection
// and must not be forwarded by proxies (RFC 2616 Section 13.5.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// UpstreamTarget is a portal backend reachable under PathPrefix.
type UpstreamTarget struct {
	// PathPrefix is the URL path prefix to match (e.g., "/" or "/reports/").
	PathPrefix string
	// Upstream is the target URL base (e.g., "http://127.0.0.1:3000").
	Upstream string
	// StripPrefix controls whether PathPrefix is stripped before forwarding.
	StripPrefix bool
	// Headers are additional headers to inject into proxied requests.
	Headers map[string]string
}

// PortalProxy forwards requests that passed the RouteGuard to the portal
// backends. Every response with status 400 or above is replaced with its
// sanitized classification; other responses are copied unchanged.
type PortalProxy struct {
	targets   []UpstreamTarget
	client    *http.Client
	sanitizer *errsafe.Sanitizer
	cookie    string
	logger    *slog.Logger
}

// ProxyOption configures a PortalProxy.
type ProxyOption func(*PortalProxy)

// WithProxyTimeout sets the upstream request timeout (default 30s).
func WithProxyTimeout(d time.Duration) ProxyOption {
	return func(p *PortalProxy) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithProxyTransport replaces the upstream transport.
func WithProxyTransport(rt http.RoundTripper) ProxyOption {
	return func(p *PortalProxy) { p.client.Transport = rt }
}

// WithProxyCookie names the session cookie stripped from forwarded requests.
func WithProxyCookie(name string) ProxyOption {
	return func(p *PortalProxy) {
		if name != "" {
			p.cookie = name
		}
	}
}

// WithProxyLogger sets the logger.
func WithProxyLogger(l *slog.Logger) ProxyOption {
	return func(p *PortalProxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPortalProxy creates a proxy over targets; the longest matching prefix
// wins.
func NewPortalProxy(targets []UpstreamTarget, sanitizer *errsafe.Sanitizer, opts ...ProxyOption) *PortalProxy {
	sorted := append([]UpstreamTarget(nil), targets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	p := &PortalProxy{
		targets: sorted,
		client: &http.Client{
			Timeout: 30 * time.Second,
			// Do not follow redirects -- pass them through to the caller.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sanitizer: sanitizer,
		cookie:    DefaultSessionCookie,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Match finds the target for path, or nil.
func (p *PortalProxy) Match(path string) *UpstreamTarget {
	for i := range p.targets {
		if strings.HasPrefix(path, p.targets[i].PathPrefix) {
			return &p.targets[i]
		}
	}
	return nil
}

// ServeHTTP forwards r to the matching target.
func (p *PortalProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := p.Match(r.URL.Path)
	if target == nil {
		http.NotFound(w, r)
		return
	}
	p.Forward(w, r, target)
}

// Forward sends the request to target and copies the response back.
func (p *PortalProxy) Forward(w http.ResponseWriter, r *http.Request, target *UpstreamTarget) {
	logger := LoggerFromContext(r.Context())
	provider := ProviderFromContext(r.Context())

	upstreamURL := buildUpstreamURL(target, r.URL.Path)
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		logger.Error("failed to create upstream request", "error", err, "url", upstreamURL)
		p.writeClassified(w, provider, http.StatusBadGateway, &errsafe.BackendError{Network: true, Message: err.Error()})
		return
	}
	outReq.ContentLength = r.ContentLength

	p.copyRequestHeaders(outReq, r, provider)
	for key, value := range target.Headers {
		outReq.Header.Set(key, value)
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			return
		}
		logger.Error("upstream error", "error", err, "target", target.PathPrefix, "url", upstreamURL)
		p.writeClassified(w, provider, http.StatusBadGateway, &errsafe.BackendError{Network: true, Message: err.Error()})
		return
	}
	defer resp.Body.Close()

	// Error bodies of any media type are classified; plain text and HTML
	// pages can carry backend detail just like JSON envelopes.
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		copyHeaders(w.Header(), resp.Header, "Content-Length", "Content-Type")
		p.writeClassified(w, provider, resp.StatusCode, errsafe.ParseResponse(resp.StatusCode, body))
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("error copying upstream response body", "error", err)
	}
}

// copyRequestHeaders copies r's headers minus hop-by-hop headers, the
// session credential and any spoofed identity headers, then adds the
// identity and X-Forwarded-* headers.
func (p *PortalProxy) copyRequestHeaders(outReq, r *http.Request, provider *service.SecurityProvider) {
	for key, values := range r.Header {
		for _, v := range values {
			outReq.Header.Add(key, v)
		}
	}
	for _, h := range hopByHopHeaders {
		outReq.Header.Del(h)
	}
	for _, h := range []string{HeaderUserID, HeaderUserRole, HeaderPermissions} {
		outReq.Header.Del(h)
	}

	outReq.Header.Del("Cookie")
	for _, c := range r.Cookies() {
		if c.Name != p.cookie {
			outReq.AddCookie(c)
		}
	}
	if provider != nil && sessionIDFromRequest(r, p.cookie) == provider.SessionID() {
		if strings.HasPrefix(outReq.Header.Get("Authorization"), "Bearer ") {
			outReq.Header.Del("Authorization")
		}
	}

	if provider != nil {
		if id := provider.Identity(); id != nil {
			outReq.Header.Set(HeaderUserID, id.ID)
			outReq.Header.Set(HeaderUserRole, string(id.Role))
			perms := make([]string, len(id.Permissions))
			for i, perm := range id.Permissions {
				perms[i] = string(perm)
			}
			outReq.Header.Set(HeaderPermissions, strings.Join(perms, ","))
		}
	}

	clientIP := ClientIPFromContext(r.Context())
	if clientIP == "" {
		clientIP, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", scheme)
	outReq.Header.Set("X-Forwarded-Host", r.Host)
}

// writeClassified writes the sanitized form of be. A rejected session is
// expired through the provider so the browser sees the forced logout.
func (p *PortalProxy) writeClassified(w http.ResponseWriter, provider *service.SecurityProvider, status int, be *errsafe.BackendError) {
	var c errsafe.Classification
	if provider != nil {
		c = provider.HandleError(be)
	} else {
		c = p.sanitizer.Classify(be)
	}
	writeJSON(w, status, classificationResponse(c))
}

func buildUpstreamURL(target *UpstreamTarget, path string) string {
	forwardPath := path
	if target.StripPrefix {
		forwardPath = strings.TrimPrefix(forwardPath, target.PathPrefix)
		if !strings.HasPrefix(forwardPath, "/") {
			forwardPath = "/" + forwardPath
		}
	}
	return strings.TrimRight(target.Upstream, "/") + forwardPath
}

// copyHeaders replaces dst's values with src's for every key not in skip.
// Upstream policy headers override the gateway defaults.
func copyHeaders(dst, src http.Header, skip ...string) {
	for key, values := range src {
		if containsFold(skip, key) {
			continue
		}
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
