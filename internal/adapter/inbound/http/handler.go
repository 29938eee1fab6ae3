package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
	"github.com/freightdesk/trustgate/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// Fixed, display-safe messages for login failures.
const (
	msgBadCredentials = "Invalid username, password or code."
	msgOTPRequired    = "Enter the one-time code from your authenticator app."
	msgNotSignedIn    = "You are not signed in."
)

// CookieOptions controls the session cookie.
type CookieOptions struct {
	Name string
	// Secure forces the Secure attribute even on plain HTTP (behind a TLS
	// terminating proxy).
	Secure bool
	// MaxAge in seconds; zero makes a browser-session cookie.
	MaxAge int
}

// API serves the session, access, rate-limit and error endpoints.
type API struct {
	registry  *service.Registry
	guard     *RouteGuard
	sanitizer *errsafe.Sanitizer
	stats     *service.StatsService
	cookie    CookieOptions
	logger    *slog.Logger
}

// APIOption configures an API dependency.
type APIOption func(*API)

// WithStatsService sets the stats service for GET /api/stats.
func WithStatsService(s *service.StatsService) APIOption {
	return func(a *API) { a.stats = s }
}

// WithCookie sets the session cookie options.
func WithCookie(c CookieOptions) APIOption {
	return func(a *API) {
		if c.Name == "" {
			c.Name = DefaultSessionCookie
		}
		a.cookie = c
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) APIOption {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAPI creates the API handler set.
func NewAPI(registry *service.Registry, guard *RouteGuard, sanitizer *errsafe.Sanitizer, opts ...APIOption) *API {
	a := &API{
		registry:  registry,
		guard:     guard,
		sanitizer: sanitizer,
		cookie:    CookieOptions{Name: DefaultSessionCookie},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes registers every API route on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/session/login", a.handleLogin)
	mux.HandleFunc("POST /api/session/logout", a.handleLogout)
	mux.HandleFunc("GET /api/session/status", a.handleStatus)
	mux.HandleFunc("POST /api/session/activity", a.handleActivity)
	mux.HandleFunc("POST /api/session/extend", a.handleExtend)
	mux.HandleFunc("GET /api/session/events", a.handleEvents)
	mux.HandleFunc("POST /api/authorize", a.handleAuthorize)
	mux.HandleFunc("POST /api/ratelimit/attempt", a.handleAttempt)
	mux.HandleFunc("POST /api/ratelimit/reset", a.handleReset)
	mux.HandleFunc("GET /api/ratelimit/remaining", a.handleRemaining)
	mux.HandleFunc("POST /api/errors/classify", a.handleClassify)
	mux.HandleFunc("GET /api/stats", a.handleStats)
}

// --- DTOs ---

type errorResponse struct {
	Error       string `json:"error"`
	OTPRequired bool   `json:"otp_required,omitempty"`
	RetryAfter  int    `json:"retry_after,omitempty"`
}

// StatusResponse is the JSON view of a session.
type StatusResponse struct {
	Status      string         `json:"status"`
	RemainingMs int64          `json:"remaining_ms,omitempty"`
	Identity    *auth.Identity `json:"identity,omitempty"`
}

// DecisionResponse is the JSON view of an access decision.
type DecisionResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// AttemptResponse is the JSON view of a rate-limit result.
type AttemptResponse struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining"`
	ResetInMs int64 `json:"reset_in_ms"`
}

// ClassificationResponse is the JSON view of a sanitized failure.
type ClassificationResponse struct {
	Message     string       `json:"message"`
	Kind        errsafe.Kind `json:"kind"`
	Code        string       `json:"code,omitempty"`
	Retryable   bool         `json:"retryable"`
	ForceLogout bool         `json:"force_logout"`
}

type authorizeRequest struct {
	Path        string   `json:"path"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type attemptRequest struct {
	Key         string `json:"key"`
	MaxAttempts int    `json:"max_attempts"`
	WindowMs    int64  `json:"window_ms"`
	Policy      string `json:"policy"`
}

type resetRequest struct {
	Key string `json:"key"`
}

type classifyRequest struct {
	Status  int    `json:"status"`
	Body    string `json:"body"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Network bool   `json:"network"`
}

func decisionResponse(d auth.Decision) DecisionResponse {
	resp := DecisionResponse{Outcome: d.Outcome.String()}
	if d.Denied() {
		resp.Reason = d.Reason.String()
	}
	return resp
}

func statusOf(p *service.SecurityProvider) StatusResponse {
	st := p.Status()
	resp := StatusResponse{Status: st.Kind.String(), Identity: p.Identity()}
	if st.Kind == session.KindWarning {
		resp.RemainingMs = st.Remaining.Milliseconds()
	}
	return resp
}

func classificationResponse(c errsafe.Classification) ClassificationResponse {
	return ClassificationResponse{
		Message:     c.DisplayMessage,
		Kind:        c.Kind,
		Code:        c.Code,
		Retryable:   c.Kind.Retryable(),
		ForceLogout: c.Kind.ForcesLogout(),
	}
}

// --- Session handlers ---

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := readJSON(w, r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := a.registry.Login(r.Context(), creds)
	if err != nil {
		a.writeLoginError(w, r, err)
		return
	}

	a.setSessionCookie(w, r, p.SessionID(), a.cookie.MaxAge)
	writeJSON(w, http.StatusOK, statusOf(p))
}

func (a *API) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	var le *ratelimit.LimitError
	switch {
	case errors.As(err, &le):
		writeLimited(w, le)
	case errors.Is(err, auth.ErrOTPRequired):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msgOTPRequired, OTPRequired: true})
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidOTP):
		writeError(w, http.StatusUnauthorized, msgBadCredentials)
	default:
		LoggerFromContext(r.Context()).Error("login failed", "error", err)
		c := a.sanitizer.Classify(err)
		writeJSON(w, http.StatusBadGateway, classificationResponse(c))
	}
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := sessionIDFromRequest(r, a.cookie.Name)
	if id != "" {
		// Resume first so a session issued before a restart is still ended
		// at the backend.
		if _, err := a.registry.Resume(r.Context(), id); err != nil && !errors.Is(err, service.ErrSessionNotFound) {
			LoggerFromContext(r.Context()).Warn("session lookup failed", "error", err)
		}
		if err := a.registry.Logout(r.Context(), id); err != nil {
			LoggerFromContext(r.Context()).Warn("backend logout failed", "error", err)
		}
	}
	a.setSessionCookie(w, r, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := a.provider(w, r, false)
	if !ok {
		return
	}
	if p == nil {
		writeJSON(w, http.StatusOK, StatusResponse{Status: session.KindUnauthenticated.String()})
		return
	}
	writeJSON(w, http.StatusOK, statusOf(p))
}

func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	p, ok := a.provider(w, r, true)
	if !ok {
		return
	}
	p.RecordActivity()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleExtend(w http.ResponseWriter, r *http.Request) {
	p, ok := a.provider(w, r, true)
	if !ok {
		return
	}
	switch err := p.ExtendSession(); {
	case err == nil:
		writeJSON(w, http.StatusOK, statusOf(p))
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, errsafe.MsgSessionExpired)
	case errors.Is(err, session.ErrNotStarted), errors.Is(err, service.ErrProviderClosed):
		writeError(w, http.StatusUnauthorized, msgNotSignedIn)
	default:
		LoggerFromContext(r.Context()).Error("extend session failed", "error", err)
		writeError(w, http.StatusInternalServerError, errsafe.MsgGeneric)
	}
}

// handleEvents streams lifecycle events as server-sent events. The first
// event is the current status; the stream ends after an expired event.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := a.provider(w, r, true)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, cancel := p.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if data, err := json.Marshal(statusOf(p)); err == nil {
		_, _ = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
			if ev.Type == session.EventExpired {
				return
			}
		}
	}
}

// --- Access ---

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var body authorizeRequest
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var req auth.Requirement
	if body.Path != "" {
		rule, ok := a.guard.Match(body.Path)
		if !ok {
			writeJSON(w, http.StatusOK, decisionResponse(auth.Allow))
			return
		}
		req = rule.Requirement
	} else {
		for _, s := range body.Roles {
			role, err := auth.ParseRole(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			req.Roles = append(req.Roles, role)
		}
		for _, s := range body.Permissions {
			perm, err := auth.ParsePermission(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			req.Permissions = append(req.Permissions, perm)
		}
	}

	d, _, err := a.guard.Decide(r, req)
	if err != nil {
		LoggerFromContext(r.Context()).Warn("session lookup failed", "error", err)
	}
	writeJSON(w, http.StatusOK, decisionResponse(d))
}

// --- Rate limiting ---

func (a *API) handleAttempt(w http.ResponseWriter, r *http.Request) {
	p, ok := a.provider(w, r, true)
	if !ok {
		return
	}
	var body attemptRequest
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if body.Policy == service.PolicyBooking {
		err := p.AttemptBooking(r.Context())
		var le *ratelimit.LimitError
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, AttemptResponse{Allowed: true})
		case errors.As(err, &le):
			writeLimited(w, le)
		default:
			a.writeStoreError(w, r, err)
		}
		return
	}

	key, max, window := body.Key, body.MaxAttempts, time.Duration(body.WindowMs)*time.Millisecond
	if body.Policy != "" {
		pol, ok := p.Policy(body.Policy)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown policy")
			return
		}
		max, window = pol.MaxAttempts, pol.Window
		if key == "" {
			key = body.Policy
		}
	}
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := (ratelimit.Policy{MaxAttempts: max, Window: window}).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := p.Attempt(r.Context(), key, max, window)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	resp := AttemptResponse{Allowed: res.Allowed, Remaining: res.Remaining, ResetInMs: res.ResetIn.Milliseconds()}
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa((&ratelimit.LimitError{ResetIn: res.ResetIn}).RetryAfterSeconds()))
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	p, ok := a.provider(w, r, true)
	if !ok {
		return
	}
	var body resetRequest
	if err := readJSON(w, r, &body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := p.Reset(r.Context(), body.Key); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemaining(w http.ResponseWriter, r *http.Request) {
	p, ok := a.provider(w, r, true)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	max, err := strconv.Atoi(r.URL.Query().Get("max"))
	if key == "" || err != nil || max <= 0 {
		writeError(w, http.StatusBadRequest, "key and a positive max are required")
		return
	}
	left, err := p.Remaining(r.Context(), key, max)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remaining": left})
}

func (a *API) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	LoggerFromContext(r.Context()).Error("rate limit store failed", "error", err)
	writeError(w, http.StatusServiceUnavailable, errsafe.MsgGeneric)
}

// --- Errors ---

// handleClassify sanitizes a failure reported by the data layer. With a
// live session, a rejected session also forces expiry.
func (a *API) handleClassify(w http.ResponseWriter, r *http.Request) {
	var body classifyRequest
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var be *errsafe.BackendError
	if body.Body != "" {
		be = errsafe.ParseResponse(body.Status, []byte(body.Body))
	} else {
		be = &errsafe.BackendError{
			StatusCode: body.Status,
			Code:       body.Code,
			Message:    body.Message,
			Network:    body.Network,
		}
	}

	p, err := a.guard.Provider(r.Context(), r)
	if err != nil {
		LoggerFromContext(r.Context()).Warn("session lookup failed", "error", err)
	}
	var c errsafe.Classification
	if p != nil {
		c = p.HandleError(be)
	} else {
		c = a.sanitizer.Classify(be)
	}
	writeJSON(w, http.StatusOK, classificationResponse(c))
}

// --- Stats ---

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if a.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats not configured")
		return
	}
	writeJSON(w, http.StatusOK, a.stats.GetStats())
}

// --- Helpers ---

// provider resolves the request's SecurityProvider. With required set, a
// missing session is answered with 401. ok is false when a response has
// already been written.
func (a *API) provider(w http.ResponseWriter, r *http.Request, required bool) (*service.SecurityProvider, bool) {
	p, err := a.guard.Provider(r.Context(), r)
	if err != nil {
		LoggerFromContext(r.Context()).Warn("session lookup failed", "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, errsafe.MsgGeneric)
		return nil, false
	}
	if p == nil && required {
		writeError(w, http.StatusUnauthorized, msgNotSignedIn)
		return nil, false
	}
	return p, true
}

func (a *API) setSessionCookie(w http.ResponseWriter, r *http.Request, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookie.Name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookie.Secure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes a JSON error response with a display-safe message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// readJSON decodes a size-limited request body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
