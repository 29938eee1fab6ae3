package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the inbound HTTP adapter serving the session API, the guarded
// application routes, health and metrics.
type Server struct {
	api            *API
	server         *http.Server
	addr           string
	allowedOrigins []string
	trustedProxies []netip.Prefix
	certFile       string
	keyFile        string
	logger         *slog.Logger
	appHandler     http.Handler // Optional guarded application handler
	metrics        *Metrics     // Prometheus metrics
	gatherer       prometheus.Gatherer
	healthChecker  *HealthChecker // Health check handler

	apiLimiter *ratelimit.Limiter
	apiPolicy  ratelimit.Policy
	recorder   service.Recorder

	buildOnce sync.Once
	handler   http.Handler

	// cancelStreams ends every request context, closing event streams
	// that would otherwise hold Shutdown open.
	cancelStreams context.CancelFunc
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked (local-only mode).
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithTrustedProxies lists the reverse proxies whose forwarding headers are
// believed when resolving the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) {
		s.trustedProxies = prefixes
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAppHandler sets the application handler served behind the route guard
// for every path outside /api/, /health and /metrics.
func WithAppHandler(h http.Handler) Option {
	return func(s *Server) {
		s.appHandler = h
	}
}

// WithMetrics shares metrics already wired as a recorder. gatherer serves
// /metrics.
func WithMetrics(m *Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithAPIRateLimit throttles /api/ requests per client IP.
func WithAPIRateLimit(limiter *ratelimit.Limiter, policy ratelimit.Policy) Option {
	return func(s *Server) {
		s.apiLimiter = limiter
		s.apiPolicy = policy
	}
}

// WithRecorder sets the recorder for API rate-limit decisions. Defaults to
// the server's metrics.
func WithRecorder(r service.Recorder) Option {
	return func(s *Server) {
		s.recorder = r
	}
}

// NewServer creates the HTTP server around api.
func NewServer(api *API, opts ...Option) *Server {
	s := &Server{
		api:            api,
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the fully wrapped handler. It is built once.
func (s *Server) Handler() http.Handler {
	s.buildOnce.Do(func() { s.handler = s.build() })
	return s.handler
}

func (s *Server) build() http.Handler {
	if s.metrics == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = NewMetrics(reg)
		s.gatherer = reg
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	apiMux := http.NewServeMux()
	s.api.Routes(apiMux)
	var apiHandler http.Handler = apiMux
	if s.recorder == nil {
		s.recorder = s.metrics
	}
	if s.apiLimiter != nil {
		apiHandler = APIRateLimitMiddleware(s.apiLimiter, s.apiPolicy, s.recorder)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	if s.healthChecker != nil {
		mux.Handle("GET /health", s.healthChecker.Handler())
	} else {
		mux.Handle("GET /health", NewHealthChecker("").Handler())
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	// Favicon handler to prevent browser 404 noise
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	app := s.appHandler
	if app == nil {
		app = http.NotFoundHandler()
	}
	mux.Handle("/", s.api.guard.Middleware(app))

	// Middleware order (outermost first):
	// 1. MetricsMiddleware - must be outermost to capture full duration
	// 2. RequestID - extract/generate request ID and enrich logger
	// 3. ClientIP - client address for rate limiting and forwarding
	// 4. SecurityHeaders - CSP and no-store
	// 5. OriginCheck - same origin or allowlist
	var handler http.Handler = mux
	handler = OriginCheck(s.allowedOrigins)(handler)
	handler = SecurityHeaders(handler)
	handler = ClientIPMiddleware(s.trustedProxies)(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelStreams = cancel
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	if s.certFile != "" && s.keyFile != "" {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			s.logger.Info("starting HTTPS server", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		cancel()
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server. Open event streams
// end when their request contexts are cancelled.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.cancelStreams != nil {
		s.cancelStreams()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
