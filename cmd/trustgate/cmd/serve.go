package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/freightdesk/trustgate/internal/adapter/inbound/http"
	"github.com/freightdesk/trustgate/internal/adapter/outbound/memory"
	"github.com/freightdesk/trustgate/internal/clock"
	"github.com/freightdesk/trustgate/internal/config"
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/service"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the gateway",
	Long: `Start the trustgate HTTP server.

The gateway serves the session API under /api/, health at /health and
Prometheus metrics at /metrics. Every other path is checked against the
configured routes and, when allowed, forwarded to the portal upstream.

Examples:
  # Start with config file settings
  trustgate serve

  # Start in development mode (debug logging, generated admin login)
  trustgate serve --dev

  # Start with a specific config file
  trustgate --config /path/to/trustgate.yaml serve`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, generated admin identity)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}

	devPassword, err := applyDevDefaults(cfg)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(os.Stderr, cfg)
	logger.Debug("log level configured", "level", cfg.Server.LogLevel)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if devPassword != "" {
		logger.Warn("development mode: sign in as dev", "password", devPassword)
	}

	// Write PID file so "trustgate stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("trustgate stopped")
	return nil
}

// applyDevDefaults generates a one-off password for the dev admin when dev
// mode is on and no identities are configured. It returns the password.
func applyDevDefaults(cfg *config.Config) (string, error) {
	if !cfg.DevMode || len(cfg.Auth.Identities) > 0 {
		cfg.SetDevDefaults("")
		return "", nil
	}
	password := uuid.NewString()
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hash dev password: %w", err)
	}
	cfg.SetDevDefaults(hash)
	return password, nil
}

// newLogger builds the process logger. DevMode always forces debug.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Server.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// gateway is the wired component graph.
type gateway struct {
	server   *http.Server
	registry *service.Registry
	grants   *memory.GrantStore
	backend  *rateLimitBackend
}

// close releases background work in reverse start order.
func (g *gateway) close(logger *slog.Logger) {
	g.registry.Stop()
	g.grants.Stop()
	if err := g.backend.close(); err != nil {
		logger.Warn("closing rate limit store failed", "error", err)
	}
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	g, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.close(logger)

	printBanner(Version, cfg)
	return g.server.Start(ctx)
}

// buildGateway assembles stores, services and the HTTP server from cfg.
// Background cleanup is bound to ctx.
func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	sessionCfg, err := cfg.SessionSettings()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	policies, err := cfg.RateLimitPolicies()
	if err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	apiPolicy, apiThrottle := policies[config.PolicyAPI]
	delete(policies, config.PolicyAPI)

	// ===== Rate limit store =====
	backend, err := openRateLimitStore(ctx, cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	logger.Info("rate limit store ready", "kind", backend.kind)
	limiter := ratelimit.NewLimiter(backend.store, ratelimit.WithLogger(logger))

	// ===== Error sanitizer =====
	sanitizer, err := buildSanitizer(cfg.Errors, logger)
	if err != nil {
		_ = backend.close()
		return nil, err
	}

	// ===== Identities =====
	grants := memory.NewGrantStore()
	grants.StartCleanup(ctx)
	idp := memory.NewIdentityProvider(grants, config.Duration(cfg.Session.AbsoluteTTL, memory.DefaultGrantTTL), clock.Real{}, logger)
	if err := seedIdentities(idp, cfg.Auth.Identities); err != nil {
		grants.Stop()
		_ = backend.close()
		return nil, err
	}
	logger.Debug("seeded identities", "count", idp.Users())

	// ===== Metrics =====
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := http.NewMetrics(reg)
	stats := service.NewStatsService()
	recorder := service.MultiRecorder{stats, metrics}

	// ===== Sessions =====
	providerCfg := service.Config{
		Session:     sessionCfg,
		Policies:    policies,
		EventBuffer: cfg.Session.EventBuffer,
	}
	factory := func() (*service.SecurityProvider, error) {
		return service.NewSecurityProvider(idp, limiter, sanitizer, providerCfg,
			service.WithProviderLogger(logger),
			service.WithPresenter(service.NewLogPresenter(logger)),
			service.WithRecorder(recorder),
		)
	}
	registry := service.NewRegistry(factory,
		service.WithRegistryLogger(logger),
		service.WithRegistryRecorder(recorder),
		service.WithRetention(config.Duration(cfg.Session.ExpiredRetention, service.DefaultExpiredRetention)),
	)
	registry.StartCleanup(ctx)

	// ===== HTTP =====
	var proxies []netip.Prefix
	rules, err := routeRules(cfg.Routes)
	if err == nil {
		proxies, err = cfg.Server.TrustedProxyPrefixes()
	}
	if err != nil {
		registry.Stop()
		grants.Stop()
		_ = backend.close()
		return nil, err
	}
	guard := http.NewRouteGuard(registry, rules, cfg.Server.CookieName)
	api := http.NewAPI(registry, guard, sanitizer,
		http.WithStatsService(stats),
		http.WithCookie(http.CookieOptions{Name: cfg.Server.CookieName, Secure: cfg.Server.CookieSecure}),
		http.WithAPILogger(logger),
	)

	health := http.NewHealthChecker(Version).
		Register("sessions", http.SizeCheck(registry.Len)).
		Register("identities", http.SizeCheck(idp.Users))
	if backend.ping != nil {
		health.Register("rate_limit_store", http.PingCheck(backend.ping))
	}
	if backend.size != nil {
		health.Register("rate_limit_records", http.SizeCheck(backend.size))
	}

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithTrustedProxies(proxies),
		http.WithLogger(logger),
		http.WithMetrics(metrics, reg),
		http.WithHealthChecker(health),
		http.WithRecorder(recorder),
	}
	if cfg.Server.TLSCertFile != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	if apiThrottle {
		opts = append(opts, http.WithAPIRateLimit(limiter, apiPolicy))
	}
	if len(cfg.Upstream.Targets) > 0 {
		opts = append(opts, http.WithAppHandler(portalProxy(cfg, sanitizer, logger)))
	}

	return &gateway{
		server:   http.NewServer(api, opts...),
		registry: registry,
		grants:   grants,
		backend:  backend,
	}, nil
}

// buildSanitizer merges the built-in catalog, the optional catalog file and
// inline codes, in that order.
func buildSanitizer(cfg config.ErrorsConfig, logger *slog.Logger) (*errsafe.Sanitizer, error) {
	opts := []errsafe.Option{
		errsafe.WithLogger(logger),
		errsafe.WithMaxMessageLength(cfg.MaxMessageLength),
	}
	if cfg.CatalogFile != "" {
		data, err := os.ReadFile(cfg.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("read error catalog: %w", err)
		}
		codes, err := errsafe.ParseCatalog(data)
		if err != nil {
			return nil, fmt.Errorf("parse error catalog %s: %w", cfg.CatalogFile, err)
		}
		opts = append(opts, errsafe.WithCodes(codes))
	}
	if len(cfg.Codes) > 0 {
		codes, err := errsafe.NormalizeCodes(cfg.Codes)
		if err != nil {
			return nil, fmt.Errorf("errors.codes: %w", err)
		}
		opts = append(opts, errsafe.WithCodes(codes))
	}
	return errsafe.NewSanitizer(opts...), nil
}

func seedIdentities(idp *memory.IdentityProvider, identities []config.IdentityConfig) error {
	for _, ic := range identities {
		err := idp.AddUser(memory.User{
			Username:     ic.Username,
			PasswordHash: ic.PasswordHash,
			TOTPSecret:   ic.TOTPSecret,
			Identity:     ic.Identity(),
		})
		if err != nil {
			return fmt.Errorf("seed identity %s: %w", ic.Username, err)
		}
	}
	return nil
}

func routeRules(routes []config.RouteConfig) ([]http.RouteRule, error) {
	rules := make([]http.RouteRule, 0, len(routes))
	for _, rc := range routes {
		req, err := rc.Requirement()
		if err != nil {
			return nil, err
		}
		rules = append(rules, http.RouteRule{Prefix: rc.Prefix, Requirement: req})
	}
	return rules, nil
}

func portalProxy(cfg *config.Config, sanitizer *errsafe.Sanitizer, logger *slog.Logger) *http.PortalProxy {
	targets := make([]http.UpstreamTarget, 0, len(cfg.Upstream.Targets))
	for _, t := range cfg.Upstream.Targets {
		targets = append(targets, http.UpstreamTarget{
			PathPrefix:  t.PathPrefix,
			Upstream:    t.URL,
			StripPrefix: t.StripPrefix,
			Headers:     t.Headers,
		})
	}
	return http.NewPortalProxy(targets, sanitizer,
		http.WithProxyTimeout(config.Duration(cfg.Upstream.Timeout, 0)),
		http.WithProxyCookie(cfg.Server.CookieName),
		http.WithProxyLogger(logger),
	)
}

// printBanner prints the startup summary to stderr.
func printBanner(version string, cfg *config.Config) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	scheme := "http"
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, cfg.Server.HTTPAddr)
	if strings.HasPrefix(cfg.Server.HTTPAddr, ":") {
		base = fmt.Sprintf("%s://localhost%s", scheme, cfg.Server.HTTPAddr)
	}

	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s trustgate %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s/api/session/status\n", "Session API:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d configured\n", "Identities:", len(cfg.Auth.Identities))
	fmt.Fprintf(os.Stderr, "  %-14s %d guarded\n", "Routes:", len(cfg.Routes))
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Idle timeout:", cfg.Session.IdleTimeout)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Rate limits:", cfg.RateLimit.Store)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
