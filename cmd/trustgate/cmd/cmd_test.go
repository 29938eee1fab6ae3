package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/freightdesk/trustgate/internal/config"
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCommands_Registered(t *testing.T) {
	want := []string{"serve", "stop", "reset", "hash-password", "totp-secret", "classify", "version"}
	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}

	found, _, err := rootCmd.Find([]string{"start"})
	if err != nil || found != serveCmd {
		t.Errorf("start alias resolves to %v (err %v), want serve", found.Name(), err)
	}
}

func TestServeCmd_FlagDefaults(t *testing.T) {
	dev, err := serveCmd.Flags().GetBool("dev")
	if err != nil {
		t.Fatalf("failed to get dev flag: %v", err)
	}
	if dev {
		t.Error("dev default = true, want false")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{Server: config.ServerConfig{LogLevel: "info", LogFormat: "json"}}
	newLogger(&buf, cfg).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json logger wrote %q", buf.String())
	}

	buf.Reset()
	cfg.Server.LogFormat = "text"
	newLogger(&buf, cfg).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at info level: %q", buf.String())
	}

	cfg.DevMode = true
	newLogger(&buf, cfg).Debug("shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("dev mode should log debug, got %q", buf.String())
	}
}

func TestApplyDevDefaults(t *testing.T) {
	cfg := &config.Config{DevMode: true}
	cfg.SetDefaults()
	password, err := applyDevDefaults(cfg)
	if err != nil {
		t.Fatalf("applyDevDefaults() error: %v", err)
	}
	if password == "" || len(cfg.Auth.Identities) != 1 {
		t.Fatalf("dev identity not generated: password %q, identities %d", password, len(cfg.Auth.Identities))
	}
	ok, err := auth.VerifyPassword(password, cfg.Auth.Identities[0].PasswordHash)
	if err != nil || !ok {
		t.Errorf("generated password does not match hash: %v %v", ok, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("dev config invalid: %v", err)
	}

	prod := &config.Config{}
	prod.SetDefaults()
	password, err = applyDevDefaults(prod)
	if err != nil || password != "" || len(prod.Auth.Identities) != 0 {
		t.Errorf("non-dev config changed: password %q, identities %d, err %v", password, len(prod.Auth.Identities), err)
	}
}

func TestPasswordInput(t *testing.T) {
	got, err := passwordInput(strings.NewReader("ignored\n"), []string{"from-arg"})
	if err != nil || got != "from-arg" {
		t.Errorf("passwordInput(arg) = %q, %v", got, err)
	}

	got, err = passwordInput(strings.NewReader("s3cret pass\r\nsecond line\n"), nil)
	if err != nil || got != "s3cret pass" {
		t.Errorf("passwordInput(stdin) = %q, %v", got, err)
	}

	got, err = passwordInput(strings.NewReader("no-newline"), nil)
	if err != nil || got != "no-newline" {
		t.Errorf("passwordInput(stdin without newline) = %q, %v", got, err)
	}

	if _, err := passwordInput(strings.NewReader(""), nil); err == nil {
		t.Error("passwordInput(empty) should return error")
	}
}

func TestHashPasswordCmd(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	defer hashPasswordCmd.SetOut(nil)

	if err := hashPasswordCmd.RunE(hashPasswordCmd, []string{"pw-dispatch"}); err != nil {
		t.Fatalf("hash-password error: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if !auth.IsPasswordHash(hash) {
		t.Fatalf("output %q is not an argon2id hash", hash)
	}
	ok, err := auth.VerifyPassword("pw-dispatch", hash)
	if err != nil || !ok {
		t.Errorf("hash does not verify: %v %v", ok, err)
	}
}

func TestTOTPSecretCmd(t *testing.T) {
	var out bytes.Buffer
	totpSecretCmd.SetOut(&out)
	defer totpSecretCmd.SetOut(nil)
	totpAccount = "alice@shipper.example"
	defer func() { totpAccount = "" }()

	if err := totpSecretCmd.RunE(totpSecretCmd, nil); err != nil {
		t.Fatalf("totp-secret error: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "secret:  ") {
		t.Errorf("output missing secret: %q", got)
	}
	if !strings.Contains(got, "otpauth://totp/") || !strings.Contains(got, "issuer=trustgate") {
		t.Errorf("output missing otpauth URL: %q", got)
	}
}

func TestClassifyOffline(t *testing.T) {
	s := errsafe.NewSanitizer(errsafe.WithLogger(discardLogger()))

	c := classifyOffline(s, false, 409, []byte(`{"code":"SLOT_UNAVAILABLE","message":"slot 7 locked"}`))
	if c.Kind != errsafe.KindSafeBackendError || c.Code != "SLOT_UNAVAILABLE" {
		t.Errorf("allowlisted code = %+v", c)
	}

	c = classifyOffline(s, true, 0, nil)
	if c.Kind != errsafe.KindNetworkFailure || c.DisplayMessage != errsafe.MsgNetworkFailure {
		t.Errorf("network failure = %+v", c)
	}

	c = classifyOffline(s, false, 401, nil)
	if c.Kind != errsafe.KindSessionExpired {
		t.Errorf("401 = %+v, want session expired", c)
	}

	var buf bytes.Buffer
	if err := writeClassification(&buf, c); err != nil {
		t.Fatalf("writeClassification: %v", err)
	}
	if !strings.Contains(buf.String(), `"force_logout": true`) || !strings.Contains(buf.String(), `"retryable": false`) {
		t.Errorf("output = %s", buf.String())
	}
}

func TestBuildSanitizer(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "catalog.yaml")
	data := "codes:\n  lane_closed: \"This lane is closed for new bookings.\"\n"
	if err := os.WriteFile(catalog, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := buildSanitizer(config.ErrorsConfig{
		CatalogFile:      catalog,
		Codes:            map[string]string{"carrier_full": "The carrier has no capacity left."},
		MaxMessageLength: 200,
	}, discardLogger())
	if err != nil {
		t.Fatalf("buildSanitizer() error: %v", err)
	}
	for code, want := range map[string]string{
		"LANE_CLOSED":      "This lane is closed for new bookings.",
		"CARRIER_FULL":     "The carrier has no capacity left.",
		"SLOT_UNAVAILABLE": "The selected pickup slot is no longer available. Please choose another.",
	} {
		if got, ok := s.SafeMessage(code); !ok || got != want {
			t.Errorf("SafeMessage(%s) = %q, %v; want %q", code, got, ok, want)
		}
	}

	if _, err := buildSanitizer(config.ErrorsConfig{CatalogFile: filepath.Join(dir, "missing.yaml")}, discardLogger()); err == nil {
		t.Error("buildSanitizer() should fail for a missing catalog file")
	}
	if _, err := buildSanitizer(config.ErrorsConfig{Codes: map[string]string{"bad code!": "x"}}, discardLogger()); err == nil {
		t.Error("buildSanitizer() should fail for an invalid code")
	}
}

func TestOpenRateLimitStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		store    string
		wantKind string
		wantPing bool
	}{
		{"memory://", "memory", false},
		{"file://" + filepath.ToSlash(filepath.Join(dir, "limits.json")), "file", false},
		{"sqlite://" + filepath.ToSlash(filepath.Join(dir, "limits.db")), "sqlite", true},
	}
	for _, tt := range tests {
		ctx, cancel := context.WithCancel(context.Background())
		b, err := openRateLimitStore(ctx, config.RateLimitConfig{Store: tt.store, CleanupInterval: "1m"}, discardLogger())
		if err != nil {
			cancel()
			t.Errorf("%s: open error: %v", tt.store, err)
			continue
		}
		if b.kind != tt.wantKind {
			t.Errorf("%s: kind = %q, want %q", tt.store, b.kind, tt.wantKind)
		}
		if (b.ping != nil) != tt.wantPing {
			t.Errorf("%s: ping set = %v, want %v", tt.store, b.ping != nil, tt.wantPing)
		}
		if b.ping != nil {
			if err := b.ping(ctx); err != nil {
				t.Errorf("%s: ping error: %v", tt.store, err)
			}
		}
		if _, err := b.store.Get(ctx, "login:alice"); !errors.Is(err, ratelimit.ErrRecordNotFound) {
			t.Errorf("%s: Get(empty store) error = %v, want ErrRecordNotFound", tt.store, err)
		}
		if err := b.close(); err != nil {
			t.Errorf("%s: close error: %v", tt.store, err)
		}
		cancel()
	}

	if _, err := openRateLimitStore(context.Background(), config.RateLimitConfig{Store: "memcached://x"}, discardLogger()); err == nil {
		t.Error("unsupported scheme should fail")
	}
}

func TestResetTargets(t *testing.T) {
	tests := []struct {
		store string
		want  []string
	}{
		{"memory://", nil},
		{"redis://localhost:6379/0", nil},
		{"file:///var/lib/trustgate/limits.json", []string{
			"/var/lib/trustgate/limits.json",
			"/var/lib/trustgate/limits.json.bak",
			"/var/lib/trustgate/limits.json.lock",
		}},
		{"sqlite:///var/lib/trustgate/limits.db", []string{
			"/var/lib/trustgate/limits.db",
			"/var/lib/trustgate/limits.db-wal",
			"/var/lib/trustgate/limits.db-shm",
		}},
	}
	for _, tt := range tests {
		got, err := resetTargets(tt.store)
		if err != nil {
			t.Errorf("resetTargets(%q) error: %v", tt.store, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("resetTargets(%q) = %d targets, want %d", tt.store, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].path != tt.want[i] {
				t.Errorf("resetTargets(%q)[%d] = %q, want %q", tt.store, i, got[i].path, tt.want[i])
			}
		}
	}

	if _, err := resetTargets("ftp://host/x"); err == nil {
		t.Error("unsupported scheme should fail")
	}
}

func TestRemoveTargets(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "limits.json")
	if err := os.WriteFile(state, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	targets := []resetTarget{{state, "rate limit state"}, {state + ".bak", "rate limit backup"}}

	var out bytes.Buffer
	if err := removeTargets(strings.NewReader("n\n"), &out, targets, false); err != nil {
		t.Fatalf("removeTargets(declined) error: %v", err)
	}
	if _, err := os.Stat(state); err != nil {
		t.Fatal("declined reset removed the file")
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("output = %q, want Aborted", out.String())
	}

	out.Reset()
	if err := removeTargets(strings.NewReader(""), &out, targets, true); err != nil {
		t.Fatalf("removeTargets(force) error: %v", err)
	}
	if _, err := os.Stat(state); !os.IsNotExist(err) {
		t.Error("forced reset left the file behind")
	}
	if strings.Contains(out.String(), ".bak") {
		t.Errorf("missing backup listed: %q", out.String())
	}

	out.Reset()
	if err := removeTargets(nil, &out, targets, true); err != nil {
		t.Fatalf("removeTargets(nothing) error: %v", err)
	}
	if !strings.Contains(out.String(), "Nothing to reset") {
		t.Errorf("output = %q", out.String())
	}
}

func TestWaitForExit(t *testing.T) {
	polls := 0
	exitsOnThird := func() bool {
		polls++
		return polls < 3
	}
	if !waitForExit(exitsOnThird, time.Second, time.Millisecond) {
		t.Error("waitForExit() = false, want true once the process exits")
	}
	if polls != 3 {
		t.Errorf("polled %d times, want 3", polls)
	}

	if waitForExit(func() bool { return true }, 5*time.Millisecond, time.Millisecond) {
		t.Error("waitForExit() = true for a process that never exits")
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.pid")
	if got := readPIDFile(path); got != 0 {
		t.Errorf("readPIDFile(missing) = %d, want 0", got)
	}
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	if got := readPIDFile(path); got != os.Getpid() {
		t.Errorf("readPIDFile = %d, want %d", got, os.Getpid())
	}
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(path); got != 0 {
		t.Errorf("readPIDFile(garbage) = %d, want 0", got)
	}
}

func TestBuildGateway(t *testing.T) {
	cfg := &config.Config{
		Auth: config.AuthConfig{Identities: []config.IdentityConfig{{
			Username:     "alice",
			PasswordHash: mustHash(t, "pw-alice"),
			Role:         "shipper",
		}}},
		Routes: []config.RouteConfig{{Prefix: "/bookings", Permissions: []string{"bookings:view"}}},
		Upstream: config.UpstreamConfig{Targets: []config.UpstreamTargetConfig{
			{PathPrefix: "/", URL: "http://127.0.0.1:3000"},
		}},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, err := buildGateway(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildGateway() error: %v", err)
	}
	defer g.close(discardLogger())

	if g.backend.kind != "memory" {
		t.Errorf("backend kind = %q, want memory", g.backend.kind)
	}
	if g.server == nil || g.registry == nil {
		t.Fatal("gateway not fully wired")
	}
	if n := g.registry.Len(); n != 0 {
		t.Errorf("registry.Len() = %d, want 0", n)
	}
}

func TestBuildGateway_BadRoute(t *testing.T) {
	cfg := &config.Config{
		Routes: []config.RouteConfig{{Prefix: "/x", Roles: []string{"pilot"}}},
	}
	cfg.SetDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := buildGateway(ctx, cfg, discardLogger()); err == nil {
		t.Error("buildGateway() should reject an unknown route role")
	}
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	return hash
}
