package errsafe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"unicode/utf8"
)

// compiledPattern holds a pre-compiled regex pattern with its name.
type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// sensitivePatterns flag text that may carry secrets or personal numbers.
// A match means the message is never shown, not even partially.
var sensitivePatterns = compile([]struct{ name, pattern string }{
	{"credential_keyword", `(?i)(?:password|passwd|pwd|secret|token|api[_ -]?key|credential|private[_ -]?key|set-cookie)`},
	{"bearer", `(?i)\bbearer\s+\S+`},
	{"authorization_header", `(?i)\bauthorization\s*[:=]`},
	{"jwt", `\beyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]*`},
	{"url_userinfo", `(?i)\b[a-z][a-z0-9+.-]*://[^\s/@]*:[^\s/@]*@`},
	{"aws_access_key", `\bAKIA[0-9A-Z]{16}\b`},
	{"long_digit_run", `\d(?:[ -]?\d){11,}`},
})

// stackPatterns match stack-trace-like fragments and markup tags that are
// stripped before a message is displayed.
var stackPatterns = compile([]struct{ name, pattern string }{
	{"frame_at", `(?m)^\s*at\s+.*$`},
	{"python_frame", `(?m)^\s*File "[^"]*", line \d+.*$`},
	{"traceback_header", `Traceback \(most recent call last\):?`},
	{"goroutine_header", `goroutine \d+ \[[^\]]*\]:?`},
	{"java_thread", `Exception in thread "[^"]*"`},
	{"source_location", `[\w./\\-]+\.(?:go|js|mjs|ts|tsx|jsx|java|py|rb|php|cs|kt|scala)(?::\d+)+`},
	{"pc_offset", `\+0x[0-9a-fA-F]+`},
	{"markup_tag", `</?[A-Za-z!][^<>]*>`},
})

var whitespace = regexp.MustCompile(`\s+`)

func compile(raw []struct{ name, pattern string }) []compiledPattern {
	out := make([]compiledPattern, 0, len(raw))
	for _, r := range raw {
		out = append(out, compiledPattern{name: r.name, re: regexp.MustCompile(r.pattern)})
	}
	return out
}

// Sanitizer classifies failures into safe, user-facing messages.
// It is stateless after construction and safe for concurrent use.
type Sanitizer struct {
	codes  map[string]string
	maxLen int
	logger *slog.Logger
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithCodes adds allowlisted codes on top of the built-in catalog.
// Codes must already be normalized (see NormalizeCodes).
func WithCodes(codes map[string]string) Option {
	return func(s *Sanitizer) {
		for k, v := range codes {
			s.codes[NormalizeCode(k)] = v
		}
	}
}

// WithMaxMessageLength overrides DefaultMaxMessageLength.
func WithMaxMessageLength(n int) Option {
	return func(s *Sanitizer) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// WithLogger sets the logger used for classification diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sanitizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSanitizer creates a Sanitizer with the built-in catalog.
func NewSanitizer(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		codes:  DefaultCatalog(),
		maxLen: DefaultMaxMessageLength,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Codes returns the number of allowlisted codes.
func (s *Sanitizer) Codes() int {
	return len(s.codes)
}

// SafeMessage returns the allowlisted message for code.
func (s *Sanitizer) SafeMessage(code string) (string, bool) {
	msg, ok := s.codes[NormalizeCode(code)]
	return msg, ok
}

// Classify maps err to a safe classification. Rules apply in strict order:
//
//	a. no response reached the client      → NetworkFailure
//	b. status 401                          → SessionExpired
//	c. allowlisted code                    → SafeBackendError(code)
//	d. sensitive pattern in the message    → generic
//	e. message longer than the length cap  → generic
//	f. cleaned message if non-empty, else  → generic
//
// A 401 with an allowlisted code is still SessionExpired.
func (s *Sanitizer) Classify(err error) Classification {
	if err == nil {
		return generic()
	}

	var be *BackendError
	hasBackend := errors.As(err, &be)

	// a. connectivity
	if isNetworkFailure(err, be) {
		return Classification{DisplayMessage: MsgNetworkFailure, Kind: KindNetworkFailure}
	}

	// b. authentication
	if hasBackend && be.StatusCode == http.StatusUnauthorized {
		return Classification{DisplayMessage: MsgSessionExpired, Kind: KindSessionExpired}
	}

	// c. allowlist
	if hasBackend && be.Code != "" {
		code := NormalizeCode(be.Code)
		if msg, ok := s.codes[code]; ok {
			return Classification{DisplayMessage: msg, Kind: KindSafeBackendError, Code: code}
		}
	}

	raw := err.Error()
	if hasBackend {
		raw = be.Message
	}

	// d. sensitive data
	if name, ok := matchSensitive(raw); ok {
		s.logger.Debug("backend message withheld", "reason", name)
		return generic()
	}

	// e. length cap
	if utf8.RuneCountInString(raw) > s.maxLen {
		s.logger.Debug("backend message withheld", "reason", "too_long")
		return generic()
	}

	// f. clean
	if cleaned := Clean(raw); cleaned != "" {
		return Classification{DisplayMessage: cleaned, Kind: KindUnclassifiedBackendError}
	}
	return generic()
}

// ClassifyResponse is Classify for a raw HTTP status and body.
func (s *Sanitizer) ClassifyResponse(status int, body []byte) Classification {
	return s.Classify(ParseResponse(status, body))
}

// Clean strips stack-trace-like fragments and collapses whitespace.
func Clean(msg string) string {
	for _, p := range stackPatterns {
		msg = p.re.ReplaceAllString(msg, " ")
	}
	msg = whitespace.ReplaceAllString(msg, " ")
	return strings.Trim(msg, " :;,")
}

// ContainsSensitive reports whether msg matches any sensitive-data pattern.
func ContainsSensitive(msg string) bool {
	_, ok := matchSensitive(msg)
	return ok
}

func matchSensitive(msg string) (string, bool) {
	for _, p := range sensitivePatterns {
		if p.re.MatchString(msg) {
			return p.name, true
		}
	}
	return "", false
}

func generic() Classification {
	return Classification{DisplayMessage: MsgGeneric, Kind: KindUnclassifiedBackendError}
}

// isNetworkFailure reports whether no response reached the client. A
// BackendError carrying a status code is a response, whatever it wraps.
func isNetworkFailure(err error, be *BackendError) bool {
	if be != nil {
		if be.Network {
			return true
		}
		if be.StatusCode != 0 {
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
