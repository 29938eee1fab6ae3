package errsafe

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// codePattern constrains allowlist codes.
var codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,63}$`)

// catalogFile is the on-disk catalog layout.
type catalogFile struct {
	Codes map[string]string `yaml:"codes"`
}

// ParseCatalog decodes a YAML allowlist catalog. Codes are normalized to
// upper case; empty messages are rejected.
func ParseCatalog(data []byte) (map[string]string, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse error catalog: %w", err)
	}
	return NormalizeCodes(f.Codes)
}

// NormalizeCodes validates and normalizes a code → message map.
func NormalizeCodes(codes map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(codes))
	for code, msg := range codes {
		c := NormalizeCode(code)
		if !codePattern.MatchString(c) {
			return nil, fmt.Errorf("invalid error code %q", code)
		}
		msg = strings.TrimSpace(msg)
		if msg == "" {
			return nil, fmt.Errorf("error code %s has an empty message", c)
		}
		out[c] = msg
	}
	return out, nil
}

// NormalizeCode upper-cases and trims a backend code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var defaultCatalog = sync.OnceValues(func() (map[string]string, error) {
	return ParseCatalog(catalogYAML)
})

// DefaultCatalog returns a copy of the built-in allowlist.
func DefaultCatalog() map[string]string {
	codes, err := defaultCatalog()
	if err != nil {
		panic(fmt.Sprintf("errsafe: embedded catalog is invalid: %v", err))
	}
	out := make(map[string]string, len(codes))
	for k, v := range codes {
		out[k] = v
	}
	return out
}
