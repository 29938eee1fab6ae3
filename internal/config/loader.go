package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for trustgate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig returns ConfigFileNotFoundError, handled by callers.
		viper.SetConfigName("trustgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TRUSTGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("TRUSTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches ., ~/.trustgate and the system directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".trustgate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "trustgate"))
		}
	} else {
		paths = append(paths, "/etc/trustgate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for trustgate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "trustgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment overrides.
// Example: TRUSTGATE_SESSION_IDLE_TIMEOUT overrides session.idle_timeout
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")
	_ = viper.BindEnv("server.cookie_name")
	_ = viper.BindEnv("server.cookie_secure")

	// Session config
	_ = viper.BindEnv("session.idle_timeout")
	_ = viper.BindEnv("session.warning_lead")
	_ = viper.BindEnv("session.check_interval")
	_ = viper.BindEnv("session.absolute_ttl")
	_ = viper.BindEnv("session.expired_retention")

	// Rate limit config. Policies are a map; use the config file for those.
	_ = viper.BindEnv("rate_limit.store")
	_ = viper.BindEnv("rate_limit.cleanup_interval")
	_ = viper.BindEnv("rate_limit.max_ttl")
	_ = viper.BindEnv("rate_limit.disable_api")

	// Errors config
	_ = viper.BindEnv("errors.catalog_file")
	_ = viper.BindEnv("errors.max_message_length")

	_ = viper.BindEnv("upstream.timeout")

	// auth.identities, upstream.targets and routes are arrays, file only.

	_ = viper.BindEnv("dev_mode")
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
