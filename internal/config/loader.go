package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// lookupFunc resolves an environment variable. os.LookupEnv in production.
type lookupFunc func(string) (string, bool)

// Defaults returns the configuration used when no file is provided.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "codegate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		API: APIConfig{
			Enabled:      true,
			Listen:       ":3000",
			MaxBodyBytes: 64 << 20,
			Metrics:      true,
		},
		Limits: LimitsConfig{
			MaxConcurrency:  4,
			MaxQueueSize:    16,
			QueueTimeout:    30 * time.Second,
			DefaultTimeout:  300 * time.Second,
			MaxTimeout:      600 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Defaults: DefaultsConfig{
			Provider: "claude-code",
			Model:    "claude-sonnet-4-20250514",
		},
		Workspace: WorkspaceConfig{
			Root:             filepath.Join(os.TempDir(), "codegate"),
			CleanupOlderThan: time.Hour,
		},
		History: HistoryConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Tracing: TracingConfig{
			Protocol:    "http",
			SampleRate:  1.0,
			ServiceName: "codegate",
		},
	}
}

// Load reads configuration from path, applies CODEGATE_* environment
// overrides and validates the result. An empty path means defaults plus
// environment only.
func Load(configPath string) (*Config, error) {
	return load(configPath, os.LookupEnv, false)
}

// LoadForTool is Load for local commands that never serve HTTP: the API
// section is disabled before validation, so no auth token is required.
func LoadForTool(configPath string) (*Config, error) {
	return load(configPath, os.LookupEnv, true)
}

// LoadDotEnv loads KEY=value pairs from a .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func load(configPath string, lookup lookupFunc, tool bool) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		interpolated := interpolateEnv(string(data), lookup)
		if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
		}
		if cfg.ProvidersDir != "" && !filepath.IsAbs(cfg.ProvidersDir) {
			cfg.ProvidersDir = filepath.Join(filepath.Dir(absPath), cfg.ProvidersDir)
		}
	}

	if err := applyEnvOverrides(cfg, lookup); err != nil {
		return nil, err
	}

	if tool {
		cfg.API.Enabled = false
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and caught by validate.
func interpolateEnv(input string, lookup lookupFunc) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := lookup(varName); exists {
			return value
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("CODEGATE_AUTH_TOKEN", &cfg.API.Auth.APIKey)
	str("CODEGATE_LOG_LEVEL", &cfg.Service.LogLevel)
	str("CODEGATE_LOG_FORMAT", &cfg.Service.LogFormat)
	str("CODEGATE_DEFAULT_MODEL", &cfg.Defaults.Model)
	str("CODEGATE_DEFAULT_PROVIDER", &cfg.Defaults.Provider)
	str("CODEGATE_WORKSPACE_ROOT", &cfg.Workspace.Root)
	str("CODEGATE_PROVIDERS_DIR", &cfg.ProvidersDir)
	str("CODEGATE_HISTORY_PATH", &cfg.History.Path)

	if v, ok := lookup("CODEGATE_PORT"); ok && v != "" {
		port, err := positiveInt("CODEGATE_PORT", v)
		if err != nil {
			return err
		}
		cfg.API.Listen = ":" + strconv.Itoa(port)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CODEGATE_MAX_CONCURRENCY", &cfg.Limits.MaxConcurrency},
		{"CODEGATE_MAX_QUEUE_SIZE", &cfg.Limits.MaxQueueSize},
	}
	for _, o := range ints {
		v, ok := lookup(o.key)
		if !ok || v == "" {
			continue
		}
		n, err := positiveInt(o.key, v)
		if err != nil {
			return err
		}
		*o.dst = n
	}

	millis := []struct {
		key string
		dst *time.Duration
	}{
		{"CODEGATE_QUEUE_TIMEOUT_MS", &cfg.Limits.QueueTimeout},
		{"CODEGATE_DEFAULT_TIMEOUT_MS", &cfg.Limits.DefaultTimeout},
		{"CODEGATE_MAX_TIMEOUT_MS", &cfg.Limits.MaxTimeout},
		{"CODEGATE_SHUTDOWN_TIMEOUT_MS", &cfg.Limits.ShutdownTimeout},
	}
	for _, o := range millis {
		v, ok := lookup(o.key)
		if !ok || v == "" {
			continue
		}
		n, err := positiveInt(o.key, v)
		if err != nil {
			return err
		}
		*o.dst = time.Duration(n) * time.Millisecond
	}
	return nil
}

func positiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: expected integer, got %q", key, value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, n)
	}
	return n, nil
}

// CleanupMargin is the slack workspace.cleanup_older_than must leave beyond
// limits.max_timeout. It covers the provider's SIGTERM grace period and
// workspace setup.
const CleanupMargin = time.Minute

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: trace, debug, info, warn, error, fatal (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	l := cfg.Limits
	switch {
	case l.MaxConcurrency <= 0:
		return errors.New("limits.max_concurrency must be positive")
	case l.MaxQueueSize <= 0:
		return errors.New("limits.max_queue_size must be positive")
	case l.QueueTimeout <= 0:
		return errors.New("limits.queue_timeout must be positive")
	case l.DefaultTimeout <= 0:
		return errors.New("limits.default_timeout must be positive")
	case l.MaxTimeout <= 0:
		return errors.New("limits.max_timeout must be positive")
	case l.ShutdownTimeout <= 0:
		return errors.New("limits.shutdown_timeout must be positive")
	case l.DefaultTimeout > l.MaxTimeout:
		return fmt.Errorf("limits.default_timeout (%s) exceeds limits.max_timeout (%s)", l.DefaultTimeout, l.MaxTimeout)
	}

	if c := cfg.Workspace.CleanupOlderThan; c > 0 && c < l.MaxTimeout+CleanupMargin {
		return fmt.Errorf("workspace.cleanup_older_than (%s) must be at least limits.max_timeout plus %s (%s) so running jobs are never swept",
			c, CleanupMargin, l.MaxTimeout+CleanupMargin)
	}

	if cfg.Defaults.Provider == "" {
		return errors.New("defaults.provider is required")
	}
	if cfg.Defaults.Model == "" {
		return errors.New("defaults.model is required")
	}
	if cfg.Workspace.Root == "" {
		return errors.New("workspace.root is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return errors.New("api.listen is required when the API is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				matches := envVarPattern.FindStringSubmatch(tok.Token)
				return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
		if len(cfg.API.Auth.AllTokens()) == 0 {
			return errors.New("api.auth: an auth token is required (set CODEGATE_AUTH_TOKEN or api.auth.api_key)")
		}
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Protocol != "http" && cfg.Tracing.Protocol != "grpc" {
			return fmt.Errorf("tracing.protocol must be http or grpc (got %q)", cfg.Tracing.Protocol)
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1 (got %v)", cfg.Tracing.SampleRate)
		}
	}
	return nil
}
