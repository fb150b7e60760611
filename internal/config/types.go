package config

import "time"

// Config represents the complete codegate configuration.
type Config struct {
	Service      ServiceConfig   `yaml:"service"`
	API          APIConfig       `yaml:"api"`
	Limits       LimitsConfig    `yaml:"limits"`
	Defaults     DefaultsConfig  `yaml:"defaults"`
	Workspace    WorkspaceConfig `yaml:"workspace"`
	ProvidersDir string          `yaml:"providers_dir,omitempty"`
	History      HistoryConfig   `yaml:"history,omitempty"`
	Tracing      TracingConfig   `yaml:"tracing,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`
	Auth         APIAuthConfig `yaml:"auth"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Metrics      bool          `yaml:"metrics"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// LimitsConfig bounds admission and process lifetimes.
type LimitsConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	MaxQueueSize    int           `yaml:"max_queue_size"`
	QueueTimeout    time.Duration `yaml:"queue_timeout"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultsConfig supplies values for fields a request may omit.
type DefaultsConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// WorkspaceConfig controls where per-job scratch directories live.
type WorkspaceConfig struct {
	Root             string        `yaml:"root"`
	CleanupOlderThan time.Duration `yaml:"cleanup_older_than"`
}

// HistoryConfig enables the SQLite execution log. Empty Path disables it.
type HistoryConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Protocol    string  `yaml:"protocol"` // "http" or "grpc"
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// AllTokens returns the effective scoped token list. The legacy api_key, when
// set, is appended with full access.
func (a APIAuthConfig) AllTokens() []APIToken {
	out := make([]APIToken, 0, len(a.Tokens)+1)
	out = append(out, a.Tokens...)
	if a.APIKey != "" {
		out = append(out, APIToken{Token: a.APIKey, Scopes: []string{"*"}})
	}
	return out
}
