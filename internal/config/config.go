// Package config loads the realtime middle tier's configuration from a YAML
// file overlaid with environment variables, in the same two-phase shape as
// the teacher's internal/config.Load.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for rtmtd.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener serving /realtime,
// /realtime-acs, /update-voice, /healthz and /metrics.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// UpstreamConfig configures the realtime model endpoint this proxy dials.
type UpstreamConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`

	// Exactly one credential mode is used: a static API key, or OAuth2
	// client-credentials (the ecosystem substitute for Azure Identity's
	// bearer-token-provider warmup — see internal/middletier/credential.go).
	APIKey string `yaml:"api_key"`

	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// RetrievalConfig configures the pgvector document store and the embedding
// provider backing the search and report_grounding tools.
type RetrievalConfig struct {
	DSN              string `yaml:"dsn"`
	EmbeddingAPIKey  string `yaml:"embedding_api_key"`
	EmbeddingBaseURL string `yaml:"embedding_base_url"`
	EmbeddingModel   string `yaml:"embedding_model"`
	Dimension        int    `yaml:"dimension"`
	RunMigrations    bool   `yaml:"run_migrations"`
}

// SessionConfig is the server-enforced default session configuration
// applied to every session at startup; /update-voice may change Voice
// afterwards.
type SessionConfig struct {
	SystemMessage string  `yaml:"system_message"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	// DisableAudio is a pointer so an operator who never set disable_audio
	// is distinguishable from one who explicitly set it to false: only an
	// explicit setting (true or false) reaches middletier.SessionConfig;
	// an unset one leaves it nil.
	DisableAudio *bool  `yaml:"disable_audio"`
	Voice        string `yaml:"voice"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry span export for dialUpstream and
// tool executions. If Endpoint is empty, tracing is a no-op.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads path, expands environment variables referenced in the YAML
// body, applies environment overrides (ENDPOINT, DEPLOYMENT, API_KEY,
// TENANT_ID, EMBEDDING_*, RETRIEVAL_DSN and RTMT_*), fills in defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("config: expected a single YAML document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Retrieval.Dimension == 0 {
		cfg.Retrieval.Dimension = 3072
	}
	if cfg.Retrieval.EmbeddingModel == "" {
		cfg.Retrieval.EmbeddingModel = "text-embedding-3-large"
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = "alloy"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "rtmtd"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RTMT_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("RTMT_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENDPOINT")); v != "" {
		cfg.Upstream.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("DEPLOYMENT")); v != "" {
		cfg.Upstream.Deployment = v
	}
	if v := strings.TrimSpace(os.Getenv("API_KEY")); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TENANT_ID")); v != "" {
		cfg.Upstream.TenantID = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY")); v != "" {
		cfg.Retrieval.EmbeddingAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL")); v != "" {
		cfg.Retrieval.EmbeddingModel = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL")); v != "" {
		cfg.Retrieval.EmbeddingBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RETRIEVAL_DSN")); v != "" {
		cfg.Retrieval.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("RTMT_VOICE")); v != "" {
		cfg.Session.Voice = v
	}
	if v := strings.TrimSpace(os.Getenv("RTMT_TRACING_ENDPOINT")); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.Upstream.Endpoint == "" {
		issues = append(issues, "upstream.endpoint (or ENDPOINT) is required")
	}
	if cfg.Upstream.Deployment == "" {
		issues = append(issues, "upstream.deployment (or DEPLOYMENT) is required")
	}
	usesKey := cfg.Upstream.APIKey != ""
	usesOAuth := cfg.Upstream.ClientID != "" || cfg.Upstream.ClientSecret != "" || cfg.Upstream.TokenURL != ""
	if !usesKey && !usesOAuth {
		issues = append(issues, "either upstream.api_key or upstream client-credentials (client_id/client_secret/token_url) must be set")
	}
	if usesKey && usesOAuth {
		issues = append(issues, "upstream credentials are ambiguous: set either api_key or client-credentials, not both")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError reports one or more configuration problems found during
// Load, matching the teacher's ConfigValidationError shape.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}
