// Package config provides configuration loading for harvestd.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Config holds the complete harvestd configuration.
type Config struct {
	API       APIConfig       `koanf:"api"`
	Harvest   HarvestConfig   `koanf:"harvest"`
	Sanitize  SanitizeConfig  `koanf:"sanitize"`
	Export    ExportConfig    `koanf:"export"`
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// APIConfig configures the ticketing API client.
type APIConfig struct {
	BaseURL       string   `koanf:"base_url"`
	Token         Secret   `koanf:"token"`
	AuthScheme    string   `koanf:"auth_scheme"` // "header" (X-AUTH-TOKEN) or "bearer"
	Timeout       Duration `koanf:"timeout"`
	PageSize      int      `koanf:"page_size"`
	FollowPages   bool     `koanf:"follow_pages"`
	RetryAttempts int      `koanf:"retry_attempts"`
	RetryDelay    Duration `koanf:"retry_delay"`
	RateLimit     float64  `koanf:"rate_limit"` // requests per second, 0 disables
	Burst         int      `koanf:"burst"`
}

// HarvestConfig configures the job controller.
type HarvestConfig struct {
	Prefetch  int     `koanf:"prefetch"`
	Estimator string  `koanf:"estimator"` // "cumulative" or "ewma"
	Smoothing float64 `koanf:"smoothing"`
	AgentName string  `koanf:"agent_name"`
}

// SanitizeConfig configures the text sanitizer.
type SanitizeConfig struct {
	DetectTokens  bool     `koanf:"detect_tokens"`
	AllowlistPath string   `koanf:"allowlist_path"`
	NoisePatterns []string `koanf:"noise_patterns"`
	CutPatterns   []string `koanf:"cut_patterns"`
}

// ExportConfig configures result artifacts.
type ExportConfig struct {
	OutputDir string   `koanf:"output_dir"`
	Formats   []string `koanf:"formats"`
	VIPMarker string   `koanf:"vip_marker"`
}

// ServerConfig holds HTTP job API configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig configures progress event publishing. Empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

// Known export formats.
var validFormats = map[string]bool{
	"json":   true,
	"ids":    true,
	"report": true,
	"xlsx":   true,
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	switch c.Harvest.Estimator {
	case "cumulative", "ewma":
	default:
		return fmt.Errorf("harvest: estimator must be 'cumulative' or 'ewma', got %q", c.Harvest.Estimator)
	}
	if c.Harvest.Prefetch < 0 {
		return fmt.Errorf("harvest: prefetch must be >= 0, got %d", c.Harvest.Prefetch)
	}
	if c.Harvest.Smoothing <= 0 || c.Harvest.Smoothing > 1 {
		return fmt.Errorf("harvest: smoothing must be in (0, 1], got %v", c.Harvest.Smoothing)
	}
	if strings.TrimSpace(c.Harvest.AgentName) == "" {
		return fmt.Errorf("harvest: agent_name is required")
	}

	for _, f := range c.Export.Formats {
		if !validFormats[f] {
			return fmt.Errorf("export: unknown format %q", f)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log: format must be 'json' or 'console', got %q", c.Log.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry: endpoint is required when enabled")
	}

	return nil
}

// Validate checks the API client settings. The token is not required here
// so that offline commands (sanitize, version) work without credentials.
func (a *APIConfig) Validate() error {
	if a.BaseURL != "" {
		u, err := url.Parse(a.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base_url %q", a.BaseURL)
		}
	}
	switch a.AuthScheme {
	case "header", "bearer":
	default:
		return fmt.Errorf("auth_scheme must be 'header' or 'bearer', got %q", a.AuthScheme)
	}
	if a.PageSize < 1 {
		return fmt.Errorf("page_size must be positive, got %d", a.PageSize)
	}
	if a.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be >= 1, got %d", a.RetryAttempts)
	}
	if a.Timeout.Duration() <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if a.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0, got %v", a.RateLimit)
	}
	return nil
}

// RequireCredentials reports an error when the API cannot be reached
// with the current settings.
func (a *APIConfig) RequireCredentials() error {
	if a.BaseURL == "" {
		return fmt.Errorf("api.base_url is required (HARVESTD_API_BASE_URL)")
	}
	if !a.Token.IsSet() {
		return fmt.Errorf("api.token is required (HARVESTD_API_TOKEN)")
	}
	return nil
}
