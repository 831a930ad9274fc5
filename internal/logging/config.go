package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/harvestd/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level     zapcore.Level
	Format    string // "json" or "console"
	Output    OutputConfig
	Sampling  SamplingConfig
	Caller    bool
	Fields    map[string]string
	Redaction RedactionConfig
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	// Stream is "stderr" or "stdout". Empty disables console output.
	Stream string
	OTEL   bool
}

// SamplingConfig controls log volume for levels below Error.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists field names and value patterns that never reach output.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns config with production defaults. Logs go to
// stderr so stdout stays free for artifacts piped by the CLI.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stream: "stderr"},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Fields: map[string]string{
			"service": "harvestd",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "token", "api_token", "x-auth-token",
				"authorization", "bearer", "credential", "secret",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)access_token[=:]\s*\S+`,
				`(?i)x-auth-token[=:]\s*\S+`,
			},
		},
	}
}

// FromAppConfig derives a logging config from the application log section.
func FromAppConfig(lc config.LogConfig, otel bool) (*Config, error) {
	cfg := NewDefaultConfig()
	level, err := LevelFromString(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	cfg.Level = level
	if lc.Format != "" {
		cfg.Format = lc.Format
	}
	cfg.Output.OTEL = otel
	return cfg, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	switch c.Output.Stream {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("output stream must be 'stdout' or 'stderr', got %q", c.Output.Stream)
	}
	if c.Output.Stream == "" && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stream or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
