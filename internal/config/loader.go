package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "HARVESTD_"
)

// listKeys are split on commas when supplied through the environment.
var listKeys = map[string]bool{
	"export.formats":          true,
	"sanitize.noise_patterns": true,
	"sanitize.cut_patterns":   true,
}

// Load loads configuration from the default file location plus environment.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (HARVESTD_API_BASE_URL, HARVESTD_HARVEST_PREFETCH, ...)
//  2. YAML config file (~/.config/harvestd/config.yaml)
//  3. Built-in defaults
//
// The file must live in ~/.config/harvestd/ or /etc/harvestd/, have 0600 or
// 0400 permissions and be at most 1MB. A missing file is not an error.
//
// Environment keys drop the prefix and split on the first underscore only:
//
//	HARVESTD_API_BASE_URL       -> api.base_url
//	HARVESTD_HARVEST_AGENT_NAME -> harvest.agent_name
//	HARVESTD_EXPORT_FORMATS     -> export.formats (comma separated)
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// DefaultConfigDir returns ~/.config/harvestd.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "harvestd"), nil
}

// envTransform maps HARVESTD_SECTION_FIELD_NAME to section.field_name.
func envTransform(key, value string) (string, interface{}) {
	lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower, value
	}
	path := parts[0] + "." + parts[1]

	if listKeys[path] {
		items := strings.Split(value, ",")
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return path, out
	}
	return path, value
}

// readConfigFile opens the file once and validates it through the open
// descriptor so the checked file is the one that is read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks that path resolves into an allowed directory.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Not created yet.
		resolved = absPath
	}

	userDir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{userDir, "/etc/harvestd"} {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/harvestd/ or /etc/harvestd/")
}

// validateConfigFileProperties checks permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// API defaults
	if cfg.API.AuthScheme == "" {
		cfg.API.AuthScheme = "header"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = Duration(30 * time.Second)
	}
	if cfg.API.PageSize == 0 {
		cfg.API.PageSize = 1000
	}
	if cfg.API.RetryAttempts == 0 {
		cfg.API.RetryAttempts = 3
	}
	if cfg.API.RetryDelay == 0 {
		cfg.API.RetryDelay = Duration(time.Second)
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 1
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")

	// Harvest defaults
	if cfg.Harvest.Estimator == "" {
		cfg.Harvest.Estimator = "cumulative"
	}
	if cfg.Harvest.Smoothing == 0 {
		cfg.Harvest.Smoothing = 0.3
	}
	if cfg.Harvest.AgentName == "" {
		cfg.Harvest.AgentName = "Balíkobot"
	}

	// Export defaults
	if cfg.Export.OutputDir == "" {
		cfg.Export.OutputDir = "."
	}
	if len(cfg.Export.Formats) == 0 {
		cfg.Export.Formats = []string{"json", "ids", "report"}
	}
	if cfg.Export.VIPMarker == "" {
		cfg.Export.VIPMarker = "VIP"
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	// NATS defaults
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "harvest.jobs"
	}

	// Log defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	// Telemetry defaults
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "harvestd"
	}
}
