// Package config loads the client configuration from a JSON file with
// GLOBALCONF_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults
const (
	DefaultAnchorPath       = "/etc/globalconf/configuration-anchor.xml"
	DefaultConfigurationDir = "/var/lib/globalconf"
	DefaultRefreshInterval  = 60 * time.Second
	DefaultFetchTimeout     = 30 * time.Second
	DefaultSourceTimeout    = 2 * time.Minute
	DefaultMetricsAddress   = ":9090"
	DefaultHealthAddress    = ":9091"
)

// Config is the client configuration.
type Config struct {
	AnchorPath       string
	ConfigurationDir string
	RefreshInterval  time.Duration
	FetchTimeout     time.Duration
	SourceTimeout    time.Duration
	MetricsAddress   string
	HealthAddress    string
	Lock             bool
	MaxResponseSize  int64
}

// ConfigRaw is the JSON layout. Durations may be strings ("60s") or
// numbers of seconds.
type ConfigRaw struct {
	AnchorPath       string      `json:"anchor_path"`
	ConfigurationDir string      `json:"configuration_dir"`
	RefreshInterval  interface{} `json:"refresh_interval,omitempty"`
	FetchTimeout     interface{} `json:"fetch_timeout,omitempty"`
	SourceTimeout    interface{} `json:"source_timeout,omitempty"`
	MetricsAddress   string      `json:"metrics_address,omitempty"`
	HealthAddress    string      `json:"health_address,omitempty"`
	Lock             *bool       `json:"lock,omitempty"`
	MaxResponseSize  int64       `json:"max_response_size,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AnchorPath:       DefaultAnchorPath,
		ConfigurationDir: DefaultConfigurationDir,
		RefreshInterval:  DefaultRefreshInterval,
		FetchTimeout:     DefaultFetchTimeout,
		SourceTimeout:    DefaultSourceTimeout,
		MetricsAddress:   DefaultMetricsAddress,
		HealthAddress:    DefaultHealthAddress,
		Lock:             true,
	}
}

// LoadConfig reads the file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw ConfigRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	if err := cfg.apply(raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults with environment overrides applied.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path when given, then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(raw ConfigRaw) error {
	if raw.AnchorPath != "" {
		c.AnchorPath = raw.AnchorPath
	}
	if raw.ConfigurationDir != "" {
		c.ConfigurationDir = raw.ConfigurationDir
	}
	if raw.MetricsAddress != "" {
		c.MetricsAddress = raw.MetricsAddress
	}
	if raw.HealthAddress != "" {
		c.HealthAddress = raw.HealthAddress
	}
	if raw.Lock != nil {
		c.Lock = *raw.Lock
	}
	if raw.MaxResponseSize > 0 {
		c.MaxResponseSize = raw.MaxResponseSize
	}

	for _, d := range []struct {
		name  string
		value interface{}
		dst   *time.Duration
	}{
		{"refresh_interval", raw.RefreshInterval, &c.RefreshInterval},
		{"fetch_timeout", raw.FetchTimeout, &c.FetchTimeout},
		{"source_timeout", raw.SourceTimeout, &c.SourceTimeout},
	} {
		if d.value == nil {
			continue
		}
		parsed, err := ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// ApplyEnv applies GLOBALCONF_* overrides.
func (c *Config) ApplyEnv() error {
	c.AnchorPath = getEnv("GLOBALCONF_ANCHOR_PATH", c.AnchorPath)
	c.ConfigurationDir = getEnv("GLOBALCONF_CONFIGURATION_DIR", c.ConfigurationDir)
	c.MetricsAddress = getEnv("GLOBALCONF_METRICS_ADDRESS", c.MetricsAddress)
	c.HealthAddress = getEnv("GLOBALCONF_HEALTH_ADDRESS", c.HealthAddress)

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"GLOBALCONF_REFRESH_INTERVAL", &c.RefreshInterval},
		{"GLOBALCONF_FETCH_TIMEOUT", &c.FetchTimeout},
		{"GLOBALCONF_SOURCE_TIMEOUT", &c.SourceTimeout},
	} {
		value := os.Getenv(d.key)
		if value == "" {
			continue
		}
		parsed, err := ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if value := os.Getenv("GLOBALCONF_LOCK"); value != "" {
		lock, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid GLOBALCONF_LOCK: %w", err)
		}
		c.Lock = lock
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string
	if c.AnchorPath == "" {
		problems = append(problems, "anchor path is required")
	}
	if c.ConfigurationDir == "" {
		problems = append(problems, "configuration directory is required")
	}
	if c.RefreshInterval <= 0 {
		problems = append(problems, "refresh interval must be positive")
	}
	if c.FetchTimeout <= 0 {
		problems = append(problems, "fetch timeout must be positive")
	}
	if c.SourceTimeout < c.FetchTimeout {
		problems = append(problems, "source timeout must not be shorter than fetch timeout")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseDuration accepts Go duration strings or a number of seconds.
func ParseDuration(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case string:
		s := strings.TrimSpace(v)
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	default:
		return 0, fmt.Errorf("unsupported duration value %v", value)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
