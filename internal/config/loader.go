// Package config binds the declarative lifecycle configuration a host
// pipeline supplies: endpoint, installation strategy, process flags,
// models, and timeouts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"ollamactl/pkg/types"
)

// Config holds runtime parameters for one managed server. Load starts from
// Default, so unset keys keep their defaults.
type Config struct {
	Host     string `json:"host" yaml:"host" toml:"host"`
	Port     int    `json:"port" yaml:"port" toml:"port"`
	Protocol string `json:"protocol" yaml:"protocol" toml:"protocol"`

	// Strategy is the installation search/fallback order; see
	// types.ParseStrategy for accepted values.
	Strategy string `json:"strategy" yaml:"strategy" toml:"strategy"`
	// IsolatedDir is the project-local root for isolated installs: the
	// executable goes under bin/, server state under data/.
	IsolatedDir string `json:"isolated_dir" yaml:"isolated_dir" toml:"isolated_dir"`
	// Version pins the server release to install; empty means latest.
	Version string `json:"version" yaml:"version" toml:"version"`

	AutoInstall      bool `json:"auto_install" yaml:"auto_install" toml:"auto_install"`
	AutoStart        bool `json:"auto_start" yaml:"auto_start" toml:"auto_start"`
	AllowPortChange  bool `json:"allow_port_change" yaml:"allow_port_change" toml:"allow_port_change"`
	GracefulShutdown bool `json:"graceful_shutdown" yaml:"graceful_shutdown" toml:"graceful_shutdown"`

	// ServerArgs are appended to the serve command line.
	ServerArgs []string `json:"server_args" yaml:"server_args" toml:"server_args"`
	// Models the pipeline wants available; preload-marked ones are pulled
	// during setup.
	Models []types.ModelSpec `json:"models" yaml:"models" toml:"models"`

	TimeoutSec         int `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec"`
	ReadyTimeoutSec    int `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec"`
	ShutdownTimeoutSec int `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" toml:"shutdown_timeout_sec"`
	ProbeIntervalMS    int `json:"probe_interval_ms" yaml:"probe_interval_ms" toml:"probe_interval_ms"`
	SettleDelayMS      int `json:"settle_delay_ms" yaml:"settle_delay_ms" toml:"settle_delay_ms"`
	CacheTTLSec        int `json:"cache_ttl_sec" yaml:"cache_ttl_sec" toml:"cache_ttl_sec"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Host:               "127.0.0.1",
		Port:               11434,
		Protocol:           "http",
		Strategy:           string(types.PreferExisting),
		IsolatedDir:        ".ollama",
		AutoInstall:        true,
		AutoStart:          true,
		AllowPortChange:    false,
		GracefulShutdown:   true,
		TimeoutSec:         600,
		ReadyTimeoutSec:    60,
		ShutdownTimeoutSec: 30,
		ProbeIntervalMS:    1500,
		SettleDelayMS:      2000,
		CacheTTLSec:        60,
	}
}

// Load reads a configuration file based on its extension (.yaml/.yml,
// .json, .toml), layered over Default and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".json":
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".toml":
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			return cfg, fmt.Errorf("unsupported config extension: %s", ext)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv lets pipeline environments override file values without
// editing checked-in config.
func (c *Config) applyEnv() {
	c.Host = envStr("OLLAMACTL_HOST", c.Host)
	c.Port = envInt("OLLAMACTL_PORT", c.Port)
	c.Strategy = envStr("OLLAMACTL_STRATEGY", c.Strategy)
	c.IsolatedDir = envStr("OLLAMACTL_ISOLATED_DIR", c.IsolatedDir)
	c.Version = envStr("OLLAMACTL_VERSION", c.Version)
	c.AutoInstall = envBool("OLLAMACTL_AUTO_INSTALL", c.AutoInstall)
	c.AutoStart = envBool("OLLAMACTL_AUTO_START", c.AutoStart)
	c.AllowPortChange = envBool("OLLAMACTL_ALLOW_PORT_CHANGE", c.AllowPortChange)
	c.TimeoutSec = envInt("OLLAMACTL_TIMEOUT_SEC", c.TimeoutSec)
	c.ReadyTimeoutSec = envInt("OLLAMACTL_READY_TIMEOUT_SEC", c.ReadyTimeoutSec)
}

// Validate rejects configurations that cannot work before any expensive
// step runs.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Protocol != "http" && c.Protocol != "https" {
		return fmt.Errorf("invalid protocol %q (http or https)", c.Protocol)
	}
	if _, err := types.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	for _, m := range c.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("model entry with empty name")
		}
	}
	return nil
}

// InstallationStrategy returns the parsed strategy. Call after Validate.
func (c Config) InstallationStrategy() types.InstallationStrategy {
	s, _ := types.ParseStrategy(c.Strategy)
	return s
}

// BinDir is where isolated installs place the executable.
func (c Config) BinDir() string { return filepath.Join(c.IsolatedDir, "bin") }

// DataDir is the isolated server-state root (HOME and model storage).
func (c Config) DataDir() string { return filepath.Join(c.IsolatedDir, "data") }

func (c Config) Timeout() time.Duration         { return time.Duration(c.TimeoutSec) * time.Second }
func (c Config) ReadyTimeout() time.Duration    { return time.Duration(c.ReadyTimeoutSec) * time.Second }
func (c Config) ShutdownTimeout() time.Duration { return time.Duration(c.ShutdownTimeoutSec) * time.Second }
func (c Config) ProbeInterval() time.Duration   { return time.Duration(c.ProbeIntervalMS) * time.Millisecond }
func (c Config) SettleDelay() time.Duration     { return time.Duration(c.SettleDelayMS) * time.Millisecond }
func (c Config) CacheTTL() time.Duration        { return time.Duration(c.CacheTTLSec) * time.Second }

// Env helpers
func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	s := strings.ToLower(v)
	return s == "1" || s == "true" || s == "yes"
}
