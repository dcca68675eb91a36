package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultParallelism       = 10
	DefaultConnectTimeoutSec = 5
	DefaultRequestTimeoutSec = 5
	DefaultStartupGraceMS    = 2000
	DefaultTestURL           = "http://www.gstatic.com/generate_204"
	DefaultXrayBin           = "xray"
	DefaultXrayConfigPath    = "/opt/homebrew/etc/xray/config.json"
	DefaultPortBase          = 10800
	DefaultPortMax           = 60000
)

// Config holds all subman settings.
type Config struct {
	SubscribeURL      string   `yaml:"subscribe_url,omitempty"`
	DataDir           string   `yaml:"data_dir,omitempty"`
	XrayBin           string   `yaml:"xray_bin,omitempty"`
	XrayConfigPath    string   `yaml:"xray_config_path,omitempty"`
	TestURL           string   `yaml:"test_url,omitempty"`
	Parallelism       int      `yaml:"parallelism,omitempty"`
	ConnectTimeoutSec int      `yaml:"connect_timeout_sec,omitempty"`
	RequestTimeoutSec int      `yaml:"request_timeout_sec,omitempty"`
	StartupGraceMS    int      `yaml:"startup_grace_ms,omitempty"`
	PortBase          int      `yaml:"port_base,omitempty"`
	PortMax           int      `yaml:"port_max,omitempty"`
	STUNServers       []string `yaml:"stun_servers,omitempty"`
	SortColumn        string   `yaml:"sort_column,omitempty"`
	SortDesc          bool     `yaml:"sort_desc,omitempty"`
}

// ConnectTimeout returns the TCP connect bound as a duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// RequestTimeout returns the proxied HTTP request bound as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// StartupGrace returns the ephemeral daemon readiness window.
func (c Config) StartupGrace() time.Duration {
	return time.Duration(c.StartupGraceMS) * time.Millisecond
}

// DefaultPath returns the default config location (~/.config/subman/config.yaml).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "subman", "config.yaml")
}

// Load reads and parses a YAML config file. A missing file yields a
// default config so first runs work without setup.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Config{}
			ApplyDefaults(&cfg)
			return cfg, nil
		}
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	if cfg.PortBase <= 0 || cfg.PortMax > 65535 || cfg.PortBase >= cfg.PortMax {
		return fmt.Errorf("invalid port range %d-%d", cfg.PortBase, cfg.PortMax)
	}
	if cfg.ConnectTimeoutSec <= 0 || cfg.RequestTimeoutSec <= 0 || cfg.StartupGraceMS <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.DataDir = filepath.Join(dir, "subman")
		}
	}
	if cfg.XrayBin == "" {
		cfg.XrayBin = DefaultXrayBin
	}
	if cfg.XrayConfigPath == "" {
		cfg.XrayConfigPath = DefaultXrayConfigPath
	}
	if cfg.TestURL == "" {
		cfg.TestURL = DefaultTestURL
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.ConnectTimeoutSec == 0 {
		cfg.ConnectTimeoutSec = DefaultConnectTimeoutSec
	}
	if cfg.RequestTimeoutSec == 0 {
		cfg.RequestTimeoutSec = DefaultRequestTimeoutSec
	}
	if cfg.StartupGraceMS == 0 {
		cfg.StartupGraceMS = DefaultStartupGraceMS
	}
	if cfg.PortBase == 0 {
		cfg.PortBase = DefaultPortBase
	}
	if cfg.PortMax == 0 {
		cfg.PortMax = DefaultPortMax
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{
			"stun.l.google.com:19302",
			"stun.cloudflare.com:3478",
		}
	}
}

// RegistryPath returns the node registry location under the data dir.
func RegistryPath(cfg Config) string {
	return filepath.Join(cfg.DataDir, "nodes.yaml")
}
