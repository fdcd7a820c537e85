// Package config provides configuration management for the sandbox daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Baseline  BaselineConfig  `yaml:"baseline"`
	Kernel    KernelConfig    `yaml:"kernel"`
	Registry  RegistryConfig  `yaml:"registry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StorageConfig holds filesystem root configuration.
type StorageConfig struct {
	TmpRoot      string `yaml:"tmp_root"`
	BaselineRoot string `yaml:"baseline_root"`
}

// BaselineConfig holds the baseline image builder's configuration.
type BaselineConfig struct {
	Packages   []string `yaml:"packages"`
	PipTimeout string   `yaml:"pip_timeout"`
}

// KernelConfig holds per-session kernel execution configuration.
type KernelConfig struct {
	StartTimeout   string `yaml:"start_timeout"`
	ExecuteTimeout string `yaml:"execute_timeout"`
	InstallTimeout string `yaml:"install_timeout"`
}

// RegistryConfig holds sandbox idle-expiry configuration.
type RegistryConfig struct {
	IdleBudget      string `yaml:"idle_budget"`
	SweepInterval   string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults, matching the
// behavior of the original per-session sandbox service this daemon replaces.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:8000",
		},
		Storage: StorageConfig{
			TmpRoot:      os.TempDir(),
			BaselineRoot: "/var/lib/sandboxd/baseline",
		},
		Baseline: BaselineConfig{
			Packages:   []string{"ipykernel", "numpy", "pandas", "matplotlib", "scipy", "seaborn"},
			PipTimeout: "5m",
		},
		Kernel: KernelConfig{
			StartTimeout:   "30s",
			ExecuteTimeout: "1h",
			InstallTimeout: "120s",
		},
		Registry: RegistryConfig{
			IdleBudget:    "24h",
			SweepInterval: "1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, applying defaults underneath it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from a file, or returns defaults if the
// path is empty or the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

func parseOrDefault(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// GetPipTimeout returns the baseline pip install timeout.
func (c *BaselineConfig) GetPipTimeout() time.Duration {
	return parseOrDefault(c.PipTimeout, 5*time.Minute)
}

// GetStartTimeout returns the kernel startup timeout.
func (c *KernelConfig) GetStartTimeout() time.Duration {
	return parseOrDefault(c.StartTimeout, 30*time.Second)
}

// GetExecuteTimeout returns the per-execute-request timeout.
func (c *KernelConfig) GetExecuteTimeout() time.Duration {
	return parseOrDefault(c.ExecuteTimeout, time.Hour)
}

// GetInstallTimeout returns the per-install-request timeout.
func (c *KernelConfig) GetInstallTimeout() time.Duration {
	return parseOrDefault(c.InstallTimeout, 120*time.Second)
}

// GetIdleBudget returns the duration a sandbox may sit idle before the
// registry closes it.
func (c *RegistryConfig) GetIdleBudget() time.Duration {
	return parseOrDefault(c.IdleBudget, 24*time.Hour)
}

// GetSweepInterval returns the period between registry sweep passes.
func (c *RegistryConfig) GetSweepInterval() time.Duration {
	return parseOrDefault(c.SweepInterval, time.Hour)
}
