package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Conversion ConversionConfig `mapstructure:"conversion"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds isolation backend configuration
type SandboxConfig struct {
	Backend           string   `mapstructure:"backend"`
	Runtime           string   `mapstructure:"runtime"`
	RuntimePreference []string `mapstructure:"runtime_preference"`

	ImageName          string `mapstructure:"image_name"`
	AppVersion         string `mapstructure:"app_version"`
	ImageArchive       string `mapstructure:"image_archive"`
	ImageArchiveDigest string `mapstructure:"image_archive_digest"`
	// EntryCommand overrides the converter run inside the image.
	EntryCommand []string `mapstructure:"entry_command"`

	MemoryMB  int     `mapstructure:"memory_mb"`
	CPUs      float64 `mapstructure:"cpus"`
	PidsLimit int     `mapstructure:"pids_limit"`

	TimeoutSec     int `mapstructure:"timeout_sec"`
	GracePeriodSec int `mapstructure:"grace_period_sec"`

	MaxPages       int `mapstructure:"max_pages"`
	MaxInputSizeMB int `mapstructure:"max_input_size_mb"`

	DispVMTemplate string   `mapstructure:"dispvm_template"`
	DispVMService  string   `mapstructure:"dispvm_service"`
	DispVMProbe    []string `mapstructure:"dispvm_probe"`
}

// ConversionConfig holds per-job orchestration settings
type ConversionConfig struct {
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
	DPI               int    `mapstructure:"dpi"`
	WorkDir           string `mapstructure:"work_dir"`
}

// New loads the configuration from the default search paths
func New() (*Config, error) {
	return Load("")
}

// Load loads and validates the application configuration. An empty path
// searches for config.yaml in . and ./config.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("DOCSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", "container")
	v.SetDefault("sandbox.runtime", "")
	v.SetDefault("sandbox.runtime_preference", []string{"podman", "docker"})
	v.SetDefault("sandbox.image_name", "docshield.local/docshield")
	v.SetDefault("sandbox.app_version", "0.1.0")
	v.SetDefault("sandbox.image_archive", "share/container.tar.gz")
	v.SetDefault("sandbox.image_archive_digest", "")
	v.SetDefault("sandbox.entry_command", []string{})
	v.SetDefault("sandbox.memory_mb", 1024)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 256)
	v.SetDefault("sandbox.timeout_sec", 300)
	v.SetDefault("sandbox.grace_period_sec", 5)
	v.SetDefault("sandbox.max_pages", 1000)
	v.SetDefault("sandbox.max_input_size_mb", 100)
	v.SetDefault("sandbox.dispvm_template", "docshield-dvm")
	v.SetDefault("sandbox.dispvm_service", "docshield.Convert")
	v.SetDefault("sandbox.dispvm_probe", []string{"/usr/bin/qrexec-client-vm", "--help"})

	v.SetDefault("conversion.max_concurrent_jobs", 2)
	v.SetDefault("conversion.dpi", 150)
	v.SetDefault("conversion.work_dir", "")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Sandbox.Backend != "container" && c.Sandbox.Backend != "dispvm" {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Backend == "container" && c.Sandbox.ImageName == "" {
		return fmt.Errorf("sandbox.image_name is required for the container backend")
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.GracePeriodSec <= 0 {
		return fmt.Errorf("sandbox.grace_period_sec must be positive, got: %d", c.Sandbox.GracePeriodSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.MaxPages <= 0 {
		return fmt.Errorf("sandbox.max_pages must be positive, got: %d", c.Sandbox.MaxPages)
	}

	if c.Sandbox.MaxInputSizeMB <= 0 {
		return fmt.Errorf("sandbox.max_input_size_mb must be positive, got: %d", c.Sandbox.MaxInputSizeMB)
	}

	if c.Conversion.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("conversion.max_concurrent_jobs must be positive, got: %d", c.Conversion.MaxConcurrentJobs)
	}

	if c.Conversion.DPI <= 0 {
		return fmt.Errorf("conversion.dpi must be positive, got: %d", c.Conversion.DPI)
	}

	return nil
}

// GetTimeout returns the conversion timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetGracePeriod returns how long a terminated sandbox may take to exit
func (c *Config) GetGracePeriod() time.Duration {
	return time.Duration(c.Sandbox.GracePeriodSec) * time.Second
}

// MaxInputSizeBytes returns the input size ceiling in bytes
func (c *Config) MaxInputSizeBytes() int64 {
	return int64(c.Sandbox.MaxInputSizeMB) * 1024 * 1024
}
