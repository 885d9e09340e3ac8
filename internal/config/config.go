package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all MacBox configuration.
type Config struct {
	// DataDir holds vms.json and the per-VM directories.
	DataDir string `mapstructure:"data_dir"`

	// CacheDir holds downloaded restore images.
	CacheDir string `mapstructure:"cache_dir"`

	// RestoreImageURL is used for VMs that do not name their own restore
	// image. Empty means ask the hypervisor for the latest one.
	RestoreImageURL string `mapstructure:"restore_image_url"`

	DownloadAttempts int           `mapstructure:"download_attempts"`
	DownloadBackoff  time.Duration `mapstructure:"download_backoff"`

	// DisplayWidth and DisplayHeight size the guest display for VMs that
	// do not set their own.
	DisplayWidth  int `mapstructure:"display_width"`
	DisplayHeight int `mapstructure:"display_height"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// VMsDir returns the directory holding one subdirectory per VM.
func (c *Config) VMsDir() string {
	return VMsDir(c.DataDir)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{
			DataDir:  "/tmp/macbox",
			CacheDir: "/tmp/macbox/MacBoxRestoreImages",
		}
	}

	return &Config{
		DataDir:          paths.DataDir,
		CacheDir:         paths.CacheDir,
		DownloadAttempts: 3,
		DownloadBackoff:  time.Second,
		DisplayWidth:     1920,
		DisplayHeight:    1200,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Global holds the loaded configuration.
var Global *Config

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("restore_image_url", d.RestoreImageURL)
	v.SetDefault("download_attempts", d.DownloadAttempts)
	v.SetDefault("download_backoff", d.DownloadBackoff)
	v.SetDefault("display_width", d.DisplayWidth)
	v.SetDefault("display_height", d.DisplayHeight)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Load reads configuration from file, environment, and defaults into Global.
// A nil v uses the global viper instance. When configFile is non-empty it is
// read instead of searching the config directories, and must exist.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("determine paths: %w", err)
	}

	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.ConfigDir)
		v.AddConfigPath(paths.DataDir)
	}

	// Environment variable support: MACBOX_DATA_DIR, MACBOX_LOG_LEVEL, etc.
	v.SetEnvPrefix("MACBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	Global = cfg
	return cfg, nil
}
