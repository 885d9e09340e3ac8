package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macbox/internal/errdefs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DownloadAttempts != 3 {
		t.Errorf("DownloadAttempts should be 3, got %d", cfg.DownloadAttempts)
	}
	if cfg.DownloadBackoff != time.Second {
		t.Errorf("DownloadBackoff should be 1s, got %s", cfg.DownloadBackoff)
	}
	if cfg.DisplayWidth != 1920 || cfg.DisplayHeight != 1200 {
		t.Errorf("display should be 1920x1200, got %dx%d", cfg.DisplayWidth, cfg.DisplayHeight)
	}
	if cfg.DataDir == "" || cfg.CacheDir == "" {
		t.Error("data and cache dirs should be set")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestPathsFor(t *testing.T) {
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}

	tests := []struct {
		name   string
		goos   string
		env    map[string]string
		config string
		data   string
		cache  string
	}{
		{
			name:   "darwin",
			goos:   "darwin",
			config: "/Users/u/Library/Application Support/MacBox",
			data:   "/Users/u/Library/Application Support/MacBox",
			cache:  "/Users/u/Library/Caches/MacBoxRestoreImages",
		},
		{
			name:   "linux defaults",
			goos:   "linux",
			config: "/Users/u/.config/macbox",
			data:   "/Users/u/.local/share/macbox",
			cache:  "/Users/u/.cache/macbox/MacBoxRestoreImages",
		},
		{
			name:   "linux xdg",
			goos:   "linux",
			env:    map[string]string{"XDG_CONFIG_HOME": "/x/c", "XDG_DATA_HOME": "/x/d", "XDG_CACHE_HOME": "/x/k"},
			config: "/x/c/macbox",
			data:   "/x/d/macbox",
			cache:  "/x/k/macbox/MacBoxRestoreImages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pathsFor(tt.goos, "/Users/u", env(tt.env))
			assert.Equal(t, tt.config, p.ConfigDir)
			assert.Equal(t, tt.data, p.DataDir)
			assert.Equal(t, tt.cache, p.CacheDir)
			assert.Equal(t, filepath.Join(tt.config, "config.yaml"), p.ConfigFile)
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	p := &Paths{
		ConfigDir: filepath.Join(root, "config"),
		DataDir:   filepath.Join(root, "data"),
		CacheDir:  filepath.Join(root, "cache"),
	}
	require.NoError(t, p.EnsureDirectories())
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.CacheDir} {
		assert.DirExists(t, dir)
	}
	assert.Equal(t, filepath.Join(root, "data", "vms"), VMsDir(p.DataDir))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"data_dir: " + filepath.Join(dir, "data"),
		"restore_image_url: https://example.com/UniversalMac_14.0_23A344_Restore.ipsw",
		"download_attempts: 5",
		"download_backoff: 250ms",
		"display_width: 2560",
		"log_format: json",
	}, "\n")
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "data", "vms"), cfg.VMsDir())
	assert.Equal(t, 5, cfg.DownloadAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.DownloadBackoff)
	assert.Equal(t, 2560, cfg.DisplayWidth)
	assert.Equal(t, 1200, cfg.DisplayHeight)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Same(t, cfg, Global)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MACBOX_LOG_LEVEL", "debug")
	t.Setenv("MACBOX_DOWNLOAD_ATTEMPTS", "7")
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log_level: warn\n"), 0644))

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7, cfg.DownloadAttempts)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(viper.New(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("download_attempts: 0\n"), 0644))
	_, err = Load(viper.New(), bad)
	assert.True(t, errdefs.IsConfig(err))
	assert.Contains(t, err.Error(), "download_attempts")
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
		fatal  bool
	}{
		{"attempts", func(c *Config) { c.DownloadAttempts = 0 }, "download_attempts", true},
		{"backoff", func(c *Config) { c.DownloadBackoff = -time.Second }, "download_backoff", true},
		{"display", func(c *Config) { c.DisplayHeight = 0 }, "display", true},
		{"level", func(c *Config) { c.LogLevel = "loud" }, "log_level", true},
		{"format", func(c *Config) { c.LogFormat = "xml" }, "log_format", true},
		{"url scheme", func(c *Config) { c.RestoreImageURL = "ftp://host/x.ipsw" }, "restore_image_url", true},
		{"metrics addr", func(c *Config) { c.MetricsAddr = "9090" }, "metrics_addr", true},
		{"data dir", func(c *Config) { c.DataDir = "" }, "data_dir", true},
		{"many attempts", func(c *Config) { c.DownloadAttempts = 12 }, "download_attempts", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			errs := cfg.Check()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
			assert.Equal(t, tt.fatal, errs[0].Fatal)
			assert.Equal(t, tt.fatal, cfg.Validate() != nil)
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	if got := FormatValidationErrors(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	got := FormatValidationErrors([]ValidationError{
		{Field: "log_level", Message: "bad", Fatal: true},
		{Field: "download_attempts", Message: "slow"},
	})
	assert.Contains(t, got, "Error [log_level]: bad")
	assert.Contains(t, got, "Warning [download_attempts]: slow")
}
