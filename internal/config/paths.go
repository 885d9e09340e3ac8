// Package config provides configuration management for MacBox.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for MacBox.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/MacBox
	// Linux: ~/.config/macbox (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds the VM catalog and VM directories.
	// macOS: ~/Library/Application Support/MacBox
	// Linux: ~/.local/share/macbox (or XDG_DATA_HOME)
	DataDir string

	// CacheDir holds downloaded restore images.
	// macOS: ~/Library/Caches/MacBoxRestoreImages
	// Linux: ~/.cache/macbox/MacBoxRestoreImages (or XDG_CACHE_HOME)
	CacheDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for MacBox.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return pathsFor(runtime.GOOS, home, os.Getenv), nil
}

func pathsFor(goos, home string, getenv func(string) string) *Paths {
	p := &Paths{}
	switch goos {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "MacBox")
		p.DataDir = p.ConfigDir
		p.CacheDir = filepath.Join(home, "Library", "Caches", "MacBoxRestoreImages")
	default:
		p.ConfigDir = xdgDir(getenv("XDG_CONFIG_HOME"), home, ".config")
		p.DataDir = xdgDir(getenv("XDG_DATA_HOME"), home, ".local", "share")
		p.CacheDir = filepath.Join(xdgDir(getenv("XDG_CACHE_HOME"), home, ".cache"), "MacBoxRestoreImages")
	}
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")
	return p
}

func xdgDir(env, home string, fallback ...string) string {
	if env != "" {
		return filepath.Join(env, "macbox")
	}
	return filepath.Join(append(append([]string{home}, fallback...), "macbox")...)
}

// VMsDir returns the directory holding one subdirectory per VM.
func VMsDir(dataDir string) string {
	return filepath.Join(dataDir, "vms")
}

// EnsureDirectories creates the config, data and cache directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
