package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/javanstorm/macbox/internal/errdefs"
	"github.com/javanstorm/macbox/internal/logging"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// Check reports every problem with c.
func (c *Config) Check() []ValidationError {
	var errs []ValidationError
	fatal := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}

	if c.DataDir == "" {
		fatal("data_dir", "must not be empty")
	}
	if c.CacheDir == "" {
		fatal("cache_dir", "must not be empty")
	}
	if c.DownloadAttempts < 1 {
		fatal("download_attempts", "must be at least 1, got %d", c.DownloadAttempts)
	}
	if c.DownloadBackoff < 0 {
		fatal("download_backoff", "must not be negative, got %s", c.DownloadBackoff)
	}
	if c.DisplayWidth <= 0 || c.DisplayHeight <= 0 {
		fatal("display", "must be positive, got %dx%d", c.DisplayWidth, c.DisplayHeight)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		fatal("log_level", "%v", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		fatal("log_format", "unknown log format %q", c.LogFormat)
	}
	if c.RestoreImageURL != "" {
		u, err := url.Parse(c.RestoreImageURL)
		switch {
		case err != nil:
			fatal("restore_image_url", "%v", err)
		case u.Scheme != "http" && u.Scheme != "https":
			fatal("restore_image_url", "unsupported scheme %q", u.Scheme)
		}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			fatal("metrics_addr", "%v", err)
		}
	}
	if c.DownloadBackoff > 0 && c.DownloadAttempts > 8 {
		errs = append(errs, ValidationError{
			Field:   "download_attempts",
			Message: fmt.Sprintf("%d attempts with %s backoff may wait a long time", c.DownloadAttempts, c.DownloadBackoff),
		})
	}
	return errs
}

// Validate returns the first fatal issue as a config error.
func (c *Config) Validate() error {
	for _, e := range c.Check() {
		if e.Fatal {
			return errdefs.NewConfigError(e.Field, errors.New(e.Message))
		}
	}
	return nil
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
