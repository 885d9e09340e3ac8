// Package errdefs defines the error taxonomy shared by the MacBox core.
//
// Callers classify errors with errors.Is against the sentinels below or with
// the Is* helpers; the typed errors carry the detail.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinels.
var (
	ErrAlreadyRunning     = errors.New("vm is already running")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrDownload           = errors.New("download failed")
	ErrBackend            = errors.New("hypervisor backend failure")
	ErrNoBridgedInterface = errors.New("no bridged network interface available")
	ErrCorruptIdentity    = errors.New("machine identity is corrupt")
	ErrCorruptArtifact    = errors.New("restore image is corrupt")
)

// ConfigError reports an invalid or unusable configuration field.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// NewConfigError is shorthand for &ConfigError{Field: field, Err: err}.
func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// DownloadError is returned once every download attempt has failed. Err is
// the error of the last attempt.
type DownloadError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Is(target error) bool { return target == ErrDownload }

// BackendError wraps a failure reported by the hypervisor backend. The
// backend's message is preserved verbatim.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// NewBackendError wraps err as a BackendError for op. A nil err yields nil.
func NewBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}

func IsAlreadyRunning(err error) bool { return errors.Is(err, ErrAlreadyRunning) }

func IsConfig(err error) bool { return errors.Is(err, ErrInvalidConfig) }

func IsBackend(err error) bool { return errors.Is(err, ErrBackend) }

func IsDownload(err error) bool { return errors.Is(err, ErrDownload) }
