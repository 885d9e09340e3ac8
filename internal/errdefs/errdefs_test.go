package errdefs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		config  bool
		backend bool
		dl      bool
		running bool
	}{
		{"config", NewConfigError("network", ErrNoBridgedInterface), true, false, false, false},
		{"backend", NewBackendError("start", errors.New("boom")), false, true, false, false},
		{"download", &DownloadError{URL: "u", Attempts: 3, Err: errors.New("eof")}, false, false, true, false},
		{"running", fmt.Errorf("start vm: %w", ErrAlreadyRunning), false, false, false, true},
		{"plain", fs.ErrNotExist, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.config, IsConfig(tt.err))
			assert.Equal(t, tt.backend, IsBackend(tt.err))
			assert.Equal(t, tt.dl, IsDownload(tt.err))
			assert.Equal(t, tt.running, IsAlreadyRunning(tt.err))
		})
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("materialize: %w", NewConfigError("network", ErrNoBridgedInterface))

	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "network", cfgErr.Field)
	assert.ErrorIs(t, err, ErrNoBridgedInterface)
	assert.Equal(t, "materialize: invalid network: no bridged network interface available", err.Error())
}

func TestBackendErrorPreservesMessage(t *testing.T) {
	err := NewBackendError("validate configuration", errors.New("Invalid virtual machine configuration. The storage device attachment is invalid."))
	assert.Contains(t, err.Error(), "The storage device attachment is invalid.")
	assert.Nil(t, NewBackendError("noop", nil))
}

func TestDownloadErrorAttempts(t *testing.T) {
	last := errors.New("connection reset")
	err := &DownloadError{URL: "https://example.com/a.ipsw", Attempts: 3, Err: last}
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
}
