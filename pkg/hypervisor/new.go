package hypervisor

import "runtime"

// Options configures backend construction.
type Options struct {
	// RestoreImageURL overrides restore image discovery when non-empty.
	RestoreImageURL string
}

// SupportedPlatform returns true if the current platform has a hypervisor backend.
func SupportedPlatform() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

// NewBackend creates the hypervisor backend for the current platform.
// This function is implemented in platform-specific files using build tags.
// See driver_darwin.go and driver_stub.go.
