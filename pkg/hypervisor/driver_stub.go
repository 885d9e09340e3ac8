//go:build !(darwin && arm64)

package hypervisor

// NewBackend returns an error on unsupported platforms.
func NewBackend(opts Options) (Backend, error) {
	return nil, ErrUnsupportedPlatform
}
