//go:build !(darwin || linux)

package disk

import "errors"

// FreeBytes is not available on this platform.
func FreeBytes(dir string) (uint64, error) {
	return 0, errors.New("free space query not supported on this platform")
}
