package hypervisor

import (
	"errors"
	"fmt"
)

// ErrStopRefused is returned when the guest declines a stop request.
var ErrStopRefused = errors.New("hypervisor: guest refused the stop request")

// stopRequestError converts the result of a guest stop request into an error.
func stopRequestError(ok bool, err error) error {
	switch {
	case err != nil:
		return fmt.Errorf("request stop failed: %w", err)
	case !ok:
		return ErrStopRefused
	}
	return nil
}
