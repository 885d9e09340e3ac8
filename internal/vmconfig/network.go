package vmconfig

import (
	"fmt"
	"strings"

	"github.com/javanstorm/macbox/internal/errdefs"
)

// NetworkMode selects how the guest reaches the network.
type NetworkMode int

const (
	// NetworkNone attaches no network device.
	NetworkNone NetworkMode = iota
	NetworkNAT
	NetworkBridged
)

func (m NetworkMode) String() string {
	switch m {
	case NetworkNAT:
		return "nat"
	case NetworkBridged:
		return "bridged"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m NetworkMode) MarshalText() ([]byte, error) {
	if m == NetworkNone {
		return []byte{}, nil
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown modes are
// rejected rather than treated as absent.
func (m *NetworkMode) UnmarshalText(text []byte) error {
	mode, err := ParseNetworkMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseNetworkMode parses "nat", "bridged", or ""/"none".
func ParseNetworkMode(s string) (NetworkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NetworkNone, nil
	case "nat":
		return NetworkNAT, nil
	case "bridged":
		return NetworkBridged, nil
	default:
		return NetworkNone, errdefs.NewConfigError("network", fmt.Errorf("unknown mode %q", s))
	}
}
