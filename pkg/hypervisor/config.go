package hypervisor

import "fmt"

// HardwareModel is the opaque serialized hardware model a guest was
// installed for. Backends produce it from a restore image and consume it when
// creating auxiliary storage and platform configurations.
type HardwareModel []byte

// PlatformIdentity ties a VM to the machine it was installed as.
type PlatformIdentity struct {
	// MachineIdentifier is the serialized machine identifier.
	MachineIdentifier []byte

	// HardwareModel is the hardware model of the installed guest.
	HardwareModel HardwareModel

	// AuxiliaryStoragePath is the path of the auxiliary (boot firmware) storage.
	AuxiliaryStoragePath string
}

// BootLoader selects how the guest is booted.
type BootLoader int

const (
	BootLoaderNone BootLoader = iota
	BootLoaderMacOS
)

func (b BootLoader) String() string {
	switch b {
	case BootLoaderMacOS:
		return "macos"
	default:
		return "none"
	}
}

// Display is a single display attached to a graphics device.
type Display struct {
	Width         int
	Height        int
	PixelsPerInch int
}

// GraphicsDevice is a graphics adapter with its displays.
type GraphicsDevice struct {
	Displays []Display
}

// StorageBus is the bus a storage device is attached to.
type StorageBus int

const (
	BusVirtio StorageBus = iota
	BusUSB
)

func (b StorageBus) String() string {
	if b == BusUSB {
		return "usb"
	}
	return "virtio"
}

// StorageDevice is a disk image attached to the guest.
type StorageDevice struct {
	Path     string
	ReadOnly bool
	Bus      StorageBus
}

// NetworkAttachment describes how a network device reaches the host.
type NetworkAttachment int

const (
	AttachmentNAT NetworkAttachment = iota
	AttachmentBridged
)

func (a NetworkAttachment) String() string {
	if a == AttachmentBridged {
		return "bridged"
	}
	return "nat"
}

// NetworkDevice is a virtio network device.
type NetworkDevice struct {
	Attachment NetworkAttachment

	// Interface is the host interface identifier for bridged attachments.
	Interface string

	// MACAddress is optional; empty means a random locally administered address.
	MACAddress string
}

// NetworkInterface is a host interface usable for bridged networking.
type NetworkInterface struct {
	Identifier  string
	DisplayName string
}

// PointingDevice kinds.
type PointingDevice int

const (
	PointingUSBScreenCoordinate PointingDevice = iota
	PointingTrackpad
)

// Keyboard kinds.
type Keyboard int

const (
	KeyboardUSB Keyboard = iota
	KeyboardMac
)

// AudioDirection is the direction of an audio stream relative to the guest.
type AudioDirection int

const (
	AudioInput AudioDirection = iota
	AudioOutput
)

// AudioStream is one stream of a sound device. Input streams are sourced from
// host audio input, output streams are sunk to host audio output.
type AudioStream struct {
	Direction AudioDirection
}

// AudioDevice is a virtio sound device.
type AudioDevice struct {
	Streams []AudioStream
}

// Configuration is a complete, backend-neutral VM configuration.
type Configuration struct {
	CPUCount    int
	MemoryBytes uint64

	BootLoader BootLoader
	Platform   PlatformIdentity

	Graphics        []GraphicsDevice
	Storage         []StorageDevice
	Network         []NetworkDevice
	PointingDevices []PointingDevice
	Keyboards       []Keyboard
	Audio           []AudioDevice
}

// Check performs structural validation that does not need a backend.
// Backends call it before their own validation.
func (c *Configuration) Check() error {
	if c.CPUCount < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemoryBytes == 0 {
		return ErrInsufficientMemory
	}
	if c.BootLoader == BootLoaderNone {
		return ErrMissingBootLoader
	}
	if c.BootLoader == BootLoaderMacOS {
		if len(c.Platform.MachineIdentifier) == 0 || len(c.Platform.HardwareModel) == 0 {
			return ErrMissingPlatform
		}
		if c.Platform.AuxiliaryStoragePath == "" {
			return ErrMissingPlatform
		}
	}
	for i, g := range c.Graphics {
		if len(g.Displays) == 0 {
			return fmt.Errorf("graphics device %d: %w", i, ErrInvalidDisplay)
		}
		for _, d := range g.Displays {
			if d.Width <= 0 || d.Height <= 0 || d.PixelsPerInch <= 0 {
				return fmt.Errorf("graphics device %d: %w", i, ErrInvalidDisplay)
			}
		}
	}
	for i, s := range c.Storage {
		if s.Path == "" {
			return fmt.Errorf("storage device %d: %w", i, ErrMissingDiskPath)
		}
	}
	for i, n := range c.Network {
		if n.Attachment == AttachmentBridged && n.Interface == "" {
			return fmt.Errorf("network device %d: %w", i, ErrInvalidNetworkMode)
		}
	}
	return nil
}
