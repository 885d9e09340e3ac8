package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory size must be positive")
	ErrMissingBootLoader  = errors.New("hypervisor: boot loader is required")
	ErrMissingPlatform    = errors.New("hypervisor: platform identity is incomplete")
	ErrInvalidDisplay     = errors.New("hypervisor: display size and density must be positive")
	ErrMissingDiskPath    = errors.New("hypervisor: storage device path is required")
	ErrInvalidNetworkMode = errors.New("hypervisor: bridged network requires a host interface")
)

// Artifact errors
var (
	ErrUnsupportedHost = errors.New("hypervisor: no restore image is supported for this host")
	ErrCorruptArtifact = errors.New("hypervisor: restore image is corrupt or unreadable")
)

// Runtime errors
var (
	ErrNotCreated     = errors.New("hypervisor: VM not created")
	ErrAlreadyRunning = errors.New("hypervisor: VM is already running")
	ErrNotRunning     = errors.New("hypervisor: VM is not running")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)
