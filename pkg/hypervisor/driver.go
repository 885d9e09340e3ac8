// Package hypervisor describes the capability interface MacBox consumes from
// the host hypervisor (macOS Virtualization.framework) and the backend-neutral
// configuration it hands to it.
package hypervisor

import (
	"context"
)

// Backend is the main interface for hypervisor operations.
// Platform-specific implementations satisfy this interface.
type Backend interface {
	ArtifactSource
	Platform
	Builder
	Info() Info
	// Limits reports the CPU and memory bounds the backend accepts.
	Limits() Limits
	// BridgedInterfaces lists host interfaces usable for bridged networking.
	BridgedInterfaces() ([]NetworkInterface, error)
}

// ArtifactSource discovers and parses restore images.
type ArtifactSource interface {
	// DiscoverLatestArtifact asks the host for the newest supported restore
	// image. It is a network call and may fail with ErrUnsupportedHost.
	DiscoverLatestArtifact(ctx context.Context) (*ArtifactDescriptor, error)

	// LoadArtifact parses a local restore image. It may fail with
	// ErrCorruptArtifact.
	LoadArtifact(ctx context.Context, path string) (*ArtifactDescriptor, error)
}

// Platform generates and loads per-machine identity state.
type Platform interface {
	NewMachineIdentifier() ([]byte, error)
	ParseMachineIdentifier(data []byte) error
	CreateAuxiliaryStorage(path string, model HardwareModel) error
	LoadAuxiliaryStorage(path string) error
}

// Builder validates configurations and turns them into instances.
type Builder interface {
	// Validate checks the assembled configuration as a whole. The returned
	// error carries the backend diagnostic.
	Validate(cfg *Configuration) error

	// BuildInstance constructs (but does not start) a VM.
	BuildInstance(cfg *Configuration) (Instance, error)
}

// Instance is a live VM handle.
type Instance interface {
	// Start boots the VM and returns once the backend reports success or failure.
	Start(ctx context.Context) error

	// Stop requests shutdown and returns once the backend reports the result.
	Stop(ctx context.Context) error

	// State returns the current backend state.
	State() State

	// Done is closed when the VM reaches a terminal state (stopped or error).
	Done() <-chan struct{}
}

// Displayer is implemented by instances that can present their graphics
// device in a host window. It blocks until the window is closed.
type Displayer interface {
	ShowWindow(width, height float64) error
}

// ArtifactDescriptor describes a restore image.
type ArtifactDescriptor struct {
	// URL is the remote source of the image.
	URL string

	// Path is the local file the descriptor was loaded from. Empty for
	// descriptors produced by discovery.
	Path string

	BuildVersion   string
	OSVersion      string
	HardwareModel  HardwareModel
	MinCPUCount    int
	MinMemoryBytes uint64
}

// Limits contains backend resource bounds.
type Limits struct {
	MinCPUCount    int
	MaxCPUCount    int
	MinMemoryBytes uint64
	MaxMemoryBytes uint64
}

// Info contains driver metadata.
type Info struct {
	Name    string // "vz"
	Version string // Driver version
	Arch    string // "arm64" or "amd64"
}
