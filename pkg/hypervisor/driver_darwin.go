//go:build darwin && arm64

package hypervisor

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
)

// vzBackend implements Backend using macOS Virtualization.framework.
type vzBackend struct {
	opts Options
}

// NewBackend creates a vz-based backend for macOS on Apple silicon.
func NewBackend(opts Options) (Backend, error) {
	return &vzBackend{opts: opts}, nil
}

func (b *vzBackend) Info() Info {
	return Info{
		Name:    "vz",
		Version: "3",
		Arch:    runtime.GOARCH,
	}
}

func (b *vzBackend) Limits() Limits {
	return Limits{
		MinCPUCount:    int(vz.VirtualMachineConfigurationMinimumAllowedCPUCount()),
		MaxCPUCount:    int(vz.VirtualMachineConfigurationMaximumAllowedCPUCount()),
		MinMemoryBytes: vz.VirtualMachineConfigurationMinimumAllowedMemorySize(),
		MaxMemoryBytes: vz.VirtualMachineConfigurationMaximumAllowedMemorySize(),
	}
}

// DiscoverLatestArtifact returns the configured restore image source.
// Virtualization.framework only exposes the catalogue lookup bundled with a
// full download, so without a configured URL this fails with
// ErrUnsupportedHost.
func (b *vzBackend) DiscoverLatestArtifact(ctx context.Context) (*ArtifactDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.opts.RestoreImageURL == "" {
		return nil, fmt.Errorf("vzBackend: no restore image source configured: %w", ErrUnsupportedHost)
	}
	return &ArtifactDescriptor{URL: b.opts.RestoreImageURL}, nil
}

func (b *vzBackend) LoadArtifact(ctx context.Context, path string) (*ArtifactDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := vz.LoadMacOSRestoreImageFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: load restore image %s: %v: %w", path, err, ErrCorruptArtifact)
	}
	req := img.MostFeaturefulSupportedConfiguration()
	if req == nil {
		return nil, fmt.Errorf("vzBackend: restore image %s: %w", path, ErrUnsupportedHost)
	}
	hw := req.HardwareModel()
	if !hw.Supported() {
		return nil, fmt.Errorf("vzBackend: hardware model of %s: %w", path, ErrUnsupportedHost)
	}
	osv := img.OperatingSystemVersion()
	return &ArtifactDescriptor{
		URL:            img.URL(),
		Path:           path,
		BuildVersion:   img.BuildVersion(),
		OSVersion:      fmt.Sprintf("%d.%d.%d", osv.MajorVersion, osv.MinorVersion, osv.PatchVersion),
		HardwareModel:  HardwareModel(hw.DataRepresentation()),
		MinCPUCount:    int(req.MinimumSupportedCPUCount()),
		MinMemoryBytes: req.MinimumSupportedMemorySize(),
	}, nil
}

func (b *vzBackend) NewMachineIdentifier() ([]byte, error) {
	id, err := vz.NewMacMachineIdentifier()
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create machine identifier: %w", err)
	}
	return id.DataRepresentation(), nil
}

func (b *vzBackend) ParseMachineIdentifier(data []byte) error {
	if _, err := vz.NewMacMachineIdentifierWithData(data); err != nil {
		return fmt.Errorf("vzBackend: parse machine identifier: %w", err)
	}
	return nil
}

func (b *vzBackend) CreateAuxiliaryStorage(path string, model HardwareModel) error {
	hw, err := vz.NewMacHardwareModelWithData(model)
	if err != nil {
		return fmt.Errorf("vzBackend: parse hardware model: %w", err)
	}
	if _, err := vz.NewMacAuxiliaryStorage(path, vz.WithCreatingMacAuxiliaryStorage(hw)); err != nil {
		return fmt.Errorf("vzBackend: create auxiliary storage: %w", err)
	}
	return nil
}

func (b *vzBackend) LoadAuxiliaryStorage(path string) error {
	if _, err := vz.NewMacAuxiliaryStorage(path); err != nil {
		return fmt.Errorf("vzBackend: load auxiliary storage: %w", err)
	}
	return nil
}

func (b *vzBackend) BridgedInterfaces() ([]NetworkInterface, error) {
	var out []NetworkInterface
	for _, iface := range vz.NetworkInterfaces() {
		out = append(out, NetworkInterface{
			Identifier:  iface.Identifier(),
			DisplayName: iface.LocalizedDisplayName(),
		})
	}
	return out, nil
}

func (b *vzBackend) Validate(cfg *Configuration) error {
	_, err := b.translate(cfg)
	return err
}

func (b *vzBackend) BuildInstance(cfg *Configuration) (Instance, error) {
	vmCfg, err := b.translate(cfg)
	if err != nil {
		return nil, err
	}
	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create VM: %w", err)
	}
	inst := &vzInstance{vm: vm, done: make(chan struct{})}
	go inst.watch()
	return inst, nil
}

// translate converts a Configuration into a validated vz configuration.
func (b *vzBackend) translate(cfg *Configuration) (*vz.VirtualMachineConfiguration, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	bootLoader, err := vz.NewMacOSBootLoader()
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(bootLoader, uint(cfg.CPUCount), cfg.MemoryBytes)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create VM config: %w", err)
	}

	platform, err := b.platform(cfg.Platform)
	if err != nil {
		return nil, err
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	var graphics []vz.GraphicsDeviceConfiguration
	for _, g := range cfg.Graphics {
		dev, err := vz.NewMacGraphicsDeviceConfiguration()
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create graphics device: %w", err)
		}
		var displays []*vz.MacGraphicsDisplayConfiguration
		for _, d := range g.Displays {
			disp, err := vz.NewMacGraphicsDisplayConfiguration(int64(d.Width), int64(d.Height), int64(d.PixelsPerInch))
			if err != nil {
				return nil, fmt.Errorf("vzBackend: create display: %w", err)
			}
			displays = append(displays, disp)
		}
		dev.SetDisplays(displays...)
		graphics = append(graphics, dev)
	}
	vmCfg.SetGraphicsDevicesVirtualMachineConfiguration(graphics)

	var storage []vz.StorageDeviceConfiguration
	for _, s := range cfg.Storage {
		att, err := vz.NewDiskImageStorageDeviceAttachment(s.Path, s.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("vzBackend: attach %s: %w", s.Path, err)
		}
		var dev vz.StorageDeviceConfiguration
		if s.Bus == BusUSB {
			dev, err = vz.NewUSBMassStorageDeviceConfiguration(att)
		} else {
			dev, err = vz.NewVirtioBlockDeviceConfiguration(att)
		}
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create storage device %s: %w", s.Path, err)
		}
		storage = append(storage, dev)
	}
	vmCfg.SetStorageDevicesVirtualMachineConfiguration(storage)

	var network []*vz.VirtioNetworkDeviceConfiguration
	for _, n := range cfg.Network {
		dev, err := b.networkDevice(n)
		if err != nil {
			return nil, err
		}
		network = append(network, dev)
	}
	vmCfg.SetNetworkDevicesVirtualMachineConfiguration(network)

	var pointing []vz.PointingDeviceConfiguration
	for _, p := range cfg.PointingDevices {
		var dev vz.PointingDeviceConfiguration
		if p == PointingTrackpad {
			dev, err = vz.NewMacTrackpadConfiguration()
		} else {
			dev, err = vz.NewUSBScreenCoordinatePointingDeviceConfiguration()
		}
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create pointing device: %w", err)
		}
		pointing = append(pointing, dev)
	}
	vmCfg.SetPointingDevicesVirtualMachineConfiguration(pointing)

	var keyboards []vz.KeyboardConfiguration
	for _, k := range cfg.Keyboards {
		var dev vz.KeyboardConfiguration
		if k == KeyboardMac {
			dev, err = vz.NewMacKeyboardConfiguration()
		} else {
			dev, err = vz.NewUSBKeyboardConfiguration()
		}
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create keyboard: %w", err)
		}
		keyboards = append(keyboards, dev)
	}
	vmCfg.SetKeyboardsVirtualMachineConfiguration(keyboards)

	var audio []vz.AudioDeviceConfiguration
	for _, a := range cfg.Audio {
		sound, err := vz.NewVirtioSoundDeviceConfiguration()
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create sound device: %w", err)
		}
		var streams []vz.VirtioSoundDeviceStreamConfiguration
		for _, s := range a.Streams {
			var stream vz.VirtioSoundDeviceStreamConfiguration
			if s.Direction == AudioInput {
				stream, err = vz.NewVirtioSoundDeviceHostInputStreamConfiguration()
			} else {
				stream, err = vz.NewVirtioSoundDeviceHostOutputStreamConfiguration()
			}
			if err != nil {
				return nil, fmt.Errorf("vzBackend: create audio stream: %w", err)
			}
			streams = append(streams, stream)
		}
		sound.SetStreams(streams...)
		audio = append(audio, sound)
	}
	vmCfg.SetAudioDevicesVirtualMachineConfiguration(audio)

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return nil, fmt.Errorf("vzBackend: invalid configuration: %w", err)
	}
	return vmCfg, nil
}

func (b *vzBackend) platform(p PlatformIdentity) (*vz.MacPlatformConfiguration, error) {
	hw, err := vz.NewMacHardwareModelWithData(p.HardwareModel)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: parse hardware model: %w", err)
	}
	id, err := vz.NewMacMachineIdentifierWithData(p.MachineIdentifier)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: parse machine identifier: %w", err)
	}
	aux, err := vz.NewMacAuxiliaryStorage(p.AuxiliaryStoragePath)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: load auxiliary storage: %w", err)
	}
	platform, err := vz.NewMacPlatformConfiguration(
		vz.WithMacAuxiliaryStorage(aux),
		vz.WithMacHardwareModel(hw),
		vz.WithMacMachineIdentifier(id),
	)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create platform config: %w", err)
	}
	return platform, nil
}

func (b *vzBackend) networkDevice(n NetworkDevice) (*vz.VirtioNetworkDeviceConfiguration, error) {
	var att vz.NetworkDeviceAttachment
	switch n.Attachment {
	case AttachmentBridged:
		var iface vz.BridgedNetwork
		for _, candidate := range vz.NetworkInterfaces() {
			if candidate.Identifier() == n.Interface {
				iface = candidate
				break
			}
		}
		if iface == nil {
			return nil, fmt.Errorf("vzBackend: bridged interface %q: %w", n.Interface, ErrInvalidNetworkMode)
		}
		bridged, err := vz.NewBridgedNetworkDeviceAttachment(iface)
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create bridged attachment: %w", err)
		}
		att = bridged
	default:
		nat, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create NAT attachment: %w", err)
		}
		att = nat
	}

	dev, err := vz.NewVirtioNetworkDeviceConfiguration(att)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create network config: %w", err)
	}

	var macAddr *vz.MACAddress
	if n.MACAddress != "" {
		hwAddr, err := net.ParseMAC(n.MACAddress)
		if err != nil {
			return nil, fmt.Errorf("vzBackend: parse MAC address: %w", err)
		}
		macAddr, err = vz.NewMACAddress(hwAddr)
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create MAC address: %w", err)
		}
	} else {
		macAddr, err = vz.NewRandomLocallyAdministeredMACAddress()
		if err != nil {
			return nil, fmt.Errorf("vzBackend: generate random MAC: %w", err)
		}
	}
	dev.SetMACAddress(macAddr)
	return dev, nil
}

// vzInstance wraps a vz.VirtualMachine.
type vzInstance struct {
	vm       *vz.VirtualMachine
	done     chan struct{}
	doneOnce sync.Once
}

func (i *vzInstance) watch() {
	for state := range i.vm.StateChangedNotify() {
		if state == vz.VirtualMachineStateStopped || state == vz.VirtualMachineStateError {
			i.doneOnce.Do(func() { close(i.done) })
			return
		}
	}
}

func (i *vzInstance) Start(ctx context.Context) error {
	if err := i.vm.Start(); err != nil {
		return fmt.Errorf("vzInstance: start VM: %w", err)
	}
	return nil
}

func (i *vzInstance) Stop(ctx context.Context) error {
	canStop, err := i.vm.CanRequestStop()
	if err != nil {
		return fmt.Errorf("vzInstance: check can stop: %w", err)
	}
	if canStop {
		if err := stopRequestError(i.vm.RequestStop()); err != nil {
			return fmt.Errorf("vzInstance: %w", err)
		}
		select {
		case <-i.done:
			return nil
		case <-ctx.Done():
		}
	}
	if err := i.vm.Stop(); err != nil {
		return fmt.Errorf("vzInstance: force stop: %w", err)
	}
	return nil
}

func (i *vzInstance) State() State {
	switch i.vm.State() {
	case vz.VirtualMachineStateStopped:
		return StateStopped
	case vz.VirtualMachineStateRunning:
		return StateRunning
	case vz.VirtualMachineStatePaused:
		return StatePaused
	case vz.VirtualMachineStateError:
		return StateError
	case vz.VirtualMachineStateStarting:
		return StateStarting
	case vz.VirtualMachineStatePausing:
		return StatePausing
	case vz.VirtualMachineStateResuming:
		return StateResuming
	case vz.VirtualMachineStateStopping:
		return StateStopping
	case vz.VirtualMachineStateSaving:
		return StateSaving
	case vz.VirtualMachineStateRestoring:
		return StateRestoring
	default:
		return StateError
	}
}

func (i *vzInstance) Done() <-chan struct{} {
	return i.done
}

// ShowWindow runs the Cocoa event loop with the VM's graphics device.
func (i *vzInstance) ShowWindow(width, height float64) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := i.vm.StartGraphicApplication(width, height); err != nil {
		return fmt.Errorf("vzInstance: start graphic application: %w", err)
	}
	return nil
}
