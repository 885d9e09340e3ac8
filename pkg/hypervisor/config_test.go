package hypervisor

import (
	"errors"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		CPUCount:    2,
		MemoryBytes: 4 << 30,
		BootLoader:  BootLoaderMacOS,
		Platform: PlatformIdentity{
			MachineIdentifier:    []byte("id"),
			HardwareModel:        HardwareModel("hw"),
			AuxiliaryStoragePath: "/tmp/aux",
		},
		Graphics: []GraphicsDevice{{Displays: []Display{{Width: 1920, Height: 1200, PixelsPerInch: 80}}}},
		Storage:  []StorageDevice{{Path: "/tmp/Disk.img"}},
		Network:  []NetworkDevice{{Attachment: AttachmentNAT}},
	}
}

func TestConfigurationCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
		want   error
	}{
		{"valid", func(c *Configuration) {}, nil},
		{"zero cpu", func(c *Configuration) { c.CPUCount = 0 }, ErrInvalidCPUCount},
		{"zero memory", func(c *Configuration) { c.MemoryBytes = 0 }, ErrInsufficientMemory},
		{"no boot loader", func(c *Configuration) { c.BootLoader = BootLoaderNone }, ErrMissingBootLoader},
		{"no machine id", func(c *Configuration) { c.Platform.MachineIdentifier = nil }, ErrMissingPlatform},
		{"no aux storage", func(c *Configuration) { c.Platform.AuxiliaryStoragePath = "" }, ErrMissingPlatform},
		{"no displays", func(c *Configuration) { c.Graphics[0].Displays = nil }, ErrInvalidDisplay},
		{"zero ppi", func(c *Configuration) { c.Graphics[0].Displays[0].PixelsPerInch = 0 }, ErrInvalidDisplay},
		{"empty disk path", func(c *Configuration) { c.Storage[0].Path = "" }, ErrMissingDiskPath},
		{"bridged without interface", func(c *Configuration) {
			c.Network[0].Attachment = AttachmentBridged
		}, ErrInvalidNetworkMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Check()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Check() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Check() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEnumStrings(t *testing.T) {
	if BusUSB.String() != "usb" || BusVirtio.String() != "virtio" {
		t.Error("unexpected storage bus names")
	}
	if AttachmentBridged.String() != "bridged" || AttachmentNAT.String() != "nat" {
		t.Error("unexpected attachment names")
	}
	if BootLoaderMacOS.String() != "macos" {
		t.Error("unexpected boot loader name")
	}
}
