package pci_test

import (
	"testing"

	"github.com/iansmith/alteo/internal/platform/pci"
	"github.com/stretchr/testify/require"
)

// fakeConfigSpace models a tiny config space: one device at bus 0 slot 0
// func 0, non-multifunction, with a 32-bit memory BAR0 sized at 0x1000.
type fakeConfigSpace struct {
	addr                 uint32
	bar0SizingInProgress bool
}

func (f *fakeConfigSpace) outl(port uint16, value uint32) {
	if port == 0xCF8 {
		f.addr = value
	}
	if port == 0xCFC && f.addr&0xFC == 0x10 {
		// Writing all ones to BAR0 starts a size probe; any other write
		// (the restore) ends it.
		f.bar0SizingInProgress = value == 0xFFFFFFFF
	}
}

func (f *fakeConfigSpace) inl(port uint16) uint32 {
	if port != 0xCFC {
		return 0xFFFFFFFF
	}

	bus := uint8((f.addr >> 16) & 0xFF)
	slot := uint8((f.addr >> 11) & 0x1F)
	fn := uint8((f.addr >> 8) & 0x07)
	offset := uint8(f.addr & 0xFC)

	if bus != 0 || slot != 0 || fn != 0 {
		return 0xFFFFFFFF
	}

	switch offset {
	case 0x00:
		return 0x1234<<16 | 0x10EC // device 0x1234, vendor 0x10EC
	case 0x08:
		return 0x02<<24 | 0x00<<16 | 0x00<<8 // class 2 (network), subclass 0
	case 0x0C:
		return 0 // header type 0, not multifunction
	case 0x10:
		if f.bar0SizingInProgress {
			return ^uint32(0x1000-1) | 0x0 // sized response: memory BAR, 4KiB
		}
		return 0x0 // base address currently unset
	default:
		return 0
	}
}

func TestEnumerateFindsSingleFunctionDevice(t *testing.T) {
	fc := &fakeConfigSpace{}
	pci.UseNoopPortIOForTest(fc.outl, fc.inl)

	devices := pci.Enumerate()
	require.Len(t, devices, 1)
	require.Equal(t, uint16(0x10EC), devices[0].VendorID)
	require.Equal(t, uint16(0x1234), devices[0].DeviceID)
	require.Equal(t, uint8(0x02), devices[0].ClassCode)
}

func TestFindDeviceAndFindClass(t *testing.T) {
	fc := &fakeConfigSpace{}
	pci.UseNoopPortIOForTest(fc.outl, fc.inl)

	devices := pci.Enumerate()

	dev, ok := pci.FindDevice(devices, 0x10EC, 0x1234)
	require.True(t, ok)
	require.Equal(t, uint8(0), dev.Bus)

	matches := pci.FindClass(devices, 0x02, 0x00)
	require.Len(t, matches, 1)
}

func TestNoDevicesPresentYieldsEmptyEnumeration(t *testing.T) {
	pci.UseNoopPortIOForTest(
		func(uint16, uint32) {},
		func(uint16) uint32 { return 0xFFFFFFFF },
	)

	devices := pci.Enumerate()
	require.Empty(t, devices)
}
