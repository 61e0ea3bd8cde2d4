package acpi

// AddressSpace identifies where a Generic Address Structure's register
// lives (system memory, system I/O, PCI config space, embedded
// controller, SMBus, or a functional-fixed-hardware interface).
type AddressSpace uint8

const (
	AddressSpaceSysMemory     AddressSpace = 0
	AddressSpaceSysIO         AddressSpace = 1
	AddressSpacePCI           AddressSpace = 2
	AddressSpaceEmbController AddressSpace = 3
	AddressSpaceSMBus        AddressSpace = 4
	AddressSpaceFuncFixedHW  AddressSpace = 0x7f
)

// GenericAddress is an ACPI Generic Address Structure.
type GenericAddress struct {
	SpaceID     AddressSpace
	BitWidth    uint8
	BitOffset   uint8
	AccessSize  uint8
	Address     uint64
}

// FADT carries the subset of the Fixed ACPI Description Table the boot
// sequence needs: the PM1a control block (used by a future ACPI power-off
// path) and the reset register.
type FADT struct {
	PM1aControlBlock uint32
	ResetReg         GenericAddress
	ResetValue       uint8
	HasResetReg      bool
}

// Byte offsets of the fields parseFADT reads, counted from the start of
// the FADT (i.e. including the 36-byte SDTHeader). These match the ACPI
// 6.x FADT layout; only the fields this kernel consults are named.
const (
	fadtOffPM1aControlBlock = 64
	fadtOffResetReg         = 116
	fadtOffResetValue       = 128
)

func parseFADT(mem MemReader, addr uint64) *FADT {
	buf := mem.ReadBytes(uintptr(addr), fadtOffResetValue+1)
	if len(buf) < fadtOffResetValue+1 {
		return nil
	}

	f := &FADT{
		PM1aControlBlock: readLE32(buf[fadtOffPM1aControlBlock:]),
		ResetValue:       buf[fadtOffResetValue],
	}

	// A Generic Address Structure is 12 bytes on the wire (the Go struct
	// is padded to 16, so its Sizeof is not the table length).
	const gasWireSize = 12
	if len(buf) >= fadtOffResetReg+gasWireSize {
		reg := buf[fadtOffResetReg:]
		f.ResetReg = GenericAddress{
			SpaceID:    AddressSpace(reg[0]),
			BitWidth:   reg[1],
			BitOffset:  reg[2],
			AccessSize: reg[3],
			Address:    readLE64(reg[4:12]),
		}
		f.HasResetReg = true
	}

	return f
}
