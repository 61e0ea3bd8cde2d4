package acpi_test

import (
	"testing"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/platform/acpi"
	"github.com/stretchr/testify/require"
)

// fakeMem backs acpi.MemReader with an ordinary byte slice addressed
// directly by "physical address" (index into the slice), the same style
// of substitution used for physToTable in internal/mm/vmm's tests.
type fakeMem struct {
	data []byte
}

func newFakeMem(size int) *fakeMem {
	return &fakeMem{data: make([]byte, size)}
}

func (f *fakeMem) ReadBytes(phys uintptr, n int) []byte {
	if int(phys)+n > len(f.data) {
		grown := make([]byte, int(phys)+n)
		copy(grown, f.data)
		f.data = grown
	}
	return f.data[phys : int(phys)+n]
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}

func checksumFix(b []byte, checksumOffset int) {
	b[checksumOffset] = 0
	var sum uint8
	for _, v := range b {
		sum += v
	}
	b[checksumOffset] = uint8(-int8(sum))
}

func writeRSDP(mem *fakeMem, addr uintptr, rsdtAddr uint32) {
	buf := mem.ReadBytes(addr, 20)
	copy(buf[0:8], "RSD PTR ")
	buf[8] = 0 // checksum, fixed below
	// OEMID [9:15], Revision byte 15 = 0 (ACPI 1.0)
	putLE32(buf[16:20], rsdtAddr)
	checksumFix(buf, 8)
}

func writeSDTHeader(mem *fakeMem, addr uintptr, sig string, length uint32) {
	hdrSize := int(unsafe.Sizeof(acpi.SDTHeader{}))
	buf := mem.ReadBytes(addr, hdrSize)
	copy(buf[0:4], sig)
	putLE32(buf[4:8], length)
	// Revision, Checksum, OEMID, OEMTableID, OEMRevision, CreatorID,
	// CreatorRevision left zero; checksum fixed by caller over the whole
	// table once its body is written.
}

func TestFindRSDPScansFirmwareArea(t *testing.T) {
	mem := newFakeMem(0x100100)
	writeRSDP(mem, 0xE0020, 0x200000)

	rsdp, ok := acpi.FindRSDP(mem)
	require.True(t, ok)
	require.Equal(t, uint32(0x200000), rsdp.RSDTAddr)
}

func TestFindRSDPSearchesEBDAFirst(t *testing.T) {
	mem := newFakeMem(0x100100)
	ebdaSeg := uint16(0x9000) // -> base 0x90000
	buf := mem.ReadBytes(0x040E, 2)
	buf[0] = byte(ebdaSeg)
	buf[1] = byte(ebdaSeg >> 8)

	writeRSDP(mem, 0x90010, 0x300000)

	rsdp, ok := acpi.FindRSDP(mem)
	require.True(t, ok)
	require.Equal(t, uint32(0x300000), rsdp.RSDTAddr)
}

func TestFindRSDPRejectsBadChecksum(t *testing.T) {
	mem := newFakeMem(0x100100)
	writeRSDP(mem, 0xE0020, 0x200000)
	buf := mem.ReadBytes(0xE0020, 20)
	buf[8] ^= 0xFF // corrupt the checksum byte

	_, ok := acpi.FindRSDP(mem)
	require.False(t, ok)
}

func TestDiscoverParsesMADTEntries(t *testing.T) {
	mem := newFakeMem(0x400000)
	writeRSDP(mem, 0xE0020, 0x200000)

	const rsdtAddr = 0x200000
	const madtAddr = 0x201000

	hdrSize := uint32(unsafe.Sizeof(acpi.SDTHeader{}))

	// MADT: fixed header (8 bytes) + one LocalAPIC entry (8 bytes) +
	// one IOAPIC entry (12 bytes) + one InterruptOverride entry (10
	// bytes) + a zero-length terminator guard (walk just ends at
	// totalLen, no explicit terminator entry needed).
	madtBody := make([]byte, 0, 8+8+12+10)
	fixed := make([]byte, 8)
	putLE32(fixed[0:4], 0xFEE00000) // LocalAPICAddr
	putLE32(fixed[4:8], 1)          // Flags: PCAT_COMPAT
	madtBody = append(madtBody, fixed...)

	lapic := []byte{0, 8, 1, 2, 0, 0, 0, 0}
	putLE32(lapic[4:8], 1) // Enabled
	madtBody = append(madtBody, lapic...)

	ioapic := make([]byte, 12)
	ioapic[0], ioapic[1] = 1, 12
	ioapic[2] = 5 // IOAPIC id
	putLE32(ioapic[4:8], 0xFEC00000)
	putLE32(ioapic[8:12], 0)
	madtBody = append(madtBody, ioapic...)

	override := make([]byte, 10)
	override[0], override[1] = 2, 10
	override[2] = 0 // bus
	override[3] = 0 // source IRQ 0
	putLE32(override[4:8], 2)
	override[8], override[9] = 0x05, 0 // polarity=1, trigger=1 (active high, edge) packed
	madtBody = append(madtBody, override...)

	totalLen := hdrSize + uint32(len(madtBody))
	writeSDTHeader(mem, madtAddr, "APIC", totalLen)
	tableBuf := mem.ReadBytes(madtAddr, int(totalLen))
	copy(tableBuf[hdrSize:], madtBody)
	checksumFix(tableBuf, 9) // SDTHeader.Checksum is byte offset 9

	entries := make([]byte, 4)
	putLE32(entries, madtAddr)
	rsdtTotal := hdrSize + uint32(len(entries))
	writeSDTHeader(mem, rsdtAddr, "RSDT", rsdtTotal)
	rsdtBuf := mem.ReadBytes(rsdtAddr, int(rsdtTotal))
	copy(rsdtBuf[hdrSize:], entries)
	checksumFix(rsdtBuf, 9)

	tables, ok := acpi.Discover(logr.Discard(), mem)
	require.True(t, ok)
	require.NotNil(t, tables.MADT)
	require.True(t, tables.MADT.PCATCompat)
	require.Equal(t, uint32(0xFEE00000), tables.MADT.LocalAPICAddr)
	require.Len(t, tables.MADT.LocalAPICs, 1)
	require.True(t, tables.MADT.LocalAPICs[0].Enabled)
	require.Len(t, tables.MADT.IOAPICs, 1)
	require.Equal(t, uint8(5), tables.MADT.IOAPICs[0].ID)
	require.Len(t, tables.MADT.Overrides, 1)
	require.Equal(t, uint8(0), tables.MADT.Overrides[0].Source)
}

func TestDiscoverReturnsFalseWithoutRSDP(t *testing.T) {
	mem := newFakeMem(0x100100)
	_, ok := acpi.Discover(logr.Discard(), mem)
	require.False(t, ok)
}
