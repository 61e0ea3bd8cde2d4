// Package acpi locates and parses the firmware ACPI tables needed to
// bring up the APIC: RSDP, RSDT/XSDT, MADT and FADT (SDTHeader,
// RSDPDescriptor/ExtRSDPDescriptor), as a single flat package scaled to
// what this kernel needs (MADT/FADT only, no AML/DSDT evaluation).
package acpi

import (
	"unsafe"

	"github.com/go-logr/logr"
)

// SDTHeader is the common ACPI table header.
type SDTHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

// RSDPDescriptor is the ACPI 1.0 root pointer.
type RSDPDescriptor struct {
	Signature [8]byte
	Checksum  uint8
	OEMID     [6]byte
	Revision  uint8
	RSDTAddr  uint32
}

// ExtRSDPDescriptor extends RSDPDescriptor for ACPI >= 2.0.
type ExtRSDPDescriptor struct {
	RSDPDescriptor
	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8
	reserved         [3]byte
}

const rsdpSignature = "RSD PTR "

// MemReader abstracts physical-memory byte access so this package can be
// tested without real physical memory (it is handed the identity/
// higher-half map cmd/kernel sets up, or a fake backed by a []byte in
// tests).
type MemReader interface {
	ReadBytes(phys uintptr, n int) []byte
}

// FindRSDP searches the EBDA (from the segment at BDA 0x040E, shifted
// left four) and 0xE0000-0xFFFFF at 16-byte alignment for the RSDP
// signature, validating the 20-byte checksum.
func FindRSDP(mem MemReader) (*RSDPDescriptor, bool) {
	ebdaSeg := mem.ReadBytes(0x040E, 2)
	ebdaBase := uintptr(uint16(ebdaSeg[0])|uint16(ebdaSeg[1])<<8) << 4

	if ebdaBase != 0 {
		if rsdp, ok := scanForRSDP(mem, ebdaBase, ebdaBase+1024); ok {
			return rsdp, true
		}
	}
	return scanForRSDP(mem, 0xE0000, 0x100000)
}

func scanForRSDP(mem MemReader, start, end uintptr) (*RSDPDescriptor, bool) {
	for addr := start; addr+20 <= end; addr += 16 {
		buf := mem.ReadBytes(addr, 20)
		if string(buf[:8]) != rsdpSignature {
			continue
		}
		if checksum8(buf) != 0 {
			continue
		}
		rsdp := (*RSDPDescriptor)(unsafe.Pointer(&buf[0]))
		return rsdp, true
	}
	return nil, false
}

func checksum8(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

// RootTableAddr selects RSDTAddr (ACPI 1.x) or XSDTAddr (ACPI >= 2.0 and
// the field is nonzero).
func RootTableAddr(mem MemReader, rsdp *RSDPDescriptor) (addr uint64, useXSDT bool) {
	if rsdp.Revision >= 2 {
		ext := (*ExtRSDPDescriptor)(unsafe.Pointer(rsdp))
		if ext.XSDTAddr != 0 {
			return ext.XSDTAddr, true
		}
	}
	return uint64(rsdp.RSDTAddr), false
}

// TableEntries reads the array of sub-table physical addresses out of the
// RSDT (32-bit entries) or XSDT (64-bit entries) at rootAddr.
func TableEntries(mem MemReader, rootAddr uint64, useXSDT bool) []uint64 {
	header := mem.ReadBytes(uintptr(rootAddr), int(unsafe.Sizeof(SDTHeader{})))
	hdr := (*SDTHeader)(unsafe.Pointer(&header[0]))

	entrySize := 4
	if useXSDT {
		entrySize = 8
	}
	count := (int(hdr.Length) - int(unsafe.Sizeof(SDTHeader{}))) / entrySize
	if count < 0 {
		return nil
	}

	body := mem.ReadBytes(uintptr(rootAddr)+uintptr(unsafe.Sizeof(SDTHeader{})), count*entrySize)
	out := make([]uint64, count)
	for i := 0; i < count; i++ {
		if useXSDT {
			out[i] = readLE64(body[i*8:])
		} else {
			out[i] = uint64(readLE32(body[i*4:]))
		}
	}
	return out
}

func readLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readLE64(b []byte) uint64 {
	return uint64(readLE32(b)) | uint64(readLE32(b[4:]))<<32
}

// ValidateTableChecksum verifies a table's bytes total to zero, the
// generic ACPI checksum rule.
func ValidateTableChecksum(mem MemReader, addr uint64, length uint32) bool {
	buf := mem.ReadBytes(uintptr(addr), int(length))
	return checksum8(buf) == 0
}

// Tables bundles the parsed MADT/FADT result handed to internal/platform/apic.
type Tables struct {
	MADT *MADT
	FADT *FADT
}

// Discover runs the whole RSDP->RSDT/XSDT->MADT/FADT pipeline. Returns
// ok=false (not a fatal error) when ACPI is entirely absent,
// so the caller falls back to the legacy dual-PIC.
func Discover(log logr.Logger, mem MemReader) (*Tables, bool) {
	rsdp, ok := FindRSDP(mem)
	if !ok {
		if log.GetSink() != nil {
			log.Info("no RSDP found; ACPI unavailable")
		}
		return nil, false
	}

	rootAddr, useXSDT := RootTableAddr(mem, rsdp)
	entries := TableEntries(mem, rootAddr, useXSDT)

	var tables Tables
	for _, addr := range entries {
		header := mem.ReadBytes(uintptr(addr), int(unsafe.Sizeof(SDTHeader{})))
		hdr := (*SDTHeader)(unsafe.Pointer(&header[0]))
		if !ValidateTableChecksum(mem, addr, hdr.Length) {
			continue
		}
		switch string(hdr.Signature[:]) {
		case "APIC":
			tables.MADT = parseMADT(mem, addr, hdr.Length)
		case "FACP":
			tables.FADT = parseFADT(mem, addr)
		}
	}

	if log.GetSink() != nil {
		log.Info("acpi discovery complete", "madt", tables.MADT != nil, "fadt", tables.FADT != nil)
	}
	return &tables, true
}
