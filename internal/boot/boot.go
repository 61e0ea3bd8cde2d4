// Package boot reads the Multiboot2 information structure the
// bootloader leaves in memory: the tag stream (type+size+data, each tag
// padded to an 8-byte boundary, terminated by a type-0 tag) and the
// boot command line it carries. internal/mm/pmm.Init's regions and the
// kernel's boot-time config both come from here.
//
// Like internal/platform/acpi, this package never deroutes a pointer
// on its own — it is handed a MemReader over whatever mapping
// cmd/kernel has set up (or a []byte fake in tests) so the tag walk is
// testable without real physical memory.
package boot

import (
	"encoding/binary"
	"strings"

	"github.com/iansmith/alteo/internal/mm/pmm"
)

// MemReader abstracts physical-memory byte access, mirroring
// internal/platform/acpi's MemReader.
type MemReader interface {
	ReadBytes(phys uintptr, n int) []byte
}

const (
	tagTypeEnd         = 0
	tagTypeCmdline     = 1
	tagTypeMemoryMap   = 6
	tagHeaderSize      = 8
	infoHeaderSize     = 8
	memMapEntryMinSize = 24 // base(8) + length(8) + type(4) + reserved(4)

	// MultibootMemoryAvailable is the memory-map entry type for usable
	// RAM; every other value (ACPI reclaimable, NVS, defective, or a
	// reserved range) is reported to pmm.Init as unavailable.
	MultibootMemoryAvailable = 1
)

func align8(n uint32) uint32 {
	if rem := n % 8; rem != 0 {
		return n + (8 - rem)
	}
	return n
}

// walkTags calls visit once per tag (excluding the terminating type-0
// tag) with the tag's type and its data slice (the size-8 bytes
// following the tag header). It stops at the first type-0 tag or when
// it runs past totalSize.
func walkTags(mem MemReader, infoAddr uintptr, visit func(tagType uint32, data []byte)) {
	hdr := mem.ReadBytes(infoAddr, infoHeaderSize)
	totalSize := binary.LittleEndian.Uint32(hdr[0:4])

	off := uint32(infoHeaderSize)
	for off+tagHeaderSize <= totalSize {
		tagHdr := mem.ReadBytes(infoAddr+uintptr(off), tagHeaderSize)
		tagType := binary.LittleEndian.Uint32(tagHdr[0:4])
		tagSize := binary.LittleEndian.Uint32(tagHdr[4:8])
		if tagType == tagTypeEnd {
			return
		}
		if tagSize < tagHeaderSize {
			return // malformed; stop rather than loop forever
		}

		dataLen := tagSize - tagHeaderSize
		var data []byte
		if dataLen > 0 {
			data = mem.ReadBytes(infoAddr+uintptr(off)+tagHeaderSize, int(dataLen))
		}
		visit(tagType, data)

		off += align8(tagSize)
	}
}

// Cmdline returns the boot command line tag's string, with its
// trailing NUL stripped, or ("", false) if the tag stream carries none.
func Cmdline(mem MemReader, infoAddr uintptr) (string, bool) {
	var cmdline string
	var found bool
	walkTags(mem, infoAddr, func(tagType uint32, data []byte) {
		if tagType != tagTypeCmdline || found {
			return
		}
		found = true
		if nul := indexByte(data, 0); nul >= 0 {
			data = data[:nul]
		}
		cmdline = string(data)
	})
	return cmdline, found
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// MemoryMap returns the regions described by the memory map tag, in
// the order the firmware reported them. pmm.Init treats a region
// absent from this list as never backed by RAM, so the tag walk is the
// sole source of truth for what the allocator may ever hand out.
func MemoryMap(mem MemReader, infoAddr uintptr) ([]pmm.Region, bool) {
	var regions []pmm.Region
	var found bool
	walkTags(mem, infoAddr, func(tagType uint32, data []byte) {
		if tagType != tagTypeMemoryMap || found {
			return
		}
		found = true
		regions = parseMemoryMap(data)
	})
	return regions, found
}

func parseMemoryMap(data []byte) []pmm.Region {
	if len(data) < 8 {
		return nil
	}
	entrySize := binary.LittleEndian.Uint32(data[0:4])
	if entrySize < memMapEntryMinSize {
		return nil
	}

	var regions []pmm.Region
	for off := uint32(8); off+entrySize <= uint32(len(data)); off += entrySize {
		entry := data[off : off+entrySize]
		base := binary.LittleEndian.Uint64(entry[0:8])
		length := binary.LittleEndian.Uint64(entry[8:16])
		memType := binary.LittleEndian.Uint32(entry[16:20])
		regions = append(regions, pmm.Region{
			Base:      base,
			Length:    length,
			Available: memType == MultibootMemoryAvailable,
		})
	}
	return regions
}

// Config is the parsed form of the boot command line: a flat set of
// key=value pairs (a bare "key" token is recorded as "true"). There is
// no nesting and no type beyond string; callers that need a number or
// bool parse the value themselves.
type Config map[string]string

// ParseConfig scans cmdline as whitespace-separated key=value tokens.
// This stays a hand-rolled scanner rather than a flag-parsing library
// because the grammar is one level flatter than flag.Parse expects
// (bare tokens allowed, no leading dashes, no subcommands).
func ParseConfig(cmdline string) Config {
	cfg := make(Config)
	for _, tok := range strings.Fields(cmdline) {
		if key, value, ok := strings.Cut(tok, "="); ok {
			cfg[key] = value
		} else {
			cfg[tok] = "true"
		}
	}
	return cfg
}

// Bool reports whether key is present and set to a truthy value
// ("true", "1", "yes"); absent keys and any other value are false.
func (c Config) Bool(key string) bool {
	switch c[key] {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
