// Package pmm is the physical frame allocator: a first-fit bitmap over
// 4 KiB frames. Uses a flat array of allocation state rather than a
// linked free list, because PMM frames, unlike heap blocks, are
// uniformly sized and a bitmap scan is simpler than segment bookkeeping.
package pmm

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/asm"
)

// FrameSize is the fixed physical page size.
const FrameSize = 4096

// Frame is a physical frame number (address = Frame * FrameSize).
type Frame uint64

// Region describes one range reported by the Multiboot2 memory map
// (internal/boot), or a kernel-reserved range (image, firmware, MMIO)
// that must never be handed out by Alloc.
type Region struct {
	Base      uint64
	Length    uint64
	Available bool
}

// Stats mirrors the stats() contract.
type Stats struct {
	TotalFrames    uint64
	FreeFrames     uint64
	ReservedFrames uint64
}

// Manager is the single-writer-under-interrupt-disable bitmap allocator.
// It is a package-level singleton built once at boot by Init.
type Manager struct {
	mu       sync.Mutex
	bitmap   []uint64 // bit set => frame allocated or reserved
	total    uint64
	reserved uint64
	cursor   uint64 // first-fit scan resumes here, not a correctness requirement
	log      logr.Logger
}

var global *Manager

// disableIrqs/enableIrqs are indirected (production: asm.DisableIrqs /
// asm.EnableIrqs) so package tests can exercise the allocator without
// issuing CLI/STI, which fault outside ring 0.
var disableIrqs = asm.DisableIrqs
var enableIrqs = asm.EnableIrqs

// UseNoopIrqGatesForTest replaces the CLI/STI critical-section gates with
// no-ops. Exported for external test packages (pmm_test) that cannot
// reach the unexported vars directly; production code never calls this.
func UseNoopIrqGatesForTest() {
	disableIrqs = func() {}
	enableIrqs = func() {}
}

// Init builds the bitmap over regions and reserves every frame not
// covered by an Available region. The bitmap itself is an ordinary Go
// slice; no frames are reserved for it. Panics are never used here: a malformed memory map is a
// boot-fatal condition handled by the caller (cmd/kernel).
func Init(log logr.Logger, regions []Region) *Manager {
	var highestEnd uint64
	for _, r := range regions {
		end := r.Base + r.Length
		if end > highestEnd {
			highestEnd = end
		}
	}
	totalFrames := (highestEnd + FrameSize - 1) / FrameSize
	words := (totalFrames + 63) / 64

	m := &Manager{
		bitmap: make([]uint64, words),
		total:  totalFrames,
		log:    log,
	}

	// Start fully reserved; punch holes open for Available regions.
	for i := range m.bitmap {
		m.bitmap[i] = ^uint64(0)
	}
	var freeCount uint64
	for _, r := range regions {
		if !r.Available {
			continue
		}
		startFrame := (r.Base + FrameSize - 1) / FrameSize
		endFrame := (r.Base + r.Length) / FrameSize
		for f := startFrame; f < endFrame && f < totalFrames; f++ {
			if m.testBit(f) {
				m.clearBit(f)
				freeCount++
			}
		}
	}
	m.reserved = totalFrames - freeCount

	global = m
	if log.GetSink() != nil {
		log.Info("pmm initialized", "totalFrames", totalFrames, "freeFrames", freeCount, "reservedFrames", m.reserved)
	}
	return m
}

// Global returns the singleton initialized by Init, or nil before boot
// reaches that stage.
func Global() *Manager { return global }

func (m *Manager) testBit(f uint64) bool {
	return m.bitmap[f/64]&(1<<(f%64)) != 0
}

func (m *Manager) setBit(f uint64) {
	m.bitmap[f/64] |= 1 << (f % 64)
}

func (m *Manager) clearBit(f uint64) {
	m.bitmap[f/64] &^= 1 << (f % 64)
}

// AllocFrame returns a zeroed frame not currently allocated and not
// reserved, scanning first-fit from the cursor, or (0, false) when
// exhausted. Zeroing happens here so
// every caller — VMM table pages, heap arenas, kernel stacks, cache
// blocks, device buffers — gets the "zeroed or caller-cleared" guarantee
// without repeating it.
func (m *Manager) AllocFrame() (Frame, bool) {
	disableIrqs()
	defer enableIrqs()

	words := uint64(len(m.bitmap))
	for pass := uint64(0); pass < words; pass++ {
		idx := (m.cursor + pass) % words
		word := m.bitmap[idx]
		if word == ^uint64(0) {
			continue
		}
		for bit := uint64(0); bit < 64; bit++ {
			frame := idx*64 + bit
			if frame >= m.total {
				break
			}
			if word&(1<<bit) == 0 {
				m.bitmap[idx] |= 1 << bit
				m.cursor = idx
				f := Frame(frame)
				zeroFrame(f)
				return f, true
			}
		}
	}
	return 0, false
}

// FreeFrame releases a previously allocated frame. Freeing a frame that
// is not currently allocated corrupts no other frame's state (the bitmap
// is addressed by frame number) but is still a caller bug; it is not
// validated against a reserved-range check because the PMM does not
// track per-frame ownership beyond allocated/free ("owned by exactly
// one logical holder" is the caller's invariant to keep).
func (m *Manager) FreeFrame(f Frame) {
	disableIrqs()
	defer enableIrqs()
	if uint64(f) >= m.total {
		return
	}
	m.clearBit(uint64(f))
}

// Stats reports the current allocation state.
func (m *Manager) Stats() Stats {
	disableIrqs()
	defer enableIrqs()

	var free uint64
	for f := uint64(0); f < m.total; f++ {
		if !m.testBit(f) {
			free++
		}
	}
	return Stats{TotalFrames: m.total, FreeFrames: free, ReservedFrames: m.reserved}
}

// zeroFrame is split out so tests (which never map frames into any
// virtual address space) can stub it; production zeroing happens through
// the identity/higher-half mapping the VMM guarantees for all of
// physical memory.
var zeroFrameFn = func(f Frame) {}

func zeroFrame(f Frame) { zeroFrameFn(f) }

// SetZeroFrameFn lets cmd/kernel wire the real zeroing routine (a
// Bzero over the frame's mapped address) once the VMM's direct map
// exists; before that, Init's own bitmap construction doesn't need it.
func SetZeroFrameFn(fn func(f Frame)) { zeroFrameFn = fn }
