// Package vmm builds and walks the four-level (PML4→PDPT→PD→PT) page
// table tree x86-64 long mode requires. Page-table memory is touched
// directly through unsafe.Pointer casts over frames the PMM hands out,
// generalized from a single free-list of uniform pages to a real
// multi-level tree because x86-64 needs one.
package vmm

import (
	"unsafe"

	"github.com/iansmith/alteo/internal/asm"
	"github.com/iansmith/alteo/internal/mm/pmm"
)

// PTE flag bits. Plain masks rather than the bitfield package: these are
// evaluated on every single page-table walk, a hot enough path that the
// reflection-based bitfield.Pack/Unpack (used for PFIFO's cold
// command-submission path instead) would be wasted cost here.
const (
	FlagPresent uint64 = 1 << 0
	FlagWrite   uint64 = 1 << 1
	FlagUser    uint64 = 1 << 2
	FlagNoCache uint64 = 1 << 4
	FlagHuge    uint64 = 1 << 7 // PS bit at PDPT/PD level

	addrMask  = 0x000FFFFFFFFFF000
	pageShift = 12
	entries   = 512
)

// PML4 is the root of one address space's page-table tree.
type PML4 struct {
	Phys pmm.Frame
}

type table [entries]uint64

var kernelPML4 PML4

// frameAllocFn and physToTable are indirected so tests can run this logic
// without a real PMM-backed physical/virtual identity map.
var frameAllocFn = pmm.Global
var physToTable = func(f pmm.Frame) *table {
	return (*table)(unsafe.Pointer(uintptr(f) * pmm.FrameSize))
}

// disableIrqs/enableIrqs/invalidateTlbVa are indirected (production:
// asm.DisableIrqs/asm.EnableIrqs/asm.InvalidateTlbVa) so package tests can
// exercise MapPage/UnmapPage without issuing CLI/STI/INVLPG, which fault
// outside ring 0.
var disableIrqs = asm.DisableIrqs
var enableIrqs = asm.EnableIrqs
var invalidateTlbVa = asm.InvalidateTlbVa

// UseNoopPrivilegedOpsForTest replaces the CLI/STI/INVLPG calls with
// no-ops, for external test packages that cannot reach the unexported
// vars directly.
func UseNoopPrivilegedOpsForTest() {
	disableIrqs = func() {}
	enableIrqs = func() {}
	invalidateTlbVa = func(uintptr) {}
}

// InitKernel builds (or adopts) the kernel's PML4 and returns it. Called
// once during boot, after PMM.Init and before any heap or device mapping.
func InitKernel() *PML4 {
	m := frameAllocFn()
	f, ok := m.AllocFrame()
	if !ok {
		panic("vmm: out of frames building kernel PML4")
	}
	kernelPML4 = PML4{Phys: f}
	return &kernelPML4
}

// GetKernelPML4 returns the shared kernel address space root.
func GetKernelPML4() *PML4 { return &kernelPML4 }

func indices(virt uintptr) (pml4i, pdpti, pdi, pti int) {
	pml4i = int((virt >> 39) & 0x1FF)
	pdpti = int((virt >> 30) & 0x1FF)
	pdi = int((virt >> 21) & 0x1FF)
	pti = int((virt >> 12) & 0x1FF)
	return
}

// walkOrAlloc descends the tree from pml4Phys to the leaf-level table
// containing virt's PTE, allocating intermediate table pages from the PMM
// as needed. Returns a pointer to the PTE slot.
func walkOrAlloc(pml4Phys pmm.Frame, virt uintptr) *uint64 {
	pml4i, pdpti, pdi, pti := indices(virt)

	pml4 := physToTable(pml4Phys)
	pdptEntry := ensureChildFn(pml4, pml4i)
	pdpt := physToTable(pdptEntry)
	pdEntry := ensureChildFn(pdpt, pdpti)
	pd := physToTable(pdEntry)
	ptEntry := ensureChildFn(pd, pdi)
	pt := physToTable(ptEntry)

	return &pt[pti]
}

// walkIfPresent descends without allocating; it stops and returns false at
// the first absent intermediate level instead of materializing page-table
// pages just to answer a lookup (Translate, UnmapPage).
func walkIfPresent(pml4Phys pmm.Frame, virt uintptr) (*uint64, bool) {
	pml4i, pdpti, pdi, pti := indices(virt)

	pml4 := physToTable(pml4Phys)
	pdptEntry := pml4[pml4i]
	if pdptEntry&FlagPresent == 0 {
		return nil, false
	}
	pdpt := physToTable(pmm.Frame((pdptEntry & addrMask) >> pageShift))
	pdEntry := pdpt[pdpti]
	if pdEntry&FlagPresent == 0 {
		return nil, false
	}
	pd := physToTable(pmm.Frame((pdEntry & addrMask) >> pageShift))
	ptEntry := pd[pdi]
	if ptEntry&FlagPresent == 0 {
		return nil, false
	}
	pt := physToTable(pmm.Frame((ptEntry & addrMask) >> pageShift))
	return &pt[pti], true
}

// ensureChildFn is a var so tests can substitute a fake frame pool;
// production behavior allocates from the real PMM singleton.
var ensureChildFn = func(t *table, idx int) pmm.Frame {
	entry := t[idx]
	if entry&FlagPresent != 0 {
		return pmm.Frame((entry & addrMask) >> pageShift)
	}
	m := frameAllocFn()
	f, ok := m.AllocFrame()
	if !ok {
		panic("vmm: out of frames for intermediate page table")
	}
	t[idx] = (uint64(f) << pageShift) | FlagPresent | FlagWrite
	return f
}

// MapPage establishes virt -> phys with the given flags. writing
// the PTE with FlagPresent set is the last store performed: every other
// field is written first, then PRESENT, so a concurrent walk (from an
// interrupt, e.g. a page-fault handler inspecting an unrelated entry)
// never observes a partially-built mapping.
func MapPage(pml4 *PML4, virt, phys uintptr, flags uint64) {
	disableIrqs()
	defer enableIrqs()

	pte := walkOrAlloc(pml4.Phys, virt)
	withoutPresent := (uint64(phys) & addrMask) | (flags &^ FlagPresent)
	*pte = withoutPresent
	*pte = withoutPresent | FlagPresent
}

// UnmapPage clears the PTE for virt, if present, and invalidates the TLB
// entry so subsequent accesses fault rather than hit a stale translation.
func UnmapPage(pml4 *PML4, virt uintptr) {
	disableIrqs()
	defer enableIrqs()

	pte, ok := walkIfPresent(pml4.Phys, virt)
	if !ok {
		return
	}
	*pte = 0
	invalidateTlbVa(virt)
}

// Translate looks up the current mapping for virt, returning the physical
// address and whether it is present. Used by tests asserting the "mapped
// to exactly one physical page, or absent" invariant.
func Translate(pml4 *PML4, virt uintptr) (phys uintptr, present bool) {
	pte, ok := walkIfPresent(pml4.Phys, virt)
	if !ok {
		return 0, false
	}
	if *pte&FlagPresent == 0 {
		return 0, false
	}
	return uintptr(*pte & addrMask), true
}
