package vmm

import (
	"testing"

	"github.com/iansmith/alteo/internal/mm/pmm"
	"github.com/stretchr/testify/require"
)

func init() { UseNoopPrivilegedOpsForTest() }

// fakeFrames backs physToTable with ordinary Go-heap tables instead of
// raw unsafe pointers into physical memory that do not exist inside a
// userspace test binary.
type fakeFrames struct {
	tables map[pmm.Frame]*table
	next   pmm.Frame
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{tables: make(map[pmm.Frame]*table), next: 1}
}

func (f *fakeFrames) alloc() (pmm.Frame, bool) {
	fr := f.next
	f.next++
	f.tables[fr] = &table{}
	return fr, true
}

func withFakeFrames(t *testing.T) *fakeFrames {
	t.Helper()
	fakes := newFakeFrames()

	origPhysToTable := physToTable
	physToTable = func(fr pmm.Frame) *table {
		tbl, ok := fakes.tables[fr]
		require.True(t, ok, "table for frame %d not allocated through fake", fr)
		return tbl
	}
	t.Cleanup(func() {
		physToTable = origPhysToTable
	})
	return fakes
}

func TestMapThenTranslateRoundTrip(t *testing.T) {
	fakes := withFakeFrames(t)
	overrideEnsureChildAlloc(t, fakes)

	root, _ := fakes.alloc()
	pml4 := &PML4{Phys: root}

	MapPage(pml4, 0x1000, 0x2000, FlagPresent|FlagWrite)

	phys, ok := Translate(pml4, 0x1000)
	require.True(t, ok)
	require.Equal(t, uintptr(0x2000), phys)
}

func TestTranslateAbsentMapping(t *testing.T) {
	fakes := withFakeFrames(t)
	overrideEnsureChildAlloc(t, fakes)

	root, _ := fakes.alloc()
	pml4 := &PML4{Phys: root}

	_, ok := Translate(pml4, 0x3000)
	require.False(t, ok, "an address never mapped must be reported absent, not crash")
}

func TestUnmapRemovesMapping(t *testing.T) {
	fakes := withFakeFrames(t)
	overrideEnsureChildAlloc(t, fakes)

	root, _ := fakes.alloc()
	pml4 := &PML4{Phys: root}

	MapPage(pml4, 0x1000, 0x2000, FlagPresent|FlagWrite)
	UnmapPage(pml4, 0x1000)

	_, ok := Translate(pml4, 0x1000)
	require.False(t, ok)
}

// overrideEnsureChildAlloc swaps the PMM-backed allocation inside
// ensureChild for the fake frame pool, since ensureChild calls
// frameAllocFn().AllocFrame() directly.
func overrideEnsureChildAlloc(t *testing.T, fakes *fakeFrames) {
	t.Helper()
	origEnsureChild := ensureChildFn
	ensureChildFn = func(tb *table, idx int) pmm.Frame {
		entry := tb[idx]
		if entry&FlagPresent != 0 {
			return pmm.Frame((entry & addrMask) >> pageShift)
		}
		f, _ := fakes.alloc()
		tb[idx] = (uint64(f) << pageShift) | FlagPresent | FlagWrite
		return f
	}
	t.Cleanup(func() { ensureChildFn = origEnsureChild })
}
