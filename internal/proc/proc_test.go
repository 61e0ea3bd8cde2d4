package proc_test

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/asm"
	"github.com/iansmith/alteo/internal/mm/heap"
	"github.com/iansmith/alteo/internal/proc"
	"github.com/stretchr/testify/require"
)

func newHeap(t *testing.T) {
	t.Helper()
	arena := make([]byte, 1<<20)
	base := uintptr(unsafe.Pointer(&arena[0]))
	heap.Init(logr.Discard(), base, uint32(len(arena)))
	t.Cleanup(func() { runtime.KeepAlive(arena) })
}

func TestInitInstallsIdleProcess(t *testing.T) {
	newHeap(t)
	table := proc.Init(logr.Discard())

	idle, ok := table.Get(0)
	require.True(t, ok)
	require.Equal(t, proc.StateReady, idle.State)
	require.Equal(t, "idle", idle.Name)
}

func TestCreateSeedsStackWithExpectedFrameLayout(t *testing.T) {
	newHeap(t)
	table := proc.Init(logr.Discard())

	const fakeTrampoline = uintptr(0xDEADBEEF)
	proc.SetExitTrampolineAddrFn(func() uintptr { return fakeTrampoline })

	const fakeEntry = uintptr(0x401000)
	p, err := table.Create("worker", fakeEntry, proc.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, proc.StateReady, p.State)
	require.Equal(t, uint32(10), p.DefaultSlice)

	sp := p.SavedSP
	require.Zero(t, sp%16, "seeded stack pointer must be 16-byte aligned")

	readU64 := func(off uintptr) uint64 {
		return *(*uint64)(unsafe.Pointer(sp + off))
	}

	require.Equal(t, uint64(0), readU64(0))  // BP
	require.Equal(t, uint64(0), readU64(40)) // R15
	require.NotZero(t, readU64(48))          // RFLAGS, IF must be set
	require.Equal(t, uint64(fakeEntry), readU64(56))
	require.Equal(t, uint64(fakeTrampoline), readU64(64))
}

func TestCreateExhaustsProcessTable(t *testing.T) {
	// 255 kernel stacks of 16 KiB do not fit the 1 MiB newHeap arena, so
	// this test uses one large enough that the table, not the heap, runs
	// out first.
	arena := make([]byte, 8<<20)
	heap.Init(logr.Discard(), uintptr(unsafe.Pointer(&arena[0])), uint32(len(arena)))
	t.Cleanup(func() { runtime.KeepAlive(arena) })
	table := proc.Init(logr.Discard())

	var lastErr error
	created := 0
	for i := 0; i < 300; i++ {
		_, err := table.Create("p", 0x1000, proc.PriorityLow)
		if err != nil {
			lastErr = err
			break
		}
		created++
	}
	require.Error(t, lastErr)
	require.Equal(t, 255, created, "every slot but idle's pid 0 must be usable before Create fails")
}

func TestReapFailsOnNonZombie(t *testing.T) {
	newHeap(t)
	table := proc.Init(logr.Discard())

	p, err := table.Create("child", 0x2000, proc.PriorityNormal)
	require.NoError(t, err)

	_, err = table.Reap(p.Pid)
	require.Error(t, err, "reaping a non-zombie process must fail")
}

func TestExitHookZombifiesCurrentProcessAndReparentsChildren(t *testing.T) {
	newHeap(t)
	table := proc.Init(logr.Discard())

	parent, err := table.Create("parent", 0x2000, proc.PriorityNormal)
	require.NoError(t, err)
	child, err := table.Create("child", 0x3000, proc.PriorityNormal)
	require.NoError(t, err)
	child.PPid = parent.Pid

	proc.SetCurrentPid(parent.Pid)
	require.NotNil(t, asm.ExitHook, "proc.Init must register an exit hook")
	asm.ExitHook()

	reapedParent, ok := table.Get(parent.Pid)
	require.True(t, ok)
	require.Equal(t, proc.StateZombie, reapedParent.State)

	reapedChild, ok := table.Get(child.Pid)
	require.True(t, ok)
	require.Equal(t, 0, reapedChild.PPid, "child must be reparented to pid 0")

	code, err := table.Reap(parent.Pid)
	require.NoError(t, err)
	require.Equal(t, 0, code)
}
