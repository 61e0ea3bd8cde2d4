// Package proc owns the process table: process records, kernel
// stack allocation and the first-switch stack pre-seeding that hands
// control to internal/asm.SwitchContext. State lives in one
// package-level singleton rather than being threaded through every call,
// generalized from "one boot record" to "a fixed-size table of process
// records".
package proc

import (
	"reflect"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/asm"
	"github.com/iansmith/alteo/internal/kerr"
	"github.com/iansmith/alteo/internal/mm/heap"
)

// Priority levels and their default time slices in ticks.
type Priority int

const (
	PriorityRealtime Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// DefaultSlice returns the tick count a process of this priority is
// granted before the scheduler rotates to the next ready process.
func (p Priority) DefaultSlice() uint32 {
	switch p {
	case PriorityRealtime:
		return 2
	case PriorityHigh:
		return 5
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 20
	default:
		return 10
	}
}

// State is a process's lifecycle state.
type State int

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSleeping
	StateZombie
)

const (
	maxProcesses    = 256
	kernelStackSize = 16 * 1024

	// Offsets into the pre-seeded kernel stack frame, matching exactly
	// what asm.SwitchContext pops on a process's first switch: BP, BX,
	// R12, R13, R14, R15, RFLAGS, entry return address, exit-trampoline
	// return address (asm.go's SwitchContext doc comment).
	seedSize       = 9 * 8
	seedOffRFLAGS  = 6 * 8
	seedOffEntry   = 7 * 8
	seedOffExit    = 8 * 8

	rflagsIF = 1 << 9
)

// Process is one process table record.
type Process struct {
	Pid          int
	PPid         int
	State        State
	Priority     Priority
	DefaultSlice uint32
	RemainSlice  uint32
	StackBase    uintptr
	StackTop     uintptr
	SavedSP      uintptr
	Name         string
	IsUser       bool
	PageTable    uintptr // 0 for kernel processes
	Entry        uintptr
	ExitCode     int
	SleepDeadline uint64
}

// Table is the process table singleton.
type Table struct {
	procs [maxProcesses]Process
	log   logr.Logger
}

var global *Table

// Init constructs the table and installs the always-present pid-0 idle
// process.
func Init(log logr.Logger) *Table {
	t := &Table{log: log}
	t.procs[0] = Process{
		Pid:          0,
		PPid:         0,
		State:        StateReady,
		Priority:     PriorityLow,
		DefaultSlice: PriorityLow.DefaultSlice(),
		RemainSlice:  PriorityLow.DefaultSlice(),
		Name:         "idle",
	}
	global = t

	// asm cannot import proc (proc already imports asm); register this
	// process's exit path into asm's hook seam instead.
	asm.ExitHook = func() { exitCurrent(0) }

	if log.GetSink() != nil {
		log.Info("process table initialized", "maxProcesses", maxProcesses)
	}
	return t
}

// Global returns the singleton built by Init.
func Global() *Table { return global }

// Create allocates a process record and kernel stack, and pre-seeds the
// stack with the frame SwitchContext expects to pop on its first run
//. entry must never return on its own; if it does, execution falls
// into asm.ExitTrampoline, which calls exit(0) via asm.ExitHook.
func (t *Table) Create(name string, entry uintptr, priority Priority) (*Process, error) {
	slot := t.findFreeSlot()
	if slot < 0 {
		return nil, kerr.ErrExhausted
	}

	stackMem := heap.Global().Kmalloc(kernelStackSize)
	if stackMem == nil {
		return nil, kerr.ErrExhausted
	}
	base := uintptr(stackMem)
	top := base + kernelStackSize

	sp := seedStack(top, entry)

	slice := priority.DefaultSlice()
	p := Process{
		Pid:          slot,
		PPid:         0,
		State:        StateReady,
		Priority:     priority,
		DefaultSlice: slice,
		RemainSlice:  slice,
		StackBase:    base,
		StackTop:     top,
		SavedSP:      sp,
		Name:         name,
		Entry:        entry,
	}
	t.procs[slot] = p

	if t.log.GetSink() != nil {
		t.log.Info("process created", "pid", slot, "name", name, "priority", int(priority))
	}
	return &t.procs[slot], nil
}

func (t *Table) findFreeSlot() int {
	for i := 1; i < maxProcesses; i++ {
		if t.procs[i].State == StateUnused {
			return i
		}
	}
	return -1
}

// seedStack writes the pre-switch frame onto [top-seedSize, top) and
// returns the stack pointer SwitchContext should load to resume into
// entry for the first time.
func seedStack(top, entry uintptr) uintptr {
	sp := (top - seedSize) &^ 0xF // 16-byte align the frame base

	*(*uint64)(unsafe.Pointer(sp + 0*8)) = 0 // BP
	*(*uint64)(unsafe.Pointer(sp + 1*8)) = 0 // BX
	*(*uint64)(unsafe.Pointer(sp + 2*8)) = 0 // R12
	*(*uint64)(unsafe.Pointer(sp + 3*8)) = 0 // R13
	*(*uint64)(unsafe.Pointer(sp + 4*8)) = 0 // R14
	*(*uint64)(unsafe.Pointer(sp + 5*8)) = 0 // R15
	*(*uint64)(unsafe.Pointer(sp + seedOffRFLAGS)) = rflagsIF
	*(*uint64)(unsafe.Pointer(sp + seedOffEntry)) = uint64(entry)
	*(*uint64)(unsafe.Pointer(sp + seedOffExit)) = uint64(exitTrampolineAddr())

	return sp
}

// exitTrampolineAddr is indirected so tests can seed a stack without
// taking the address of real assembly code (there is nothing at that
// address inside a userspace test binary, but the value itself is never
// dereferenced by tests — only compared).
var exitTrampolineAddr = func() uintptr {
	return reflect.ValueOf(asm.ExitTrampoline).Pointer()
}

// SetExitTrampolineAddrFn lets tests substitute a fake return address so
// seedStack's output can be asserted without resolving real assembly.
func SetExitTrampolineAddrFn(fn func() uintptr) { exitTrampolineAddr = fn }

// current tracks the running process's pid; owned by internal/sched, but
// exitCurrent needs it to know which slot to zombie.
var currentPid int

// SetCurrentPid is called by internal/sched after every context switch.
func SetCurrentPid(pid int) { currentPid = pid }

// CurrentPid returns the pid of the process last installed by SetCurrentPid.
func CurrentPid() int { return currentPid }

// exitCurrent terminates the running process: frees its kernel stack,
// reparents its children to pid 0, and moves it to zombie until reaped.
func exitCurrent(code int) {
	t := global
	if t == nil {
		return
	}
	pid := currentPid
	if pid <= 0 || pid >= maxProcesses {
		return
	}

	p := &t.procs[pid]
	for i := range t.procs {
		if t.procs[i].State != StateUnused && t.procs[i].PPid == pid {
			t.procs[i].PPid = 0
		}
	}

	heap.Global().Kfree(unsafe.Pointer(p.StackBase))
	p.ExitCode = code
	p.State = StateZombie

	if t.log.GetSink() != nil {
		t.log.Info("process exited", "pid", pid, "code", code)
	}
}

// Reap clears a zombie's slot so it can be reused, returning its exit
// code. Returns kerr.ErrNotFound if pid is not a zombie.
func (t *Table) Reap(pid int) (int, error) {
	if pid <= 0 || pid >= maxProcesses {
		return 0, kerr.ErrInvalid
	}
	p := &t.procs[pid]
	if p.State != StateZombie {
		return 0, kerr.ErrNotFound
	}
	code := p.ExitCode
	t.procs[pid] = Process{}
	return code, nil
}

// Get returns the record for pid, or ok=false if unused.
func (t *Table) Get(pid int) (*Process, bool) {
	if pid < 0 || pid >= maxProcesses {
		return nil, false
	}
	if t.procs[pid].State == StateUnused {
		return nil, false
	}
	return &t.procs[pid], true
}

// All returns every in-use process record, for the scheduler's scan.
func (t *Table) All() []*Process {
	out := make([]*Process, 0, maxProcesses)
	for i := range t.procs {
		if t.procs[i].State != StateUnused {
			out = append(out, &t.procs[i])
		}
	}
	return out
}
