// Package asm is the narrow boundary between Go and the handful of
// operations x86-64 long mode requires actual machine instructions for:
// port I/O, control/MSR registers, TLB invalidation and the first-switch
// context trampoline. Every declared function here is implemented in
// asm_amd64.s; the only Go code in this file is the exit trampoline's
// hook (ExitHook, exitTrampolineGo).
package asm

import "unsafe"

// Outb writes a byte to an I/O port (e.g. PCI CONFIG_ADDRESS/DATA, the
// 8042 controller, the PIC command/data ports, PIT channels).
//
//go:noescape
func Outb(port uint16, value uint8)

// Inb reads a byte from an I/O port.
//
//go:noescape
func Inb(port uint16) uint8

// Outw writes a 16-bit word to an I/O port.
//
//go:noescape
func Outw(port uint16, value uint16)

// Inw reads a 16-bit word from an I/O port.
//
//go:noescape
func Inw(port uint16) uint16

// Outl writes a 32-bit dword to an I/O port (PCI CONFIG_DATA, 0xCFC).
//
//go:noescape
func Outl(port uint16, value uint32)

// Inl reads a 32-bit dword from an I/O port.
//
//go:noescape
func Inl(port uint16) uint32

// MmioRead32/MmioWrite32 access a memory-mapped register. The caller is
// responsible for having mapped the page NOCACHE (vmm.FlagNoCache).
//
//go:noescape
func MmioRead32(addr uintptr) uint32

//go:noescape
func MmioWrite32(addr uintptr, value uint32)

//go:noescape
func MmioRead64(addr uintptr) uint64

//go:noescape
func MmioWrite64(addr uintptr, value uint64)

// Rdmsr/Wrmsr access a model-specific register (IA32_APIC_BASE, EFER).
//
//go:noescape
func Rdmsr(reg uint32) uint64

//go:noescape
func Wrmsr(reg uint32, value uint64)

// ReadCR2 returns the faulting linear address recorded by the last page
// fault (#PF); read from the exception handler only.
//
//go:noescape
func ReadCR2() uintptr

// ReadCR3/WriteCR3 read or load the current PML4 physical address. Loading
// CR3 flushes the TLB (save for global pages), matching the VMM's
// "writing a PTE with PRESENT is the last step" contract: WriteCR3 is only
// used to switch address spaces, never to establish a single mapping.
//
//go:noescape
func ReadCR3() uintptr

//go:noescape
func WriteCR3(pml4Phys uintptr)

// InvalidateTlbVa flushes a single TLB entry (INVLPG) after unmap_page.
//
//go:noescape
func InvalidateTlbVa(virt uintptr)

// EnableIrqs/DisableIrqs are STI/CLI. This is the synchronization
// primitive for every single-writer shared structure: the PMM
// bitmap, heap freelist, process table, scheduler run queues, block
// cache, VFS mount table, socket/TCP tables and FIFO channel table are
// all mutated only with interrupts disabled.
//
//go:noescape
func EnableIrqs()

//go:noescape
func DisableIrqs()

// InterruptsEnabled reports the current IF flag, for callers that need to
// nest Disable/Enable without clobbering an already-disabled caller.
//
//go:noescape
func InterruptsEnabled() bool

// Halt executes HLT; used by the idle process and by the fatal-exception
// path to park the CPU with interrupts disabled.
//
//go:noescape
func Halt()

// Pause executes the PAUSE instruction, the spin-wait hint used by every
// bounded busy-loop (socket connect/accept, wait_fence, wait_idle).
//
//go:noescape
func Pause()

// Bzero zeroes n bytes starting at ptr; cmd/kernel installs it as the
// PMM's frame-zeroing hook, so every freshly allocated frame (including
// PFIFO's push-buffer and fence pages) is cleared through it.
//
//go:noescape
func Bzero(ptr unsafe.Pointer, n uintptr)

// LoadIDT installs the interrupt descriptor table via LIDT.
//
//go:noescape
func LoadIDT(ptr unsafe.Pointer)

// SwitchContext saves the callee-saved registers and RFLAGS of the
// current kernel stack onto *oldSP, loads newSP into RSP and returns into
// whatever that stack's saved context points at. This is the only
// voluntary-yield suspension point in the kernel: the scheduler's
// context switch. The assembly body pops exactly the frame
// proc.Create pre-seeds: callee-saved registers, then RFLAGS, then an
// entry-point return address, then an exit-trampoline return address —
// see internal/proc.Create and ExitTrampoline.
//
//go:noescape
func SwitchContext(oldSP *uintptr, newSP uintptr)

// ExitTrampoline is the return address pre-seeded below a fresh process's
// entry point on its kernel stack; when entry() returns, execution lands
// here and calls exitTrampolineGo, which invokes ExitHook.
//
//go:noescape
func ExitTrampoline()

// ExitHook is called by the exit trampoline when a process's entry
// function returns instead of calling exit() itself. internal/proc
// registers its own exit(0) implementation here during init; asm cannot
// import proc directly without a cycle, so the hook is the seam.
var ExitHook func()

func exitTrampolineGo() {
	if ExitHook != nil {
		ExitHook()
	}
	for {
		Halt()
	}
}
