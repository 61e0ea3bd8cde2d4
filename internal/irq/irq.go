// Package irq installs the IDT (32 CPU exception vectors, IRQ0-15 remapped
// to 0x20-0x2F, optional APIC timer/spurious vectors) and dispatches to a
// handler table: a Frame and Regs captured at the trap, and a single
// Go-callable dispatch function invoked from each assembly ISR stub.
package irq

import (
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/asm"
	"github.com/iansmith/alteo/internal/console"
)

const (
	NumExceptionVectors = 32
	IRQBase             = 0x20 // IRQ0 -> vector 0x20 ... IRQ15 -> vector 0x2F
	NumIRQLines         = 16
	VectorAPICTimer     = 0x40
	VectorSpurious      = 0xFF
)

// Regs is the general-purpose register state an ISR stub saves before
// calling into Go and restores afterward.
type Regs struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64
}

// Frame is the state the CPU itself pushes on an interrupt/exception.
type Frame struct {
	ErrorCode          uint64 // only present for vectors that push one; 0 otherwise
	RIP, CS, RFLAGS    uint64
	RSP, SS            uint64 // only valid on a privilege-level change
}

// Handler is a registered IRQ/exception callback.
type Handler func(frame *Frame, regs *Regs)

var (
	irqHandlers       [NumIRQLines]Handler
	exceptionHandlers [NumExceptionVectors]Handler
	log               logr.Logger
	usingAPIC         bool
)

// SetLogger wires the ambient logger used by Init and exception reporting.
// Never called from dispatch itself — hot-path code below logs through
// console.Puts directly, keeping the always-safe nosplit write separate
// from any richer formatter.
func SetLogger(l logr.Logger) { log = l }

// InstallHandler registers fn for irqNumber (0-15). Dispatch calls it if
// present, then issues EOI according to the current routing mode.
func InstallHandler(irqNumber int, fn Handler) {
	if irqNumber < 0 || irqNumber >= NumIRQLines {
		return
	}
	irqHandlers[irqNumber] = fn
}

// InstallExceptionHandler registers fn for a CPU exception vector (0-31).
func InstallExceptionHandler(vector int, fn Handler) {
	if vector < 0 || vector >= NumExceptionVectors {
		return
	}
	exceptionHandlers[vector] = fn
}

// SetRoutingMode records whether IRQs are routed through the APIC (EOI via
// LAPIC write) or the legacy PIC (EOI via port 0x20/0xA0), set once by
// internal/platform/apic during Init depending on ACPI/MADT discovery.
func SetRoutingMode(apic bool) { usingAPIC = apic }

// outbFn/mmioWrite32Fn are indirected (production: asm.Outb/asm.MmioWrite32)
// so package tests can dispatch IRQs without issuing privileged I/O
// instructions that would fault outside ring 0.
var outbFn = asm.Outb
var mmioWrite32Fn = asm.MmioWrite32

//go:nosplit
func eoi(irqNumber int) {
	if usingAPIC {
		mmioWrite32Fn(lapicEOIAddr, 0)
		return
	}
	if irqNumber >= 8 {
		outbFn(0xA0, 0x20) // slave PIC EOI
	}
	outbFn(0x20, 0x20) // master PIC EOI
}

// lapicEOIAddr is set by internal/platform/apic once the LAPIC's MMIO
// base is known; irq cannot import apic (apic imports irq to register
// handlers), so this is the seam in the other direction.
var lapicEOIAddr uintptr

// SetLAPICEOIAddress wires the EOI register address once apic.Init has
// mapped the LAPIC page.
func SetLAPICEOIAddress(addr uintptr) { lapicEOIAddr = addr }

// DispatchIRQ is called by the assembly ISR stub for vectors
// IRQBase..IRQBase+15. It must never allocate or block: it runs with
// interrupts effectively serialized (the CPU does not re-enable IF until
// IRETQ) and is the one place "timer-tick preemption" and "external
// I/O polling" both originate from.
//
//go:nosplit
func DispatchIRQ(vector int, frame *Frame, regs *Regs) {
	irqNumber := vector - IRQBase
	if irqNumber < 0 || irqNumber >= NumIRQLines {
		eoi(irqNumber)
		return
	}
	if h := irqHandlers[irqNumber]; h != nil {
		h(frame, regs)
	}
	eoi(irqNumber)
}

// DispatchException is called by the assembly ISR stub for vectors 0-31.
// A vector without a registered handler is fatal. The core
// halts in an idle loop with interrupts disabled; this is the only place
// that happens.
//
//go:nosplit
func DispatchException(vector int, frame *Frame, regs *Regs) {
	if vector >= 0 && vector < NumExceptionVectors {
		if h := exceptionHandlers[vector]; h != nil {
			h(frame, regs)
			return
		}
	}
	asm.DisableIrqs()
	console.Puts("FATAL: unhandled exception vector ")
	console.PutHex64(uint64(vector))
	console.Puts(" at RIP=")
	console.PutHex64(frame.RIP)
	console.Puts("\n")
	for {
		asm.Halt()
	}
}

// idtEntry is the 16-byte x86-64 IDT gate descriptor.
type idtEntry struct {
	OffsetLow  uint16
	Selector   uint16
	IST        uint8
	TypeAttr   uint8
	OffsetMid  uint16
	OffsetHigh uint32
	Reserved   uint32
}

type idtPointer struct {
	Limit uint16
	Base  uint64
}

var idt [256]idtEntry

const (
	kernelCodeSelector = 0x08
	gateTypeInterrupt  = 0x8E // present, ring0, 32/64-bit interrupt gate
)

func setGate(vector int, handlerAddr uint64) {
	idt[vector] = idtEntry{
		OffsetLow:  uint16(handlerAddr),
		Selector:   kernelCodeSelector,
		IST:        0,
		TypeAttr:   gateTypeInterrupt,
		OffsetMid:  uint16(handlerAddr >> 16),
		OffsetHigh: uint32(handlerAddr >> 32),
	}
}

// StubAddrFn resolves the address of the assembly entry stub for a given
// vector (ISR0-31, IRQ0-15, plus the optional APIC vectors). cmd/kernel
// supplies the real implementation backed by the linked stub table;
// tests supply a fake so Init can run without real code pages.
type StubAddrFn func(vector int) uint64

// Init builds the IDT from stubAddr and loads it with LIDT.
func Init(stubAddr StubAddrFn) {
	for v := 0; v < NumExceptionVectors; v++ {
		setGate(v, stubAddr(v))
	}
	for line := 0; line < NumIRQLines; line++ {
		setGate(IRQBase+line, stubAddr(IRQBase+line))
	}
	setGate(VectorAPICTimer, stubAddr(VectorAPICTimer))
	setGate(VectorSpurious, stubAddr(VectorSpurious))

	ptr := idtPointer{
		Limit: uint16(len(idt)*int(unsafe.Sizeof(idtEntry{})) - 1),
		Base:  uint64(uintptr(unsafe.Pointer(&idt[0]))),
	}
	asm.LoadIDT(unsafe.Pointer(&ptr))
	if log.GetSink() != nil {
		log.Info("idt installed", "exceptionVectors", NumExceptionVectors, "irqLines", NumIRQLines)
	}
}
