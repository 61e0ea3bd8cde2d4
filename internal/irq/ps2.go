// PS/2 keyboard (IRQ1) and mouse (IRQ12) demultiplexing. Both devices
// share the 8042 controller's single data port; every handler must
// check the status port's auxiliary bit before trusting that a byte at
// 0x60 belongs to it. This file is the one place that contract lives —
// it is deliberately NOT hoisted into DispatchIRQ, because a given IRQ
// line can legitimately fire for a byte meant for the other device, and
// only the device-specific handler can drain and discard it.
package irq

import "github.com/iansmith/alteo/internal/asm"

const (
	ps2DataPort   = 0x60
	ps2StatusPort = 0x64

	ps2StatusOutputFull = 1 << 0
	ps2StatusAuxiliary  = 1 << 5
)

// inb is indirected so tests can simulate 8042 port I/O without real
// hardware; production wiring is asm.Inb.
var inb = asm.Inb

// ByteSink receives demultiplexed bytes for one device.
type ByteSink func(b byte)

var (
	keyboardSink ByteSink
	mouseSink    ByteSink
)

// SetKeyboardSink registers the consumer for keyboard scancodes.
func SetKeyboardSink(fn ByteSink) { keyboardSink = fn }

// SetMouseSink registers the consumer for mouse packet bytes.
func SetMouseSink(fn ByteSink) { mouseSink = fn }

// statusHasData reports whether the 8042 has a byte waiting (status bit
// 0) — read once per handler invocation, matching "before reading
// data port 0x60 a handler must read the status port 0x64" ordering.
//
//go:nosplit
func statusHasData() (status uint8, ok bool) {
	status = inb(ps2StatusPort)
	return status, status&ps2StatusOutputFull != 0
}

// KeyboardIRQHandler is installed for IRQ1. If the byte waiting belongs to
// the mouse (status bit 5 set), it is drained and discarded here, not
// forwarded to the keyboard sink; leaving it in the FIFO would
// desynchronize the next keyboard read.
//
//go:nosplit
func KeyboardIRQHandler(frame *Frame, regs *Regs) {
	status, ok := statusHasData()
	if !ok {
		return
	}
	b := inb(ps2DataPort)
	if status&ps2StatusAuxiliary != 0 {
		return // belongs to the mouse; drained above, not ours
	}
	if keyboardSink != nil {
		keyboardSink(b)
	}
}

// MouseIRQHandler is installed for IRQ12. Symmetric to KeyboardIRQHandler:
// a byte without the auxiliary bit set belongs to the keyboard and is
// drained and discarded, never forwarded to the mouse sink.
//
//go:nosplit
func MouseIRQHandler(frame *Frame, regs *Regs) {
	status, ok := statusHasData()
	if !ok {
		return
	}
	b := inb(ps2DataPort)
	if status&ps2StatusAuxiliary == 0 {
		return // belongs to the keyboard; drained above, not ours
	}
	if mouseSink != nil {
		mouseSink(b)
	}
}
