// Package console drives the 16550-compatible COM1 serial UART, the
// kernel's only output sink before the framebuffer is available: a
// byte-at-a-time polled writer, no interrupt-driven TX ring buffer,
// gated by an initialized flag so early boot code can call Puts before
// Init runs without crashing.
package console

import "github.com/iansmith/alteo/internal/asm"

const (
	com1Base = 0x3F8

	regData        = com1Base + 0 // DLAB=0: data
	regIER         = com1Base + 1
	regDivisorLow  = com1Base + 0 // DLAB=1
	regDivisorHigh = com1Base + 1 // DLAB=1
	regFIFOCtrl    = com1Base + 2
	regLineCtrl    = com1Base + 3
	regModemCtrl   = com1Base + 4
	regLineStatus  = com1Base + 5

	lineStatusTxEmpty = 1 << 5

	baseClock = 115200
)

var initialized bool

// Init programs the COM1 UART for 8N1 at the requested baud rate.
//
//go:nosplit
func Init(baud uint32) {
	if baud == 0 {
		baud = 115200
	}
	divisor := uint16(baseClock / baud)

	asm.Outb(regIER, 0x00) // disable interrupts, we poll
	asm.Outb(regLineCtrl, 0x80) // enable DLAB
	asm.Outb(regDivisorLow, uint8(divisor&0xFF))
	asm.Outb(regDivisorHigh, uint8(divisor>>8))
	asm.Outb(regLineCtrl, 0x03)    // 8N1, DLAB off
	asm.Outb(regFIFOCtrl, 0xC7)    // enable + clear FIFOs, 14-byte threshold
	asm.Outb(regModemCtrl, 0x0B)   // DTR/RTS set, OUT2 for IRQ routing (unused)
	initialized = true
}

// PutByte writes a single byte, busy-waiting for the transmit holding
// register to empty. Safe to call from interrupt context (nosplit).
//
//go:nosplit
func PutByte(b byte) {
	if !initialized {
		return
	}
	for asm.Inb(regLineStatus)&lineStatusTxEmpty == 0 {
		asm.Pause()
	}
	asm.Outb(regData, b)
	if b == '\n' {
		PutByte('\r')
	}
}

// Puts writes a string verbatim.
//
//go:nosplit
func Puts(s string) {
	for i := 0; i < len(s); i++ {
		PutByte(s[i])
	}
}

// PutHex64 writes val as 16 uppercase hex digits, avoiding fmt entirely so
// it stays nosplit-safe for use from exception handlers.
//
//go:nosplit
func PutHex64(val uint64) {
	for shift := 60; shift >= 0; shift -= 4 {
		digit := byte((val >> uint(shift)) & 0xF)
		if digit < 10 {
			PutByte('0' + digit)
		} else {
			PutByte('A' + digit - 10)
		}
	}
}
