package irq

import "testing"

// EOI in production writes to a real PIC/LAPIC port or MMIO register;
// under go test that instruction would fault outside ring 0, so every
// test in this package runs against no-op stand-ins instead.
func init() {
	outbFn = func(port uint16, value uint8) {}
	mmioWrite32Fn = func(addr uintptr, value uint32) {}
}

func TestDispatchIRQCallsRegisteredHandlerAndEOIs(t *testing.T) {
	var called bool
	InstallHandler(1, func(f *Frame, r *Regs) { called = true })
	t.Cleanup(func() { InstallHandler(1, nil) })

	var masterEOI bool
	origOutb := outbFn
	outbFn = func(port uint16, value uint8) {
		if port == 0x20 && value == 0x20 {
			masterEOI = true
		}
	}
	t.Cleanup(func() { outbFn = origOutb })

	DispatchIRQ(IRQBase+1, &Frame{}, &Regs{})
	if !called {
		t.Fatal("expected registered IRQ1 handler to run")
	}
	if !masterEOI {
		t.Fatal("expected an EOI to the master PIC after IRQ1")
	}
}

func TestDispatchIRQWithoutHandlerDoesNotPanic(t *testing.T) {
	DispatchIRQ(IRQBase+5, &Frame{}, &Regs{})
}

func TestDispatchExceptionCallsRegisteredHandler(t *testing.T) {
	var got uint64
	InstallExceptionHandler(14, func(f *Frame, r *Regs) { got = f.RIP }) // #PF
	t.Cleanup(func() { InstallExceptionHandler(14, nil) })

	DispatchException(14, &Frame{RIP: 0xDEADBEEF}, &Regs{})
	if got != 0xDEADBEEF {
		t.Fatalf("expected handler to observe RIP, got 0x%x", got)
	}
}
