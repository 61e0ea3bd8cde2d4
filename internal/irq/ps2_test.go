package irq

import "testing"

func withFakePorts(t *testing.T, status uint8, data uint8) (dataReads *int) {
	t.Helper()
	origInb := inb
	reads := 0
	inb = func(port uint16) uint8 {
		switch port {
		case ps2StatusPort:
			return status
		case ps2DataPort:
			reads++
			return data
		default:
			return 0
		}
	}
	t.Cleanup(func() { inb = origInb })
	return &reads
}

func TestKeyboardHandlerDrainsMouseByteWithoutForwarding(t *testing.T) {
	withFakePorts(t, ps2StatusOutputFull|ps2StatusAuxiliary, 0x42)

	var forwarded bool
	SetKeyboardSink(func(b byte) { forwarded = true })
	t.Cleanup(func() { SetKeyboardSink(nil) })

	KeyboardIRQHandler(nil, nil)
	if forwarded {
		t.Fatal("keyboard handler must drain and discard a byte tagged auxiliary, not forward it")
	}
}

func TestKeyboardHandlerForwardsOwnByte(t *testing.T) {
	withFakePorts(t, ps2StatusOutputFull, 0x1C) // aux bit clear

	var got byte
	SetKeyboardSink(func(b byte) { got = b })
	t.Cleanup(func() { SetKeyboardSink(nil) })

	KeyboardIRQHandler(nil, nil)
	if got != 0x1C {
		t.Fatalf("expected scancode 0x1C forwarded, got 0x%x", got)
	}
}

func TestMouseHandlerDrainsKeyboardByteWithoutForwarding(t *testing.T) {
	withFakePorts(t, ps2StatusOutputFull, 0x1C) // aux bit clear: belongs to keyboard

	var forwarded bool
	SetMouseSink(func(b byte) { forwarded = true })
	t.Cleanup(func() { SetMouseSink(nil) })

	MouseIRQHandler(nil, nil)
	if forwarded {
		t.Fatal("mouse handler must drain and discard a byte without the auxiliary bit set")
	}
}

func TestHandlerReturnsImmediatelyWhenNoDataPending(t *testing.T) {
	reads := withFakePorts(t, 0, 0) // output-full bit clear

	var forwarded bool
	SetKeyboardSink(func(b byte) { forwarded = true })
	t.Cleanup(func() { SetKeyboardSink(nil) })

	KeyboardIRQHandler(nil, nil)
	if forwarded {
		t.Fatal("handler must not forward a byte when status reports no data pending")
	}
	if *reads != 0 {
		t.Fatal("handler must not read the data port when status reports no data pending")
	}
}
