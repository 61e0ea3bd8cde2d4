package irq

import "unsafe"

// pendingVector/pendingFrame/pendingRegs are the handoff between the
// assembly entry stubs and dispatchFromAsm: each stub saves registers,
// stores the three values here and calls dispatchFromAsm with no
// arguments, avoiding a hand-built Go argument frame for fifty nearly
// identical call sites.
var (
	pendingVector uint64
	pendingFrame  unsafe.Pointer
	pendingRegs   unsafe.Pointer
)

//go:nosplit
func dispatchFromAsm() {
	v := int(pendingVector)
	frame := (*Frame)(pendingFrame)
	regs := (*Regs)(pendingRegs)
	if v < NumExceptionVectors {
		DispatchException(v, frame, regs)
		return
	}
	DispatchIRQ(v, frame, regs)
}

// hasHardwareErrorCode reports whether the CPU itself pushes an error
// code for this exception vector (double fault, invalid TSS, segment
// not present, stack-segment fault, GP fault, page fault, alignment
// check); every other vector, including all IRQ and APIC vectors, gets
// a zero pushed by its stub so every stub lands on the same Frame
// layout.
func hasHardwareErrorCode(vector int) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17:
		return true
	default:
		return false
	}
}

// stubVectors lists every vector Init programs a gate for: the 32 CPU
// exceptions, the 16 remapped hardware IRQ lines, and the two APIC
// vectors.
var stubVectors = func() []int {
	vectors := make([]int, 0, NumExceptionVectors+NumIRQLines+2)
	for v := 0; v < NumExceptionVectors; v++ {
		vectors = append(vectors, v)
	}
	for line := 0; line < NumIRQLines; line++ {
		vectors = append(vectors, IRQBase+line)
	}
	return append(vectors, VectorAPICTimer, VectorSpurious)
}()

// stubFuncs is built by an init() in stubtable_amd64.go mapping each
// entry of stubVectors to its generated assembly entry point's address.
var stubFuncs map[int]uintptr

// RealStubAddr is the production StubAddrFn: the address of the
// generated assembly stub for vector, or 0 if Init asks for a vector
// this kernel never arms a gate for (Init only ever asks for the ones
// in stubVectors, so this never happens in practice).
func RealStubAddr(vector int) uint64 {
	return uint64(stubFuncs[vector])
}
