// Package apic programs the Local APIC and I/O APIC (or falls back to the
// legacy dual 8259 PIC when ACPI/MADT is unavailable), treating the LAPIC
// and IOAPIC register windows as MMIO-offset constants rather than a
// struct overlay, since the two blocks sit at independent, discoverable
// base addresses rather than one fixed layout.
package apic

import (
	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/asm"
	"github.com/iansmith/alteo/internal/irq"
	"github.com/iansmith/alteo/internal/platform/acpi"
)

// LAPIC MMIO register offsets used here.
const (
	lapicRegID               = 0x020
	lapicRegSpuriousVector   = 0x0F0
	lapicRegEOI              = 0x0B0
	lapicRegLVTTimer         = 0x320
	lapicRegTimerInitCount   = 0x380
	lapicRegTimerCurrCount   = 0x390
	lapicRegTimerDivide      = 0x3E0

	lapicSpuriousEnable = 1 << 8
	lvtTimerPeriodic    = 1 << 17
	lvtMasked           = 1 << 16
)

const ia32ApicBaseMSR = 0x1B
const ia32ApicBaseEnable = 1 << 11

// legacy PIC ports.
const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1
)

// PIT channel 2 (used for one-shot LAPIC timer calibration).
const (
	pitChannel2Data    = 0x42
	pitCommand         = 0x43
	pitGatePort        = 0x61
	pitFrequency       = 1193182
)

// IOAPIC config-space offsets (indirect register access via IOREGSEL/IOWIN).
const (
	ioapicRegSel = 0x00
	ioapicRegWin = 0x10

	ioapicRegIDField   = 0x00
	ioapicRegVersion   = 0x01
	ioapicRedirBase    = 0x10 // each entry occupies two 32-bit windows
)

const (
	redirMasked       uint64 = 1 << 16
	redirTriggerLevel uint64 = 1 << 15
	redirPolarityLow  uint64 = 1 << 13
	redirDestLogical  uint64 = 1 << 11
)

// Result summarizes how interrupt routing ended up configured, so
// cmd/kernel can log it (supplemented boot self-check).
type Result struct {
	UsingAPIC     bool
	LAPICAddr     uintptr
	IOAPICs       []acpi.IOAPIC
	TimerHz       uint64
}

// rdmsrFn/wrmsrFn/mmioRead32Fn/mmioWrite32Fn/outbFn/inbFn are indirected
// (production: the real asm.* primitives) so package tests can exercise
// the programming logic without issuing privileged instructions, the same
// pattern internal/mm/pmm and internal/irq use.
var rdmsrFn = asm.Rdmsr
var wrmsrFn = asm.Wrmsr
var mmioRead32Fn = asm.MmioRead32
var mmioWrite32Fn = asm.MmioWrite32
var outbFn = asm.Outb
var inbFn = asm.Inb

// UseNoopPrivilegedOpsForTest replaces every privileged-instruction call
// with a fake recording/returning harness-supplied values.
func UseNoopPrivilegedOpsForTest(rdmsr func(uint32) uint64, wrmsr func(uint32, uint64), mmioRead func(uintptr) uint32, mmioWrite func(uintptr, uint32), outb func(uint16, uint8), inb func(uint16) uint8) {
	rdmsrFn = rdmsr
	wrmsrFn = wrmsr
	mmioRead32Fn = mmioRead
	mmioWrite32Fn = mmioWrite
	outbFn = outb
	inbFn = inb
}

// Init enables interrupt routing: if tables (from acpi.Discover) is
// non-nil and carries a MADT, it programs the LAPIC and I/O APIC(s) per
// the MADT's interrupt source overrides; otherwise it falls back to
// remapping and fully masking the legacy dual PIC and leaves routing in
// non-APIC (manual EOI) mode.
func Init(log logr.Logger, tables *acpi.Tables) Result {
	if tables == nil || tables.MADT == nil {
		initLegacyPIC()
		irq.SetRoutingMode(false)
		if log.GetSink() != nil {
			log.Info("apic: no MADT, routing via legacy PIC")
		}
		return Result{UsingAPIC: false}
	}

	madt := tables.MADT
	lapicAddr := uintptr(madt.LocalAPICAddr)

	enableLAPIC(lapicAddr)
	irq.SetLAPICEOIAddress(lapicAddr + lapicRegEOI)
	irq.SetRoutingMode(true)

	maskLegacyPIC()

	for _, ioapic := range madt.IOAPICs {
		programIOAPICRedirections(uintptr(ioapic.Address), ioapic.GSIBase, madt.Overrides)
	}

	hz := calibrateTimer(lapicAddr)

	if log.GetSink() != nil {
		log.Info("apic: routing via LAPIC/IOAPIC", "lapicAddr", lapicAddr, "ioapics", len(madt.IOAPICs), "timerHz", hz)
	}

	return Result{UsingAPIC: true, LAPICAddr: lapicAddr, IOAPICs: madt.IOAPICs, TimerHz: hz}
}

// enableLAPIC sets the global enable bit in IA32_APIC_BASE and arms the
// spurious-interrupt vector register, the minimum needed before any LVT
// entry (including the timer) can be programmed.
func enableLAPIC(lapicAddr uintptr) {
	base := rdmsrFn(ia32ApicBaseMSR)
	base |= ia32ApicBaseEnable
	wrmsrFn(ia32ApicBaseMSR, base)

	mmioWrite32Fn(lapicAddr+lapicRegSpuriousVector, lapicSpuriousEnable|uint32(irq.VectorSpurious))
}

// maskLegacyPIC masks every line on both 8259s. Even in APIC mode this
// runs: a stray IRQ arriving through the legacy PIC path must not fire
// unmasked with no corresponding ISR dispatch hookup.
func maskLegacyPIC() {
	outbFn(pic1Data, 0xFF)
	outbFn(pic2Data, 0xFF)
}

// initLegacyPIC remaps both PICs so IRQ0-15 land on vectors 0x20-0x2F
// (avoiding the CPU exception range) and leaves every line masked;
// standard 8259 initialization sequence (ICW1-ICW4). Nothing in this
// kernel unmasks a PIC line afterwards: internal/irq.InstallHandler only
// records the handler.
func initLegacyPIC() {
	const icw1Init = 0x11
	const icw4_8086 = 0x01

	outbFn(pic1Command, icw1Init)
	outbFn(pic2Command, icw1Init)
	outbFn(pic1Data, irq.IRQBase)      // ICW2: master vector offset
	outbFn(pic2Data, irq.IRQBase+8)    // ICW2: slave vector offset
	outbFn(pic1Data, 0x04)             // ICW3: slave attached to IRQ2
	outbFn(pic2Data, 0x02)             // ICW3: slave's cascade identity
	outbFn(pic1Data, icw4_8086)
	outbFn(pic2Data, icw4_8086)

	maskLegacyPIC()
}

func ioapicWrite(base uintptr, reg uint32, value uint32) {
	mmioWrite32Fn(base+ioapicRegSel, reg)
	mmioWrite32Fn(base+ioapicRegWin, value)
}

// programIOAPICRedirections sets up a straight identity GSI->vector
// redirection (GSI N dispatches to vector IRQBase+N) for every line this
// I/O APIC owns, applying any matching interrupt source override's
// polarity/trigger mode.
func programIOAPICRedirections(base uintptr, gsiBase uint32, overrides []acpi.InterruptOverride) {
	for i := 0; i < 24; i++ {
		gsi := gsiBase + uint32(i)
		vector := irq.IRQBase + int(gsi)
		if vector > 0xFE {
			break
		}

		var entry uint64 = uint64(vector)
		for _, ov := range overrides {
			if ov.GSI != gsi {
				continue
			}
			if ov.Polarity == 0x3 { // active low
				entry |= redirPolarityLow
			}
			if ov.Trigger == 0x3 { // level triggered
				entry |= redirTriggerLevel
			}
		}

		low := uint32(entry)
		high := uint32(entry >> 32)

		regLow := uint32(ioapicRedirBase + i*2)
		regHigh := regLow + 1
		ioapicWrite(base, regHigh, high)
		ioapicWrite(base, regLow, low)
	}
}

// calibrateTimer measures the LAPIC timer's tick rate against PIT channel
// 2 running at its fixed 1.193182 MHz crystal, the same one-shot
// calibration technique every hobby x86 kernel uses, then programs a
// periodic LVT timer entry at 100 Hz.
func calibrateTimer(lapicAddr uintptr) uint64 {
	mmioWrite32Fn(lapicAddr+lapicRegTimerDivide, 0x3) // divide by 16
	mmioWrite32Fn(lapicAddr+lapicRegTimerInitCount, 0xFFFFFFFF)

	const calibrateMs = 10
	pitSleepMs(calibrateMs)

	ticks := uint32(0xFFFFFFFF) - mmioRead32Fn(lapicAddr+lapicRegTimerCurrCount)
	hz := uint64(ticks) * (1000 / calibrateMs)
	if hz == 0 {
		hz = 1
	}

	mmioWrite32Fn(lapicAddr+lapicRegLVTTimer, lvtTimerPeriodic|uint32(irq.VectorAPICTimer))
	mmioWrite32Fn(lapicAddr+lapicRegTimerDivide, 0x3)
	mmioWrite32Fn(lapicAddr+lapicRegTimerInitCount, uint32(hz/100))

	return hz
}

// pitSleepMs busy-waits on PIT channel 2 configured as a one-shot
// countdown, the standard calibration idiom (no interrupts involved,
// safe to run with IRQs still disabled during early boot).
func pitSleepMs(ms uint32) {
	count := uint32(uint64(pitFrequency) * uint64(ms) / 1000)
	outbFn(pitCommand, 0xB0) // channel 2, lobyte/hibyte, mode 0
	outbFn(pitChannel2Data, uint8(count))
	outbFn(pitChannel2Data, uint8(count>>8))

	gate := inbFn(pitGatePort)
	outbFn(pitGatePort, (gate&0xFC)|0x01)

	for {
		outbFn(pitCommand, 0xE8) // latch + read-back channel 2 status
		status := inbFn(pitChannel2Data)
		if status&0x80 != 0 { // OUT pin high -> countdown reached zero
			return
		}
	}
}
