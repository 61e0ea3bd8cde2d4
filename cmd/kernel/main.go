// Command kernel is Alteo's entry point: KernelMain is called from the
// assembly long-mode trampoline (32-bit Multiboot2 entry -> paging
// setup -> far jump into 64-bit code -> call here with the bootloader's
// magic and info-structure pointer still in EAX/EBX), and never
// returns. It sequences every subsystem's Init in dependency order,
// logging a one-line success/fallback breadcrumb per stage through
// internal/klog after each early boot step.
package main

import (
	"net"
	"unsafe"

	"github.com/iansmith/alteo/internal/asm"
	"github.com/iansmith/alteo/internal/block"
	"github.com/iansmith/alteo/internal/boot"
	"github.com/iansmith/alteo/internal/console"
	"github.com/iansmith/alteo/internal/fs/ext2"
	"github.com/iansmith/alteo/internal/gpu/pfifo"
	"github.com/iansmith/alteo/internal/irq"
	"github.com/iansmith/alteo/internal/klog"
	"github.com/iansmith/alteo/internal/mm/heap"
	"github.com/iansmith/alteo/internal/mm/pmm"
	"github.com/iansmith/alteo/internal/mm/vmm"
	"github.com/iansmith/alteo/internal/net/ipstub"
	"github.com/iansmith/alteo/internal/net/socket"
	"github.com/iansmith/alteo/internal/net/tcp"
	"github.com/iansmith/alteo/internal/platform/acpi"
	"github.com/iansmith/alteo/internal/platform/apic"
	"github.com/iansmith/alteo/internal/platform/ata"
	"github.com/iansmith/alteo/internal/platform/pci"
	"github.com/iansmith/alteo/internal/proc"
	"github.com/iansmith/alteo/internal/sched"
	"github.com/iansmith/alteo/internal/vfs"
)

const multiboot2Magic = 0x36D76289

// Virtual arenas carved out for the heap and the PFIFO DMA push
// buffers/fences. Picked to sit well above any identity-mapped low
// memory and far apart from each other; this kernel has no other
// consumer of the virtual address space yet, so there is nothing these
// could collide with.
const (
	heapVirtBase  = 0x0000_4000_0000_0000
	heapFrames    = 512 // 2 MiB
	pfifoVirtBase = 0x0000_5000_0000_0000
	pfifoFrames   = 64

	localTCPIPOctets0 = 10
	localTCPIPOctets1 = 0
	localTCPIPOctets2 = 2
	localTCPIPOctets3 = 15

	schedtraceFlag = "schedtrace"
)

// physMem reads directly through a physical address cast to a pointer,
// valid only because this kernel never leaves the identity-mapped low
// memory Multiboot2 hands it until heap/PFIFO map their own higher
// arenas explicitly. Satisfies both internal/boot.MemReader and
// internal/platform/acpi.MemReader, which declare the same shape
// independently rather than sharing one interface across packages.
type physMem struct{}

func (physMem) ReadBytes(phys uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(phys)), n)
}

const (
	pciClassDisplay        = 0x03
	pciSubclassVGACompat   = 0x00
	pciVendorNVIDIA uint16 = 0x10DE
)

// findNVIDIADisplay narrows the VGA-compatible display controllers PCI
// enumeration found down to the one this kernel can actually drive: an
// NVIDIA Tesla-family part behind PFIFO. Anything else (a generic QEMU
// VGA framebuffer, an Intel/AMD GPU) is left alone.
func findNVIDIADisplay(devices []pci.Device) (pci.Device, bool) {
	for _, d := range pci.FindClass(devices, pciClassDisplay, pciSubclassVGACompat) {
		if d.VendorID == pciVendorNVIDIA {
			return d, true
		}
	}
	return pci.Device{}, false
}

func mapArena(pml4 *vmm.PML4, pmgr *pmm.Manager, virtBase uintptr, frames int, flags uint64) {
	for i := 0; i < frames; i++ {
		f, ok := pmgr.AllocFrame()
		if !ok {
			panic("kernel: out of frames mapping boot arena")
		}
		vmm.MapPage(pml4, virtBase+uintptr(i)*pmm.FrameSize, uintptr(f)*pmm.FrameSize, flags)
	}
}

// KernelMain never returns: the last thing it does is enable interrupts
// and halt in its own loop, waking only to service interrupts.
//
//go:noinline
func KernelMain(magic, multibootInfoAddr uint32) {
	console.Init(0)
	console.Puts("Alteo: KernelMain entered\n")

	if magic != multiboot2Magic {
		console.Puts("FATAL: bad multiboot2 magic\n")
		asm.DisableIrqs()
		for {
			asm.Halt()
		}
	}

	log := klog.New("kernel")
	mem := physMem{}
	infoAddr := uintptr(multibootInfoAddr)

	cfg := boot.Config{}
	if cmdline, ok := boot.Cmdline(mem, infoAddr); ok {
		cfg = boot.ParseConfig(cmdline)
		log.Info("boot: command line parsed", "cmdline", cmdline)
	}

	regions, ok := boot.MemoryMap(mem, infoAddr)
	if !ok {
		console.Puts("FATAL: multiboot2 info carries no memory map\n")
		asm.DisableIrqs()
		for {
			asm.Halt()
		}
	}

	pmgr := pmm.Init(klog.New("pmm"), regions)
	pml4 := vmm.InitKernel()
	pmm.SetZeroFrameFn(func(f pmm.Frame) {
		asm.Bzero(unsafe.Pointer(uintptr(f)*pmm.FrameSize), pmm.FrameSize)
	})
	log.Info("pmm+vmm initialized", "stats", pmgr.Stats())

	mapArena(pml4, pmgr, heapVirtBase, heapFrames, vmm.FlagPresent|vmm.FlagWrite)
	heap.Init(klog.New("heap"), heapVirtBase, heapFrames*pmm.FrameSize)
	log.Info("heap initialized")

	irq.SetLogger(klog.New("irq"))
	irq.Init(irq.RealStubAddr)
	irq.SetKeyboardSink(func(b byte) {})
	irq.SetMouseSink(func(b byte) {})
	log.Info("idt installed")

	tables, haveACPI := acpi.Discover(klog.New("acpi"), mem)
	if !haveACPI {
		log.Info("acpi: unavailable, falling back to legacy PIC")
	}
	apicResult := apic.Init(klog.New("apic"), tables)
	log.Info("interrupt routing configured", "usingAPIC", apicResult.UsingAPIC)

	procTable := proc.Init(klog.New("proc"))
	scheduler := sched.Init(klog.New("sched"), procTable)
	log.Info("scheduler initialized")
	if cfg.Bool(schedtraceFlag) {
		log.Info("schedtrace enabled", "stats", scheduler.Stats())
	}

	blocks := block.Init(klog.New("block"))
	var rootFS *ext2.FS
	if drive, ok := ata.Detect(); ok {
		deviceID, err := blocks.RegisterDriver("ata0", drive.Sectors(), drive)
		if err != nil {
			log.Info("block: ata0 registration failed", "err", err)
		} else if fs, err := ext2.Mount(blocks, deviceID); err != nil {
			log.Info("ext2: mount failed, continuing without a root filesystem", "err", err)
		} else {
			rootFS = fs
		}
	} else {
		log.Info("ata: no drive present, continuing without a root filesystem")
	}

	vfsRoot := vfs.Init(klog.New("vfs"))
	if rootFS != nil {
		if err := vfsRoot.Mount("/", "ext2", ext2.Ops{}, rootFS); err != nil {
			log.Info("vfs: mounting ext2 root failed", "err", err)
		} else {
			log.Info("vfs: ext2 mounted at /")
		}
	}

	localIP := net.IPv4(localTCPIPOctets0, localTCPIPOctets1, localTCPIPOctets2, localTCPIPOctets3)
	// No Ethernet/ARP driver exists yet (an explicit collaborator this
	// kernel never reaches into), so outbound frames have nowhere real
	// to go; logging them is the honest placeholder until one exists.
	frameLog := klog.New("ipstub")
	netStack := ipstub.New(frameLog, localIP, func(datagram []byte) error {
		frameLog.Info("outbound datagram dropped, no link driver", "bytes", len(datagram))
		return nil
	})
	tcpTable := tcp.Init(klog.New("tcp"), netStack, localIP)
	sockets := socket.Init(klog.New("socket"), tcpTable)
	netStack.SetRouting(tcpTable, sockets)
	log.Info("network stack initialized", "localIP", localIP.String())

	devices := pci.Enumerate()
	gpuDev, haveGPU := findNVIDIADisplay(devices)
	if haveGPU {
		mmioBase := uintptr(gpuDev.BARs[0] &^ 0xF)
		pfifo.Init(klog.New("pfifo"), mmioBase, pfifo.GenerationNV50Plus, pml4, pfifoVirtBase, pfifoFrames*pmm.FrameSize)
		log.Info("pfifo initialized", "mmioBase", mmioBase)
	} else {
		log.Info("pfifo: no NVIDIA display device found, GPU command submission unavailable")
	}

	log.Info("boot complete, entering idle loop")
	asm.EnableIrqs()
	for {
		asm.Halt()
	}
}
