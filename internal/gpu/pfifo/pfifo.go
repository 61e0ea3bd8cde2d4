// Package pfifo implements GPU command submission: DMA push-buffer
// channels, subchannel object binding and fence-based completion
// tracking, generalized from a single fixed channel to a table of
// independently allocated ones. Push-buffer headers are packed with
// internal/bitfield instead of hand-rolled shifts; this package is that
// packer's only caller (internal/mm/vmm and internal/platform/acpi use
// plain shift/mask constants for their flags).
package pfifo

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/asm"
	"github.com/iansmith/alteo/internal/bitfield"
	"github.com/iansmith/alteo/internal/kerr"
	"github.com/iansmith/alteo/internal/mm/pmm"
	"github.com/iansmith/alteo/internal/mm/vmm"
)

// Generation selects which channel-programming protocol Init and the
// per-channel control registers follow.
type Generation int

const (
	// GenerationNV50Plus programs a per-channel control page
	// {IB_BASE, IB_LIMIT, GP_PUT, GP_GET, enable} and kicks via GP_PUT.
	GenerationNV50Plus Generation = iota
	// GenerationPreNV50 drives the legacy PFIFO_MODE/PFIFO_DMA +
	// CACHE1 register set and kicks via CACHE1_DMA_PUT.
	GenerationPreNV50
)

const (
	maxChannels    = 32
	maxSubchannels = 8

	pushBufferWords = pmm.FrameSize / 4 // one PMM frame, as dwords
	fenceReserve    = 2                 // trailing words kept free for a wrap jump

	// Push-buffer header bit layout: type one-hot at bits 31:29, word
	// count at bits 28:18, subchannel id at bits 15:13, method
	// offset/4 at bits 12:2.
	headerTypeIncrementing    = 1
	headerTypeNonIncrementing = 2
	headerTypeJump            = 4
)

// NV50+ per-channel control-page register offsets, relative to the
// channel's slot in the control aperture (channelControlStride apart).
const (
	nv50ChannelControlStride = 0x1000
	nv50RegChannelEnable     = 0x00
	nv50RegIBBase            = 0x10
	nv50RegIBLimit           = 0x18
	nv50RegGPPut             = 0x40
	nv50RegGPGet             = 0x44

	nv50ChannelEnableBit = 1 << 31

	// semaphoreTriggerWrite is the fourth word of an NV50+ semaphore
	// release method: it tells the GPU to write the sequence value at
	// (address-high, address-low) rather than merely compare against it.
	semaphoreTriggerWrite = 1

	// Method offsets (bytes) the fence is pushed to. Offset 0 is the
	// object-binding slot Bind writes, so fences use their own methods.
	methodSemaphoreAddressHigh = 0x10  // NV50+: address-high, then low, sequence, trigger
	methodNotify               = 0x104 // pre-NV50 NOTIFY
)

// Pre-NV50 global PFIFO register offsets in the single shared aperture.
const (
	legacyRegPFIFOMode    = 0x2400 // one bit per channel: 1 = DMA mode
	legacyRegPFIFODMA     = 0x2040 // one bit per channel: 1 = reassignment enabled
	legacyRegCache1Push   = 0x3200 // bound channel id, low bits
	legacyRegCache1DMAPut = 0x3240

	legacyCache1PushEnableBit = 1 << 8
)

// PushBuffer is one channel's DMA command ring.
type PushBuffer struct {
	Virtual   uintptr
	Phys      pmm.Frame
	SizeBytes uint32
	PutWords  uint32
	GetWords  uint32
}

// Fence is the GPU-visible completion-sequence page for one channel.
type Fence struct {
	Virtual      uintptr
	Phys         pmm.Frame
	NextSequence uint64
}

// Channel is one allocated command-submission channel.
type Channel struct {
	Active       bool
	ID           int
	ControlBase  uintptr // NV50+ only: this channel's control-page base
	PushBuf      PushBuffer
	SubchanClass [maxSubchannels]uint32
	Fence        Fence
}

// Manager owns the channel table and the GPU's MMIO aperture.
type Manager struct {
	mu         sync.Mutex
	channels   [maxChannels]Channel
	generation Generation
	mmioBase   uintptr
	pml4       *vmm.PML4
	nextVirt   uintptr
	virtLimit  uintptr
	log        logr.Logger
}

var global *Manager

// mmioRead32Fn/mmioWrite32Fn are indirected (production: asm.MmioRead32/
// asm.MmioWrite32) so package tests can exercise channel programming
// without touching real MMIO, the same pattern internal/platform/apic uses.
var mmioRead32Fn = asm.MmioRead32
var mmioWrite32Fn = asm.MmioWrite32

// allocFrameFn/freeFrameFn/mapPageFn/unmapPageFn are indirected so tests
// don't require a real PMM/VMM singleton wired to physical memory.
var allocFrameFn = func() (pmm.Frame, bool) { return pmm.Global().AllocFrame() }
var freeFrameFn = func(f pmm.Frame) { pmm.Global().FreeFrame(f) }
var mapPageFn = vmm.MapPage
var unmapPageFn = vmm.UnmapPage

// readWordFn/writeWordFn access one dword of a mapped push-buffer or
// fence page by virtual address. Indirected (production: an
// asm.MmioRead32/asm.MmioWrite32 access at the word's address) so tests can back a channel's memory with
// an ordinary Go slice instead of a virtual address that resolves to
// nothing inside a userspace test binary — the same problem
// internal/mm/vmm solves by indirecting physToTable.
var readWordFn = defaultReadWord
var writeWordFn = defaultWriteWord

// UseFakeMemoryForTest substitutes the privileged-instruction and raw
// memory accessors with fakes, for external test packages that cannot
// reach the unexported vars directly.
func UseFakeMemoryForTest(
	mmioRead func(uintptr) uint32, mmioWrite func(uintptr, uint32),
	allocFrame func() (pmm.Frame, bool), freeFrame func(pmm.Frame),
	mapPage func(*vmm.PML4, uintptr, uintptr, uint64), unmapPage func(*vmm.PML4, uintptr),
	readWord func(uintptr, uint32) uint32, writeWord func(uintptr, uint32, uint32),
) {
	mmioRead32Fn = mmioRead
	mmioWrite32Fn = mmioWrite
	allocFrameFn = allocFrame
	freeFrameFn = freeFrame
	mapPageFn = mapPage
	unmapPageFn = unmapPage
	readWordFn = readWord
	writeWordFn = writeWord
}

// Init builds the channel table for a GPU whose MMIO aperture starts at
// mmioBase, using pml4 to map DMA pages nocache into
// [virtArenaBase, virtArenaBase+virtArenaSize).
func Init(log logr.Logger, mmioBase uintptr, generation Generation, pml4 *vmm.PML4, virtArenaBase uintptr, virtArenaSize uint32) *Manager {
	m := &Manager{
		generation: generation,
		mmioBase:   mmioBase,
		pml4:       pml4,
		nextVirt:   virtArenaBase,
		virtLimit:  virtArenaBase + uintptr(virtArenaSize),
		log:        log,
	}
	global = m
	if log.GetSink() != nil {
		log.Info("pfifo initialized", "generation", int(generation), "mmioBase", mmioBase)
	}
	return m
}

// Global returns the singleton built by Init.
func Global() *Manager { return global }

func (m *Manager) allocVirtPage() (uintptr, error) {
	if m.nextVirt+pmm.FrameSize > m.virtLimit {
		return 0, fmt.Errorf("pfifo: nocache virtual arena exhausted: %w", kerr.ErrExhausted)
	}
	v := m.nextVirt
	m.nextVirt += pmm.FrameSize
	return v, nil
}

func (m *Manager) mapNocachePage() (uintptr, pmm.Frame, error) {
	virt, err := m.allocVirtPage()
	if err != nil {
		return 0, 0, err
	}
	frame, ok := allocFrameFn()
	if !ok {
		return 0, 0, fmt.Errorf("pfifo: no frame for DMA page: %w", kerr.ErrExhausted)
	}
	phys := uintptr(frame) * pmm.FrameSize
	mapPageFn(m.pml4, virt, phys, vmm.FlagPresent|vmm.FlagWrite|vmm.FlagNoCache)
	return virt, frame, nil
}

func (m *Manager) findFreeSlot() int {
	for i := 0; i < maxChannels; i++ {
		if !m.channels[i].Active {
			return i
		}
	}
	return -1
}

// AllocChannel allocates a push buffer and fence page (each one PMM
// frame, nocache-mapped and zero-filled — the PMM guarantees a zeroed
// frame on every AllocFrame) and programs the GPU's channel-enable state,
// returning the new channel's id.
func (m *Manager) AllocChannel() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.findFreeSlot()
	if slot < 0 {
		return 0, fmt.Errorf("pfifo: channel table full: %w", kerr.ErrExhausted)
	}

	pbVirt, pbFrame, err := m.mapNocachePage()
	if err != nil {
		return 0, err
	}
	fenceVirt, fenceFrame, err := m.mapNocachePage()
	if err != nil {
		return 0, err
	}

	ch := &m.channels[slot]
	*ch = Channel{
		Active: true,
		ID:     slot,
		PushBuf: PushBuffer{
			Virtual:   pbVirt,
			Phys:      pbFrame,
			SizeBytes: pmm.FrameSize,
		},
		Fence: Fence{Virtual: fenceVirt, Phys: fenceFrame},
	}

	switch m.generation {
	case GenerationNV50Plus:
		ch.ControlBase = m.mmioBase + uintptr(slot)*nv50ChannelControlStride
		pbPhysAddr := uint32(uintptr(pbFrame) * pmm.FrameSize)
		mmioWrite32Fn(ch.ControlBase+nv50RegIBBase, pbPhysAddr)
		mmioWrite32Fn(ch.ControlBase+nv50RegIBLimit, uint32(pushBufferWords-1))
		mmioWrite32Fn(ch.ControlBase+nv50RegGPPut, 0)
		mmioWrite32Fn(ch.ControlBase+nv50RegGPGet, 0)
		mmioWrite32Fn(ch.ControlBase+nv50RegChannelEnable, nv50ChannelEnableBit)
	case GenerationPreNV50:
		mode := mmioRead32Fn(m.mmioBase + legacyRegPFIFOMode)
		mode |= 1 << uint(slot)
		mmioWrite32Fn(m.mmioBase+legacyRegPFIFOMode, mode)

		mmioWrite32Fn(m.mmioBase+legacyRegCache1Push, uint32(slot)|legacyCache1PushEnableBit)

		dma := mmioRead32Fn(m.mmioBase + legacyRegPFIFODMA)
		dma |= 1 << uint(slot)
		mmioWrite32Fn(m.mmioBase+legacyRegPFIFODMA, dma)
	}

	if m.log.GetSink() != nil {
		m.log.Info("pfifo channel allocated", "channel", slot)
	}
	return slot, nil
}

func (m *Manager) get(channel int) (*Channel, error) {
	if channel < 0 || channel >= maxChannels || !m.channels[channel].Active {
		return nil, fmt.Errorf("pfifo: channel %d not active: %w", channel, kerr.ErrInvalid)
	}
	return &m.channels[channel], nil
}

// header mirrors the push-buffer word's bit layout field for field, lowest
// bits first: 2 reserved bits, an 11-bit method offset (in dwords) at
// bits 12:2, a 3-bit subchannel id at bits 15:13, 2 more reserved bits, an
// 11-bit word count at bits 28:18 and the 3-bit one-hot header type at
// bits 31:29.
type header struct {
	ReservedLow  uint32 `bitfield:"2"`
	Method       uint32 `bitfield:"11"`
	Subchannel   uint32 `bitfield:"3"`
	ReservedHigh uint32 `bitfield:"2"`
	Count        uint32 `bitfield:"11"`
	Type         uint32 `bitfield:"3"`
}

func encodeHeader(headerType, subchannel, methodOffsetBytes, count uint32) uint32 {
	packed, err := bitfield.Pack(&header{
		Method:     methodOffsetBytes / 4,
		Subchannel: subchannel,
		Count:      count,
		Type:       headerType,
	}, &bitfield.Config{NumBits: 32})
	if err != nil {
		// Every field width above is fixed and within range by
		// construction; a packing error here means a caller passed an
		// out-of-range subchannel or count, which callers validate.
		panic(err)
	}
	return uint32(packed)
}

// pushWords appends words to ch's ring at PutWords, wrapping with a jump
// header back to offset 0 when the remaining space can't hold them plus
// fenceReserve words of slack.
func pushWords(ch *Channel, words []uint32) {
	total := uint32(pushBufferWords)
	if ch.PushBuf.PutWords+uint32(len(words))+fenceReserve > total {
		writeWordFn(ch.PushBuf.Virtual, ch.PushBuf.PutWords, headerTypeJump<<29)
		ch.PushBuf.PutWords = 0
	}
	for _, w := range words {
		writeWordFn(ch.PushBuf.Virtual, ch.PushBuf.PutWords, w)
		ch.PushBuf.PutWords++
	}
}

// Bind enqueues a method write of class to subchannel's object-binding
// slot (method offset 0); subsequent method writes on subchan are
// interpreted by that engine class.
func (m *Manager) Bind(channel int, subchan uint32, class uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, err := m.get(channel)
	if err != nil {
		return err
	}
	if subchan >= maxSubchannels {
		return fmt.Errorf("pfifo: subchannel %d out of range: %w", subchan, kerr.ErrInvalid)
	}

	hdr := encodeHeader(headerTypeIncrementing, subchan, 0, 1)
	pushWords(ch, []uint32{hdr, class})
	ch.SubchanClass[subchan] = class
	return nil
}

// WriteMethod pushes an incrementing-header method sequence: values[0]
// lands at methodOffsetBytes, values[1] at the next method slot, and so
// on.
func (m *Manager) WriteMethod(channel int, subchan uint32, methodOffsetBytes uint32, values []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, err := m.get(channel)
	if err != nil {
		return err
	}
	if subchan >= maxSubchannels {
		return fmt.Errorf("pfifo: subchannel %d out of range: %w", subchan, kerr.ErrInvalid)
	}
	if len(values) == 0 || len(values) > (1<<11)-1 {
		return fmt.Errorf("pfifo: method word count %d out of range: %w", len(values), kerr.ErrInvalid)
	}

	hdr := encodeHeader(headerTypeIncrementing, subchan, methodOffsetBytes, uint32(len(values)))
	words := append([]uint32{hdr}, values...)
	pushWords(ch, words)
	return nil
}

// Kick writes the channel's current put offset (in bytes) to its doorbell
// register: GP_PUT on NV50+, CACHE1_DMA_PUT on pre-NV50.
func (m *Manager) Kick(channel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, err := m.get(channel)
	if err != nil {
		return err
	}
	putBytes := ch.PushBuf.PutWords * 4

	switch m.generation {
	case GenerationNV50Plus:
		mmioWrite32Fn(ch.ControlBase+nv50RegGPPut, putBytes)
	case GenerationPreNV50:
		mmioWrite32Fn(m.mmioBase+legacyRegCache1DMAPut, putBytes)
	}
	return nil
}

// EmitFence increments channel's sequence counter and pushes the
// completion-signaling method: a four-word semaphore release
// (address-high, address-low, sequence, trigger) on subchannel 0 for
// NV50+, or a single-word NOTIFY method carrying the sequence pre-NV50.
// It returns the sequence a matching WaitFence should wait for.
func (m *Manager) EmitFence(channel int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, err := m.get(channel)
	if err != nil {
		return 0, err
	}
	ch.Fence.NextSequence++
	seq := ch.Fence.NextSequence

	fencePhys := uint64(ch.Fence.Phys) * pmm.FrameSize
	switch m.generation {
	case GenerationNV50Plus:
		hdr := encodeHeader(headerTypeIncrementing, 0, methodSemaphoreAddressHigh, 4)
		pushWords(ch, []uint32{
			hdr,
			uint32(fencePhys >> 32),
			uint32(fencePhys),
			uint32(seq),
			semaphoreTriggerWrite,
		})
	case GenerationPreNV50:
		hdr := encodeHeader(headerTypeIncrementing, 0, methodNotify, 1)
		pushWords(ch, []uint32{hdr, uint32(seq)})
	}

	return seq, nil
}

// FenceCompleted reports whether the GPU has written a fence memory
// value >= seq.
func (m *Manager) FenceCompleted(channel int, seq uint64) (bool, error) {
	m.mu.Lock()
	ch, err := m.get(channel)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	value := readWordFn(ch.Fence.Virtual, 0)
	return uint64(value) >= seq, nil
}

// WaitFence busy-waits (PAUSE-hinted) for FenceCompleted(channel, seq),
// bounded by maxIterations.
func (m *Manager) WaitFence(channel int, seq uint64, maxIterations int) error {
	for i := 0; i < maxIterations; i++ {
		done, err := m.FenceCompleted(channel, seq)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		asm.Pause()
	}
	return fmt.Errorf("pfifo: wait_fence channel %d seq %d: %w", channel, seq, kerr.ErrTimeout)
}

// WaitIdle emits a fresh fence and waits for it, leaving the channel with
// every previously enqueued command known complete.
func (m *Manager) WaitIdle(channel int, maxIterations int) error {
	m.mu.Lock()
	if _, err := m.get(channel); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	seq, err := m.EmitFence(channel)
	if err != nil {
		return err
	}
	if err := m.Kick(channel); err != nil {
		return err
	}
	return m.WaitFence(channel, seq, maxIterations)
}

// FreeChannel waits for the channel to go idle, disables it and releases
// its push buffer and fence pages.
func (m *Manager) FreeChannel(channel int, maxIterations int) error {
	if err := m.WaitIdle(channel, maxIterations); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ch, err := m.get(channel)
	if err != nil {
		return err
	}

	switch m.generation {
	case GenerationNV50Plus:
		mmioWrite32Fn(ch.ControlBase+nv50RegChannelEnable, 0)
	case GenerationPreNV50:
		mode := mmioRead32Fn(m.mmioBase + legacyRegPFIFOMode)
		mode &^= 1 << uint(channel)
		mmioWrite32Fn(m.mmioBase+legacyRegPFIFOMode, mode)
	}

	unmapPageFn(m.pml4, ch.PushBuf.Virtual)
	unmapPageFn(m.pml4, ch.Fence.Virtual)
	freeFrameFn(ch.PushBuf.Phys)
	freeFrameFn(ch.Fence.Phys)

	*ch = Channel{}

	if m.log.GetSink() != nil {
		m.log.Info("pfifo channel freed", "channel", channel)
	}
	return nil
}

// Shutdown frees every active channel.
func (m *Manager) Shutdown(maxIterations int) {
	for i := 0; i < maxChannels; i++ {
		if m.channels[i].Active {
			_ = m.FreeChannel(i, maxIterations)
		}
	}
}

// Get returns the channel record at id, for tests and diagnostics.
func (m *Manager) Get(id int) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, err := m.get(id)
	if err != nil {
		return nil, false
	}
	return ch, true
}

func defaultReadWord(virt uintptr, wordIndex uint32) uint32 {
	return asm.MmioRead32(virt + uintptr(wordIndex)*4)
}

func defaultWriteWord(virt uintptr, wordIndex uint32, value uint32) {
	asm.MmioWrite32(virt+uintptr(wordIndex)*4, value)
}
