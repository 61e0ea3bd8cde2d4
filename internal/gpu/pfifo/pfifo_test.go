package pfifo

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/mm/pmm"
	"github.com/iansmith/alteo/internal/mm/vmm"
	"github.com/stretchr/testify/require"
)

// fakeHardware backs both the MMIO register window and every mapped
// "virtual" page behind one address-keyed map, standing in for physical
// memory that does not exist inside a userspace test binary.
type fakeHardware struct {
	mem        map[uintptr]uint32
	nextFrame  pmm.Frame
	mappedFree []uintptr
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{mem: make(map[uintptr]uint32), nextFrame: 1}
}

func (f *fakeHardware) mmioRead(addr uintptr) uint32  { return f.mem[addr] }
func (f *fakeHardware) mmioWrite(addr uintptr, v uint32) { f.mem[addr] = v }

func (f *fakeHardware) allocFrame() (pmm.Frame, bool) {
	fr := f.nextFrame
	f.nextFrame++
	return fr, true
}

func (f *fakeHardware) freeFrame(pmm.Frame) {}

func (f *fakeHardware) mapPage(*vmm.PML4, uintptr, uintptr, uint64) {}
func (f *fakeHardware) unmapPage(*vmm.PML4, uintptr)                {}

func (f *fakeHardware) readWord(virt uintptr, idx uint32) uint32 {
	return f.mem[virt+uintptr(idx)*4]
}
func (f *fakeHardware) writeWord(virt uintptr, idx uint32, v uint32) {
	f.mem[virt+uintptr(idx)*4] = v
}

func newManager(t *testing.T, gen Generation) (*Manager, *fakeHardware) {
	t.Helper()
	fake := newFakeHardware()
	UseFakeMemoryForTest(
		fake.mmioRead, fake.mmioWrite,
		fake.allocFrame, fake.freeFrame,
		fake.mapPage, fake.unmapPage,
		fake.readWord, fake.writeWord,
	)
	m := Init(logr.Discard(), 0x1_0000_0000, gen, &vmm.PML4{}, 0x2000_0000, 16*pmm.FrameSize)
	return m, fake
}

func TestAllocChannelProgramsNV50ControlPage(t *testing.T) {
	m, fake := newManager(t, GenerationNV50Plus)

	id, err := m.AllocChannel()
	require.NoError(t, err)

	ch, ok := m.Get(id)
	require.True(t, ok)
	require.True(t, ch.Active)
	require.Equal(t, uint32(nv50ChannelEnableBit), fake.mem[ch.ControlBase+nv50RegChannelEnable])
	require.Equal(t, uint32(0), fake.mem[ch.ControlBase+nv50RegGPPut])
}

func TestAllocChannelProgramsLegacyPFIFOMode(t *testing.T) {
	m, fake := newManager(t, GenerationPreNV50)

	id, err := m.AllocChannel()
	require.NoError(t, err)

	mode := fake.mem[m.mmioBase+legacyRegPFIFOMode]
	require.NotZero(t, mode&(1<<uint(id)))
}

func TestBindEncodesIncrementingHeader(t *testing.T) {
	m, fake := newManager(t, GenerationNV50Plus)
	id, err := m.AllocChannel()
	require.NoError(t, err)

	require.NoError(t, m.Bind(id, 1, 0x502D))

	ch, _ := m.Get(id)
	hdr := fake.readWord(ch.PushBuf.Virtual, 0)
	require.Equal(t, uint32(headerTypeIncrementing<<29), hdr&0xE0000000)
	require.Equal(t, uint32(1), (hdr>>13)&0x7)
	require.Equal(t, uint32(0x502D), fake.readWord(ch.PushBuf.Virtual, 1))
	require.Equal(t, uint32(0x502D), ch.SubchanClass[1])
}

func TestWriteMethodAdvancesPutPointer(t *testing.T) {
	m, _ := newManager(t, GenerationNV50Plus)
	id, err := m.AllocChannel()
	require.NoError(t, err)

	require.NoError(t, m.WriteMethod(id, 1, 0x100, []uint32{1, 2, 3}))

	ch, _ := m.Get(id)
	require.Equal(t, uint32(4), ch.PushBuf.PutWords) // 1 header + 3 values
}

func TestKickWritesGPPut(t *testing.T) {
	m, fake := newManager(t, GenerationNV50Plus)
	id, err := m.AllocChannel()
	require.NoError(t, err)
	require.NoError(t, m.WriteMethod(id, 0, 0, []uint32{0xAA}))

	require.NoError(t, m.Kick(id))

	ch, _ := m.Get(id)
	require.Equal(t, ch.PushBuf.PutWords*4, fake.mem[ch.ControlBase+nv50RegGPPut])
}

func TestEmitFenceAndWaitFenceObservesGPUCompletion(t *testing.T) {
	m, fake := newManager(t, GenerationNV50Plus)
	id, err := m.AllocChannel()
	require.NoError(t, err)

	seq, err := m.EmitFence(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	ch, _ := m.Get(id)
	// 1 header word + 4 operand words (address-high, address-low,
	// sequence, trigger): the count field in the header must match the
	// number of operand words actually pushed.
	require.Equal(t, uint32(5), ch.PushBuf.PutWords)
	fake.writeWord(ch.Fence.Virtual, 0, uint32(seq))

	require.NoError(t, m.WaitFence(id, seq, 10))
}

func TestWaitFenceTimesOutWhenGPUNeverCompletes(t *testing.T) {
	m, _ := newManager(t, GenerationNV50Plus)
	id, err := m.AllocChannel()
	require.NoError(t, err)

	seq, err := m.EmitFence(id)
	require.NoError(t, err)

	err = m.WaitFence(id, seq, 5)
	require.Error(t, err)
}

func TestFreeChannelReleasesSlot(t *testing.T) {
	m, fake := newManager(t, GenerationNV50Plus)
	id, err := m.AllocChannel()
	require.NoError(t, err)

	// Simulate the GPU completing every fence WaitIdle will emit.
	doneAfter := func() {
		c, _ := m.Get(id)
		fake.mem[c.Fence.Virtual] = uint32(c.Fence.NextSequence + 1)
	}
	doneAfter()

	require.NoError(t, m.FreeChannel(id, 10))

	_, ok := m.Get(id)
	require.False(t, ok)
}

func TestPushBufferWrapsWithJumpHeaderNearRingEnd(t *testing.T) {
	m, fake := newManager(t, GenerationNV50Plus)
	id, err := m.AllocChannel()
	require.NoError(t, err)

	ch, _ := m.Get(id)
	ch.PushBuf.PutWords = uint32(pushBufferWords) - fenceReserve - 1

	require.NoError(t, m.WriteMethod(id, 0, 0, []uint32{1, 2}))

	jumpWord := fake.readWord(ch.PushBuf.Virtual, uint32(pushBufferWords)-fenceReserve-1)
	require.Equal(t, uint32(headerTypeJump<<29), jumpWord)
	require.Equal(t, uint32(3), ch.PushBuf.PutWords) // wrapped to 0, wrote header+2 values
}
