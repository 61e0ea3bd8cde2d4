package pmm_test

import (
	"os"
	"testing"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/mm/pmm"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	pmm.UseNoopIrqGatesForTest()
	os.Exit(m.Run())
}

func newManager(t *testing.T) *pmm.Manager {
	t.Helper()
	return pmm.Init(logr.Discard(), []pmm.Region{
		{Base: 0, Length: 0x10000, Available: false}, // reserved low memory
		{Base: 0x10000, Length: 0x100000, Available: true},
	})
}

func TestAllocFreeRoundTrip(t *testing.T) {
	m := newManager(t)
	f, ok := m.AllocFrame()
	require.True(t, ok)
	m.FreeFrame(f)

	again, ok := m.AllocFrame()
	require.True(t, ok)
	require.Equal(t, f, again, "a freed frame must become available again")
}

func TestAllocDoesNotReturnReservedFrames(t *testing.T) {
	m := newManager(t)
	for i := 0; i < 100; i++ {
		f, ok := m.AllocFrame()
		require.True(t, ok)
		require.GreaterOrEqual(t, uint64(f)*pmm.FrameSize, uint64(0x10000))
	}
}

func TestAllocExhaustion(t *testing.T) {
	m := pmm.Init(logr.Discard(), []pmm.Region{
		{Base: 0, Length: pmm.FrameSize, Available: true},
	})
	_, ok := m.AllocFrame()
	require.True(t, ok)
	_, ok = m.AllocFrame()
	require.False(t, ok)
}

func TestStatsReflectAllocations(t *testing.T) {
	m := newManager(t)
	before := m.Stats()
	f, ok := m.AllocFrame()
	require.True(t, ok)
	after := m.Stats()
	require.Equal(t, before.FreeFrames-1, after.FreeFrames)
	m.FreeFrame(f)
}

func TestDoubleFreeDoesNotCorruptBitmap(t *testing.T) {
	m := newManager(t)
	f, ok := m.AllocFrame()
	require.True(t, ok)
	m.FreeFrame(f)
	m.FreeFrame(f) // double free is a no-op on an already-clear bit, not a crash

	again, ok := m.AllocFrame()
	require.True(t, ok)
	_ = again
}
