package allocator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jedisct1/was-not-wasm-go/internal/config"
	"github.com/jedisct1/was-not-wasm-go/internal/memprotect"
)

const testPageSize = uint32(4096)

func newTestState(t *testing.T, memLen int, cfg config.Runtime) (*State, *memprotect.FakeProtector) {
	t.Helper()
	mem := make([]byte, memLen)
	prot := memprotect.NewFakeProtector()
	return New(cfg, testPageSize, mem, prot), prot
}

func defaultConfig() config.Runtime {
	return config.Runtime{HeapBase: 65536, CanaryCheckOnAlloc: false, Entrypoint: "main"}
}

var sizes = []uint32{1, 5, 8, 100, 4095, 4096, 4097, 8192, 8193}

func TestMallocFreeRoundTrip(t *testing.T) {
	for _, size := range sizes {
		s, _ := newTestState(t, 1<<20, defaultConfig())
		start, err := s.Malloc(size)
		require.NoError(t, err)

		require.EqualValues(t, 1, s.AllocCount)
		require.EqualValues(t, 0, s.FreeCount)
		require.EqualValues(t, size, s.AllocTotalUsage)

		err = s.Free(start)
		require.NoError(t, err)
		require.EqualValues(t, 1, s.AllocCount)
		require.EqualValues(t, 1, s.FreeCount)
		require.EqualValues(t, size, s.AllocTotalUsage)
		require.NotContains(t, s.Allocations, start)
	}
}

func TestMallocInvariants(t *testing.T) {
	for _, size := range sizes {
		s, _ := newTestState(t, 1<<20, defaultConfig())
		offsetBefore := s.HeapOffset
		start, err := s.Malloc(size)
		require.NoError(t, err)

		a, ok := s.Allocations[start]
		require.True(t, ok)
		require.Equal(t, a.Offset+a.RoundedSize, a.Start+a.Size)
		require.True(t, a.RoundedSize%testPageSize == 0)
		require.True(t, a.RoundedSize-a.Size < testPageSize)
		require.LessOrEqual(t, a.Offset, a.Start)
		require.Equal(t, offsetBefore, a.Offset)

		// guard page: heap_offset advanced one full page past end.
		require.Equal(t, a.Offset+a.RoundedSize+testPageSize, s.HeapOffset)
	}
}

func TestMallocNoSlackWhenSizeIsPageMultiple(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	start, err := s.Malloc(testPageSize)
	require.NoError(t, err)
	a := s.Allocations[start]
	require.Equal(t, a.Offset, a.Start)
	require.Zero(t, a.SlackLen())
	require.NoError(t, s.checkCanary(a))
}

func TestMallocSlackSizeOne(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	start, err := s.Malloc(1)
	require.NoError(t, err)
	a := s.Allocations[start]
	require.Equal(t, testPageSize, a.RoundedSize)
	require.Equal(t, testPageSize-1, a.SlackLen())
}

func TestMallocSlackPageSizePlusOne(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	start, err := s.Malloc(testPageSize + 1)
	require.NoError(t, err)
	a := s.Allocations[start]
	require.Equal(t, 2*testPageSize, a.RoundedSize)
	require.Equal(t, testPageSize-1, a.SlackLen())
}

func TestCanarySweepPassesWithNoWrites(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	for _, size := range sizes {
		_, err := s.Malloc(size)
		require.NoError(t, err)
	}
	require.NoError(t, s.sweepCanaries())
}

func TestCanaryCorruptionDetected(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	start, err := s.Malloc(5)
	require.NoError(t, err)

	a := s.Allocations[start]
	require.Positive(t, a.SlackLen())

	// Simulate a backward overrun: clobber the last canary byte before start.
	s.mem[a.Start-1] = 0xFF

	err = s.Free(start)
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, a.Start-1, corrupt.Offset)
	require.Equal(t, a.Offset, corrupt.Base)
}

func TestFreeInvalidOffset(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	err := s.Free(123)
	var invalid *InvalidFreeError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, uint32(123), invalid.Start)
	require.EqualError(t, err, "free()ing invalid offset 123")
}

func TestDoubleFree(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	start, err := s.Malloc(16)
	require.NoError(t, err)

	require.NoError(t, s.Free(start))

	err = s.Free(start)
	var invalid *InvalidFreeError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, start, invalid.Start)
}

func TestHeapOffsetMonotonic(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	prev := s.HeapOffset
	for _, size := range sizes {
		start, err := s.Malloc(size)
		require.NoError(t, err)
		require.GreaterOrEqual(t, s.HeapOffset, prev)
		prev = s.HeapOffset

		require.NoError(t, s.Free(start))
		require.Equal(t, prev, s.HeapOffset) // free never moves heap_offset
	}
}

func TestAllocCountNeverBelowFreeCount(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	var starts []uint32
	for _, size := range sizes {
		start, err := s.Malloc(size)
		require.NoError(t, err)
		starts = append(starts, start)
		require.GreaterOrEqual(t, s.AllocCount, s.FreeCount)
	}
	for _, start := range starts {
		require.NoError(t, s.Free(start))
		require.GreaterOrEqual(t, s.AllocCount, s.FreeCount)
	}
	require.Empty(t, s.Allocations)
}

func TestFreedRegionUnmapped(t *testing.T) {
	s, prot := newTestState(t, 1<<20, defaultConfig())
	start, err := s.Malloc(100)
	require.NoError(t, err)
	a := s.Allocations[start]

	require.NoError(t, s.Free(start))
	require.Equal(t, memprotect.NoAccess, prot.ModeAt(a.Offset))
	require.Equal(t, memprotect.NoAccess, prot.ModeAt(a.Offset+a.RoundedSize-1))
}

func TestDistinctAllocationsAreGuardSeparated(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	first, err := s.Malloc(10)
	require.NoError(t, err)
	second, err := s.Malloc(10)
	require.NoError(t, err)

	a := s.Allocations[first]
	b := s.Allocations[second]
	require.GreaterOrEqual(t, b.Offset, a.Offset+a.RoundedSize+testPageSize)
}

func TestCanaryCheckOnAllocSweepsFirst(t *testing.T) {
	cfg := defaultConfig()
	cfg.CanaryCheckOnAlloc = true
	s, _ := newTestState(t, 1<<20, cfg)

	start, err := s.Malloc(5)
	require.NoError(t, err)
	a := s.Allocations[start]
	s.mem[a.Start-1] = 0xFF

	_, err = s.Malloc(5)
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)

	// State must not have advanced past the corrupted sweep.
	require.Len(t, s.Allocations, 1)
}

func TestTerminateReportsCountersAndReopensMemory(t *testing.T) {
	s, prot := newTestState(t, 1<<20, defaultConfig())
	_, err := s.Malloc(8)
	require.NoError(t, err)

	summary, err := s.Terminate()
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.AllocCount)
	require.EqualValues(t, 1, summary.Leaked)
	require.EqualValues(t, 8, summary.AllocTotalUsage)
	require.Equal(t, memprotect.ReadWrite, prot.ModeAt(0))
}

func TestTerminateCleanRun(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	start, err := s.Malloc(100)
	require.NoError(t, err)
	require.NoError(t, s.Free(start))

	summary, err := s.Terminate()
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.AllocCount)
	require.EqualValues(t, 0, summary.Leaked)
	require.EqualValues(t, 100, summary.AllocTotalUsage)
}

func TestMallocZeroSizeIsNotSpecialCased(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	offsetBefore := s.HeapOffset
	start, err := s.Malloc(0)
	require.NoError(t, err)

	a := s.Allocations[start]
	require.Equal(t, offsetBefore, a.Offset)
	require.Equal(t, a.Offset, a.Start)
	require.Equal(t, start, a.Start)
	require.Zero(t, a.RoundedSize)
	require.Zero(t, a.SlackLen())

	// Next allocation still gets a guard page after this zero-width one.
	next, err := s.Malloc(10)
	require.NoError(t, err)
	nextAlloc := s.Allocations[next]
	require.GreaterOrEqual(t, nextAlloc.Offset, a.Offset+testPageSize)
}

func TestDuplicateStartIsHostInvariant(t *testing.T) {
	s, _ := newTestState(t, 1<<20, defaultConfig())
	start, err := s.Malloc(10)
	require.NoError(t, err)

	// Rewind heap_offset so the next malloc of the same size recomputes the
	// same start address while the first allocation's record is still live.
	s.HeapOffset = s.Allocations[start].Offset

	_, err = s.Malloc(10)
	require.True(t, errors.Is(err, ErrHostInvariant))
}
