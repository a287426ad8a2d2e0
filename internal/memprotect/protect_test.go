package memprotect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundUpToPage(t *testing.T) {
	const pageSize = 4096
	cases := map[uint32]uint32{
		0:    0,
		1:    pageSize,
		4095: pageSize,
		4096: pageSize,
		4097: 2 * pageSize,
	}
	for in, want := range cases {
		require.Equal(t, want, RoundUpToPage(in, pageSize))
	}
}

func TestMmapProtectMunmapRoundTrip(t *testing.T) {
	pageSize := PageSize()
	buf, err := Mmap(4 * pageSize)
	require.NoError(t, err)
	require.Len(t, buf, 4*pageSize)

	prot := NewOSProtector(buf)

	// Freshly mmap'd memory is read+write; writing must not fault.
	buf[0] = 0xAB
	require.EqualValues(t, 0xAB, buf[0])

	require.NoError(t, prot.Protect(uint32(pageSize), uint32(pageSize), ReadOnly))
	require.NoError(t, prot.Protect(uint32(2*pageSize), uint32(pageSize), NoAccess))
	require.NoError(t, prot.Protect(uint32(2*pageSize), uint32(pageSize), ReadWrite))

	buf[2*pageSize] = 0xCD
	require.EqualValues(t, 0xCD, buf[2*pageSize])

	require.NoError(t, Munmap(buf))
}

func TestFakeProtectorTracksModes(t *testing.T) {
	const length = 4096
	fp := NewFakeProtector()

	require.Equal(t, ReadWrite, fp.ModeAt(1000))

	require.NoError(t, fp.Protect(1000, length, NoAccess))
	require.Equal(t, NoAccess, fp.ModeAt(1000))
	require.Equal(t, NoAccess, fp.ModeAt(1000+length-1))
	require.Equal(t, ReadWrite, fp.ModeAt(1000+length))
}
