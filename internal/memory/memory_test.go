package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslateWithinRegion(t *testing.T) {
	alloc := &AlignedMemory{}
	t.Cleanup(func() { require.NoError(t, alloc.Close()) })

	data, err := alloc.AllocAligned(64)
	require.NoError(t, err)
	base := ZoneBase(ZoneStack)
	mapping, err := NewMapping(NewRegion(base, data, true, true))
	require.NoError(t, err)

	slice, err := mapping.Translate(base+8, 4, Read|Write)
	require.NoError(t, err)
	require.Len(t, slice, 4)
}

func TestTranslateOutOfRange(t *testing.T) {
	alloc := &AlignedMemory{}
	t.Cleanup(func() { require.NoError(t, alloc.Close()) })
	data, err := alloc.AllocAligned(16)
	require.NoError(t, err)
	base := ZoneBase(ZoneInput)
	mapping, err := NewMapping(NewRegion(base, data, true, false))
	require.NoError(t, err)

	_, err = mapping.Translate(base-1, 1, Read)
	require.Error(t, err)
	var av *AccessViolation
	require.ErrorAs(t, err, &av)
	require.Equal(t, base-1, av.VAddr)
}

func TestTranslateOverflow(t *testing.T) {
	alloc := &AlignedMemory{}
	t.Cleanup(func() { require.NoError(t, alloc.Close()) })
	data, err := alloc.AllocAligned(16)
	require.NoError(t, err)
	base := ZoneBase(ZoneHeap)
	mapping, err := NewMapping(NewRegion(base, data, true, true))
	require.NoError(t, err)

	_, err = mapping.Translate(^uint64(0)-2, 8, Read)
	require.Error(t, err)
}

func TestTranslatePermissionDenied(t *testing.T) {
	alloc := &AlignedMemory{}
	t.Cleanup(func() { require.NoError(t, alloc.Close()) })
	data, err := alloc.AllocAligned(16)
	require.NoError(t, err)
	base := ZoneBase(ZoneProgram)
	mapping, err := NewMapping(NewRegion(base, data, true, false)) // read-only
	require.NoError(t, err)

	_, err = mapping.Translate(base, 4, Write)
	require.Error(t, err)
}

func TestAddRegionRejectsOverlap(t *testing.T) {
	alloc := &AlignedMemory{}
	t.Cleanup(func() { require.NoError(t, alloc.Close()) })
	a, err := alloc.AllocAligned(16)
	require.NoError(t, err)
	b, err := alloc.AllocAligned(16)
	require.NoError(t, err)

	base := ZoneBase(ZoneStack)
	mapping, err := NewMapping(NewRegion(base, a, true, true))
	require.NoError(t, err)
	err = mapping.AddRegion(NewRegion(base+8, b, true, true))
	require.Error(t, err)
}

func TestTranslateAlignedRejectsMisaligned(t *testing.T) {
	alloc := &AlignedMemory{}
	t.Cleanup(func() { require.NoError(t, alloc.Close()) })
	data, err := alloc.AllocAligned(64)
	require.NoError(t, err)
	base := ZoneBase(ZoneStack)
	mapping, err := NewMapping(NewRegion(base, data, true, true))
	require.NoError(t, err)

	_, err = mapping.TranslateAligned(base+1, 4, Read, false)
	require.Error(t, err)
	var ua *UnalignedMemoryAccess
	require.ErrorAs(t, err, &ua)

	_, err = mapping.TranslateAligned(base+1, 4, Read, true)
	require.NoError(t, err)
}

func TestZonesDoNotCollide(t *testing.T) {
	require.NotEqual(t, ZoneBase(ZoneProgram), ZoneBase(ZoneStack))
	require.NotEqual(t, ZoneBase(ZoneStack), ZoneBase(ZoneHeap))
	require.NotEqual(t, ZoneBase(ZoneHeap), ZoneBase(ZoneInput))
}
