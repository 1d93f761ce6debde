//go:build linux

package exemem

import (
	"bytes"
	"reflect"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageRound(t *testing.T) {
	ps := PageSize()

	assert.Equal(t, 0, pageRound(0))
	assert.Equal(t, ps, pageRound(1))
	assert.Equal(t, ps, pageRound(ps))
	assert.Equal(t, 2*ps, pageRound(ps+1))
}

func TestAllocateNearTarget(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	before := LiveRegions()
	near := reflect.ValueOf(TestAllocateNearTarget).Pointer()

	r, err := Allocate(near, 64)
	require.NoError(err)
	t.Cleanup(func() { _ = r.Free() })

	assert.Equal(before+1, LiveRegions())
	assert.GreaterOrEqual(r.Size(), 64)
	assert.True(withinReach(near, r.buf), "region at %#x is not reachable from %#x", r.Addr(), near)

	code := []byte{0x11, 0x22, 0x33, 0x44}
	require.NoError(r.Install(code))
	assert.Equal(len(code), r.Used())
	assert.Equal(code, r.Bytes()[:r.Used()])

	// Install seals the pages executable.
	info, ok := Query(r.Addr())
	require.True(ok)
	assert.True(info.Exec)

	require.NoError(r.Free())
	assert.Equal(before, LiveRegions())
}

func TestAllocateFar(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r, err := allocateFar(32)
	require.NoError(err)
	liveRegions.Add(1) // Allocate normally does this bookkeeping.
	t.Cleanup(func() { _ = r.Free() })

	require.True(r.arena)
	assert.Equal(32, r.Size())

	code := bytes.Repeat([]byte{0x5a}, 16)
	require.NoError(r.Install(code))
	assert.Equal(code, r.Bytes()[:r.Used()])

	info, ok := Query(r.Addr())
	require.True(ok)
	assert.True(info.Exec, "arena should be sealed executable between mutations")
}

func TestAllocateBadSize(t *testing.T) {
	_, err := Allocate(0, 0)
	assert.Error(t, err)

	_, err = Allocate(0, -4096)
	assert.Error(t, err)
}

func TestRegionInstallTooBig(t *testing.T) {
	near := reflect.ValueOf(TestRegionInstallTooBig).Pointer()

	r, err := Allocate(near, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Free() })

	err = r.Install(make([]byte, r.Size()+1))
	assert.Error(t, err)
}

func TestRegionFreeTwice(t *testing.T) {
	before := LiveRegions()

	r, err := Allocate(reflect.ValueOf(TestRegionFreeTwice).Pointer(), 16)
	require.NoError(t, err)

	require.NoError(t, r.Free())
	require.NoError(t, r.Free())
	assert.Equal(t, before, LiveRegions())

	var nilRegion *Region
	assert.NoError(t, nilRegion.Free())
}

func TestQuery(t *testing.T) {
	t.Run("code address", func(t *testing.T) {
		addr := reflect.ValueOf(TestQuery).Pointer()

		info, ok := Query(addr)
		require.True(t, ok)
		assert.True(t, info.Exec)
		assert.LessOrEqual(t, info.Start, addr)
		assert.Greater(t, info.End, addr)
	})

	t.Run("heap address", func(t *testing.T) {
		b := make([]byte, 4096)
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))

		info, ok := Query(addr)
		require.True(t, ok)
		assert.False(t, info.Exec)
		runtime.KeepAlive(b)
	})

	t.Run("null page", func(t *testing.T) {
		// Nothing maps the first page, so this lands in a hole. The
		// lookup itself still succeeds.
		info, ok := Query(0)
		require.True(t, ok)
		assert.False(t, info.Exec)
		assert.Zero(t, info.End)
	})
}
