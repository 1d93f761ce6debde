package detour

import (
	"bytes"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detourpkg/detour/internal/exemem"
	"github.com/detourpkg/detour/internal/insn"
)

//go:noinline
func seven() int { return 7 }

//go:noinline
func fortyTwo() int { return 42 }

//go:noinline
func addThree(n int) int { return n + 3 }

//go:noinline
func addFour(n int) int { return n + 4 }

func prologue(addr uintptr, n int) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)...)
}

func TestHookLeafFunction(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	target := entry(t, seven)
	replacement := entry(t, fortyTwo)
	before := prologue(target, 16)

	h, err := Install(target, replacement)
	require.NoError(err)
	t.Cleanup(func() { _ = h.Uninstall() })

	assert.Equal(42, seven())
	assert.True(Installed(target))
	assert.Equal(target, h.Target())
	assert.Equal(replacement, h.Replacement())

	// return 7 compiles to a 5-byte mov followed by ret, so the redirect
	// displaces exactly the mov.
	assert.Equal(insn.NearJumpLen, h.PatchedLen())

	orig := funcAt[func() int](h.OriginalEntryPoint())
	assert.Equal(7, orig(), "trampoline should behave like the unhooked target")

	require.NoError(h.Uninstall())
	assert.Equal(7, seven())
	assert.False(Installed(target))
	assert.Equal(before, prologue(target, 16), "prologue bytes differ after uninstall")
	assert.Zero(h.OriginalEntryPoint())
}

func TestHookPassesArguments(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h, err := Install(entry(t, addThree), entry(t, addFour))
	require.NoError(err)
	t.Cleanup(func() { _ = h.Uninstall() })

	assert.Equal(14, addThree(10))

	orig := funcAt[func(int) int](h.OriginalEntryPoint())
	for _, n := range []int{0, 1, -1, 1 << 40} {
		assert.Equal(n+3, orig(n))
	}

	require.NoError(h.Uninstall())
	assert.Equal(13, addThree(10))
}

func TestInstallTwice(t *testing.T) {
	target := entry(t, seven)

	h, err := Install(target, entry(t, fortyTwo))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Uninstall() })

	_, err = Install(target, entry(t, fortyTwo))
	assert.ErrorIs(t, err, ErrAlreadyHooked)

	require.NoError(t, h.Uninstall())

	// The slot is free again.
	h2, err := Install(target, entry(t, fortyTwo))
	require.NoError(t, err)
	require.NoError(t, h2.Uninstall())
}

func TestUninstallTwice(t *testing.T) {
	h, err := Install(entry(t, seven), entry(t, fortyTwo))
	require.NoError(t, err)

	require.NoError(t, h.Uninstall())
	assert.ErrorIs(t, h.Uninstall(), ErrNotFound)
}

func TestInstallUnmappedTarget(t *testing.T) {
	// Nothing is mapped this low.
	_, err := Install(0x1000, entry(t, fortyTwo))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInstallDataTarget(t *testing.T) {
	buf := make([]byte, 64)

	_, err := Install(uintptr(unsafe.Pointer(&buf[0])), entry(t, fortyTwo))
	assert.ErrorIs(t, err, ErrValidation)
	runtime.KeepAlive(buf)
}

func TestSelfReferentialPrologue(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// jmp .+0 branches to its own successor, which sits inside the range
	// the redirect would overwrite.
	code := []byte{0xeb, 0x00, 0x90, 0x90, 0x90, 0x90, 0x90, 0xc3}

	region, err := exemem.Allocate(entry(t, seven), len(code))
	require.NoError(err)
	t.Cleanup(func() { _ = region.Free() })
	require.NoError(region.Install(code))

	target := region.Addr()
	_, err = Install(target, entry(t, fortyTwo))
	assert.ErrorIs(err, ErrRelocation)

	assert.Equal(code, region.Bytes()[:len(code)], "failed install must not touch the target")
	assert.False(Installed(target))
	assert.Equal(0, Count())
}

func TestInstallShortFunction(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// add rax, rax / ret, then inter-function padding. Four bytes of code
	// end before the five byte redirect fits.
	code := []byte{0x48, 0x01, 0xc0, 0xc3, 0xcc, 0xcc, 0xcc, 0xcc}

	region, err := exemem.Allocate(entry(t, seven), len(code))
	require.NoError(err)
	t.Cleanup(func() { _ = region.Free() })
	require.NoError(region.Install(code))

	target := region.Addr()
	_, err = Install(target, entry(t, fortyTwo))
	assert.ErrorIs(err, ErrRelocation)

	assert.Equal(code, region.Bytes()[:len(code)], "failed install must not touch the target")
	assert.False(Installed(target))
}

func TestConcurrentInstall(t *testing.T) {
	target := entry(t, addThree)
	replacement := entry(t, addFour)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		hooks   []*Hook
		already int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := Install(target, replacement)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				hooks = append(hooks, h)
			case errors.Is(err, ErrAlreadyHooked):
				already++
			default:
				t.Errorf("unexpected install error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, hooks, 1, "exactly one install may win")
	assert.Equal(t, n-1, already)
	assert.Equal(t, 14, addThree(10))

	require.NoError(t, hooks[0].Uninstall())
	assert.Equal(t, 13, addThree(10))
}

func TestRepeatedCycles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 10000 hook cycles in short mode")
	}

	assert := assert.New(t)
	require := require.New(t)

	target := entry(t, seven)
	replacement := entry(t, fortyTwo)
	before := prologue(target, 16)
	regions := exemem.LiveRegions()

	for i := 0; i < 10000; i++ {
		h, err := Install(target, replacement)
		require.NoError(err, "cycle %d", i)
		if i%1000 == 0 {
			require.Equal(42, seven(), "cycle %d", i)
		}
		require.NoError(h.Uninstall(), "cycle %d", i)
	}

	assert.Equal(regions, exemem.LiveRegions(), "trampoline regions leaked")
	assert.Equal(0, Count())
	assert.Equal(before, prologue(target, 16))
	assert.Equal(7, seven())
}

func TestRegistryIsolation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := NewRegistry()
	target := entry(t, seven)

	h, err := r.Install(target, entry(t, fortyTwo))
	require.NoError(err)
	t.Cleanup(func() { _ = h.Uninstall() })

	assert.True(r.Installed(target))
	assert.Equal(1, r.Count())
	assert.False(Installed(target), "default registry should not see the hook")

	require.NoError(r.UninstallAll())
	assert.Equal(0, r.Count())
	assert.Equal(7, seven())
}

func TestUninstallAll(t *testing.T) {
	require := require.New(t)

	_, err := Install(entry(t, seven), entry(t, fortyTwo))
	require.NoError(err)
	_, err = Install(entry(t, addThree), entry(t, addFour))
	require.NoError(err)
	require.Equal(2, Count())

	require.NoError(UninstallAll())
	assert.Equal(t, 0, Count())
	assert.Equal(t, 7, seven())
	assert.Equal(t, 13, addThree(10))
}

func TestInstallLogging(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { SetLogger(nil) })

	h, err := Install(entry(t, seven), entry(t, fortyTwo))
	require.NoError(t, err)
	require.NoError(t, h.Uninstall())

	out := buf.String()
	assert.Contains(t, out, "hook installed")
	assert.Contains(t, out, "hook removed")
}
