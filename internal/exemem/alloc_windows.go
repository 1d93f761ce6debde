//go:build windows

package exemem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/detourpkg/detour/internal/insn"
)

// VirtualAlloc snaps explicit addresses down to the 64KiB allocation
// granularity, so probing at a finer stride would retry the same block.
const allocGranularity = 1 << 16

// allocateNear commits fresh pages within near-jump range of near,
// walking outward one granule at a time and alternating above and below
// the target.
func allocateNear(near uintptr, size int) (*Region, error) {
	length := pageRound(size)
	base := near &^ (allocGranularity - 1)

	for i := uintptr(1); i <= maxProbes; i++ {
		off := i * allocGranularity
		if off+uintptr(length) >= insn.NearReach {
			break
		}

		up, down := base+off, base-off
		if down > base {
			// Walked past the bottom of the address space.
			down = 0
		}

		for _, hint := range [2]uintptr{up, down} {
			if hint == 0 {
				continue
			}
			p, err := windows.VirtualAlloc(hint, uintptr(length),
				windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
			if err != nil || p == 0 {
				continue
			}
			return &Region{buf: unsafe.Slice((*byte)(unsafe.Pointer(p)), length)}, nil
		}
	}
	return nil, errNotNear
}

func allocateFar(size int) (*Region, error) {
	length := pageRound(size)
	p, err := windows.VirtualAlloc(0, uintptr(length),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("exemem: %w", err)
	}
	return &Region{buf: unsafe.Slice((*byte)(unsafe.Pointer(p)), length)}, nil
}

func osSeal(buf []byte) error {
	var old uint32
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	return windows.VirtualProtect(addr, uintptr(len(buf)), mprotectRX, &old)
}

func osFree(buf []byte) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

// The arena allocator is mmap-backed and unix only. Regions on this OS
// never carry the arena flag.
func arenaInstall(buf, code []byte) error {
	panic("exemem: arena region on windows")
}

func arenaFree(buf []byte) error {
	panic("exemem: arena region on windows")
}
