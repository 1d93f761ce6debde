//go:build unix

package exemem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/detourpkg/detour/internal/insn"
)

// probeStep is the stride of the hinted-mmap walk.
const probeStep = 1 << 20

// allocateNear maps fresh pages within near-jump range of near. Probes
// walk outward from the target a megabyte at a time, alternating above
// and below, until a mapping sticks or the walk leaves jump range.
func allocateNear(near uintptr, size int) (*Region, error) {
	length := pageRound(size)
	base := near &^ uintptr(PageSize()-1)

	if _MAP_FIXED_NOREPLACE == 0 {
		// The hint is advisory here, so walking would just re-ask the
		// same question. Ask once and keep the answer only if it landed
		// close enough.
		buf, err := mmapProbe(base, length, 0)
		if err != nil {
			return nil, err
		}
		if !withinReach(near, buf) {
			_ = osFree(buf)
			return nil, errNotNear
		}
		return &Region{buf: buf}, nil
	}

	for i := uintptr(1); i <= maxProbes; i++ {
		off := i * probeStep
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
			buf, err := mmapProbe(hint, length, _MAP_FIXED_NOREPLACE)
			if err != nil {
				continue
			}
			return &Region{buf: buf}, nil
		}
	}
	return nil, errNotNear
}

func mmapProbe(hint uintptr, length, fixed int) ([]byte, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|fixed)
	if err != nil {
		return nil, err
	}
	if fixed != 0 && uintptr(p) != hint {
		// Kernels that predate the no-replace flag treat it as a plain
		// hint and may hand back some other range.
		_ = unix.MunmapPtr(p, uintptr(length))
		return nil, errNotNear
	}
	return unsafe.Slice((*byte)(p), length), nil
}

func osSeal(buf []byte) error {
	return mprotect(buf, mprotectRX)
}

func osFree(buf []byte) error {
	return unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(buf)), uintptr(len(buf)))
}
