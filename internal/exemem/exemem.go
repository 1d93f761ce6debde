// Package exemem allocates executable memory for trampolines and toggles
// page protection around patch writes.
package exemem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/detourpkg/detour/internal/insn"
)

var errNotNear = errors.New("exemem: allocation landed outside near-jump range")

// The page size never changes for the life of the process; resolve it once
// and every caller sees the same value.
var pageSize = sync.OnceValue(os.Getpagesize)

func PageSize() int {
	return pageSize()
}

func pageRound(n int) int {
	ps := PageSize()
	return (n + ps - 1) / ps * ps
}

// maxProbes bounds the hinted-allocation walk. Past this the fallback
// allocator with a longer jump encoding is cheaper than more syscalls.
const maxProbes = 1024

var liveRegions atomic.Int64

// LiveRegions returns the number of regions currently allocated and not
// yet freed.
func LiveRegions() int64 {
	return liveRegions.Load()
}

// RegionInfo describes the mapped region containing an address.
type RegionInfo struct {
	Start, End uintptr
	Exec       bool
	prot       int
}

// Region is one executable allocation. It starts out writable; Install
// copies code in and seals it.
type Region struct {
	buf   []byte
	used  int
	arena bool
}

func (r *Region) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.buf)))
}

func (r *Region) Size() int {
	return len(r.buf)
}

// Used returns how many bytes Install wrote.
func (r *Region) Used() int {
	return r.used
}

func (r *Region) Bytes() []byte {
	return r.buf
}

// Install copies code into the region and seals it executable.
func (r *Region) Install(code []byte) error {
	if len(code) > len(r.buf) {
		return fmt.Errorf("exemem: %d bytes of code exceed %d byte region", len(code), len(r.buf))
	}
	r.used = len(code)
	if r.arena {
		return arenaInstall(r.buf, code)
	}
	copy(r.buf, code)
	return osSeal(r.buf)
}

// Free releases the region. Calling it twice is a no-op.
func (r *Region) Free() error {
	if r == nil || r.buf == nil {
		return nil
	}
	buf := r.buf
	r.buf = nil
	r.used = 0
	liveRegions.Add(-1)
	if r.arena {
		return arenaFree(buf)
	}
	return osFree(buf)
}

// Allocate obtains size bytes that can be sealed executable, ideally
// within near-jump range of near. Proximity is best effort: when no nearby
// pages can be found the fallback allocator is used and the caller pairs
// the region with a longer jump encoding.
func Allocate(near uintptr, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("exemem: bad region size %d", size)
	}
	if r, err := allocateNear(near, size); err == nil {
		liveRegions.Add(1)
		return r, nil
	}
	r, err := allocateFar(size)
	if err != nil {
		return nil, err
	}
	liveRegions.Add(1)
	return r, nil
}

func withinReach(near uintptr, buf []byte) bool {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	d := addr - near
	if near > addr {
		d = near - addr
	}
	return d+uintptr(len(buf)) < insn.NearReach
}
