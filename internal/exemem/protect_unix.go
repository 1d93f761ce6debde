//go:build unix

package exemem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// Fresh arena chunks are mapped writable. The first EndMutate seals
	// them to RX along with the rest of the arena.
	mprotectExec = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

	mprotectRX  = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

func mprotect(buf []byte, flags int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	ps := PageSize()

	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	pageStart := addr - (addr % uintptr(ps))

	// Calculate how many bytes from pageStart we need to cover.
	// This includes the offset from pageStart to addr, plus the requested length.
	offsetWithinPage := int(addr - pageStart)
	totalBytes := offsetWithinPage + len(buf)

	// Round up to cover complete pages.
	regionSize := (totalBytes + ps - 1) / ps * ps

	// Convert the memory region to a byte slice for mprotect.
	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)

	return unix.Mprotect(region, flags)
}

// ProtectForWrite makes size bytes at addr writable and returns the
// protection to restore once the write is done. Text pages keep their
// execute bit so other threads can run through the range meanwhile.
func ProtectForWrite(addr uintptr, size int) (int, error) {
	prev := mprotectRX
	if info, ok := Query(addr); ok {
		prev = info.prot
	}
	if err := mprotect(rangeSlice(addr, size), mprotectRWX); err != nil {
		return 0, err
	}
	return prev, nil
}

// RestoreProtect puts back the protection ProtectForWrite reported.
func RestoreProtect(addr uintptr, size, prot int) error {
	return mprotect(rangeSlice(addr, size), prot)
}

func rangeSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
