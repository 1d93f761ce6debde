//go:build windows

package exemem

import "golang.org/x/sys/windows"

const (
	mprotectRX  = windows.PAGE_EXECUTE_READ
	mprotectRWX = windows.PAGE_EXECUTE_READWRITE
)

// ProtectForWrite makes size bytes at addr writable and returns the
// protection to restore once the write is done. The pages keep their
// execute bit so other threads can run through the range meanwhile.
func ProtectForWrite(addr uintptr, size int) (int, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), mprotectRWX, &old); err != nil {
		return 0, err
	}
	return int(old), nil
}

// RestoreProtect puts back the protection ProtectForWrite reported.
func RestoreProtect(addr uintptr, size, prot int) error {
	var old uint32
	return windows.VirtualProtect(addr, uintptr(size), uint32(prot), &old)
}
