//go:build windows

package exemem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// Query reports the committed region containing addr. ok is false only
// when the query itself fails; free or reserved addresses come back as a
// zero RegionInfo with ok true.
func Query(addr uintptr) (RegionInfo, bool) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return RegionInfo{}, false
	}
	if mbi.State != windows.MEM_COMMIT {
		return RegionInfo{}, true
	}

	info := RegionInfo{
		Start: mbi.BaseAddress,
		End:   mbi.BaseAddress + mbi.RegionSize,
		prot:  int(mbi.Protect),
	}
	switch mbi.Protect &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_EXECUTE, windows.PAGE_EXECUTE_READ,
		windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		info.Exec = true
	}
	return info, true
}
