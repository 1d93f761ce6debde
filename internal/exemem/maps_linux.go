//go:build linux

package exemem

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Query reports the mapping that contains addr by scanning
// /proc/self/maps. ok is false only when the table cannot be read; an
// unmapped addr comes back as a zero RegionInfo with ok true.
func Query(addr uintptr) (RegionInfo, bool) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return RegionInfo{}, false
	}
	defer f.Close()

	// Each line looks like:
	//   55d4a8a00000-55d4a8a21000 r-xp 00000000 08:01 123456 /usr/bin/foo
	// The table is sorted by address, so stop at the first range past addr.
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		span, rest, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			continue
		}
		lo, hi, ok := strings.Cut(span, "-")
		if !ok {
			continue
		}
		start, err1 := strconv.ParseUint(lo, 16, 64)
		end, err2 := strconv.ParseUint(hi, 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if addr >= uintptr(end) {
			continue
		}
		if addr < uintptr(start) {
			// Sorted table, so addr sits in a hole before this range.
			return RegionInfo{}, true
		}

		perms, _, _ := strings.Cut(rest, " ")
		info := RegionInfo{
			Start: uintptr(start),
			End:   uintptr(end),
		}
		if strings.ContainsRune(perms, 'r') {
			info.prot |= unix.PROT_READ
		}
		if strings.ContainsRune(perms, 'w') {
			info.prot |= unix.PROT_WRITE
		}
		if strings.ContainsRune(perms, 'x') {
			info.prot |= unix.PROT_EXEC
			info.Exec = true
		}
		return info, true
	}
	return RegionInfo{}, sc.Err() == nil
}
