//go:build unix && !linux

package exemem

// Query has no portable mapping table to consult here. ok is always
// false and callers fall back to conservative assumptions.
func Query(addr uintptr) (RegionInfo, bool) {
	return RegionInfo{}, false
}
