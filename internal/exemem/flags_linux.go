//go:build linux

package exemem

import "golang.org/x/sys/unix"

// Linux 4.17 and later will refuse a hinted mapping that would land on an
// existing one instead of silently relocating it, which is exactly what
// the probe walk needs.
//
// https://man7.org/linux/man-pages/man2/mmap.2.html
const _MAP_FIXED_NOREPLACE = unix.MAP_FIXED_NOREPLACE
