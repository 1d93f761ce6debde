//go:build !arm64

package detour

// amd64 keeps its instruction cache coherent with data writes on its
// own, so there is nothing to flush and no reason to drag in cgo.
func cacheflush(buf []byte) {}
