package detour

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/detourpkg/detour/internal/exemem"
	"github.com/detourpkg/detour/internal/insn"
)

// applyPatch overwrites the first d.patchLen bytes of the target with a
// redirect to the replacement. d.saved must already hold the original
// bytes. On error the target reads back exactly as before.
func applyPatch(d *hookDescriptor) error {
	redirect := make([]byte, d.patchLen)
	if err := insn.EncodeJump(redirect, d.target, d.replacement); err != nil {
		return errors.WithMessagef(ErrRelocation, "%v", err)
	}

	prev, err := exemem.ProtectForWrite(d.target, d.patchLen)
	if err != nil {
		return errors.WithMessagef(ErrProtection, "unprotecting %#x: %v", d.target, err)
	}

	writeCode(d.target, redirect)

	if err := exemem.RestoreProtect(d.target, d.patchLen, prev); err != nil {
		// Roll the bytes back while the pages are still writable, then
		// report the protection failure.
		writeCode(d.target, d.saved)
		if rerr := exemem.RestoreProtect(d.target, d.patchLen, prev); rerr != nil {
			logger.Warn("pages left writable at target",
				"target", fmt.Sprintf("%#x", d.target), "error", rerr)
		}
		return errors.WithMessagef(ErrProtection, "restoring protection at %#x: %v", d.target, err)
	}
	return nil
}

// revertPatch puts the saved prologue bytes back. restored reports
// whether the write happened: false means the redirect is still live,
// true with a non-nil error means only the page re-protection failed.
func revertPatch(d *hookDescriptor) (restored bool, err error) {
	prev, err := exemem.ProtectForWrite(d.target, d.patchLen)
	if err != nil {
		return false, errors.WithMessagef(ErrProtection, "unprotecting %#x: %v", d.target, err)
	}

	writeCode(d.target, d.saved)

	if err := exemem.RestoreProtect(d.target, d.patchLen, prev); err != nil {
		return true, errors.WithMessagef(ErrProtection, "restoring protection at %#x: %v", d.target, err)
	}
	return true, nil
}

func writeCode(addr uintptr, code []byte) {
	orderedWrite(addr, code)
	membarrier()
	cacheflush(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code)))
}

// orderedWrite copies code over addr so that the byte every thread
// enters through flips last. The tail is written first, then the aligned
// word holding the entry byte is swapped in with one atomic store: a
// thread arriving at addr sees either the old prologue or the finished
// redirect, never half of one. Threads already executing inside the
// patched range are not protected; see the package comment.
func orderedWrite(addr uintptr, code []byte) {
	wordAddr := addr &^ 7
	lead := int(addr - wordAddr)
	head := (*uint64)(unsafe.Pointer(wordAddr))

	// Bytes of code that land inside the entry word.
	n := 8 - lead
	if n > len(code) {
		n = len(code)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code))[n:], code[n:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], atomic.LoadUint64(head))
	copy(buf[lead:lead+n], code[:n])
	atomic.StoreUint64(head, binary.LittleEndian.Uint64(buf[:]))
}

// membarrier orders the patch stores against later instruction fetches
// as far as a cross-modifying writer can: a LOCK-prefixed op on amd64
// and an LSE atomic on arm64 are both full fences.
func membarrier() {
	atomic.AddUint32(&barrierWord, 1)
}

var barrierWord uint32
