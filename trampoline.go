package detour

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/detourpkg/detour/internal/exemem"
	"github.com/detourpkg/detour/internal/insn"
)

// maxPrologueScan bounds how many target bytes are decoded. The redirect
// needs at most insn.FarJumpLen bytes and no instruction is longer than
// insn.MaxInstLen, so a prologue that runs past this without covering the
// redirect is pathological.
const maxPrologueScan = 64

// buildTrampoline decodes the target's prologue, copies it, relocated,
// into fresh executable memory and finishes with a jump back to the rest
// of the target. On success d.saved, d.patchLen and d.trampoline are
// filled in; on error nothing is left allocated.
func buildTrampoline(d *hookDescriptor) error {
	scan := maxPrologueScan
	if info, ok := exemem.Query(d.target); ok {
		if !info.Exec {
			return errors.WithMessagef(ErrValidation, "target %#x is not executable", d.target)
		}
		if avail := int(info.End - d.target); avail < scan {
			scan = avail
		}
	}

	needed := insn.JumpLen(d.target, d.replacement)
	if scan < needed {
		return errors.WithMessagef(ErrRelocation,
			"%d executable bytes at %#x, redirect needs %d", scan, d.target, needed)
	}

	window := unsafe.Slice((*byte)(unsafe.Pointer(d.target)), scan)

	// Decode whole instructions until the redirect fits over them.
	var (
		prologue []insn.Instruction
		length   int
		worst    int
	)
	for length < needed {
		rest := window[length:]
		if insn.IsPad(rest) {
			return errors.WithMessagef(ErrRelocation,
				"function at %#x ends %d bytes in, before the %d byte redirect fits",
				d.target, length, needed)
		}
		in, err := insn.DecodeOne(rest, d.target+uintptr(length))
		if err != nil {
			return errors.WithMessagef(ErrDecode, "offset %d: %v", length, err)
		}
		if in.Kind == insn.Unsupported {
			return errors.WithMessagef(ErrRelocation,
				"instruction at %#x+%d cannot be moved", d.target, length)
		}
		prologue = append(prologue, in)
		worst += insn.RelocatedMax(in, rest)
		length += in.Len
	}

	// An instruction that refers back into the bytes being replaced
	// cannot be preserved: its referent is about to become the middle of
	// the redirect.
	for _, in := range prologue {
		if in.Kind == insn.Plain {
			continue
		}
		if in.Target >= d.target && in.Target < d.target+uintptr(length) {
			return errors.WithMessagef(ErrRelocation,
				"instruction at %#x targets %#x inside the patched range", in.Addr, in.Target)
		}
	}

	region, err := exemem.Allocate(d.target, worst+insn.FarJumpLen)
	if err != nil {
		return errors.WithMessagef(ErrAllocation, "%v", err)
	}

	// Encode into a scratch buffer first. The region may be sealed
	// between mutations, and a failed relocation must not leave a half
	// written trampoline behind.
	code := make([]byte, region.Size())
	out := 0
	for _, in := range prologue {
		off := int(in.Addr - d.target)
		n, err := insn.Relocate(code[out:], window[off:off+in.Len], in, region.Addr()+uintptr(out))
		if err != nil {
			_ = region.Free()
			return errors.WithMessagef(ErrRelocation, "%v", err)
		}
		out += n
	}

	// Continue in the original body right after the displaced prologue.
	// EncodeJump pads the rest of the region behind the jump.
	cont := d.target + uintptr(length)
	if err := insn.EncodeJump(code[out:], region.Addr()+uintptr(out), cont); err != nil {
		_ = region.Free()
		return errors.WithMessagef(ErrRelocation, "%v", err)
	}

	if err := region.Install(code); err != nil {
		_ = region.Free()
		return errors.WithMessagef(ErrProtection, "sealing trampoline: %v", err)
	}
	cacheflush(region.Bytes())

	d.saved = append([]byte(nil), window[:length]...)
	d.patchLen = length
	d.trampoline = region
	return nil
}
