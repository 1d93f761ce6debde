package insn

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	branchMask = uint32(0xfc000000)

	// ----------------------------------------------
	// | 01010100 | ... 19 bit address ... | 0 | cond |
	// ----------------------------------------------
	_BCond       = uint32(0x54000000)
	condJumpMask = uint32(0xff000010)

	// ----------------------------------------------------
	// | sf | 011010 | op | ... 19 bit address ... | reg |
	// ----------------------------------------------------
	_CBZ        = uint32(0x34000000)
	cmpJumpMask = uint32(0x7e000000)

	// ---------------------------------------------------------
	// | b5 | 011011 | op | b40 | ... 14 bit address ... | reg |
	// ---------------------------------------------------------
	_TBZ         = uint32(0x36000000)
	testJumpMask = uint32(0x7e000000)

	// ADR/ADRP is encoded as:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	_ADR    = uint32(0x10000000)
	_ADRP   = uint32(0x90000000)
	adrMask = uint32(0x9f000000)

	// Mask for the ADR/ADRP address:
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)

	// All of the load-literal forms (LDR, LDRSW, PRFM and the SIMD
	// variants) share opc | 011 | V | 00 in bits 29-24.
	_LoadLit    = uint32(0x18000000)
	loadLitMask = uint32(0x3b000000)

	imm19Mask = uint32(0x7ffff << 5)
	imm14Mask = uint32(0x3fff << 5)

	_LDRX17lit8 = uint32(0x58000051) // LDR X17, 8
	_BRX17      = uint32(0xd61f0220) // BR X17

	// MaxInstLen is fixed, every instruction is one word.
	MaxInstLen = 4

	// NearJumpLen is a B instruction, reaching 128MiB in either
	// direction.
	NearJumpLen = 4

	// FarJumpLen is LDR/BR through X17 with the destination address
	// inline. X17 is the second intra-procedure-call register, reserved
	// for exactly this kind of veneer.
	FarJumpLen = 16

	// NearReach is the B instruction's range, 128MiB in either direction.
	NearReach = 1 << 27
)

// DecodeOne decodes the word at code[0]. addr is the address the word
// executes from; it anchors the absolute target of PC-relative forms.
func DecodeOne(code []byte, addr uintptr) (Instruction, error) {
	if len(code) < 4 {
		return Instruction{}, fmt.Errorf("%w: %d trailing bytes at %#x", ErrUndecodable, len(code), addr)
	}
	if _, err := arm64asm.Decode(code[:4]); err != nil {
		return Instruction{}, fmt.Errorf("%w: % x at %#x: %v", ErrUndecodable, code[:4], addr, err)
	}

	in := Instruction{Addr: addr, Len: 4, Kind: Plain}
	enc := binary.LittleEndian.Uint32(code)

	switch {
	case enc&branchMask == _B:
		in.Kind = RelBranch
		in.Target = relTarget(addr, signExtend(enc&(1<<26-1), 26)<<2)
	case enc&branchMask == _BL:
		in.Kind = RelCall
		in.Target = relTarget(addr, signExtend(enc&(1<<26-1), 26)<<2)
	case enc&condJumpMask == _BCond, enc&cmpJumpMask == _CBZ:
		in.Kind = RelBranch
		in.Target = relTarget(addr, signExtend(enc>>5&(1<<19-1), 19)<<2)
	case enc&testJumpMask == _TBZ:
		in.Kind = RelBranch
		in.Target = relTarget(addr, signExtend(enc>>5&(1<<14-1), 14)<<2)
	case enc&loadLitMask == _LoadLit:
		in.Kind = PCRelData
		in.Target = relTarget(addr, signExtend(enc>>5&(1<<19-1), 19)<<2)
	case enc&adrMask == _ADR:
		in.Kind = PCRelData
		in.Target = relTarget(addr, adrOffset(enc))
	case enc&adrMask == _ADRP:
		in.Kind = PCRelData
		in.Target = relTarget(addr&^0xfff, adrOffset(enc)<<12)
	}

	return in, nil
}

func relTarget(addr uintptr, offset int64) uintptr {
	return uintptr(int64(addr) + offset)
}

func signExtend(v uint32, bits uint) int64 {
	return int64(uint64(v)<<(64-bits)) >> (64 - bits)
}

func adrOffset(enc uint32) int64 {
	imm21 := (enc >> 5 & (1<<19 - 1) << 2) | (enc >> 29 & 3)
	return signExtend(imm21, 21)
}

// RelocatedMax returns the encoded size of in once moved. Nothing widens,
// every re-encoding is another single word.
func RelocatedMax(in Instruction, code []byte) int {
	return 4
}

// Relocate encodes in, whose original bytes are code[:4], at newAddr into
// dst. The rewritten displacement must still reach the original target
// from there; unlike amd64 there is no wider encoding to fall back on.
func Relocate(dst, code []byte, in Instruction, newAddr uintptr) (int, error) {
	if len(dst) < 4 {
		return 0, fmt.Errorf("%w: need 4 bytes", ErrShortBuffer)
	}

	enc := binary.LittleEndian.Uint32(code)

	switch in.Kind {
	case Plain:
		copy(dst, code[:4])
		return 4, nil

	case RelBranch, RelCall, PCRelData:
		switch {
		case enc&branchMask == _B, enc&branchMask == _BL:
			offset := int64(in.Target) - int64(newAddr)
			if offset < -(1<<27) || offset >= 1<<27 {
				return 0, fmt.Errorf("%w: branch target out of range: %d bytes exceeds 128MiB", ErrRange, offset)
			}
			enc = enc&branchMask | uint32(offset>>2)&(1<<26-1)

		case enc&condJumpMask == _BCond, enc&cmpJumpMask == _CBZ, enc&loadLitMask == _LoadLit:
			offset := int64(in.Target) - int64(newAddr)
			if offset < -(1<<20) || offset >= 1<<20 {
				return 0, fmt.Errorf("%w: target out of range: %d bytes exceeds 1MiB", ErrRange, offset)
			}
			enc = enc&^imm19Mask | uint32(offset>>2)&(1<<19-1)<<5

		case enc&testJumpMask == _TBZ:
			offset := int64(in.Target) - int64(newAddr)
			if offset < -(1<<15) || offset >= 1<<15 {
				return 0, fmt.Errorf("%w: target out of range: %d bytes exceeds 32KiB", ErrRange, offset)
			}
			enc = enc&^imm14Mask | uint32(offset>>2)&(1<<14-1)<<5

		case enc&adrMask == _ADR:
			offset := int64(in.Target) - int64(newAddr)
			if offset < -(1<<20) || offset >= 1<<20 {
				return 0, fmt.Errorf("%w: ADR target out of range: %d bytes exceeds 1MiB", ErrRange, offset)
			}
			p := uint32(offset)
			enc = enc&^adrAddressMask | (p&3)<<29 | (p>>2&(1<<19-1))<<5

		case enc&adrMask == _ADRP:
			// Page-align both addresses before computing the offset.
			pages := (int64(in.Target) - int64(newAddr&^0xfff)) >> 12
			if pages < -(1<<20) || pages >= 1<<20 {
				return 0, fmt.Errorf("%w: ADRP target out of range: %d pages exceeds 4GiB", ErrRange, pages)
			}
			p := uint32(pages)
			enc = enc&^adrAddressMask | (p&3)<<29 | (p>>2&(1<<19-1))<<5

		default:
			return 0, fmt.Errorf("%w: %s at %#x", ErrUnsupported, in.Kind, in.Addr)
		}

		binary.LittleEndian.PutUint32(dst, enc)
		return 4, nil
	}

	return 0, fmt.Errorf("%w: %s at %#x", ErrUnsupported, in.Kind, in.Addr)
}

// JumpLen returns the size of the redirect EncodeJump would emit from one
// address to another.
func JumpLen(from, to uintptr) int {
	if bReachable(from, to) {
		return NearJumpLen
	}
	return FarJumpLen
}

func bReachable(from, to uintptr) bool {
	offset := int64(to) - int64(from)
	return offset >= -(1<<27) && offset < 1<<27
}

// EncodeJump fills buf with an unconditional jump from from to to. The jump
// occupies the first JumpLen(from, to) bytes; the rest of the buffer is
// padded with nulls.
func EncodeJump(buf []byte, from, to uintptr) error {
	if bReachable(from, to) {
		if len(buf) < NearJumpLen {
			return fmt.Errorf("%w: need %d bytes for jump", ErrShortBuffer, NearJumpLen)
		}
		offset := int64(to) - int64(from)
		binary.LittleEndian.PutUint32(buf, _B|uint32(offset>>2)&(1<<26-1))
		padZero(buf[NearJumpLen:])
		return nil
	}

	if len(buf) < FarJumpLen {
		return fmt.Errorf("%w: need %d bytes for jump", ErrShortBuffer, FarJumpLen)
	}
	binary.LittleEndian.PutUint32(buf, _LDRX17lit8)
	binary.LittleEndian.PutUint32(buf[4:], _BRX17)
	binary.LittleEndian.PutUint64(buf[8:], uint64(to))
	padZero(buf[FarJumpLen:])
	return nil
}

func padZero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// IsPad reports whether code starts with inter-function padding, which the
// linker fills with zero words.
func IsPad(code []byte) bool {
	return len(code) >= 4 && binary.LittleEndian.Uint32(code) == 0
}
