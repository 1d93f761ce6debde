package insn

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLrel  = 0xe8 // CALL rel32
	opcodeINT3     = 0xcc
	opcodeJMPrel   = 0xe9 // JMP rel32
	opcodeJMPshort = 0xeb // JMP rel8
	opcodeTwoByte  = 0x0f

	// PUSH imm32 / MOV imm32, [SP+4] / RET. Reaches any 64-bit address
	// without clobbering a register.
	opcodePUSHimm = 0x68
	opcodeMOVimm  = 0xc7
	opcodeRET     = 0xc3

	// MaxInstLen is the architectural limit on a single encoding.
	MaxInstLen = 15

	// NearJumpLen is a JMP rel32, usable within a signed 32-bit
	// displacement of the destination.
	NearJumpLen = 5

	// FarJumpLen is the push/mov/ret sequence for everything else.
	FarJumpLen = 14

	// NearReach is how far a near jump can land from its own address.
	NearReach = 1<<31 - 1
)

// DecodeOne decodes the instruction at code[0]. addr is the address the
// bytes execute from; it anchors the absolute target of PC-relative forms.
// The decoder reads only within code.
func DecodeOne(code []byte, addr uintptr) (Instruction, error) {
	if len(code) == 0 {
		return Instruction{}, fmt.Errorf("%w: empty buffer at %#x", ErrUndecodable, addr)
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: %02x at %#x: %v", ErrUndecodable, code[0], addr, err)
	}
	// A lone prefix byte "decodes" with no opcode. Treat it like garbage.
	if inst.Opcode == 0 && inst.Len == 1 && inst.Prefix[0] == x86asm.Prefix(code[0]) {
		return Instruction{}, fmt.Errorf("%w: prefix %02x with no opcode at %#x", ErrUndecodable, code[0], addr)
	}

	in := Instruction{Addr: addr, Len: inst.Len, Kind: Plain}
	next := int64(addr) + int64(inst.Len)

	var (
		rel     int64
		ripDisp int64
		hasRel  bool
		hasRIP  bool
		hasImm  bool
	)
	for _, arg := range inst.Args {
		switch a := arg.(type) {
		case x86asm.Rel:
			hasRel = true
			rel = int64(a)
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				hasRIP = true
				// x86asm leaves disp32 zero-extended in Disp. RIP
				// addressing only has the 32-bit form, so the sign
				// lives in bit 31.
				ripDisp = int64(int32(a.Disp))
			}
		case x86asm.Imm:
			hasImm = true
		}
	}

	switch {
	case hasRel:
		in.Target = uintptr(next + rel)
		switch {
		case inst.Op == x86asm.CALL:
			if code[0] == opcodeCALLrel && inst.Len == 5 {
				in.Kind = RelCall
			} else {
				in.Kind = Unsupported
			}
		case canonicalBranch(code, inst.Len):
			in.Kind = RelBranch
		default:
			// LOOP/JCXZ and friends have no 32-bit displacement
			// form, and a prefixed branch won't match the shapes
			// the relocator knows how to widen.
			in.Kind = Unsupported
		}
	case hasRIP:
		if hasImm || hasVEXPrefix(code) {
			// The displacement is no longer the last field of the
			// encoding, so it cannot be patched in place.
			in.Kind = Unsupported
		} else {
			in.Kind = PCRelData
			in.Target = uintptr(next + ripDisp)
		}
	}

	return in, nil
}

// canonicalBranch reports whether the encoding is one of the unprefixed
// relative branch forms the relocator can rewrite.
func canonicalBranch(code []byte, n int) bool {
	switch {
	case code[0] == opcodeJMPshort:
		return n == 2
	case code[0] == opcodeJMPrel:
		return n == 5
	case code[0] == opcodeTwoByte:
		return n == 6 && code[1]&0xf0 == 0x80
	case code[0]&0xf0 == 0x70:
		return n == 2
	}
	return false
}

// hasVEXPrefix reports whether the first opcode byte after any legacy
// prefixes is a VEX or EVEX escape. In 64-bit mode c4, c5 and 62 always are.
func hasVEXPrefix(code []byte) bool {
	i := 0
scan:
	for i < len(code) {
		switch code[i] {
		case 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x65, 0x66, 0x67, 0xf0, 0xf2, 0xf3:
			i++
		default:
			break scan
		}
	}
	if i >= len(code) {
		return false
	}
	return code[i] == 0xc4 || code[i] == 0xc5 || code[i] == 0x62
}

// RelocatedMax returns the worst-case encoded size of in once moved. A
// short branch may widen from a 1-byte to a 4-byte displacement.
func RelocatedMax(in Instruction, code []byte) int {
	if in.Kind == RelBranch && in.Len == 2 {
		if code[0] == opcodeJMPshort {
			return 5
		}
		return 6 // 0f 8x rel32
	}
	return in.Len
}

// Relocate encodes in, whose original bytes are code[:in.Len], at newAddr
// into dst. It returns the number of bytes written, which may exceed in.Len
// when a short displacement is widened.
func Relocate(dst, code []byte, in Instruction, newAddr uintptr) (int, error) {
	switch in.Kind {
	case Plain:
		if len(dst) < in.Len {
			return 0, fmt.Errorf("%w: need %d bytes", ErrShortBuffer, in.Len)
		}
		copy(dst, code[:in.Len])
		return in.Len, nil

	case RelBranch, RelCall:
		var op0, op1 byte
		opLen := 1
		switch {
		case code[0] == opcodeCALLrel || code[0] == opcodeJMPrel:
			op0 = code[0]
		case code[0] == opcodeJMPshort:
			op0 = opcodeJMPrel
		case code[0] == opcodeTwoByte:
			op0, op1 = opcodeTwoByte, code[1]
			opLen = 2
		default: // 7x rel8
			op0, op1 = opcodeTwoByte, 0x80|code[0]&0x0f
			opLen = 2
		}

		n := opLen + 4
		if len(dst) < n {
			return 0, fmt.Errorf("%w: need %d bytes", ErrShortBuffer, n)
		}
		disp := int64(in.Target) - (int64(newAddr) + int64(n))
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return 0, fmt.Errorf("%w: branch target %#x unreachable from %#x", ErrRange, in.Target, newAddr)
		}
		dst[0] = op0
		if opLen == 2 {
			dst[1] = op1
		}
		binary.LittleEndian.PutUint32(dst[opLen:], uint32(disp))
		return n, nil

	case PCRelData:
		if len(dst) < in.Len {
			return 0, fmt.Errorf("%w: need %d bytes", ErrShortBuffer, in.Len)
		}
		copy(dst, code[:in.Len])
		disp := int64(in.Target) - (int64(newAddr) + int64(in.Len))
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return 0, fmt.Errorf("%w: unable to translate instruction relative address at %#x", ErrRange, in.Addr)
		}
		binary.LittleEndian.PutUint32(dst[in.Len-4:], uint32(disp))
		return in.Len, nil
	}

	return 0, fmt.Errorf("%w: %s at %#x", ErrUnsupported, in.Kind, in.Addr)
}

// JumpLen returns the size of the redirect EncodeJump would emit from one
// address to another.
func JumpLen(from, to uintptr) int {
	if rel32Reachable(from, to) {
		return NearJumpLen
	}
	return FarJumpLen
}

func rel32Reachable(from, to uintptr) bool {
	disp := int64(to) - (int64(from) + NearJumpLen)
	return disp >= math.MinInt32 && disp <= math.MaxInt32
}

// EncodeJump fills buf with an unconditional jump from from to to. The jump
// occupies the first JumpLen(from, to) bytes; the rest of the buffer is
// padded with INT3 opcodes to match what the compiler does between
// functions.
func EncodeJump(buf []byte, from, to uintptr) error {
	if rel32Reachable(from, to) {
		if len(buf) < NearJumpLen {
			return fmt.Errorf("%w: need %d bytes for jump", ErrShortBuffer, NearJumpLen)
		}
		buf[0] = opcodeJMPrel
		binary.LittleEndian.PutUint32(buf[1:], uint32(int64(to)-(int64(from)+NearJumpLen)))
		padINT3(buf[NearJumpLen:])
		return nil
	}

	if len(buf) < FarJumpLen {
		return fmt.Errorf("%w: need %d bytes for jump", ErrShortBuffer, FarJumpLen)
	}

	// PUSH pushes the sign-extended low half, the MOV fixes the high half
	// in place on the stack and RET pops the result into the PC.
	buf[0] = opcodePUSHimm
	binary.LittleEndian.PutUint32(buf[1:], uint32(to))
	buf[5] = opcodeMOVimm
	buf[6] = 0x44
	buf[7] = 0x24
	buf[8] = 0x04
	binary.LittleEndian.PutUint32(buf[9:], uint32(to>>32))
	buf[13] = opcodeRET
	padINT3(buf[FarJumpLen:])
	return nil
}

func padINT3(buf []byte) {
	for i := range buf {
		buf[i] = opcodeINT3
	}
}

// IsPad reports whether code starts with inter-function padding.
func IsPad(code []byte) bool {
	return len(code) > 0 && code[0] == opcodeINT3
}
