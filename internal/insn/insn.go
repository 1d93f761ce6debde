// Package insn decodes single machine instructions and re-encodes the
// position-dependent ones at a new address.
//
// Only amd64 and arm64 are supported. Both architectures expose the same
// surface: DecodeOne, Relocate, RelocatedMax, JumpLen, EncodeJump and IsPad.
package insn

import "errors"

// Kind classifies how an instruction's encoding relates to its own address.
type Kind uint8

const (
	// Plain instructions are position-independent and copied verbatim.
	Plain Kind = iota

	// RelBranch is a jump, conditional or not, with a PC-relative
	// displacement.
	RelBranch

	// RelCall is a call with a PC-relative displacement.
	RelCall

	// PCRelData is a non-branch instruction with an operand addressed
	// relative to the PC.
	PCRelData

	// Unsupported instructions decode but cannot be moved.
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case RelBranch:
		return "rel-branch"
	case RelCall:
		return "rel-call"
	case PCRelData:
		return "pc-rel-data"
	case Unsupported:
		return "unsupported"
	}
	return "invalid"
}

// Instruction describes one decoded machine instruction.
type Instruction struct {
	// Addr is the address the bytes were decoded at.
	Addr uintptr

	// Len is the exact encoded length in bytes.
	Len int

	Kind Kind

	// Target is the absolute referent for RelBranch, RelCall and
	// PCRelData instructions. Zero otherwise.
	Target uintptr
}

var (
	ErrUndecodable = errors.New("insn: undecodable byte sequence")
	ErrUnsupported = errors.New("insn: instruction cannot be relocated")
	ErrRange       = errors.New("insn: relocated displacement out of range")
	ErrShortBuffer = errors.New("insn: buffer too small")
)
