package detour

import (
	"github.com/pkg/errors"
)

const (
	opNearJmp   = 0xE9   // jmp rel32
	opShortJmp  = 0xEB   // jmp rel8
	opFarJmp    = 0x25FF // jmp [addr]
	opMovEdx    = 0xBA   // mov edx, imm32
	opMovabsRdx = 0xBA48 // movabs rdx, imm64
	opJmpPtrRdx = 0x22FF // jmp [rdx]
	opInt3      = 0xCC
	opTwoByte   = 0x0F
	opJccShort  = 0x70 // jcc rel8, 0x70-0x7F
	opJccNear   = 0x80 // second byte of jcc rel32, 0x0F 0x80-0x8F

	// farThreshold keeps a margin below the rel32 limit
	farThreshold = 0x7fff0000
)

// arch encodes the jumps written over targets and at the end of trampolines.
type arch interface {
	Mode() int
	NearJumpSize() int
	FarJumpSize() int
	NewNearJump(from, to uintptr) []byte
	NewFarJump(from, to uintptr) []byte
	// NewContextJump jumps through a Go func value, leaving the func value
	// in the closure context register.
	NewContextJump(fv uintptr) []byte
}

func archFor(mode int) (arch, error) {
	switch mode {
	case 32:
		return arch386{}, nil
	case 64:
		return archAMD64{}, nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "instruction set mode %d", mode)
}

func isFarJump(a arch, from, to uintptr) bool {
	if a.Mode() != 64 {
		// rel32 wraps around the whole 32-bit address space
		return false
	}
	if to >= from {
		return (to - from) > uintptr(farThreshold)
	}
	return (from - to) > uintptr(farThreshold)
}

func jumpSize(a arch, from, to uintptr) int {
	if isFarJump(a, from, to) {
		return a.FarJumpSize()
	}
	return a.NearJumpSize()
}

func newJump(a arch, from, to uintptr) []byte {
	if isFarJump(a, from, to) {
		return a.NewFarJump(from, to)
	}
	return a.NewNearJump(from, to)
}

func nearJump(from, to uintptr) []byte {
	rel := uint32(to - (from + 5))
	return []byte{opNearJmp, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
}

// padInt3 extends a patch to size with breakpoints.
func padInt3(code []byte, size int) []byte {
	for len(code) < size {
		code = append(code, opInt3)
	}
	return code
}
