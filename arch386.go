package detour

import (
	"encoding/binary"
)

type arch386 struct{}

func (arch386) Mode() int {
	return 32
}

func (arch386) NearJumpSize() int {
	return 5
}

func (arch386) FarJumpSize() int {
	return 10
}

func (arch386) NewNearJump(from, to uintptr) []byte {
	return nearJump(from, to)
}

// NewFarJump jumps through an absolute pointer stored right after the
// instruction.
func (arch386) NewFarJump(from, to uintptr) []byte {
	asm := make([]byte, 10)
	binary.LittleEndian.PutUint16(asm, opFarJmp)
	binary.LittleEndian.PutUint32(asm[2:], uint32(from+6))
	binary.LittleEndian.PutUint32(asm[6:], uint32(to))
	return asm
}

func (arch386) NewContextJump(fv uintptr) []byte {
	asm := make([]byte, 7)
	asm[0] = opMovEdx
	binary.LittleEndian.PutUint32(asm[1:], uint32(fv))
	binary.LittleEndian.PutUint16(asm[5:], opJmpPtrRdx)
	return asm
}
