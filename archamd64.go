package detour

import (
	"encoding/binary"
)

type archAMD64 struct{}

func (archAMD64) Mode() int {
	return 64
}

func (archAMD64) NearJumpSize() int {
	return 5
}

func (archAMD64) FarJumpSize() int {
	return 14
}

func (archAMD64) NewNearJump(from, to uintptr) []byte {
	return nearJump(from, to)
}

// NewFarJump is jmp [rip+0] followed by the 8 byte target, so no register
// is clobbered.
func (archAMD64) NewFarJump(_, to uintptr) []byte {
	asm := make([]byte, 14)
	binary.LittleEndian.PutUint16(asm, opFarJmp)
	binary.LittleEndian.PutUint64(asm[6:], uint64(to))
	return asm
}

func (archAMD64) NewContextJump(fv uintptr) []byte {
	asm := make([]byte, 12)
	binary.LittleEndian.PutUint16(asm, opMovabsRdx)
	binary.LittleEndian.PutUint64(asm[2:], uint64(fv))
	binary.LittleEndian.PutUint16(asm[10:], opJmpPtrRdx)
	return asm
}
