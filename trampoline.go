package detour

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Region is the whole-instruction prefix of a function that a patch
// overwrites.
type Region struct {
	Addr  uintptr
	Insts []Instruction
	// Size is the sum of the instruction lengths.
	Size int
}

// TrampolineBuilder finds patch regions and rebuilds them at a new address.
type TrampolineBuilder struct {
	Decoder InstructionDecoder
	Mode    int
}

// PatchRegion decodes code, the bytes found at addr, one instruction at a time
// until at least need bytes are covered. The region always ends on an
// instruction boundary.
func (b TrampolineBuilder) PatchRegion(code []byte, addr uintptr, need int) (Region, error) {
	r := Region{Addr: addr}
	for r.Size < need {
		if r.Size >= len(code) {
			return r, errors.Wrapf(ErrDecode, "at %#x: out of bytes after %d", addr+uintptr(r.Size), r.Size)
		}
		inst, err := b.Decoder.Decode(code[r.Size:], addr+uintptr(r.Size))
		if err != nil {
			return r, err
		}
		r.Insts = append(r.Insts, inst)
		r.Size += inst.Len
		if inst.Terminal && r.Size < need {
			return r, errors.Wrapf(ErrFunctionTooShort, "%s at %#x ends %#x after %d of %d bytes",
				inst.Op, inst.Addr, addr, r.Size, need)
		}
	}
	return r, nil
}

// MaxSize bounds the trampoline built from r.
func (b TrampolineBuilder) MaxSize(r Region) int {
	// every instruction grows by at most 4 bytes when widened
	return r.Size + 4*len(r.Insts) + archMaxJump
}

const archMaxJump = 14

// Build returns the trampoline for r as it must look when placed at dst: the
// relocated instructions followed by a jump to the end of r.
func (b TrampolineBuilder) Build(r Region, dst uintptr) ([]byte, error) {
	a, err := archFor(b.Mode)
	if err != nil {
		return nil, err
	}
	// first pass lays instructions out, second pass encodes them
	offsets := make([]int, len(r.Insts)+1)
	for i, inst := range r.Insts {
		offsets[i+1] = offsets[i] + len(widen(inst))
	}
	out := make([]byte, 0, offsets[len(r.Insts)]+a.FarJumpSize())
	for i, inst := range r.Insts {
		enc := widen(inst)
		if inst.Relative() {
			if err := b.relocate(r, inst, enc, dst, offsets, i); err != nil {
				return nil, err
			}
		}
		out = append(out, enc...)
	}
	back := dst + uintptr(len(out))
	out = append(out, newJump(a, back, r.Addr+uintptr(r.Size))...)
	return out, nil
}

// relocate rewrites the relative field of enc, the encoding of instruction i
// moved to dst+offsets[i].
func (b TrampolineBuilder) relocate(r Region, inst Instruction, enc []byte, dst uintptr, offsets []int, i int) error {
	target := inst.Target()
	end := r.Addr + uintptr(r.Size)
	if target >= r.Addr && target < end {
		// the target moved along with the region
		j := 0
		for j < len(r.Insts) && r.Insts[j].Addr != target {
			j++
		}
		if j == len(r.Insts) {
			return errors.Wrapf(ErrDecode, "%s at %#x targets the middle of an instruction at %#x", inst.Op, inst.Addr, target)
		}
		target = dst + uintptr(offsets[j])
	}
	width := inst.RelSize
	off := inst.RelOff
	if len(enc) != inst.Len {
		width, off = 4, len(enc)-4
	}
	next := dst + uintptr(offsets[i]+len(enc))
	disp := int64(target) - int64(next)
	if b.Mode == 32 && width == 4 {
		// rel32 wraps around the 32-bit address space
		disp = int64(int32(uint32(target) - uint32(next)))
	}
	field := enc[off : off+width]
	switch width {
	case 1:
		if disp < math.MinInt8 || disp > math.MaxInt8 {
			return errors.Wrapf(ErrRelocationOverflow, "%s at %#x: %#x is %d bytes away", inst.Op, inst.Addr, target, disp)
		}
		field[0] = byte(int8(disp))
	case 2:
		if disp < math.MinInt16 || disp > math.MaxInt16 {
			return errors.Wrapf(ErrRelocationOverflow, "%s at %#x: %#x is %d bytes away", inst.Op, inst.Addr, target, disp)
		}
		binary.LittleEndian.PutUint16(field, uint16(int16(disp)))
	default:
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return errors.Wrapf(ErrRelocationOverflow, "%s at %#x: %#x is %d bytes away", inst.Op, inst.Addr, target, disp)
		}
		binary.LittleEndian.PutUint32(field, uint32(int32(disp)))
	}
	return nil
}

// widen returns a fresh encoding of inst, turning short jumps into their
// rel32 forms. JCXZ and LOOP have no long form and are kept as they are.
func widen(inst Instruction) []byte {
	if !inst.IsRelativeBranch || inst.RelSize != 1 {
		return append([]byte(nil), inst.Bytes...)
	}
	prefix := inst.Bytes[:inst.RelOff-1]
	op := inst.Bytes[inst.RelOff-1]
	switch {
	case op == opShortJmp:
		enc := append(append([]byte(nil), prefix...), opNearJmp)
		return append(enc, 0, 0, 0, 0)
	case op >= opJccShort && op <= opJccShort+0x0F:
		enc := append(append([]byte(nil), prefix...), opTwoByte, opJccNear+(op-opJccShort))
		return append(enc, 0, 0, 0, 0)
	}
	return append([]byte(nil), inst.Bytes...)
}
