package detour

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded machine instruction.
type Instruction struct {
	// Addr is where the instruction lives.
	Addr uintptr
	// Len is the encoded length in bytes.
	Len int
	// Bytes is a copy of the encoding.
	Bytes []byte
	// Op is the mnemonic, for logs.
	Op string
	// IsRelativeBranch marks jumps, conditional jumps and loops with a
	// relative target.
	IsRelativeBranch bool
	// IsRelativeCall marks calls with a relative target.
	IsRelativeCall bool
	// RelOff and RelSize locate the PC-relative field inside Bytes, for
	// branches as well as RIP-relative memory operands. RelSize is 0 when
	// there is none.
	RelOff  int
	RelSize int
	// Terminal marks instructions after which the function never falls
	// through: returns, unconditional jumps and breakpoints.
	Terminal bool
}

// Relative reports whether the instruction encodes an offset from its own
// address.
func (i Instruction) Relative() bool {
	return i.RelSize > 0
}

// Target is the absolute address the PC-relative field refers to.
func (i Instruction) Target() uintptr {
	return i.Addr + uintptr(i.Len) + uintptr(i.displacement())
}

func (i Instruction) displacement() int64 {
	field := i.Bytes[i.RelOff : i.RelOff+i.RelSize]
	switch i.RelSize {
	case 1:
		return int64(int8(field[0]))
	case 2:
		return int64(int16(uint16(field[0]) | uint16(field[1])<<8))
	}
	return int64(int32(uint32(field[0]) | uint32(field[1])<<8 | uint32(field[2])<<16 | uint32(field[3])<<24))
}

// InstructionDecoder decodes the single instruction at the start of code,
// which lives at addr.
type InstructionDecoder interface {
	Decode(code []byte, addr uintptr) (Instruction, error)
}

type x86Decoder struct {
	mode int
}

// NewDecoder returns an x86 decoder for the given mode (16, 32 or 64).
func NewDecoder(mode int) InstructionDecoder {
	return x86Decoder{mode: mode}
}

func (d x86Decoder) Decode(code []byte, addr uintptr) (Instruction, error) {
	if d.mode != 16 && d.mode != 32 && d.mode != 64 {
		return Instruction{}, errors.Wrapf(ErrUnsupported, "decoder mode %d", d.mode)
	}
	inst, err := x86asm.Decode(code, d.mode)
	if err != nil {
		return Instruction{}, errors.Wrapf(ErrDecode, "at %#x: %v", addr, err)
	}
	// a lone prefix decodes as a one byte instruction without an opcode
	if inst.Opcode == 0 && inst.Len == 1 && inst.Prefix[0] == x86asm.Prefix(code[0]) {
		return Instruction{}, errors.Wrapf(ErrDecode, "at %#x: dangling prefix %#02x", addr, code[0])
	}
	out := Instruction{
		Addr:  addr,
		Len:   inst.Len,
		Bytes: append([]byte(nil), code[:inst.Len]...),
		Op:    inst.Op.String(),
	}
	relative := false
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch arg := a.(type) {
		case x86asm.Rel:
			relative = true
			if inst.Op == x86asm.CALL {
				out.IsRelativeCall = true
			} else {
				out.IsRelativeBranch = true
			}
		case x86asm.Mem:
			if arg.Base == x86asm.RIP {
				relative = true
			}
		}
	}
	if relative {
		if inst.PCRel == 0 || inst.PCRelOff+inst.PCRel > inst.Len {
			return Instruction{}, errors.Wrapf(ErrDecode, "at %#x: %s: relative field not located", addr, out.Op)
		}
		out.RelOff = inst.PCRelOff
		out.RelSize = inst.PCRel
	}
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ, x86asm.UD2:
		out.Terminal = true
	}
	if inst.Len == 1 && code[0] == opInt3 {
		out.Terminal = true
	}
	return out, nil
}
