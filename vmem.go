package detour

import (
	"github.com/pkg/errors"
)

const (
	// nearGranularity is the step between placement hints, the allocation
	// granularity on windows.
	nearGranularity = 64 << 10
	// nearProbes bounds the placement hints tried on each side of a target.
	nearProbes = 512
)

// Allocator hands out trampoline memory.
type Allocator interface {
	// Alloc returns a writable block of at least size bytes, within rel32
	// reach of near when the platform allows it.
	Alloc(near uintptr, size int) (Block, error)
}

// Block is trampoline memory. It is writable until Seal makes it executable.
type Block interface {
	Addr() uintptr
	Size() int
	Write(p []byte) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Seal() error
	Close() error
}

type pageAllocator struct{}

// NewAllocator returns an allocator of private anonymous pages.
func NewAllocator() Allocator {
	return pageAllocator{}
}

func (pageAllocator) Alloc(near uintptr, size int) (Block, error) {
	ps := int(pageSize())
	size = (size + ps - 1) &^ (ps - 1)
	addr, err := allocNear(near, size, allocPages, freePages)
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "%d bytes near %#x: %v", size, near, err)
	}
	return &execMemory{addr: addr, size: size}, nil
}

type execMemory struct {
	addr   uintptr
	size   int
	sealed bool
	closed bool
}

func (m *execMemory) Addr() uintptr {
	return m.addr
}

func (m *execMemory) Size() int {
	return m.size
}

func (m *execMemory) Write(p []byte) (int, error) {
	return m.WriteAt(p, 0)
}

func (m *execMemory) WriteAt(p []byte, off int64) (int, error) {
	switch {
	case m.closed:
		return 0, errors.Wrap(ErrWrite, "trampoline memory released")
	case m.sealed:
		return 0, errors.Wrap(ErrWrite, "trampoline memory sealed")
	case off < 0 || off+int64(len(p)) > int64(m.size):
		return 0, errors.Wrapf(ErrWrite, "%d bytes at offset %d overflow block of %d", len(p), off, m.size)
	}
	copy(makeSlice(m.addr+uintptr(off), len(p)), p)
	return len(p), nil
}

// Seal turns the block from writable into executable.
func (m *execMemory) Seal() error {
	if err := sealPages(m.addr, m.size); err != nil {
		return errors.Wrapf(ErrProtectionChange, "seal %#x+%d: %v", m.addr, m.size, err)
	}
	m.sealed = true
	flushInstructionCache(m.addr, m.size)
	return nil
}

func (m *execMemory) Close() error {
	if m.closed {
		return nil
	}
	if err := freePages(m.addr, m.size); err != nil {
		return errors.Wrapf(ErrAllocation, "release %#x+%d: %v", m.addr, m.size, err)
	}
	m.closed = true
	return nil
}

// allocNear probes placement hints on both sides of near, keeping the first
// block that stays in rel32 reach. When none does it takes any block the
// system offers.
func allocNear(near uintptr, size int, alloc func(hint uintptr, size int) (uintptr, error), free func(addr uintptr, size int) error) (uintptr, error) {
	if near != 0 {
		base := near &^ (nearGranularity - 1)
		for i := uintptr(1); i <= nearProbes; i++ {
			step := i * nearGranularity
			var hints [2]uintptr
			if base+step > base {
				hints[0] = base + step
			}
			if base > step {
				hints[1] = base - step
			}
			for _, hint := range hints {
				if hint == 0 {
					continue
				}
				addr, err := alloc(hint, size)
				if err != nil {
					continue
				}
				if inReach(near, addr, size) {
					return addr, nil
				}
				_ = free(addr, size)
			}
		}
	}
	return alloc(0, size)
}

// inReach reports whether a rel32 jump can cross between near and every byte
// of [addr, addr+size).
func inReach(near, addr uintptr, size int) bool {
	if ^uintptr(0)>>32 == 0 {
		return true
	}
	a := archAMD64{}
	return !isFarJump(a, near, addr) && !isFarJump(a, near, addr+uintptr(size))
}
