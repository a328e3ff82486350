package detour

import (
	"runtime/debug"
	"unsafe"

	"github.com/pkg/errors"
)

// CodePatcher reads and writes code in the current process. It keeps no
// reference to the memory once a call returns.
type CodePatcher interface {
	// Read copies n bytes starting at addr.
	Read(addr uintptr, n int) ([]byte, error)
	// Write stores data at addr, lifting write protection for the duration
	// and flushing the instruction cache afterwards. An error from putting
	// the protection back comes after the bytes were stored.
	Write(addr uintptr, data []byte) error
}

type memoryPatcher struct{}

// NewCodePatcher returns the patcher for live process memory.
func NewCodePatcher() CodePatcher {
	return memoryPatcher{}
}

func (memoryPatcher) Read(addr uintptr, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := faultGuard(func() { copy(b, makeSlice(addr, n)) }); err != nil {
		return nil, errors.Wrapf(ErrRead, "%#x+%d: %v", addr, n, err)
	}
	return b, nil
}

func (memoryPatcher) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	restore, err := makeWritable(addr, len(data))
	if err != nil {
		return errors.Wrapf(ErrProtectionChange, "unprotect %#x+%d: %v", addr, len(data), err)
	}
	werr := faultGuard(func() { copy(makeSlice(addr, len(data)), data) })
	if werr == nil {
		flushInstructionCache(addr, len(data))
	}
	// the bytes may be in place even when this fails
	if err := restore(); err != nil {
		return errors.Wrapf(ErrProtectionChange, "reprotect %#x+%d: %v", addr, len(data), err)
	}
	if werr != nil {
		return errors.Wrapf(ErrWrite, "%#x+%d: %v", addr, len(data), werr)
	}
	return nil
}

// faultGuard runs fn, turning a memory access fault into an error.
func faultGuard(fn func()) (err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}

// makeSlice views n bytes of process memory at addr.
func makeSlice(addr uintptr, n int) []byte {
	p := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	return unsafe.Slice((*byte)(p), n)
}

// pageRange returns the page aligned start of [addr, addr+size) and the
// length from there to the end of the range.
func pageRange(addr uintptr, size int, pageSize uintptr) (uintptr, uintptr) {
	start := addr &^ (pageSize - 1)
	return start, addr + uintptr(size) - start
}
