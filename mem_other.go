//go:build !linux && !windows

package detour

import (
	"os"

	"github.com/pkg/errors"
)

func pageSize() uintptr {
	return uintptr(os.Getpagesize())
}

func makeWritable(addr uintptr, size int) (func() error, error) {
	return nil, errors.Wrapf(ErrUnsupported, "write protection on %#x", addr)
}

func allocPages(hint uintptr, size int) (uintptr, error) {
	return 0, errors.Wrap(ErrUnsupported, "executable allocation")
}

func sealPages(addr uintptr, size int) error {
	return errors.Wrap(ErrUnsupported, "executable allocation")
}

func freePages(addr uintptr, size int) error {
	return errors.Wrap(ErrUnsupported, "executable allocation")
}

func flushInstructionCache(addr uintptr, size int) {}

// threadID has no portable source here, so every thread shares one counter
// slot.
func threadID() uint64 {
	return 0
}
