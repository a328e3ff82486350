//go:build linux

package detour

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var sysPageSize = uintptr(unix.Getpagesize())

func pageSize() uintptr {
	return sysPageSize
}

// makeWritable opens the pages covering [addr, addr+size) for writing. The
// returned func puts them back to read and execute.
func makeWritable(addr uintptr, size int) (func() error, error) {
	start, length := pageRange(addr, size, sysPageSize)
	page := makeSlice(start, int(length))
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return nil, err
	}
	return func() error {
		return unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC)
	}, nil
}

func allocPages(hint uintptr, size int) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

func sealPages(addr uintptr, size int) error {
	return unix.Mprotect(makeSlice(addr, size), unix.PROT_READ|unix.PROT_EXEC)
}

func freePages(addr uintptr, size int) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size))
}

// flushInstructionCache is empty: x86 keeps instruction fetch coherent with
// stores to the same address space.
func flushInstructionCache(addr uintptr, size int) {}

func threadID() uint64 {
	return uint64(unix.Gettid())
}
