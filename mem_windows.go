//go:build windows

package detour

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")

	sysPageSize uintptr
)

func init() {
	var info systemInfo
	procGetSystemInfo.Call(uintptr(unsafe.Pointer(&info)))
	sysPageSize = uintptr(info.PageSize)
	if sysPageSize == 0 {
		sysPageSize = 4096
	}
}

func pageSize() uintptr {
	return sysPageSize
}

// makeWritable opens [addr, addr+size) for writing. The returned func puts
// back the protection it had.
func makeWritable(addr uintptr, size int) (func() error, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return nil, err
	}
	return func() error {
		var tmp uint32
		return windows.VirtualProtect(addr, uintptr(size), old, &tmp)
	}, nil
}

func allocPages(hint uintptr, size int) (uintptr, error) {
	return windows.VirtualAlloc(hint, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
}

func sealPages(addr uintptr, size int) error {
	var old uint32
	return windows.VirtualProtect(addr, uintptr(size), windows.PAGE_EXECUTE_READ, &old)
}

func freePages(addr uintptr, _ int) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func flushInstructionCache(addr uintptr, size int) {
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(size))
}

func threadID() uint64 {
	return uint64(windows.GetCurrentThreadId())
}
