package symbols

import (
	"encoding/binary"
	"io"
	"runtime/debug"
	"unsafe"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

// Symbols lists named exports. Their virtual addresses are already relative
// to the image base.
func (f *peFile) Symbols() (Table, error) {
	exports, err := f.pe.Exports()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	t := make(Table, len(exports))
	for _, e := range exports {
		if e.Name == "" {
			continue
		}
		t[e.Name] = uintptr(e.VirtualAddress)
	}
	return t, nil
}

func (f *peFile) Close() error {
	return f.pe.Close()
}

// ReadPEImage reads the exports of a PE image already mapped at base, such as
// a loaded DLL.
func ReadPEImage(base uintptr) (t Table, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("read image at %#x: %v", base, r)
		}
	}()
	head := mapped(base, 64)
	if head[0] != 'M' || head[1] != 'Z' {
		return nil, errors.Wrapf(ErrUnknownFormat, "no DOS header at %#x", base)
	}
	peOffset := binary.LittleEndian.Uint32(head[60:])
	if peOffset >= 1024 {
		return nil, errors.Wrapf(ErrUnknownFormat, "PE offset %d at %#x", peOffset, base)
	}
	// SizeOfImage sits 56 bytes into the optional header, which follows the
	// 4 byte signature and the 20 byte file header
	nt := mapped(base+uintptr(peOffset), 24+60)
	if nt[0] != 'P' || nt[1] != 'E' {
		return nil, errors.Wrapf(ErrUnknownFormat, "no PE signature at %#x", base)
	}
	size := binary.LittleEndian.Uint32(nt[24+56:])
	image := mapped(base, int(size))

	f, err := pe.NewFileFromMemory(&memoryReaderAt{data: image})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return (&peFile{f}).Symbols()
}

// mapped views n bytes of process memory at addr.
func mapped(addr uintptr, n int) []byte {
	p := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	return unsafe.Slice((*byte)(p), n)
}

// memoryReaderAt implements io.ReaderAt for a mapped image
type memoryReaderAt struct {
	data []byte
}

func (r *memoryReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
