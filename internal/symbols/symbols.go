// Package symbols reads export tables out of module images.
package symbols

import (
	stderrors "errors"
	"io"
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownFormat means the image is not ELF, PE or Mach-O
	ErrUnknownFormat = stderrors.New("unrecognized object file")
	// ErrNotFound means the table has no such export
	ErrNotFound = stderrors.New("export not found")
)

// Table maps function names to offsets from the image base.
type Table map[string]uintptr

// Lookup returns the live address of name in an image loaded at base.
func (t Table) Lookup(base uintptr, name string) (uintptr, error) {
	off, ok := t[name]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return base + off, nil
}

type rawFile interface {
	Symbols() (Table, error)
	Close() error
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openPE,
	openMacho,
}

// ReadSymbols reads the function table of the image file name.
func ReadSymbols(name string) (Table, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()
	t, err := Read(r)
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s", name)
	}
	return t, nil
}

// Read reads the function table of the image in r.
func Read(r io.ReaderAt) (Table, error) {
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			continue
		}
		t, err := raw.Symbols()
		raw.Close()
		return t, err
	}
	return nil, ErrUnknownFormat
}
