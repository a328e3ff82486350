package symbols

import (
	"debug/macho"
	"io"
	"strings"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

// Symbols drops the leading underscore C symbols carry. Offsets are
// relative to the __TEXT segment.
func (f *machoFile) Symbols() (Table, error) {
	t := make(Table)
	if f.macho.Symtab == nil {
		return t, nil
	}
	var base uint64
	if text := f.macho.Segment("__TEXT"); text != nil {
		base = text.Addr
	}
	for _, s := range f.macho.Symtab.Syms {
		if s.Sect == 0 || s.Value < base {
			continue
		}
		t[strings.TrimPrefix(s.Name, "_")] = uintptr(s.Value - base)
	}
	return t, nil
}

func (f *machoFile) Close() error {
	return f.macho.Close()
}
