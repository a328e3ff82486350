package symbols

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

// Symbols merges the dynamic table, which shared objects export from, with
// the static one. Offsets are relative to the lowest loaded page.
func (e *elfFile) Symbols() (Table, error) {
	base := e.loadBase()
	t := make(Table)
	found := false
	for _, read := range []func() ([]elf.Symbol, error){e.elf.DynamicSymbols, e.elf.Symbols} {
		syms, err := read()
		if errors.Is(err, elf.ErrNoSymbols) {
			continue
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		found = true
		addElfFuncs(t, syms, base)
	}
	if !found {
		return nil, elf.ErrNoSymbols
	}
	return t, nil
}

func (e *elfFile) loadBase() uint64 {
	base := ^uint64(0)
	for _, p := range e.elf.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < base {
			base = p.Vaddr
		}
	}
	if base == ^uint64(0) {
		return 0
	}
	return base &^ 0xfff
}

func addElfFuncs(t Table, syms []elf.Symbol, base uint64) {
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF || s.Value < base {
			continue
		}
		if _, ok := t[s.Name]; !ok {
			t[s.Name] = uintptr(s.Value - base)
		}
	}
}

func (e *elfFile) Close() error {
	return e.elf.Close()
}
