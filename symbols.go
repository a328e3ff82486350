package detour

import (
	"github.com/k2io/detour/internal/symbols"
)

// Symbols reads the function symbols of the ELF, PE or Mach-O image at path.
// Each address is an offset from the image base.
func Symbols(path string) (map[string]uintptr, error) {
	return symbols.ReadSymbols(path)
}

// SymbolAddr is where the function called name lives once the image at path
// is loaded at base.
func SymbolAddr(path string, base uintptr, name string) (uintptr, error) {
	t, err := symbols.ReadSymbols(path)
	if err != nil {
		return 0, err
	}
	return t.Lookup(base, name)
}
