package module

import (
	"sync"

	"github.com/k2io/detour/internal/symbols"
)

// Resolver finds the live address of an export of a loaded module.
type Resolver interface {
	Resolve(module string, base uintptr, export string) (uintptr, error)
}

// ResolverFunc adapts a func to Resolver.
type ResolverFunc func(module string, base uintptr, export string) (uintptr, error)

func (f ResolverFunc) Resolve(module string, base uintptr, export string) (uintptr, error) {
	return f(module, base, export)
}

// ImageResolver resolves exports from image files on disk. Each file is read
// once.
type ImageResolver struct {
	// Path maps a module name to its image file. The name itself is used
	// when Path is nil.
	Path func(module string) string

	mu     sync.Mutex
	tables map[string]symbols.Table
}

func (r *ImageResolver) Resolve(module string, base uintptr, export string) (uintptr, error) {
	path := module
	if r.Path != nil {
		path = r.Path(module)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[path]
	if !ok {
		var err error
		if t, err = symbols.ReadSymbols(path); err != nil {
			return 0, err
		}
		if r.tables == nil {
			r.tables = make(map[string]symbols.Table)
		}
		r.tables[path] = t
	}
	return t.Lookup(base, export)
}

// MappedPEResolver resolves exports from the headers of PE images in
// memory, for modules loaded by the windows loader.
var MappedPEResolver Resolver = ResolverFunc(func(_ string, base uintptr, export string) (uintptr, error) {
	t, err := symbols.ReadPEImage(base)
	if err != nil {
		return 0, err
	}
	return t.Lookup(base, export)
})
