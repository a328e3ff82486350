package detour

import (
	stderrors "errors"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDecode means an instruction at the patch site could not be decoded
	ErrDecode = stderrors.New("undecodable instruction")
	// ErrRelocationOverflow means a relative operand does not fit after relocation
	ErrRelocationOverflow = stderrors.New("relocated operand out of range")
	// ErrProtectionChange means the OS refused a memory protection change
	ErrProtectionChange = stderrors.New("memory protection change failed")
	// ErrWrite means the patch bytes could not be written
	ErrWrite = stderrors.New("write failed")
	// ErrRead means the code bytes could not be read
	ErrRead = stderrors.New("read failed")
	// ErrInvalidState means the detour is not in the state the call needs
	ErrInvalidState = stderrors.New("invalid detour state")
	// ErrAllocation means no executable memory was available for a trampoline
	ErrAllocation = stderrors.New("trampoline allocation failed")
	// ErrFunctionTooShort means the function ends before the patch region does
	ErrFunctionTooShort = stderrors.New("function too short to patch")
	// ErrUnsupported means the platform or instruction set is not supported
	ErrUnsupported = stderrors.New("unsupported platform")
	// ErrDoubleHook means already hooked
	ErrDoubleHook = stderrors.New("double hook")
	// ErrHookNotFound means the hook not found
	ErrHookNotFound = stderrors.New("hook not found")
	// ErrDifferentType means target and replacement are of different types
	ErrDifferentType = stderrors.New("inputs are of different type")
	// ErrInputType means inputs are not func type
	ErrInputType = stderrors.New("inputs are not func type")
	// ErrHandleNotFound means the callback handle is not registered
	ErrHandleNotFound = stderrors.New("callback handle not found")
)

// DetourService installs and removes detours by target address. Detour
// returns a detour along with an error only when the patch could not be
// rolled back and is still applied.
type DetourService interface {
	Detour(target, replacement uintptr) (*PatchDetour, error)
	Undetour(target uintptr) error
	Detach(target uintptr) error
}

// TrampolineService hands out the address that runs a target's original code.
type TrampolineService interface {
	Trampoline(target uintptr) (uintptr, error)
}

// Registry is a table of applied detours keyed by target address. A process
// usually owns one and passes it to whatever installs hooks.
type Registry struct {
	// detours applied with target addresses as keys
	hooks map[uintptr]*PatchDetour
	// protect the hooks map
	lock sync.Mutex
	opts []Option
	log  logrus.FieldLogger
}

var (
	_ DetourService     = (*Registry)(nil)
	_ TrampolineService = (*Registry)(nil)
)

// NewRegistry returns an empty registry. opts are passed to every detour it
// creates.
func NewRegistry(opts ...Option) *Registry {
	o := newLogOptions(opts)
	return &Registry{
		hooks: make(map[uintptr]*PatchDetour),
		opts:  opts,
		log:   o.log,
	}
}

// Detour creates a detour from target to replacement and applies it.
func (r *Registry) Detour(target, replacement uintptr) (*PatchDetour, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.hooks[target]; ok {
		return nil, errors.Wrapf(ErrDoubleHook, "target %#x", target)
	}
	d, err := New(target, replacement, r.opts...)
	if err != nil {
		return nil, err
	}
	// early bucket allocation, the target may be an allocator
	r.hooks[target] = nil
	if err = d.Apply(); err != nil {
		if d.State() == Applied {
			// the patch could not be rolled back, keep it removable
			r.hooks[target] = d
			return d, err
		}
		delete(r.hooks, target)
		return nil, err
	}
	// just set value here, should not alloc memory
	r.hooks[target] = d
	return d, nil
}

// Add tracks an already constructed detour, applying it if needed.
func (r *Registry) Add(d *PatchDetour) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.hooks[d.target]; ok {
		return errors.Wrapf(ErrDoubleHook, "target %#x", d.target)
	}
	if d.State() == Unapplied {
		if err := d.Apply(); err != nil {
			if d.State() == Applied {
				r.hooks[d.target] = d
			}
			return err
		}
	}
	r.hooks[d.target] = d
	return nil
}

// Undetour removes the detour on target and forgets it.
func (r *Registry) Undetour(target uintptr) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	d, ok := r.hooks[target]
	if !ok || d == nil {
		return errors.Wrapf(ErrHookNotFound, "target %#x", target)
	}
	err := d.Remove()
	if d.State() == Applied {
		// the patch is still live, keep tracking it
		return err
	}
	delete(r.hooks, target)
	return err
}

// Detach forgets the detour on target without restoring its bytes. It is
// meant for code that has already been unmapped.
func (r *Registry) Detach(target uintptr) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	d, ok := r.hooks[target]
	if !ok || d == nil {
		return errors.Wrapf(ErrHookNotFound, "target %#x", target)
	}
	delete(r.hooks, target)
	return d.Detach()
}

// Lookup returns the detour installed on target.
func (r *Registry) Lookup(target uintptr) (*PatchDetour, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	d, ok := r.hooks[target]
	return d, ok && d != nil
}

// Trampoline returns the trampoline of the detour installed on target.
func (r *Registry) Trampoline(target uintptr) (uintptr, error) {
	d, ok := r.Lookup(target)
	if !ok {
		return 0, errors.Wrapf(ErrHookNotFound, "target %#x", target)
	}
	return d.Trampoline()
}

// Len reports how many detours are tracked.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.hooks)
}

// Close removes every detour. Detours whose removal fails stay registered.
func (r *Registry) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	var errs []error
	for target, d := range r.hooks {
		if d == nil {
			delete(r.hooks, target)
			continue
		}
		if err := d.Remove(); err != nil {
			errs = append(errs, err)
		}
		if d.State() == Applied {
			r.log.WithField("target", hexAddr(target)).Error("detour left in place")
			continue
		}
		delete(r.hooks, target)
	}
	return stderrors.Join(errs...)
}
