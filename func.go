package detour

import (
	"reflect"
	"unsafe"

	"github.com/pkg/errors"
)

type eface struct {
	typ, data unsafe.Pointer
}

// NewFunc binds two Go funcs of the same type. The replacement may be a
// closure: the patch loads it into the closure context register before
// jumping, so captured variables keep working.
//
// Go funcs check for stack growth in their prologue. When the trampoline of
// such a func has to grow the stack, the runtime restarts it at the patched
// entry and the call lands in the replacement again.
func NewFunc(target, replacement any, opts ...Option) (*PatchDetour, error) {
	vt := reflect.ValueOf(target)
	vr := reflect.ValueOf(replacement)
	if vt.Kind() != reflect.Func || vr.Kind() != reflect.Func {
		return nil, ErrInputType
	}
	if vt.Type() != vr.Type() {
		return nil, errors.Wrapf(ErrDifferentType, "%s and %s", vt.Type(), vr.Type())
	}
	if vt.IsNil() || vr.IsNil() {
		return nil, errors.Wrap(ErrInputType, "nil func")
	}
	d, err := New(vt.Pointer(), vr.Pointer(), opts...)
	if err != nil {
		return nil, err
	}
	d.fv = uintptr((*eface)(unsafe.Pointer(&replacement)).data)
	d.keep = replacement
	return d, nil
}

// Original returns the trampoline of d as a func of type T, which must match
// the signature of the target.
func Original[T any](d *PatchDetour) (T, error) {
	addr, err := d.Trampoline()
	if err != nil {
		var zero T
		return zero, err
	}
	return Func[T](addr)
}

// Func makes a func of type T that calls the code at addr.
func Func[T any](addr uintptr) (T, error) {
	var fn T
	if t := reflect.TypeOf(&fn).Elem(); t.Kind() != reflect.Func {
		return fn, errors.Wrapf(ErrInputType, "%s", t)
	}
	if addr == 0 {
		return fn, errors.Wrap(ErrInputType, "nil code address")
	}
	// a func value points at a cell holding the code address
	cell := new(uintptr)
	*cell = addr
	*(*unsafe.Pointer)(unsafe.Pointer(&fn)) = unsafe.Pointer(cell)
	return fn, nil
}
