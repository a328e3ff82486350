package detour

import (
	"bytes"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// prologueWindow is how many bytes are read from a target to find its patch
// region. It covers the largest jump plus the longest x86 instruction.
const prologueWindow = 64

// State is the lifecycle position of a PatchDetour.
type State int

const (
	Unapplied State = iota
	Applied
)

func (s State) String() string {
	switch s {
	case Unapplied:
		return "unapplied"
	case Applied:
		return "applied"
	}
	return "unknown"
}

// PatchDetour redirects one target function to one replacement and keeps a
// trampoline through which the original code still runs.
//
// Apply and Remove are serialized per detour. The engine does not stop other
// threads: a thread executing the first bytes of the target while they are
// rewritten is a race callers must rule out themselves.
//
// Close, or Remove, is the teardown of an applied detour. An applied detour
// that becomes unreachable is not removed, since the patched target still
// jumps into its trampoline: the patch and the trampoline stay and an error is
// logged.
type PatchDetour struct {
	target      uintptr
	replacement uintptr
	// fv is the func value jumped through for Go closures, 0 for a plain
	// code address.
	fv uintptr
	// keep holds whatever fv points into
	keep any

	lock  sync.Mutex
	state State
	// the bytes overwritten at target
	orig []byte
	// the jump written at target, INT3 padded to len(orig)
	patch []byte
	// the relocated instructions and the jump back
	tramp Block

	arch    arch
	opts    options
	builder TrampolineBuilder
	log     logrus.FieldLogger
}

// New binds target to replacement. Nothing is written until Apply.
func New(target, replacement uintptr, opts ...Option) (*PatchDetour, error) {
	if target == 0 || replacement == 0 {
		return nil, errors.Wrap(ErrInputType, "nil target or replacement")
	}
	o := newOptions(opts)
	a, err := archFor(o.mode)
	if err != nil {
		return nil, err
	}
	d := &PatchDetour{
		target:      target,
		replacement: replacement,
		arch:        a,
		opts:        o,
		builder:     TrampolineBuilder{Decoder: o.decoder, Mode: o.mode},
		log: o.log.WithFields(logrus.Fields{
			"target":      hexAddr(target),
			"replacement": hexAddr(replacement),
		}),
	}
	runtime.SetFinalizer(d, (*PatchDetour).finalize)
	return d, nil
}

func (d *PatchDetour) finalize() {
	if d.state != Applied {
		return
	}
	log := d.log
	if d.tramp != nil {
		log = log.WithField("trampoline", hexAddr(d.tramp.Addr()))
	}
	log.Error("applied detour dropped without Close, patch and trampoline left in place")
}

// Target is the patched address.
func (d *PatchDetour) Target() uintptr {
	return d.target
}

// Replacement is where calls to Target land while applied.
func (d *PatchDetour) Replacement() uintptr {
	return d.replacement
}

// State reports whether the detour is applied.
func (d *PatchDetour) State() State {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state
}

// Apply builds a fresh trampoline and writes the jump to the replacement
// over the target. On failure the target is left as it was.
func (d *PatchDetour) Apply() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.state == Applied {
		return errors.Wrapf(ErrInvalidState, "apply %#x: already applied", d.target)
	}
	if err := d.apply(); err != nil {
		return errors.WithMessagef(err, "apply detour on %#x", d.target)
	}
	return nil
}

func (d *PatchDetour) jump() []byte {
	if d.fv != 0 {
		return d.arch.NewContextJump(d.fv)
	}
	return newJump(d.arch, d.target, d.replacement)
}

func (d *PatchDetour) apply() error {
	jmp := d.jump()
	code, err := d.readPrologue()
	if err != nil {
		return err
	}
	region, err := d.builder.PatchRegion(code, d.target, len(jmp))
	if err != nil {
		return err
	}
	mem, err := d.opts.alloc.Alloc(d.target, d.builder.MaxSize(region))
	if err != nil {
		return err
	}
	body, err := d.builder.Build(region, mem.Addr())
	if err == nil {
		_, err = mem.Write(body)
	}
	if err == nil {
		err = mem.Seal()
	}
	orig := append([]byte(nil), code[:region.Size]...)
	if err == nil {
		jmp = padInt3(jmp, region.Size)
		err = d.opts.patcher.Write(d.target, jmp)
		if err != nil && !d.undo(orig) {
			// the jump may be live, so the trampoline has to stay
			d.commit(orig, jmp, mem)
			d.log.WithError(err).Error("patch write failed and the target could not be restored")
			return err
		}
	}
	if err != nil {
		if cerr := mem.Close(); cerr != nil {
			d.log.WithError(cerr).Warn("trampoline leaked")
		}
		return err
	}
	d.commit(orig, jmp, mem)
	d.log.WithFields(logrus.Fields{
		"trampoline": hexAddr(mem.Addr()),
		"size":       region.Size,
	}).Debug("detour applied")
	return nil
}

func (d *PatchDetour) commit(orig, patch []byte, mem Block) {
	d.orig = orig
	d.patch = patch
	d.tramp = mem
	d.state = Applied
}

// landed reports whether the target reads back as want.
func (d *PatchDetour) landed(want []byte) bool {
	cur, err := d.opts.patcher.Read(d.target, len(want))
	return err == nil && bytes.Equal(cur, want)
}

// undo puts orig back after a patch write that reported an error, which may
// have stored some or all of the patch first.
func (d *PatchDetour) undo(orig []byte) bool {
	if d.landed(orig) {
		return true
	}
	if err := d.opts.patcher.Write(d.target, orig); err != nil {
		d.log.WithError(err).Warn("rolling back a failed patch")
	}
	return d.landed(orig)
}

// readPrologue reads the bytes the patch region is searched in, stopping at
// the end of the page when the next one is not readable.
func (d *PatchDetour) readPrologue() ([]byte, error) {
	code, err := d.opts.patcher.Read(d.target, prologueWindow)
	if err == nil {
		return code, nil
	}
	ps := pageSize()
	n := int(ps - d.target&(ps-1))
	if n >= prologueWindow {
		return nil, err
	}
	return d.opts.patcher.Read(d.target, n)
}

// Remove restores the original bytes and only then releases the trampoline.
// If the restore fails the detour stays applied.
func (d *PatchDetour) Remove() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.state != Applied {
		return errors.Wrapf(ErrInvalidState, "remove %#x: not applied", d.target)
	}
	if cur, err := d.opts.patcher.Read(d.target, len(d.patch)); err == nil && !bytes.Equal(cur, d.patch) {
		d.log.Warn("entry point rewritten since apply, another detour may be chained on it")
	}
	if err := d.opts.patcher.Write(d.target, d.orig); err != nil {
		if !d.landed(d.orig) {
			return errors.WithMessagef(err, "remove detour on %#x", d.target)
		}
		d.log.WithError(err).Warn("original bytes restored, but the write reported an error")
	}
	return d.release()
}

// Detach forgets an applied patch without touching the target, for code
// that has already been unmapped. The trampoline is released.
func (d *PatchDetour) Detach() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.state != Applied {
		return errors.Wrapf(ErrInvalidState, "detach %#x: not applied", d.target)
	}
	return d.release()
}

func (d *PatchDetour) release() error {
	mem := d.tramp
	d.tramp, d.orig, d.patch = nil, nil, nil
	d.state = Unapplied
	d.log.WithField("trampoline", hexAddr(mem.Addr())).Debug("detour removed")
	if err := mem.Close(); err != nil {
		return errors.WithMessage(err, "release trampoline")
	}
	return nil
}

// Trampoline returns the address that runs the original target code. It is
// stable until the next Remove.
func (d *PatchDetour) Trampoline() (uintptr, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.state != Applied {
		return 0, errors.Wrapf(ErrInvalidState, "trampoline of %#x: not applied", d.target)
	}
	return d.tramp.Addr(), nil
}

// OriginalBytes returns a copy of the bytes the patch replaced.
func (d *PatchDetour) OriginalBytes() ([]byte, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.state != Applied {
		return nil, errors.Wrapf(ErrInvalidState, "original bytes of %#x: not applied", d.target)
	}
	return append([]byte(nil), d.orig...), nil
}

// Close removes the detour if it is applied.
func (d *PatchDetour) Close() error {
	if d.State() != Applied {
		return nil
	}
	err := d.Remove()
	if errors.Is(err, ErrInvalidState) {
		// lost a race with another Remove
		return nil
	}
	return err
}
