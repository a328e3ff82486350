package module

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/k2io/detour"
)

// Slot holds the detour of one export. The code hooking a module owns its
// slots and passes them to DetourFunc and UndetourFunc.
type Slot struct {
	target uintptr
	d      *detour.PatchDetour
}

// Detour is the installed detour, nil while none is.
func (s *Slot) Detour() *detour.PatchDetour {
	return s.d
}

// Trampoline returns the address that runs the original export.
func (s *Slot) Trampoline() (uintptr, error) {
	if s.d == nil {
		return 0, errors.Wrap(detour.ErrInvalidState, "slot empty")
	}
	return s.d.Trampoline()
}

// DetourFunc resolves export in the module loaded at base and detours it to
// replacement. An export the module lacks is logged and reported, and the
// slot stays empty.
func (o *Orchestrator) DetourFunc(m Region, module, export string, slot *Slot, replacement uintptr) error {
	log := o.log.WithFields(logrus.Fields{"module": module, "export": export})
	if slot.d != nil {
		return errors.Wrapf(detour.ErrDoubleHook, "%s!%s", module, export)
	}
	target, err := o.resolver.Resolve(module, m.Base, export)
	if err != nil {
		log.WithError(err).Warn("export not resolved")
		return errors.WithMessagef(err, "resolve %s!%s", module, export)
	}
	d, err := o.detours.Detour(target, replacement)
	if d != nil && (err == nil || d.State() == detour.Applied) {
		slot.target, slot.d = target, d
	}
	if err != nil {
		log.WithError(err).Error("detour failed")
		return errors.WithMessagef(err, "detour %s!%s", module, export)
	}
	log.WithField("target", hexAddr(target)).Debug("export detoured")
	return nil
}

// UndetourFunc takes the detour out of slot. With remove set the original
// bytes are restored, otherwise the detour is only forgotten. An empty slot
// is left alone.
func (o *Orchestrator) UndetourFunc(export string, slot *Slot, remove bool) error {
	if slot.d == nil {
		return nil
	}
	var err error
	if remove {
		err = o.detours.Undetour(slot.target)
	} else {
		err = o.detours.Detach(slot.target)
	}
	if err != nil && slot.d.State() == detour.Applied && remove {
		// restoring failed, the patch is still live
		return errors.WithMessagef(err, "undetour %s", export)
	}
	slot.target, slot.d = 0, nil
	if err != nil {
		return errors.WithMessagef(err, "undetour %s", export)
	}
	return nil
}

func hexAddr(addr uintptr) string {
	return fmt.Sprintf("%#x", addr)
}
