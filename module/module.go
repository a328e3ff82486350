// Package module applies detours to the exports of modules as they are
// loaded and unloaded, once per load.
package module

import (
	stderrors "errors"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/k2io/detour"
)

// ErrUnknownModule means no support was initialized for the module
var ErrUnknownModule = stderrors.New("module support not initialized")

// Region is where a module image is mapped.
type Region struct {
	Base uintptr
	Size uintptr
}

// ModuleDetour installs the hooks of one module. It is expected to call
// CommonDetourModule first and install nothing when that returns false.
type ModuleDetour func(o *Orchestrator, m Region) error

// ModuleUndetour removes the hooks of one module. remove is false when the
// module is already gone and its code must not be touched.
type ModuleUndetour func(o *Orchestrator, remove bool) error

type support struct {
	name       string
	detour     ModuleDetour
	undetour   ModuleUndetour
	region     Region
	generation uint64
}

// Orchestrator tracks, per module, whether its hooks are installed and where
// it is loaded, so a module that is loaded again later gets hooked again.
type Orchestrator struct {
	// serializes load and unload notifications
	notify sync.Mutex

	mu       sync.Mutex
	modules  map[string]*support
	detours  detour.DetourService
	resolver Resolver
	onUnload *detour.Callbacks[struct{}]
	log      logrus.FieldLogger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New returns an orchestrator installing detours through detours and finding
// exports through resolver.
func New(detours detour.DetourService, resolver Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		modules:  make(map[string]*support),
		detours:  detours,
		resolver: resolver,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		o.log = l
	}
	o.onUnload = detour.NewCallbacks[struct{}](detour.WithLogger(o.log))
	return o
}

// key folds case, module names are case insensitive on windows.
func key(name string) string {
	return strings.ToUpper(name)
}

// InitializeSupportForModule declares how to hook the module called name.
func (o *Orchestrator) InitializeSupportForModule(name string, detourFn ModuleDetour, undetourFn ModuleUndetour) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modules[key(name)] = &support{name: name, detour: detourFn, undetour: undetourFn}
}

// OnLoad is the load notification for a module mapped at base.
func (o *Orchestrator) OnLoad(name string, base, size uintptr) error {
	s, ok := o.lookup(name)
	if !ok {
		o.log.WithField("module", name).Debug("load of unsupported module")
		return nil
	}
	o.notify.Lock()
	defer o.notify.Unlock()
	return s.detour(o, Region{Base: base, Size: size})
}

// OnUnload is the notification sent before a module is unmapped.
func (o *Orchestrator) OnUnload(name string) error {
	s, ok := o.lookup(name)
	if !ok {
		return nil
	}
	o.notify.Lock()
	defer o.notify.Unlock()
	return s.undetour(o, true)
}

func (o *Orchestrator) lookup(name string) (*support, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.modules[key(name)]
	return s, ok
}

// CommonDetourModule claims a load of the module for hooking. It returns
// false when the module is unknown or already hooked.
func (o *Orchestrator) CommonDetourModule(name string, m Region) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.modules[key(name)]
	if !ok || s.region.Base != 0 || m.Base == 0 {
		return false
	}
	s.region = m
	s.generation++
	o.log.WithFields(logrus.Fields{
		"module":     s.name,
		"base":       hexAddr(m.Base),
		"size":       m.Size,
		"generation": s.generation,
	}).Debug("detouring module")
	return true
}

// CommonUndetourModule claims an unload of the module. It returns false
// when the module is not hooked, and clears the tracked region otherwise.
func (o *Orchestrator) CommonUndetourModule(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.modules[key(name)]
	if !ok || s.region.Base == 0 {
		return false
	}
	o.log.WithField("module", s.name).Debug("undetouring module")
	s.region = Region{}
	return true
}

// Loaded reports where the module is while it is hooked.
func (o *Orchestrator) Loaded(name string) (Region, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.modules[key(name)]
	if !ok || s.region.Base == 0 {
		return Region{}, false
	}
	return s.region, true
}

// Generation counts how many loads of the module have been hooked.
func (o *Orchestrator) Generation(name string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.modules[key(name)]; ok {
		return s.generation
	}
	return 0
}

// OnUnloadCallbacks are run by Close after every module is unhooked.
func (o *Orchestrator) OnUnloadCallbacks() detour.CallbackService[struct{}] {
	return o.onUnload
}

// Close unhooks every hooked module, restoring its code, then runs the
// unload callbacks.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	var hooked []*support
	for _, s := range o.modules {
		if s.region.Base != 0 {
			hooked = append(hooked, s)
		}
	}
	o.mu.Unlock()

	o.notify.Lock()
	defer o.notify.Unlock()
	var errs []error
	for _, s := range hooked {
		if err := s.undetour(o, true); err != nil {
			errs = append(errs, errors.WithMessagef(err, "undetour %s", s.name))
		}
	}
	if err := o.onUnload.Run(struct{}{}); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}
