package module_test

import (
	stderrors "errors"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detour"
	"github.com/k2io/detour/internal/symbols/symtest"
	"github.com/k2io/detour/module"
)

// fakeDetours records detours without touching code.
type fakeDetours struct {
	live     map[uintptr]*detour.PatchDetour
	undone   []uintptr
	detached []uintptr
	fail     error
}

func newFakeDetours() *fakeDetours {
	return &fakeDetours{live: make(map[uintptr]*detour.PatchDetour)}
}

func (f *fakeDetours) Detour(target, replacement uintptr) (*detour.PatchDetour, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if _, ok := f.live[target]; ok {
		return nil, detour.ErrDoubleHook
	}
	d, err := detour.New(target, replacement, detour.WithMode(64))
	if err != nil {
		return nil, err
	}
	f.live[target] = d
	return d, nil
}

func (f *fakeDetours) Undetour(target uintptr) error {
	if _, ok := f.live[target]; !ok {
		return detour.ErrHookNotFound
	}
	delete(f.live, target)
	f.undone = append(f.undone, target)
	return nil
}

func (f *fakeDetours) Detach(target uintptr) error {
	if _, ok := f.live[target]; !ok {
		return detour.ErrHookNotFound
	}
	delete(f.live, target)
	f.detached = append(f.detached, target)
	return nil
}

var exports = map[string]uintptr{
	"Present":       0x1100,
	"ResizeBuffers": 0x1200,
}

var resolver = module.ResolverFunc(func(_ string, base uintptr, export string) (uintptr, error) {
	off, ok := exports[export]
	if !ok {
		return 0, errors.Errorf("no export %s", export)
	}
	return base + off, nil
})

const replacement = 0x900000

// swapChain hooks two exports of one module.
type swapChain struct {
	present, resize module.Slot
	installs        int
}

func (s *swapChain) detour(o *module.Orchestrator, m module.Region) error {
	if !o.CommonDetourModule("dxgi.dll", m) {
		return nil
	}
	s.installs++
	return stderrors.Join(
		o.DetourFunc(m, "dxgi.dll", "Present", &s.present, replacement),
		o.DetourFunc(m, "dxgi.dll", "ResizeBuffers", &s.resize, replacement+0x10),
	)
}

func (s *swapChain) undetour(o *module.Orchestrator, remove bool) error {
	if !o.CommonUndetourModule("dxgi.dll") {
		return nil
	}
	return stderrors.Join(
		o.UndetourFunc("Present", &s.present, remove),
		o.UndetourFunc("ResizeBuffers", &s.resize, remove),
	)
}

func setup() (*module.Orchestrator, *fakeDetours, *swapChain) {
	f := newFakeDetours()
	o := module.New(f, resolver)
	s := &swapChain{}
	o.InitializeSupportForModule("dxgi.dll", s.detour, s.undetour)
	return o, f, s
}

func TestLoadDetoursOnce(t *testing.T) {
	o, f, s := setup()
	require.NoError(t, o.OnLoad("DXGI.DLL", 0x10000000, 0x1000))
	require.NoError(t, o.OnLoad("dxgi.dll", 0x10000000, 0x1000))
	assert.Equal(t, 1, s.installs)
	assert.Len(t, f.live, 2)
	assert.Equal(t, uint64(1), o.Generation("dxgi.dll"))

	require.NotNil(t, s.present.Detour())
	assert.Equal(t, uintptr(0x10001100), s.present.Detour().Target())
	assert.Equal(t, uintptr(replacement), s.present.Detour().Replacement())

	m, ok := o.Loaded("dxgi.dll")
	require.True(t, ok)
	assert.Equal(t, module.Region{Base: 0x10000000, Size: 0x1000}, m)
}

func TestUnloadRestoresAndReload(t *testing.T) {
	o, f, s := setup()
	require.NoError(t, o.OnLoad("dxgi.dll", 0x10000000, 0x1000))
	require.NoError(t, o.OnUnload("dxgi.dll"))
	assert.Empty(t, f.live)
	assert.ElementsMatch(t, []uintptr{0x10001100, 0x10001200}, f.undone)
	assert.Nil(t, s.present.Detour())
	_, ok := o.Loaded("dxgi.dll")
	assert.False(t, ok)

	// unloading twice does nothing
	require.NoError(t, o.OnUnload("dxgi.dll"))
	assert.Len(t, f.undone, 2)

	// a new load at a new base is hooked again
	require.NoError(t, o.OnLoad("dxgi.dll", 0x20000000, 0x1000))
	assert.Equal(t, 2, s.installs)
	assert.Equal(t, uint64(2), o.Generation("dxgi.dll"))
	assert.Equal(t, uintptr(0x20001100), s.present.Detour().Target())
}

func TestUnknownModuleIgnored(t *testing.T) {
	o, f, _ := setup()
	require.NoError(t, o.OnLoad("d3d11.dll", 0x10000000, 0x1000))
	require.NoError(t, o.OnUnload("d3d11.dll"))
	assert.Empty(t, f.live)
	assert.False(t, o.CommonDetourModule("d3d11.dll", module.Region{Base: 1}))
	assert.False(t, o.CommonUndetourModule("d3d11.dll"))
	assert.Zero(t, o.Generation("d3d11.dll"))
}

func TestDetourFuncMissingExport(t *testing.T) {
	o, f, _ := setup()
	var slot module.Slot
	err := o.DetourFunc(module.Region{Base: 0x10000000}, "dxgi.dll", "Missing", &slot, replacement)
	require.Error(t, err)
	assert.Nil(t, slot.Detour())
	assert.Empty(t, f.live)

	_, err = slot.Trampoline()
	assert.True(t, errors.Is(err, detour.ErrInvalidState))

	// empty slots undetour cleanly
	assert.NoError(t, o.UndetourFunc("Missing", &slot, true))
}

func TestDetourFuncTwice(t *testing.T) {
	o, _, _ := setup()
	var slot module.Slot
	m := module.Region{Base: 0x10000000}
	require.NoError(t, o.DetourFunc(m, "dxgi.dll", "Present", &slot, replacement))
	err := o.DetourFunc(m, "dxgi.dll", "Present", &slot, replacement)
	assert.True(t, errors.Is(err, detour.ErrDoubleHook))
}

func TestDetourFuncFailure(t *testing.T) {
	o, f, _ := setup()
	f.fail = detour.ErrFunctionTooShort
	var slot module.Slot
	err := o.DetourFunc(module.Region{Base: 0x10000000}, "dxgi.dll", "Present", &slot, replacement)
	assert.True(t, errors.Is(err, detour.ErrFunctionTooShort))
	assert.Nil(t, slot.Detour())
}

func TestUndetourWithoutRemoveDetaches(t *testing.T) {
	o, f, s := setup()
	require.NoError(t, o.OnLoad("dxgi.dll", 0x10000000, 0x1000))
	require.True(t, o.CommonUndetourModule("dxgi.dll"))
	require.NoError(t, o.UndetourFunc("Present", &s.present, false))
	assert.Equal(t, []uintptr{0x10001100}, f.detached)
	assert.Empty(t, f.undone)
	assert.Nil(t, s.present.Detour())
}

func TestCloseUndetoursAndRunsCallbacks(t *testing.T) {
	o, f, _ := setup()
	require.NoError(t, o.OnLoad("dxgi.dll", 0x10000000, 0x1000))

	var ran int
	o.OnUnloadCallbacks().Register(func(struct{}) error {
		ran++
		assert.Empty(t, f.live)
		return nil
	})
	require.NoError(t, o.Close())
	assert.Equal(t, 1, ran)
	assert.Len(t, f.undone, 2)
	_, ok := o.Loaded("dxgi.dll")
	assert.False(t, ok)
}

func TestCloseJoinsCallbackErrors(t *testing.T) {
	o, _, _ := setup()
	boom := stderrors.New("boom")
	o.OnUnloadCallbacks().Register(func(struct{}) error { return boom })
	err := o.Close()
	assert.True(t, errors.Is(err, boom))
}

func TestImageResolver(t *testing.T) {
	r := &module.ImageResolver{}
	_, err := r.Resolve("/nonexistent/libfoo.so", 0x10000000, "foo")
	assert.Error(t, err)

	if runtime.GOOS != "linux" {
		t.Skip("reads an ELF image")
	}
	image := symtest.Build(t)
	r = &module.ImageResolver{Path: func(string) string { return image }}
	addr, err := r.Resolve("marker", 0x10000000, symtest.Marker)
	require.NoError(t, err)
	assert.Greater(t, addr, uintptr(0x10000000))

	_, err = r.Resolve("marker", 0x10000000, "no.such.func")
	assert.Error(t, err)
}
