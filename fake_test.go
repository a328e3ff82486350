package detour_test

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/k2io/detour"
)

// fakeMemory is an address space made of byte slices. It serves as both
// CodePatcher and Allocator.
type fakeMemory struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
	allocs  int
	live    int
	writes  int

	failWrite error
	failAlloc error
	// onWrite decides, per numbered write attempt, whether the bytes are
	// stored and what error the write reports. It overrides failWrite.
	onWrite  func(attempt int) (bool, error)
	attempts int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{regions: make(map[uintptr][]byte)}
}

// place maps code at base followed by breakpoint padding.
func (m *fakeMemory) place(base uintptr, code []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(code)+128)
	copy(buf, code)
	for i := len(code); i < len(buf); i++ {
		buf[i] = 0xCC
	}
	m.regions[base] = buf
}

func (m *fakeMemory) find(addr uintptr, n int) ([]byte, bool) {
	for base, buf := range m.regions {
		if addr >= base && addr+uintptr(n) <= base+uintptr(len(buf)) {
			off := addr - base
			return buf[off : off+uintptr(n)], true
		}
	}
	return nil, false
}

func (m *fakeMemory) bytes(addr uintptr, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.find(addr, n)
	if !ok {
		return nil
	}
	return append([]byte(nil), b...)
}

func (m *fakeMemory) Read(addr uintptr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.find(addr, n)
	if !ok {
		return nil, errors.Wrapf(detour.ErrRead, "%#x+%d unmapped", addr, n)
	}
	return append([]byte(nil), b...), nil
}

func (m *fakeMemory) Write(addr uintptr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	store, err := m.failWrite == nil, m.failWrite
	if m.onWrite != nil {
		store, err = m.onWrite(m.attempts)
	}
	if store {
		b, ok := m.find(addr, len(data))
		if !ok {
			return errors.Wrapf(detour.ErrWrite, "%#x+%d unmapped", addr, len(data))
		}
		copy(b, data)
		m.writes++
	}
	return err
}

// storeThenFail stores every write and then reports a protection error.
func storeThenFail(int) (bool, error) {
	return true, detour.ErrProtectionChange
}

func (m *fakeMemory) Alloc(near uintptr, size int) (detour.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAlloc != nil {
		return nil, m.failAlloc
	}
	addr := near + 0x100000 + uintptr(m.allocs)*0x1000
	m.regions[addr] = make([]byte, size)
	m.allocs++
	m.live++
	return &fakeBlock{m: m, addr: addr, size: size}, nil
}

type fakeBlock struct {
	m      *fakeMemory
	addr   uintptr
	size   int
	sealed bool
}

func (b *fakeBlock) Addr() uintptr { return b.addr }
func (b *fakeBlock) Size() int     { return b.size }

func (b *fakeBlock) Write(p []byte) (int, error) {
	return b.WriteAt(p, 0)
}

func (b *fakeBlock) WriteAt(p []byte, off int64) (int, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if b.sealed || off+int64(len(p)) > int64(b.size) {
		return 0, detour.ErrWrite
	}
	copy(b.m.regions[b.addr][off:], p)
	return len(p), nil
}

func (b *fakeBlock) Seal() error {
	b.sealed = true
	return nil
}

func (b *fakeBlock) Close() error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	delete(b.m.regions, b.addr)
	b.m.live--
	return nil
}

// failingDecoder rejects everything.
type failingDecoder struct{}

func (failingDecoder) Decode(code []byte, addr uintptr) (detour.Instruction, error) {
	return detour.Instruction{}, errors.Wrapf(detour.ErrDecode, "at %#x", addr)
}
