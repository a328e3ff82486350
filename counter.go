package detour

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// HookCounter counts, per OS thread, how many guarded invocations of one hook
// site are active. Replacements use it to tell the outermost call on a thread
// from calls the original code makes back into hooked functions.
//
// The zero value is ready to use.
type HookCounter struct {
	// thread id -> *atomic.Int64
	counts sync.Map
}

// HookGuard is one active guarded invocation.
type HookGuard struct {
	c     *HookCounter
	tid   uint64
	slot  *atomic.Int64
	count int64
	done  bool
}

// Enter pins the calling goroutine to its thread and increments the thread's
// count. The guard must be exited on the same goroutine:
//
//	g := counter.Enter()
//	defer g.Exit()
//	if g.Outermost() {
//		...
//	}
func (c *HookCounter) Enter() *HookGuard {
	runtime.LockOSThread()
	tid := threadID()
	v, ok := c.counts.Load(tid)
	if !ok {
		v, _ = c.counts.LoadOrStore(tid, new(atomic.Int64))
	}
	slot := v.(*atomic.Int64)
	return &HookGuard{c: c, tid: tid, slot: slot, count: slot.Add(1)}
}

// Count is the thread's count including this guard.
func (g *HookGuard) Count() int64 {
	return g.count
}

// Outermost reports whether no other guard of the same counter is active on
// this thread.
func (g *HookGuard) Outermost() bool {
	return g.count == 1
}

// Exit decrements the count and unpins the goroutine. Extra calls do nothing.
func (g *HookGuard) Exit() {
	if g.done {
		return
	}
	g.done = true
	if g.slot.Add(-1) == 0 {
		// only this thread touches its slot, and it is pinned until here
		g.c.counts.Delete(g.tid)
	}
	runtime.UnlockOSThread()
}

// Current is the calling thread's count outside of any guard.
func (c *HookCounter) Current() int64 {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	v, ok := c.counts.Load(threadID())
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}
