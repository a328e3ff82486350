package detour

import (
	stderrors "errors"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handle identifies a registered callback. Handles start at 1 and are never
// reused by the list that issued them.
type Handle uint64

// CallbackService is the registration side of a callback list.
type CallbackService[A any] interface {
	Register(fn func(A) error) Handle
	Unregister(h Handle) error
}

// Callbacks is a list of subscribers notified synchronously, in registration
// order, by Run. It is safe for concurrent use and callbacks may register or
// unregister while a Run is in progress; they affect the next Run.
//
// The zero value is ready to use.
type Callbacks[A any] struct {
	mu      sync.Mutex
	last    Handle
	entries []callbackEntry[A]
	log     logrus.FieldLogger
}

type callbackEntry[A any] struct {
	handle Handle
	fn     func(A) error
}

var _ CallbackService[struct{}] = (*Callbacks[struct{}])(nil)

// NewCallbacks returns an empty list logging failures through the logger of
// opts.
func NewCallbacks[A any](opts ...Option) *Callbacks[A] {
	o := newLogOptions(opts)
	return &Callbacks[A]{log: o.log}
}

// Register appends fn and returns its handle.
func (c *Callbacks[A]) Register(fn func(A) error) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	c.entries = append(c.entries, callbackEntry[A]{handle: c.last, fn: fn})
	return c.last
}

// Unregister drops the callback registered under h.
func (c *Callbacks[A]) Unregister(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.handle == h {
			// copy on write, a running snapshot may share the backing array
			entries := make([]callbackEntry[A], 0, len(c.entries)-1)
			entries = append(entries, c.entries[:i]...)
			c.entries = append(entries, c.entries[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrHandleNotFound, "handle %d", h)
}

// Len reports how many callbacks are registered.
func (c *Callbacks[A]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run calls every registered callback with arg. A failing or panicking
// callback does not stop the others; all failures are logged and returned
// joined.
func (c *Callbacks[A]) Run(arg A) error {
	c.mu.Lock()
	snapshot := c.entries[:len(c.entries):len(c.entries)]
	log := c.log
	c.mu.Unlock()
	if log == nil {
		log = defaultLogger()
	}
	var errs []error
	for _, e := range snapshot {
		if err := runCallback(e.fn, arg); err != nil {
			log.WithField("handle", uint64(e.handle)).WithError(err).Error("callback failed")
			errs = append(errs, errors.WithMessagef(err, "callback %d", e.handle))
		}
	}
	return stderrors.Join(errs...)
}

func runCallback[A any](fn func(A) error, arg A) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn(arg)
}
