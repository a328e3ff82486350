package detour

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Option configures detours, registries and callback lists.
type Option func(*options)

type options struct {
	log     logrus.FieldLogger
	debug   bool
	mode    int
	patcher CodePatcher
	alloc   Allocator
	decoder InstructionDecoder
}

// WithLogger sets the logger. The default logs warnings and errors to stderr.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithDebug makes the default logger trace every patch at debug level.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithMode selects the instruction set width, 32 or 64. It defaults to the
// width of the running process.
func WithMode(mode int) Option {
	return func(o *options) { o.mode = mode }
}

// WithPatcher replaces the primitive used to read and write code.
func WithPatcher(p CodePatcher) Option {
	return func(o *options) { o.patcher = p }
}

// WithAllocator replaces the source of trampoline memory.
func WithAllocator(a Allocator) Option {
	return func(o *options) { o.alloc = a }
}

// WithDecoder replaces the instruction decoder.
func WithDecoder(d InstructionDecoder) Option {
	return func(o *options) { o.decoder = d }
}

// newLogOptions applies opts and settles the logger only.
func newLogOptions(opts []Option) options {
	o := options{mode: hostMode()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = newLogger(o.debug)
	}
	return o
}

func newOptions(opts []Option) options {
	o := newLogOptions(opts)
	if o.patcher == nil {
		o.patcher = NewCodePatcher()
	}
	if o.alloc == nil {
		o.alloc = NewAllocator()
	}
	if o.decoder == nil {
		o.decoder = NewDecoder(o.mode)
	}
	return o
}

func newLogger(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

var (
	stdLogger     logrus.FieldLogger
	stdLoggerOnce sync.Once
)

func defaultLogger() logrus.FieldLogger {
	stdLoggerOnce.Do(func() { stdLogger = newLogger(false) })
	return stdLogger
}

// hostMode is the instruction set width of the running process, or 0 when it
// is not an x86 process.
func hostMode() int {
	switch runtime.GOARCH {
	case "amd64":
		return 64
	case "386":
		return 32
	}
	return 0
}

func hexAddr(addr uintptr) string {
	return fmt.Sprintf("%#x", addr)
}
