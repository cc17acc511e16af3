// Package fiber implements the stackful-flavoured cooperative coroutine at
// the bottom of the dependency order: a unit of work with an explicit
// {INIT, READY, EXEC, HOLD, TERM, EXCEPT} lifecycle and two suspension
// primitives, YieldToReady and YieldToHold.
//
// Go gives no portable way to swap a goroutine's machine context onto
// another stack, so the "context switch" here is a goroutine parked on an
// unbuffered channel rather than a saved register file. The externally
// visible contract — at most one fiber EXEC per worker, explicit suspension
// points only, panics caught and turned into EXCEPT — holds regardless of
// the mechanism underneath, which is the part that matters per the
// project's own design notes on retargeting context-switch primitives.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-coros/corosconfig"
	"github.com/joeycumines/go-coros/internal/gid"
	"github.com/joeycumines/go-coros/internal/rlog"
)

// DefaultStackSize is the default per-fiber stack size in bytes, the value
// the configuration key fiber.stack_size defaults to. Go fibers don't carry
// a real fixed-size stack (the goroutine scheduler grows and shrinks the
// real stack on demand), so the value is kept for interface parity and
// surfaced via Fiber.StackSize for callers that size buffers off of it.
const DefaultStackSize = 1 << 20

var nextID atomic.Uint64

// currentFiber maps a goroutine id to the Fiber whose trampoline (or
// thread-main placeholder) is currently occupying it — the Go stand-in for
// the per-worker thread-local "current fiber" slot the design calls for.
var currentFiber = gid.NewMap[*Fiber]()

type yieldKind int

const (
	yieldSuspend yieldKind = iota // fiber parked itself via YieldToReady/YieldToHold
	yieldDone                     // closure returned or panicked
)

type yieldMsg struct {
	kind yieldKind
}

// Fiber is a stackful-flavoured cooperative coroutine.
type Fiber struct {
	id        uint64
	stackSize int
	useCaller bool
	logger    *rlog.Logger

	state *fastState

	mu        sync.Mutex
	fn        func(*Fiber)
	started   bool
	threadMain bool

	resumeCh chan struct{}
	yieldCh  chan yieldMsg

	panicVal any
}

// Option configures a Fiber constructed via New.
type Option func(*Fiber)

// WithStackSize overrides DefaultStackSize.
func WithStackSize(n int) Option {
	return func(f *Fiber) { f.stackSize = n }
}

// WithUseCaller marks the fiber as a "caller" fiber. The flag is recorded
// only: the trampoline runs the same way either way, and on every yield or
// completion control returns to whichever goroutine called SwapIn or Call.
func WithUseCaller(b bool) Option {
	return func(f *Fiber) { f.useCaller = b }
}

// WithLogger attaches a logger used for panic/EXCEPT reporting. Defaults to
// a no-op logger.
func WithLogger(l *rlog.Logger) Option {
	return func(f *Fiber) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithConfig reads fiber.stack_size from cfg, overriding DefaultStackSize —
// the configuration key §6 calls out as read directly by the core.
func WithConfig(cfg *corosconfig.Registry) Option {
	return func(f *Fiber) {
		if cfg == nil {
			return
		}
		if v, ok := cfg.Get(corosconfig.KeyFiberStackSize); ok {
			f.stackSize = int(v)
		}
	}
}

// New constructs a fiber in state INIT from the given entry closure. The
// closure receives the Fiber itself; to suspend, it calls the package-level
// YieldToReady / YieldToHold from inside fn, which resolve Current()
// themselves.
func New(fn func(*Fiber), opts ...Option) *Fiber {
	f := &Fiber{
		id:        nextID.Add(1),
		stackSize: DefaultStackSize,
		logger:    rlog.Nop(),
		state:     newFastState(StateInit),
		fn:        fn,
	}
	for _, o := range opts {
		o(f)
	}
	f.logger = f.logger.WithFiber(f.id)
	return f
}

// NewThreadMain constructs the distinguished per-worker fiber that
// represents a worker's native call stack: no closure, no allocated stack,
// EXEC only while its worker runs the scheduler loop. The scheduler
// constructs one per worker (and one for the caller, if it participates)
// and calls MarkCurrent on it at the top of the run loop.
func NewThreadMain() *Fiber {
	return &Fiber{
		id:         nextID.Add(1),
		state:      newFastState(StateExec),
		logger:     rlog.Nop(),
		threadMain: true,
	}
}

// ID returns the fiber's monotonic identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return f.state.Load() }

// IsThreadMain reports whether f is a worker's thread-main placeholder
// rather than a real closure-bearing fiber.
func (f *Fiber) IsThreadMain() bool { return f.threadMain }

// StackSize returns the configured stack size (informational only; see the
// package doc comment on why Go fibers don't allocate one).
func (f *Fiber) StackSize() int { return f.stackSize }

// MarkCurrent associates the thread-main fiber with the calling goroutine.
// The scheduler calls this once at the top of each worker's run loop so
// that Current(), called from arbitrary code running inline on the worker
// (i.e. not inside a dispatched fiber), resolves to the thread-main fiber
// rather than nothing.
func (f *Fiber) MarkCurrent() {
	if f == nil {
		return
	}
	currentFiber.Set(f)
}

// Current returns the Fiber whose trampoline is running on the calling
// goroutine, or nil if the calling goroutine is not a fiber's trampoline
// (and has not called MarkCurrent for a thread-main placeholder).
func Current() *Fiber {
	f, ok := currentFiber.Get()
	if !ok {
		return nil
	}
	return f
}

// Reset rebinds fn in-place and returns the fiber to INIT, discarding the
// previous trampoline goroutine (if any — the next SwapIn/Call lazily
// starts a fresh one). Valid only from {TERM, INIT, EXCEPT}; returns an
// error otherwise, mirroring the ownership rule that a fiber is destroyed
// (and so re-creatable) only from those states.
func (f *Fiber) Reset(fn func(*Fiber)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadMain {
		return fmt.Errorf("fiber: cannot reset the thread-main fiber")
	}
	if !f.state.Load().IsTerminal() {
		return fmt.Errorf("fiber: cannot reset fiber %d in state %s", f.id, f.state.Load())
	}
	f.fn = fn
	f.started = false
	f.resumeCh = nil
	f.yieldCh = nil
	f.panicVal = nil
	f.state.Store(StateInit)
	return nil
}

// PanicValue returns the value recovered from a panicking closure, valid
// once the fiber has reached EXCEPT.
func (f *Fiber) PanicValue() any { return f.panicVal }

func (f *Fiber) ensureStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan yieldMsg)
	go f.trampoline()
}

// trampoline is the goroutine backing a fiber's entire lifetime. It blocks
// on resumeCh until first swapped in, runs fn to completion (catching any
// panic into EXCEPT), and reports completion on yieldCh. While fn is
// running it may itself block on resumeCh any number of times, from inside
// YieldToReady/YieldToHold — each such block/unblock pair is one
// swap-out/swap-in round trip.
func (f *Fiber) trampoline() {
	currentFiber.Set(f)
	defer currentFiber.Delete()

	<-f.resumeCh

	func() {
		defer func() {
			if r := recover(); r != nil {
				f.panicVal = r
				f.state.Store(StateExcept)
				f.logger.Crit().Any("panic", r).Log("fiber panicked; caught at trampoline")
			}
		}()
		f.fn(f)
		if f.state.Load() != StateExcept {
			f.state.Store(StateTerm)
		}
	}()

	f.yieldCh <- yieldMsg{kind: yieldDone}
}

// SwapIn resumes the fiber from the scheduler (the normal trampoline path:
// control returns to the scheduler's root fiber on completion) and blocks
// until the fiber yields or terminates, returning the resulting state.
// Calling SwapIn on a fiber that is already EXEC, or on a TERM/EXCEPT
// fiber, is a programming error — the former is the "resume of an EXEC
// fiber" invariant violation the design calls process-fatal.
func (f *Fiber) SwapIn() State {
	return f.swap()
}

// Call resumes the fiber from a thread-main context — the "caller"
// trampoline variant, whose completion returns to the calling thread's
// main fiber rather than the scheduler's root fiber. Mechanically
// identical to SwapIn in this implementation; kept distinct so call sites
// read the way the design's two trampoline variants do.
func (f *Fiber) Call() State {
	return f.swap()
}

func (f *Fiber) swap() State {
	if f.threadMain {
		panic("fiber: SwapIn/Call called on the thread-main fiber")
	}
	if prior := f.state.Load(); prior == StateExec {
		panic(fmt.Sprintf("fiber: resume of fiber %d already in EXEC", f.id))
	} else if prior.IsTerminal() && prior != StateInit {
		panic(fmt.Sprintf("fiber: resume of terminal fiber %d (state %s)", f.id, prior))
	}

	f.ensureStarted()
	f.state.Store(StateExec)
	f.resumeCh <- struct{}{}
	<-f.yieldCh
	return f.state.Load()
}

// YieldToReady suspends the calling fiber, immediately marking it READY so
// whoever holds the fiber reference (normally the scheduler's ready queue)
// requeues it. It must be called from inside a fiber's own closure (i.e.
// on the fiber's trampoline goroutine); calling it elsewhere panics.
func YieldToReady() {
	f := requireCurrent("YieldToReady")
	f.yieldTo(StateReady)
}

// YieldToHold suspends the calling fiber, marking it HOLD: it parks
// without requeueing and will only run again when whoever holds its
// reference (a reactor EventContext, a timer callback, ...) resumes it.
func YieldToHold() {
	f := requireCurrent("YieldToHold")
	f.yieldTo(StateHold)
}

func requireCurrent(op string) *Fiber {
	f := Current()
	if f == nil {
		panic(fmt.Sprintf("fiber: %s called outside a running fiber", op))
	}
	if f.threadMain {
		panic(fmt.Sprintf("fiber: %s called on the thread-main fiber", op))
	}
	return f
}

func (f *Fiber) yieldTo(s State) {
	f.state.Store(s)
	f.yieldCh <- yieldMsg{kind: yieldSuspend}
	<-f.resumeCh
	f.state.Store(StateExec)
}
