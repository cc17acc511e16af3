package hook

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coros/fdmanager"
	"github.com/joeycumines/go-coros/fiber"
	"github.com/joeycumines/go-coros/ioreactor"
	"github.com/joeycumines/go-coros/timer"
)

// OrigFn is one attempt at the underlying syscall: the real operation,
// returning whatever count the call would and a non-nil error (ordinarily
// a unix.Errno) on failure. do_io retries this on EINTR and parks on
// EAGAIN; any other error is returned straight to the caller.
type OrigFn func() (int, error)

// Hooks binds the reactor and fd table a set of hooked calls cooperate
// through. One Hooks is typically shared by every fiber in a runtime.
type Hooks struct {
	iom   *ioreactor.IOManager
	fdMgr *fdmanager.Manager
}

// New constructs a Hooks bound to the given reactor and fd table.
func New(iom *ioreactor.IOManager, fdMgr *fdmanager.Manager) *Hooks {
	return &Hooks{iom: iom, fdMgr: fdMgr}
}

// timeoutInfo is shared between a condition timer's callback and the
// do_io/parkOnce caller it guards — the Go rendering of the weak_ptr the
// design uses so a timer that fires after its operation already completed
// becomes a silent no-op instead of acting on stale state.
type timeoutInfo struct {
	mu        sync.Mutex
	done      bool
	cancelled unix.Errno
}

func (t *timeoutInfo) upgrade() (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, false
	}
	return t, true
}

func (t *timeoutInfo) markDone() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *timeoutInfo) setCancelled(errno unix.Errno) {
	t.mu.Lock()
	t.cancelled = errno
	t.mu.Unlock()
}

func (t *timeoutInfo) getCancelled() unix.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func isErrno(err error, target unix.Errno) bool {
	errno, ok := err.(unix.Errno)
	return ok && errno == target
}

// parkOnce arms event on fd (with an optional condition timer if
// timeoutMs >= 0), yields the current fiber, and reports whether the wait
// ended via the timeout rather than the event firing. It requires the
// calling goroutine to be a fiber's trampoline in EXEC, per AddEvent's
// no-callback contract.
func (h *Hooks) parkOnce(fd int, event ioreactor.Event, timeoutMs int64) (timedOut bool, err error) {
	tinfo := &timeoutInfo{}
	var tm *timer.Timer
	if timeoutMs >= 0 {
		tm = h.iom.Timers.AddConditionTimer(timeoutMs, func() {
			tinfo.setCancelled(unix.ETIMEDOUT)
			_ = h.iom.CancelEvent(fd, event)
		}, tinfo.upgrade, false)
	}

	if aerr := h.iom.AddEvent(fd, event, nil); aerr != nil {
		if tm != nil {
			h.iom.Timers.Cancel(tm)
		}
		tinfo.markDone()
		return false, aerr
	}

	fiber.YieldToHold()

	if tm != nil {
		h.iom.Timers.Cancel(tm)
	}
	tinfo.markDone()
	return tinfo.getCancelled() != 0, nil
}

// doIO is the do_io master template from §4.6: try the real call, retry
// transparently across EINTR, and on EAGAIN park on the reactor (with
// timeoutMs as the condition-timer delay, or no timer at all if
// timeoutMs < 0) until the fd is ready or the timeout fires, then retry.
// Hooks disabled on the calling goroutine, an fd the table has never seen,
// and a user-requested-non-blocking non-socket fd all fall straight through
// to origfn, matching the per-call bypass conditions in §4.6; a closed fd
// returns EBADF without calling origfn.
func (h *Hooks) doIO(fd int, event ioreactor.Event, origfn OrigFn, timeoutMs int64) (int, error) {
	if !Enabled() {
		return origfn()
	}
	ctx, ok := h.fdMgr.Get(fd, false)
	if !ok {
		return origfn()
	}
	if ctx.Closed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() && ctx.UserNonblock() {
		return origfn()
	}

	for {
		n, err := origfn()
		for isErrno(err, unix.EINTR) {
			n, err = origfn()
		}
		if !isErrno(err, unix.EAGAIN) {
			return n, err
		}

		timedOut, perr := h.parkOnce(fd, event, timeoutMs)
		if perr != nil {
			return -1, perr
		}
		if timedOut {
			return -1, unix.ETIMEDOUT
		}
	}
}
