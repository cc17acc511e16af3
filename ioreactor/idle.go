//go:build linux

package ioreactor

import (
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coros/fiber"
	"github.com/joeycumines/go-coros/scheduler"
)

// idleLoop is the reactor's override of the scheduler's idle body — the
// heart of the system per §4.4. It is installed as sched.IdleBody and so
// runs inside every worker's idle fiber, looping internally (one
// YieldToHold per pass) until the strengthened stopping predicate holds.
func (iom *IOManager) idleLoop(workerID int32) {
	events := make([]unix.EpollEvent, iom.maxEvents)

	for !iom.Scheduler.Stopping() {
		tNext := iom.Timers.NextTimerMs()
		waitMs := iom.idlePollCapMs
		if tNext < iom.idlePollCapMs {
			waitMs = tNext
		}

		n, err := unix.EpollWait(iom.epfd, events, int(waitMs))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			iom.logFailure(-1, "epoll_wait", err)
			fiber.YieldToHold()
			continue
		}

		if expired := iom.Timers.ListExpiredCallbacks(); len(expired) > 0 {
			tasks := make([]*scheduler.FiberTask, 0, len(expired))
			for _, cb := range expired {
				cb := cb
				tasks = append(tasks, &scheduler.FiberTask{
					Fn:       func(*fiber.Fiber) { cb() },
					Affinity: scheduler.AnyThread,
				})
			}
			iom.Scheduler.ScheduleBatch(tasks)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == iom.wakeR {
				iom.drainWake()
				continue
			}
			iom.handleReadyEvent(fd, events[i].Events)
		}

		fiber.YieldToHold()
	}
}

// drainWake empties the wake pipe after an edge-triggered readiness
// notification — it must drain everything available, not just one byte,
// or a subsequent write before the next epoll_wait would be missed.
func (iom *IOManager) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(iom.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// handleReadyEvent processes one epoll-reported fd readiness, per the
// idle-loop pseudocode in §4.4: EPOLLERR/EPOLLHUP are folded into both
// directions, stale reports (no overlap with currently armed bits) are
// ignored, and the fd is reconfigured (MOD with the remaining bits, or
// DEL if none remain) before triggering.
func (iom *IOManager) handleReadyEvent(fd int, raw uint32) {
	fc := iom.getFd(fd)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	var real Event
	if raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		real = EventRead | EventWrite
	} else {
		if raw&unix.EPOLLIN != 0 {
			real |= EventRead
		}
		if raw&unix.EPOLLOUT != 0 {
			real |= EventWrite
		}
	}
	real &= fc.armed
	if real == 0 {
		fc.mu.Unlock()
		return
	}

	remaining := fc.armed &^ real
	if err := iom.reconfigure(fd, remaining); err != nil {
		fc.mu.Unlock()
		iom.logFailure(fd, "epoll_ctl reconfigure", err)
		return
	}

	var rctx, wctx EventContext
	haveRead := real&EventRead != 0
	haveWrite := real&EventWrite != 0
	if haveRead {
		rctx = iom.clearBitLocked(fc, EventRead)
	}
	if haveWrite {
		wctx = iom.clearBitLocked(fc, EventWrite)
	}
	fc.mu.Unlock()

	if haveRead {
		iom.pending.Add(-1)
		iom.dispatch(rctx)
	}
	if haveWrite {
		iom.pending.Add(-1)
		iom.dispatch(wctx)
	}
}
