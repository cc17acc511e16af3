package hook

import (
	"time"

	"github.com/joeycumines/go-coros/fiber"
	"github.com/joeycumines/go-coros/scheduler"
)

// Sleep is the hooked sleep(3): with hooks enabled and a fiber running, it
// arms a one-shot timer that reschedules the current fiber and parks,
// returning once woken — transparent to the caller, who sees an ordinary
// blocking sleep, while the worker keeps servicing everything else in the
// meantime. Returns the unslept remainder, always 0 here since the timer
// cannot be interrupted early.
func (h *Hooks) Sleep(seconds uint) uint {
	if !Enabled() || fiber.Current() == nil {
		time.Sleep(time.Duration(seconds) * time.Second)
		return 0
	}
	h.sleepMs(int64(seconds) * 1000)
	return 0
}

// Usleep is the hooked usleep(3), taking microseconds.
func (h *Hooks) Usleep(usec int64) {
	if !Enabled() || fiber.Current() == nil {
		time.Sleep(time.Duration(usec) * time.Microsecond)
		return
	}
	h.sleepMs(usec / 1000)
}

// Nanosleep is the hooked nanosleep(2), taking a time.Duration directly
// rather than the timespec pair the real syscall uses.
func (h *Hooks) Nanosleep(d time.Duration) {
	if !Enabled() || fiber.Current() == nil {
		time.Sleep(d)
		return
	}
	h.sleepMs(d.Milliseconds())
}

func (h *Hooks) sleepMs(ms int64) {
	if ms <= 0 {
		return
	}
	f := fiber.Current()
	h.iom.Timers.AddTimer(ms, func() {
		h.iom.Scheduler.Schedule(&scheduler.FiberTask{Fiber: f}, scheduler.AnyThread)
	}, false)
	fiber.YieldToHold()
}
