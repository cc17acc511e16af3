// Package timer implements the hierarchical/ordered timer set: a sorted set
// of absolute deadlines, harvested in batches, with clock-rollover
// detection and the condition-timer pattern the hook layer uses to couple
// a timeout to a still-pending I/O operation.
package timer

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-coros/corosconfig"
	"github.com/joeycumines/go-coros/internal/rlog"
)

// RolloverThresholdMs is the magnitude of a backward clock jump, observed
// between two harvests, that is treated as a wall-clock rollover rather
// than ordinary drift — at which point every pending timer is flushed —
// unless overridden per-Manager via SetRolloverThresholdMs or NewFromConfig.
const RolloverThresholdMs = 60 * 60 * 1000 // 1 hour

// NoDeadline is the NextTimerMs sentinel meaning "no timer pending".
const NoDeadline = int64(math.MaxInt64)

// Timer is a single scheduled callback.
type Timer struct {
	id       uint64
	deadline int64 // ms, absolute
	periodMs int64
	recurring bool
	cb       func()
	upgrade  func() (any, bool) // non-nil for condition timers

	heapIndex int // maintained by container/heap; -1 when not in the heap
	cancelled bool
}

// ID returns the timer's identity, used as the tiebreaker in the
// (deadline, identity) total order.
func (t *Timer) ID() uint64 { return t.id }

// Deadline returns the timer's current absolute deadline in milliseconds.
func (t *Timer) Deadline() int64 { return t.deadline }

type timerSet []*Timer

func (s timerSet) Len() int { return len(s) }
func (s timerSet) Less(i, j int) bool {
	if s[i].deadline != s[j].deadline {
		return s[i].deadline < s[j].deadline
	}
	return s[i].id < s[j].id
}
func (s timerSet) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].heapIndex = i
	s[j].heapIndex = j
}
func (s *timerSet) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(*s)
	*s = append(*s, t)
}
func (s *timerSet) Pop() any {
	old := *s
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*s = old[:n-1]
	return t
}

// Clock returns the current absolute time in milliseconds. Manager's
// default is wall-clock (time.Now), overridable for tests that need to
// simulate drift or rollover.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMilli() }

// Manager is the TimerManager: an ordered set of timers plus rollover
// bookkeeping. The reactor embeds one and supplies OnInsertedAtFront to
// wake its idle loop — the on_timer_inserted_at_front hook from §4.3.
type Manager struct {
	mu   sync.Mutex
	set  timerSet
	nextID atomic.Uint64

	tickled      bool
	lastObserved int64
	haveObserved bool

	clock               Clock
	rolloverThresholdMs int64
	// OnInsertedAtFront is invoked (outside the manager's lock) whenever an
	// insertion becomes the new earliest deadline while no tickle is
	// already pending. The reactor wires its wake-pipe tickle() here.
	OnInsertedAtFront func()

	logger *rlog.Logger
}

// New constructs an empty Manager using the wall clock and
// RolloverThresholdMs.
func New(logger *rlog.Logger) *Manager {
	if logger == nil {
		logger = rlog.Nop()
	}
	return &Manager{clock: defaultClock, logger: logger, rolloverThresholdMs: RolloverThresholdMs}
}

// NewFromConfig is New, except the rollover threshold is read from
// timer.rollover_ms in cfg instead of the RolloverThresholdMs default.
func NewFromConfig(logger *rlog.Logger, cfg *corosconfig.Registry) *Manager {
	m := New(logger)
	if cfg != nil {
		if v, ok := cfg.Get(corosconfig.KeyTimerRolloverMs); ok && v > 0 {
			m.rolloverThresholdMs = v
		}
	}
	return m
}

// SetRolloverThresholdMs overrides the rollover-detection threshold;
// intended for tests and for NewFromConfig.
func (m *Manager) SetRolloverThresholdMs(ms int64) {
	if ms > 0 {
		m.rolloverThresholdMs = ms
	}
}

// RolloverThresholdMs returns the manager's current rollover-detection
// threshold in milliseconds.
func (m *Manager) RolloverThresholdMs() int64 { return m.rolloverThresholdMs }

// SetClock overrides the manager's time source; intended for tests.
func (m *Manager) SetClock(c Clock) {
	if c != nil {
		m.clock = c
	}
}

func (m *Manager) now() int64 { return m.clock() }

// AddTimer schedules cb to run delayMs from now, optionally recurring
// every delayMs thereafter.
func (m *Manager) AddTimer(delayMs int64, cb func(), recurring bool) *Timer {
	return m.insert(delayMs, cb, recurring, nil)
}

// AddConditionTimer schedules cb the way AddTimer does, but wraps it so
// that it is a no-op unless upgrade() reports the guarded operation is
// still alive — the Go shape of the source's weak_ptr-guarded timer,
// used by the hook layer to let a completed I/O operation silently
// invalidate its own timeout.
func (m *Manager) AddConditionTimer(delayMs int64, cb func(), upgrade func() (any, bool), recurring bool) *Timer {
	return m.insert(delayMs, cb, recurring, upgrade)
}

func (m *Manager) insert(delayMs int64, cb func(), recurring bool, upgrade func() (any, bool)) *Timer {
	t := &Timer{
		id:        m.nextID.Add(1),
		periodMs:  delayMs,
		recurring: recurring,
		cb:        cb,
		upgrade:   upgrade,
	}

	m.mu.Lock()
	t.deadline = m.now() + delayMs
	heap.Push(&m.set, t)
	becameFront := m.set[0] == t
	var hook func()
	if becameFront && !m.tickled {
		m.tickled = true
		hook = m.OnInsertedAtFront
	}
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return t
}

// Cancel removes t from the set. Returns false if t was already harvested
// (or previously cancelled) — cancellation racing a concurrent harvest is
// resolved by the manager's lock, not by the caller.
func (m *Manager) Cancel(t *Timer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.heapIndex < 0 || t.heapIndex >= len(m.set) || m.set[t.heapIndex] != t {
		return false
	}
	heap.Remove(&m.set, t.heapIndex)
	t.cancelled = true
	return true
}

// Refresh re-anchors t's deadline to now, the way the source's refresh()
// does — it does not change the period, only pulls the next firing to the
// present.
func (m *Manager) Refresh(t *Timer) bool {
	return m.reanchor(t, m.now())
}

// Reset rebinds t's delay. If fromNow is true the new deadline is
// now+delayMs; otherwise it is the timer's previous deadline plus delayMs
// (extending the existing anchor rather than the wall clock).
func (m *Manager) Reset(t *Timer, delayMs int64, fromNow bool) bool {
	m.mu.Lock()
	var base int64
	if fromNow {
		base = m.now()
	} else {
		base = t.deadline
	}
	m.mu.Unlock()
	t.periodMs = delayMs
	return m.reanchor(t, base+delayMs)
}

func (m *Manager) reanchor(t *Timer, newDeadline int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.heapIndex < 0 || t.heapIndex >= len(m.set) || m.set[t.heapIndex] != t {
		return false
	}
	t.deadline = newDeadline
	heap.Fix(&m.set, t.heapIndex)
	return true
}

// NextTimerMs returns 0 if the earliest timer is already due, NoDeadline
// if the set is empty, else the gap to the earliest deadline in
// milliseconds. Calling this also clears the tickled flag: the idle loop
// calling NextTimerMs is the point at which the reactor is considered to
// have observed the current front timer, so a later front-insertion is
// free to tickle again.
func (m *Manager) NextTimerMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.set) == 0 {
		return NoDeadline
	}
	gap := m.set[0].deadline - m.now()
	if gap <= 0 {
		return 0
	}
	return gap
}

// ListExpiredCallbacks harvests every timer whose deadline is before now, per the
// batch algorithm in §4.3: a backward jump of more than
// RolloverThresholdMs since the previous observation expires everything;
// otherwise only strictly-earlier-than-now entries are due (ties at
// exactly now are conservatively left for the next pass, mirroring the
// source). Recurring timers are re-anchored to now+period and reinserted;
// one-shot timers are dropped. Condition timers whose upgrade has lapsed
// are skipped (they are effectively no-ops once their guard has gone).
func (m *Manager) ListExpiredCallbacks() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	regression := int64(0)
	if m.haveObserved {
		regression = m.lastObserved - now
	}
	rollover := m.haveObserved && regression > m.rolloverThresholdMs
	m.lastObserved = now
	m.haveObserved = true

	var expired []*Timer
	if rollover {
		m.logger.Warn().Int64("regression_ms", regression).Log("clock rollover detected; flushing all timers")
		expired = make([]*Timer, len(m.set))
		copy(expired, m.set)
		m.set = m.set[:0]
	} else {
		for len(m.set) > 0 && m.set[0].deadline < now {
			t := heap.Pop(&m.set).(*Timer)
			expired = append(expired, t)
		}
	}

	out := make([]func(), 0, len(expired))
	for _, t := range expired {
		cb := t.cb
		upgrade := t.upgrade
		out = append(out, func() {
			if upgrade != nil {
				if _, ok := upgrade(); !ok {
					return
				}
			}
			cb()
		})
		if t.recurring {
			// Reanchor the same handle rather than allocating a new one: a
			// caller holding the *Timer returned by AddTimer must still be
			// able to Cancel it after any number of firings.
			t.deadline = now + t.periodMs
			heap.Push(&m.set, t)
		} else {
			t.cancelled = true
		}
	}
	return out
}

// Len reports the number of still-pending timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.set)
}
