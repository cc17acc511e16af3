// Package scheduler implements the M:N scheduler: a fixed pool of worker
// goroutines dispatching FiberTasks from a FIFO ready queue, with optional
// per-task thread affinity and an optional caller-participates-as-worker
// mode. The reactor package builds on top of this by composition, swapping
// in its own idle body and a stronger stopping predicate.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-coros/fiber"
	"github.com/joeycumines/go-coros/internal/rlog"
)

// AnyThread is the affinity value meaning "any worker may run this task".
const AnyThread int32 = -1

// NoRootThread is the root thread identifier when the caller does not
// participate as a worker.
const NoRootThread int32 = -1

// FiberTask is a queue entry: either a fiber reference or a plain closure,
// plus a thread-affinity hint.
type FiberTask struct {
	Fiber    *fiber.Fiber
	Fn       func(*fiber.Fiber)
	Affinity int32
}

type worker struct {
	id            int32
	threadMain    *fiber.Fiber
	idleFiber     *fiber.Fiber
	callbackFiber *fiber.Fiber
}

// Scheduler owns worker goroutines and dispatches FiberTasks to them.
type Scheduler struct {
	name string

	mu    sync.Mutex
	queue []*FiberTask

	threadCount int
	useCaller   bool
	rootThread  int32

	stopping atomic.Bool
	autoStop atomic.Bool
	started  atomic.Bool

	active atomic.Int64
	idle   atomic.Int64

	wg sync.WaitGroup

	workers      []*worker
	callerWorker *worker

	// IdleBody is the closure run, wrapped in a fiber, whenever a worker
	// finds nothing to dequeue. The base body yield-to-holds until
	// Stopping() is true (busy-spinning — see the design notes on why the
	// base scheduler is not production-ready standalone). The reactor
	// overrides this with the epoll idle loop.
	// IdleBody's signature carries only the worker id: suspension happens
	// via the package-level fiber.YieldToHold, resolved against the
	// calling goroutine, so the closure needs no fiber reference. The body
	// is expected to loop internally (checking Stopping() itself) rather
	// than return after one unit of work — the fiber persists across many
	// resumes precisely because its closure doesn't return early.
	IdleBody func(workerID int32)

	// StoppingExtra lets an embedder (the reactor) strengthen the base
	// stopping predicate with its own conditions (pending timers, pending
	// I/O events). Defaults to always-true.
	StoppingExtra func() bool

	// Wake is invoked whenever schedule() activates an empty queue, or
	// once per worker (plus once more if the caller participates) on
	// Stop(). The base scheduler has nothing productive to do with it
	// (workers busy-spin); the reactor overrides it to tickle the wake
	// pipe so epoll_wait returns promptly.
	Wake func()

	logger *rlog.Logger
}

// Option configures a Scheduler constructed via New.
type Option func(*Scheduler)

// WithUseCaller makes the calling goroutine of Stop() an additional
// worker, participating until the stopping predicate holds.
func WithUseCaller(b bool) Option { return func(s *Scheduler) { s.useCaller = b } }

// WithLogger attaches a logger.
func WithLogger(l *rlog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Scheduler with the given name and worker count.
func New(name string, threadCount int, opts ...Option) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	s := &Scheduler{
		name:        name,
		threadCount: threadCount,
		rootThread:  NoRootThread,
		logger:      rlog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("scheduler", name)
	s.IdleBody = s.defaultIdleBody
	s.StoppingExtra = func() bool { return true }
	s.Wake = func() {}
	if s.useCaller {
		s.rootThread = int32(threadCount)
	}
	return s
}

// RootThread returns the root thread identifier the caller can use as a
// FiberTask affinity, or NoRootThread if the caller does not participate.
func (s *Scheduler) RootThread() int32 { return s.rootThread }

// ActiveWorkers returns the current count of workers mid-SwapIn.
func (s *Scheduler) ActiveWorkers() int64 { return s.active.Load() }

// IdleWorkers returns the current count of workers parked in their idle
// fiber — the reactor's tickle() consults this before writing to the wake
// pipe, per §4.4's "writes one byte to the self-pipe if an idle worker
// exists".
func (s *Scheduler) IdleWorkers() int64 { return s.idle.Load() }

// QueueEmpty reports whether the ready queue currently holds no tasks.
func (s *Scheduler) QueueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// Stopping is the base stopping predicate: auto_stop && stopping &&
// queue_empty && active_workers == 0, strengthened by StoppingExtra.
func (s *Scheduler) Stopping() bool {
	return s.autoStop.Load() && s.stopping.Load() && s.QueueEmpty() && s.active.Load() == 0 && s.StoppingExtra()
}

// Schedule enqueues a task for the given affinity (AnyThread for any
// worker) and wakes if the queue was empty beforehand.
func (s *Scheduler) Schedule(task *FiberTask, affinity int32) bool {
	task.Affinity = affinity
	need := s.enqueue(task)
	if need {
		s.Wake()
	}
	return need
}

// ScheduleBatch atomically enqueues every task in tasks, waking once if at
// least one activated an empty queue.
func (s *Scheduler) ScheduleBatch(tasks []*FiberTask) bool {
	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, tasks...)
	s.mu.Unlock()
	if wasEmpty && len(tasks) > 0 {
		s.Wake()
		return true
	}
	return false
}

func (s *Scheduler) enqueue(t *FiberTask) bool {
	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	return wasEmpty
}

// dequeue scans the queue in FIFO order for the first task whose affinity
// matches self, skipping incompatible-affinity entries and fibers already
// foreign-EXEC. It reports whether any task was skipped or the queue is
// non-empty after removal — the "leftover, emit a wake" signal from §4.2
// step 2.
func (s *Scheduler) dequeue(self int32) (*FiberTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skippedAny := false
	for i, t := range s.queue {
		if t.Affinity != AnyThread && t.Affinity != self {
			skippedAny = true
			continue
		}
		if t.Fiber != nil && t.Fiber.State() == fiber.StateExec {
			skippedAny = true
			continue
		}
		s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
		return t, skippedAny || len(s.queue) > 0
	}
	return nil, skippedAny || len(s.queue) > 0
}

// Start is idempotent: it clears stopping/auto_stop and spawns
// threadCount worker goroutines, each running the run loop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.stopping.Store(false)
	s.autoStop.Store(false)
	s.workers = make([]*worker, s.threadCount)
	for i := 0; i < s.threadCount; i++ {
		w := &worker{id: int32(i), threadMain: fiber.NewThreadMain()}
		s.workers[i] = w
		s.wg.Add(1)
		go s.runWorker(w)
	}
}

// Stop sets auto_stop and stopping, wakes every worker (plus the caller's
// slot if it participates), optionally drives the caller's own root fiber
// inline until the stopping predicate holds, then joins every worker
// goroutine.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)
	s.stopping.Store(true)
	for range s.workers {
		s.Wake()
	}
	if s.useCaller {
		s.Wake()
		s.runCallerUntilStopped()
	}
	s.wg.Wait()
}

func (s *Scheduler) runCallerUntilStopped() {
	if s.callerWorker == nil {
		s.callerWorker = &worker{id: s.rootThread, threadMain: fiber.NewThreadMain()}
	}
	w := s.callerWorker
	w.threadMain.MarkCurrent()
	for !s.Stopping() {
		if s.runOnePass(w) {
			return
		}
	}
}

func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	w.threadMain.MarkCurrent()
	for {
		if s.runOnePass(w) {
			return
		}
	}
}

// runOnePass executes one iteration of the run loop documented in §4.2,
// returning true when the worker's idle fiber has terminated (meaning the
// worker should exit).
func (s *Scheduler) runOnePass(w *worker) bool {
	task, leftover := s.dequeue(w.id)
	if leftover {
		s.Wake()
	}

	if task == nil {
		if w.idleFiber == nil || w.idleFiber.State().IsTerminal() {
			id := w.id
			w.idleFiber = fiber.New(func(*fiber.Fiber) { s.IdleBody(id) })
		}
		s.idle.Add(1)
		st := w.idleFiber.SwapIn()
		s.idle.Add(-1)
		if st == fiber.StateTerm || st == fiber.StateExcept {
			w.idleFiber = nil
			return true
		}
		return false
	}

	if task.Fiber != nil {
		f := task.Fiber
		if f.State() == fiber.StateTerm || f.State() == fiber.StateExcept {
			return false
		}
		s.runFiber(f)
		return false
	}

	if task.Fn != nil {
		cf := w.callbackFiber
		fn := task.Fn
		if cf == nil || cf.State().IsTerminal() {
			cf = fiber.New(fn)
		} else {
			if err := cf.Reset(fn); err != nil {
				s.logger.Err().Err(err).Log("failed to reset callback fiber")
				cf = fiber.New(fn)
			}
		}
		w.callbackFiber = cf
		st := s.runFiber(cf)
		if st == fiber.StateTerm || st == fiber.StateExcept || st == fiber.StateHold {
			// finished/faulted: drop for reuse check next time; held:
			// ownership moved to whoever parked it, so also stop tracking
			// it here.
			w.callbackFiber = nil
		}
	}
	return false
}

func (s *Scheduler) runFiber(f *fiber.Fiber) fiber.State {
	s.active.Add(1)
	st := f.SwapIn()
	s.active.Add(-1)
	switch st {
	case fiber.StateReady:
		s.Schedule(&FiberTask{Fiber: f}, AnyThread)
	}
	return st
}

// defaultIdleBody is the base scheduler's intentionally non-production
// idle: yield-to-hold until Stopping() is true. It loops internally, one
// YieldToHold round trip per run-loop resume, matching §4.2 step 5's "if
// idle did not TERM, mark HOLD; it will be resumed on the next loop
// iteration" — absent an override this busy-spins at full CPU, which is
// the point: only the reactor's idle body is meant for production use.
func (s *Scheduler) defaultIdleBody(int32) {
	for !s.Stopping() {
		fiber.YieldToHold()
	}
}
