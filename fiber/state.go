package fiber

import "sync/atomic"

// State is the lifecycle stage of a Fiber.
type State uint32

const (
	// StateInit is the state of a freshly constructed (or reset) fiber that
	// has not yet been resumed.
	StateInit State = iota
	// StateReady means the fiber is queued (or about to be queued) for
	// execution but is not currently running.
	StateReady
	// StateExec means the fiber is the one currently running on its worker.
	StateExec
	// StateHold means the fiber yielded without requeueing itself; it is
	// reachable only through whatever external reference parked it (a
	// reactor EventContext, a timer callback, ...).
	StateHold
	// StateTerm means the fiber's closure returned normally.
	StateTerm
	// StateExcept means the fiber's closure panicked; the panic was caught
	// at the trampoline and turned into this state instead of crashing the
	// process.
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of the states a fiber is destroyed or
// reset from (TERM, INIT, EXCEPT) per the data model's ownership rule.
func (s State) IsTerminal() bool {
	return s == StateTerm || s == StateInit || s == StateExcept
}

// fastState is a lock-free state cell, cache-line padded the way the
// teacher's FastState is, since Fiber.state is read from every worker that
// might be deciding whether to requeue or hold a just-swapped-out fiber.
type fastState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newFastState(initial State) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() State { return State(s.v.Load()) }

func (s *fastState) Store(v State) { s.v.Store(uint32(v)) }

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
