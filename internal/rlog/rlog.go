// Package rlog provides the structured logger every go-coros component is
// constructed with. It is a thin field-naming layer over logiface, the way
// the teacher's eventloop package is a thin Logger interface over whichever
// backend it's handed — except here the backend is logiface itself rather
// than a hand-rolled interface, since logiface is already a direct
// dependency of that package.
package rlog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger wraps a logiface logger backed by stumpy's JSON writer, adding the
// field names go-coros components use consistently (fiber_id, worker,
// fd, event).
type Logger struct {
	base *logiface.Logger[*stumpy.Event]
}

// New constructs a Logger writing JSON lines to w at the given level.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		base: logiface.New[*stumpy.Event](
			stumpy.WithStumpy(stumpy.WithWriter(w)),
			logiface.WithLevel[*stumpy.Event](level),
		),
	}
}

// Nop returns a Logger that discards everything, for components constructed
// without an explicit logger (tests, small examples).
func Nop() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

// With returns a derived Logger that has the given key/value pair attached
// to every subsequent event, via logiface's Context/Clone mechanism.
func (l *Logger) With(key string, val any) *Logger {
	if l == nil || l.base == nil {
		return l
	}
	sub := l.base.Clone().Any(key, val).Logger()
	if sub == nil {
		return l
	}
	return &Logger{base: sub}
}

// WithFiber tags subsequent events with the owning fiber id.
func (l *Logger) WithFiber(id uint64) *Logger { return l.With("fiber_id", id) }

// WithWorker tags subsequent events with the owning worker id.
func (l *Logger) WithWorker(id int) *Logger { return l.With("worker", id) }

// WithFD tags subsequent events with the owning file descriptor.
func (l *Logger) WithFD(fd int) *Logger { return l.With("fd", fd) }

func (l *Logger) Debug() *logiface.Builder[*stumpy.Event] { return l.b().Debug() }
func (l *Logger) Info() *logiface.Builder[*stumpy.Event]  { return l.b().Info() }
func (l *Logger) Warn() *logiface.Builder[*stumpy.Event]  { return l.b().Warning() }
func (l *Logger) Err() *logiface.Builder[*stumpy.Event]   { return l.b().Err() }
func (l *Logger) Crit() *logiface.Builder[*stumpy.Event]  { return l.b().Crit() }

func (l *Logger) b() *logiface.Logger[*stumpy.Event] {
	if l == nil || l.base == nil {
		return nopSingleton
	}
	return l.base
}

var nopSingleton = Nop().base
