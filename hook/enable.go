// Package hook implements the blocking-syscall adapters that translate a
// curated set of libc-style calls into reactor-cooperative equivalents:
// sleep/usleep/nanosleep, socket/connect/accept, the read and write
// families, close, fcntl, ioctl, and the socket-timeout half of
// getsockopt/setsockopt. Accept and the read and write families funnel
// through doIO, the Go rendering of the do_io master template from §4.6;
// connect uses the related one-shot parkOnce, and the sleep family parks
// on a timer. Socket, close, fcntl, ioctl and the sockopt calls only keep
// the fd table (and, for close, the reactor) in step before delegating.
package hook

import "github.com/joeycumines/go-coros/internal/gid"

var enabled = gid.NewMap[bool]()

// Enabled reports whether hooks are active on the calling goroutine.
// Unset goroutines default to enabled; this is the per-thread kill
// switch the design calls t_hook_enable.
func Enabled() bool {
	v, ok := enabled.Get()
	if !ok {
		return true
	}
	return v
}

// SetEnabled sets the hook-enabled flag for the calling goroutine.
func SetEnabled(b bool) { enabled.Set(b) }

// WithDisabled runs fn with hooks disabled on the calling goroutine,
// restoring the previous value afterwards, so that hooked calls made by fn
// go straight to the raw syscall (surfacing EAGAIN instead of parking).
// The reactor and timer packages do not use it: they sit below hook in the
// import graph and call the raw syscalls on the wake pipe and epoll fd
// directly.
func WithDisabled(fn func()) {
	prev := Enabled()
	SetEnabled(false)
	defer SetEnabled(prev)
	fn()
}
