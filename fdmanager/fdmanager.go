// Package fdmanager implements FdManager: a process-wide map from file
// descriptor number to FdCtx, independent of the reactor's own per-fd
// event bookkeeping. It tracks exactly the things the hook layer needs to
// translate a blocking-style call into a non-blocking, reactor-cooperative
// one: whether the fd is a socket, the kernel-level vs. user-observed
// non-blocking flags (kept as two distinct fields — see DESIGN.md on the
// copy-paste bug this avoids), and per-direction timeouts.
package fdmanager

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coros/corosconfig"
)

// NoTimeout is the FdCtx.RecvTimeout/SendTimeout sentinel meaning "no
// timeout configured".
const NoTimeout int64 = -1

// FdCtx is process-wide per-fd metadata, independent of the reactor.
type FdCtx struct {
	mu sync.Mutex

	fd int

	initialized bool
	isSocket    bool
	sysNonblock  bool
	userNonblock bool
	closed       bool

	recvTimeoutMs int64
	sendTimeoutMs int64
}

// FD returns the underlying file descriptor number.
func (c *FdCtx) FD() int { return c.fd }

// IsSocket reports whether the fd was probed as a socket at registration.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// SysNonblock reports the kernel-level O_NONBLOCK state the runtime
// forces on sockets, independent of what the application asked for.
func (c *FdCtx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetSysNonblock updates the kernel-level flag record. It does not itself
// call fcntl — callers (such as hook.Fcntl) are responsible for keeping
// this in sync with the real fd state.
func (c *FdCtx) SetSysNonblock(v bool) {
	c.mu.Lock()
	c.sysNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the non-blocking mode the application believes is
// in effect — distinct from SysNonblock precisely so that a socket can be
// forced non-blocking at the kernel level while still answering
// fcntl(F_GETFL) with whatever the application last asked for.
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the application-observed non-blocking flag.
// This writes to userNonblock, not sysNonblock — the source this runtime
// is modelled on has a copy-paste bug where its equivalent setter writes
// to the wrong field; see DESIGN.md.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// Closed reports whether the fd has been marked closed.
func (c *FdCtx) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MarkClosed flags the fd as closed; subsequent hook operations on it
// observe EBADF.
func (c *FdCtx) MarkClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// RecvTimeoutMs and SendTimeoutMs return the per-direction timeout in
// milliseconds, or NoTimeout if unset.
func (c *FdCtx) RecvTimeoutMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvTimeoutMs
}

func (c *FdCtx) SendTimeoutMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendTimeoutMs
}

// SetRecvTimeoutMs and SetSendTimeoutMs update the per-direction timeouts,
// the way hook.Setsockopt does for SO_RCVTIMEO/SO_SNDTIMEO.
func (c *FdCtx) SetRecvTimeoutMs(ms int64) {
	c.mu.Lock()
	c.recvTimeoutMs = ms
	c.mu.Unlock()
}

func (c *FdCtx) SetSendTimeoutMs(ms int64) {
	c.mu.Lock()
	c.sendTimeoutMs = ms
	c.mu.Unlock()
}

// Manager is the process-wide fd -> FdCtx table.
type Manager struct {
	mu               sync.RWMutex
	table            map[int]*FdCtx
	defaultTimeoutMs int64
}

// New constructs an empty Manager whose newly-registered fds have no
// timeout configured (NoTimeout), per hook.default_timeout_ms's own
// default.
func New() *Manager {
	return &Manager{table: make(map[int]*FdCtx), defaultTimeoutMs: NoTimeout}
}

// NewFromConfig is New, except newly-registered fds start with
// hook.default_timeout_ms (read from cfg) as their recv/send timeout
// instead of NoTimeout.
func NewFromConfig(cfg *corosconfig.Registry) *Manager {
	m := New()
	if cfg != nil {
		if v, ok := cfg.Get(corosconfig.KeyHookDefaultTimeout); ok {
			m.defaultTimeoutMs = v
		}
	}
	return m
}

// Get returns the FdCtx for fd. If autoCreate is false and no entry
// exists, ok is false. If autoCreate is true, a missing entry is created
// and probed: stat-equivalent socket detection, and if it is a socket,
// the kernel-level non-blocking flag is forced on and recorded as system
// (not user) non-blocking.
func (m *Manager) Get(fd int, autoCreate bool) (ctx *FdCtx, ok bool) {
	m.mu.RLock()
	ctx, ok = m.table[fd]
	m.mu.RUnlock()
	if ok || !autoCreate {
		return ctx, ok
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx, ok = m.table[fd]; ok {
		return ctx, true
	}
	ctx = &FdCtx{fd: fd, recvTimeoutMs: m.defaultTimeoutMs, sendTimeoutMs: m.defaultTimeoutMs}
	ctx.probe()
	m.table[fd] = ctx
	return ctx, true
}

// Del releases the FdCtx for fd, invoked by the hooked close().
func (m *Manager) Del(fd int) {
	m.mu.Lock()
	delete(m.table, fd)
	m.mu.Unlock()
}

// probe determines sockets-ness via getsockopt(SO_TYPE); on success it
// forces O_NONBLOCK at the kernel level and records that as system (not
// user) non-blocking, per §4.5.
func (c *FdCtx) probe() {
	c.initialized = true
	if _, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_TYPE); err == nil {
		c.isSocket = true
	}
	if c.isSocket {
		flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
		if err == nil {
			_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
			c.sysNonblock = true
		}
	}
	c.userNonblock = false
}
