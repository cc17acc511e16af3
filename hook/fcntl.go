package hook

import (
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coros/fdmanager"
)

// Fcntl is the hooked fcntl(2), covering F_SETFL/F_GETFL's O_NONBLOCK bit.
// The design note this guards against is a copy-paste bug where the
// user-observed flag is written into the same field the kernel-level one
// lives in; fdmanager.FdCtx keeps the two fields distinct, and this is
// where that distinction is actually exercised: a socket's kernel fd stays
// forced non-blocking (the reactor relies on that), while F_GETFL answers
// with whatever O_NONBLOCK the application itself last asked for.
func (h *Hooks) Fcntl(fd, cmd, arg int) (int, error) {
	ctx, ok := h.fdMgr.Get(fd, false)
	if !ok || !Enabled() {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}

	switch cmd {
	case unix.F_SETFL:
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		kernelArg := arg
		if ctx.IsSocket() {
			kernelArg |= unix.O_NONBLOCK
			ctx.SetSysNonblock(true)
		}
		return unix.FcntlInt(uintptr(fd), cmd, kernelArg)

	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil {
			return flags, err
		}
		if ctx.IsSocket() {
			if ctx.UserNonblock() {
				flags |= unix.O_NONBLOCK
			} else {
				flags &^= unix.O_NONBLOCK
			}
		}
		return flags, nil

	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl is the hooked ioctl(2), covering FIONBIO the same way Fcntl covers
// F_SETFL/F_GETFL's O_NONBLOCK bit: it records the application's intent
// without actually relaxing the kernel-level non-blocking mode a socket is
// forced into.
func (h *Hooks) Ioctl(fd int, req uint, value int) error {
	ctx, ok := h.fdMgr.Get(fd, false)
	if ok && Enabled() && req == unix.FIONBIO {
		ctx.SetUserNonblock(value != 0)
		if ctx.IsSocket() {
			return unix.IoctlSetInt(fd, req, 1)
		}
	}
	return unix.IoctlSetInt(fd, req, value)
}

// SetsockoptTimeval is the hooked setsockopt(2) for SO_RCVTIMEO/SO_SNDTIMEO:
// it records the requested timeout on the fd table (read by doIO's
// condition timer, since this runtime keeps every socket non-blocking and
// enforces timeouts itself via the reactor), then passes the option on to
// the kernel as well so the kernel-level view matches.
func (h *Hooks) SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if ctx, ok := h.fdMgr.Get(fd, false); ok && Enabled() && level == unix.SOL_SOCKET {
		ms := tv.Sec*1000 + int64(tv.Usec)/1000
		switch opt {
		case unix.SO_RCVTIMEO:
			ctx.SetRecvTimeoutMs(msOrNone(ms))
		case unix.SO_SNDTIMEO:
			ctx.SetSendTimeoutMs(msOrNone(ms))
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// GetsockoptTimeval is the hooked getsockopt(2) counterpart, answering
// from the fd table rather than querying the kernel option.
func (h *Hooks) GetsockoptTimeval(fd, level, opt int) (*unix.Timeval, error) {
	if ctx, ok := h.fdMgr.Get(fd, false); ok && Enabled() && level == unix.SOL_SOCKET {
		var ms int64
		switch opt {
		case unix.SO_RCVTIMEO:
			ms = ctx.RecvTimeoutMs()
		case unix.SO_SNDTIMEO:
			ms = ctx.SendTimeoutMs()
		}
		if ms >= 0 {
			return &unix.Timeval{Sec: ms / 1000, Usec: (ms % 1000) * 1000}, nil
		}
		return &unix.Timeval{}, nil
	}
	return unix.GetsockoptTimeval(fd, level, opt)
}

func msOrNone(ms int64) int64 {
	if ms <= 0 {
		return fdmanager.NoTimeout
	}
	return ms
}
