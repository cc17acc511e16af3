package hook

import (
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coros/fdmanager"
	"github.com/joeycumines/go-coros/ioreactor"
)

// Socket is the hooked socket(2): the real syscall, plus registering the
// new fd with the fd table so later hooked calls on it recognise it.
func (h *Hooks) Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	h.fdMgr.Get(fd, true)
	return fd, nil
}

// Connect is the hooked connect(2). A non-blocking socket's connect
// conventionally starts in-progress rather than EAGAIN-looping, so this
// does not go through doIO: it waits once for the fd to become writable
// (or the send timeout to fire), then resolves SO_ERROR to learn whether
// the connection actually succeeded.
func (h *Hooks) Connect(fd int, sa unix.Sockaddr) error {
	if !Enabled() {
		return unix.Connect(fd, sa)
	}
	ctx, ok := h.fdMgr.Get(fd, false)
	if !ok {
		return unix.Connect(fd, sa)
	}
	if ctx.Closed() {
		return unix.EBADF
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !isErrno(err, unix.EINPROGRESS) {
		return err
	}

	timedOut, perr := h.parkOnce(fd, ioreactor.EventWrite, ctx.SendTimeoutMs())
	if perr != nil {
		return perr
	}
	if timedOut {
		return unix.ETIMEDOUT
	}

	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Accept is the hooked accept(2), through the read-side do_io template.
// The new connection's fd is registered the same way Socket's is.
func (h *Hooks) Accept(fd int) (int, unix.Sockaddr, error) {
	ctx, ok := h.fdMgr.Get(fd, false)
	timeout := fdmanager.NoTimeout
	if ok {
		timeout = ctx.RecvTimeoutMs()
	}

	var newfd int
	var sa unix.Sockaddr
	_, err := h.doIO(fd, ioreactor.EventRead, func() (int, error) {
		nfd, addr, e := unix.Accept(fd)
		if e != nil {
			return -1, e
		}
		newfd, sa = nfd, addr
		return nfd, nil
	}, timeout)
	if err != nil {
		return -1, nil, err
	}
	h.fdMgr.Get(newfd, true)
	return newfd, sa, nil
}

// Read is the hooked read(2), through the read-side do_io template. readv,
// recvfrom and recvmsg on a socket share this exact template with only the
// underlying syscall swapped; they are not duplicated here.
func (h *Hooks) Read(fd int, buf []byte) (int, error) {
	ctx, ok := h.fdMgr.Get(fd, false)
	timeout := fdmanager.NoTimeout
	if ok {
		timeout = ctx.RecvTimeoutMs()
	}
	return h.doIO(fd, ioreactor.EventRead, func() (int, error) { return unix.Read(fd, buf) }, timeout)
}

// Write is the hooked write(2), through the write-side do_io template.
// writev and sendmsg share this same template.
func (h *Hooks) Write(fd int, buf []byte) (int, error) {
	ctx, ok := h.fdMgr.Get(fd, false)
	timeout := fdmanager.NoTimeout
	if ok {
		timeout = ctx.SendTimeoutMs()
	}
	return h.doIO(fd, ioreactor.EventWrite, func() (int, error) { return unix.Write(fd, buf) }, timeout)
}

// Recv is the hooked recv(2) (modelled on recvfrom with a nil peer
// address, valid for connected sockets).
func (h *Hooks) Recv(fd int, buf []byte, flags int) (int, error) {
	ctx, ok := h.fdMgr.Get(fd, false)
	timeout := fdmanager.NoTimeout
	if ok {
		timeout = ctx.RecvTimeoutMs()
	}
	return h.doIO(fd, ioreactor.EventRead, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		return n, err
	}, timeout)
}

// Send is the hooked send(2) (modelled on sendto with a nil peer address).
func (h *Hooks) Send(fd int, buf []byte, flags int) (int, error) {
	ctx, ok := h.fdMgr.Get(fd, false)
	timeout := fdmanager.NoTimeout
	if ok {
		timeout = ctx.SendTimeoutMs()
	}
	return h.doIO(fd, ioreactor.EventWrite, func() (int, error) {
		if err := unix.Sendto(fd, buf, flags, nil); err != nil {
			return -1, err
		}
		return len(buf), nil
	}, timeout)
}

// Close is the hooked close(2): cancel any pending reactor interest on fd
// (scheduling whoever was parked on it, the way the real call unblocks a
// peer's read/write with EBADF-ish failures) and drop the fd table entry,
// before the real close so a racing new open() of the same fd number
// never collides with stale state.
func (h *Hooks) Close(fd int) error {
	if Enabled() {
		h.iom.CancelAll(fd)
		if ctx, ok := h.fdMgr.Get(fd, false); ok {
			ctx.MarkClosed()
		}
		h.fdMgr.Del(fd)
	}
	return unix.Close(fd)
}
