//go:build linux

package hook

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coros/fdmanager"
	"github.com/joeycumines/go-coros/fiber"
	"github.com/joeycumines/go-coros/ioreactor"
	"github.com/joeycumines/go-coros/scheduler"
)

func newReactor(t *testing.T) *ioreactor.IOManager {
	t.Helper()
	iom, err := ioreactor.New("t", 2)
	require.NoError(t, err)
	t.Cleanup(func() { iom.Close() })
	iom.Start()
	return iom
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestReadParksOnEmptyPipeAndWakesOnWrite(t *testing.T) {
	iom := newReactor(t)
	fdMgr := fdmanager.New()
	h := New(iom, fdMgr)
	r, w := newPipe(t)
	fdMgr.Get(r, true)

	var got []byte
	var done atomic.Bool
	f := fiber.New(func(*fiber.Fiber) {
		buf := make([]byte, 16)
		n, err := h.Read(r, buf)
		if err == nil {
			got = append([]byte{}, buf[:n]...)
		}
		done.Store(true)
	})
	iom.Schedule(&scheduler.FiberTask{Fiber: f}, scheduler.AnyThread)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, done.Load(), "read must park, not return early, on an empty pipe")

	_, err := unix.Write(w, []byte("hi"))
	require.NoError(t, err)

	waitFor(t, time.Second, done.Load)
	assert.Equal(t, "hi", string(got))

	iom.Stop()
}

func TestWriteCompletesImmediatelyWhenBufferHasRoom(t *testing.T) {
	iom := newReactor(t)
	fdMgr := fdmanager.New()
	h := New(iom, fdMgr)
	_, w := newPipe(t)

	var n int
	var writeErr error
	var done atomic.Bool
	f := fiber.New(func(*fiber.Fiber) {
		n, writeErr = h.Write(w, []byte("hello"))
		done.Store(true)
	})
	iom.Schedule(&scheduler.FiberTask{Fiber: f}, scheduler.AnyThread)

	waitFor(t, time.Second, done.Load)
	require.NoError(t, writeErr)
	assert.Equal(t, 5, n)
	iom.Stop()
}

func TestDisabledHooksBypassTheReactorEntirely(t *testing.T) {
	iom := newReactor(t)
	fdMgr := fdmanager.New()
	h := New(iom, fdMgr)
	r, _ := newPipe(t)
	fdMgr.Get(r, true)

	var errOut error
	var done atomic.Bool
	f := fiber.New(func(*fiber.Fiber) {
		WithDisabled(func() {
			buf := make([]byte, 16)
			_, errOut = h.Read(r, buf)
		})
		done.Store(true)
	})
	iom.Schedule(&scheduler.FiberTask{Fiber: f}, scheduler.AnyThread)

	waitFor(t, time.Second, done.Load)
	assert.ErrorIs(t, errOut, unix.EAGAIN, "disabled hooks must surface EAGAIN raw, not park")
	iom.Stop()
}

func TestCloseWakesAPendingRead(t *testing.T) {
	iom := newReactor(t)
	fdMgr := fdmanager.New()
	h := New(iom, fdMgr)
	r, _ := newPipe(t)
	fdMgr.Get(r, true)

	var done atomic.Bool
	f := fiber.New(func(*fiber.Fiber) {
		buf := make([]byte, 16)
		h.Read(r, buf)
		done.Store(true)
	})
	iom.Schedule(&scheduler.FiberTask{Fiber: f}, scheduler.AnyThread)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Close(r))

	waitFor(t, time.Second, done.Load)
	iom.Stop()
}

func TestFcntlTracksUserNonblockWithoutRelaxingSocket(t *testing.T) {
	iom := newReactor(t)
	fdMgr := fdmanager.New()
	h := New(iom, fdMgr)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	fdMgr.Get(fd, true)

	_, err = h.Fcntl(fd, unix.F_SETFL, 0) // application asks for blocking mode
	require.NoError(t, err)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK, "kernel level must stay non-blocking regardless of the application's request")

	got, err := h.Fcntl(fd, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, got&unix.O_NONBLOCK, "F_GETFL must answer with what the application itself asked for")
}

func newSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRecvTimesOutWhenNoDataArrivesBeforeSO_RCVTIMEO(t *testing.T) {
	iom := newReactor(t)
	fdMgr := fdmanager.New()
	h := New(iom, fdMgr)
	a, _ := newSocketpair(t)
	fdMgr.Get(a, true)

	require.NoError(t, h.SetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Usec: 500_000}))

	var recvErr error
	var done atomic.Bool
	start := time.Now()
	var elapsed time.Duration
	f := fiber.New(func(*fiber.Fiber) {
		buf := make([]byte, 16)
		_, recvErr = h.Recv(a, buf, 0)
		elapsed = time.Since(start)
		done.Store(true)
	})
	iom.Schedule(&scheduler.FiberTask{Fiber: f}, scheduler.AnyThread)

	waitFor(t, 2*time.Second, done.Load)
	assert.ErrorIs(t, recvErr, unix.ETIMEDOUT)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond, "must wait out the full SO_RCVTIMEO before timing out")
	iom.Stop()
}

func TestRecvTimeoutCallbackIsNoOpWhenDataArrivesFirst(t *testing.T) {
	iom := newReactor(t)
	fdMgr := fdmanager.New()
	h := New(iom, fdMgr)
	a, b := newSocketpair(t)
	fdMgr.Get(a, true)

	require.NoError(t, h.SetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Usec: 500_000}))

	var n int
	var recvErr error
	var done atomic.Bool
	f := fiber.New(func(*fiber.Fiber) {
		buf := make([]byte, 16)
		n, recvErr = h.Recv(a, buf, 0)
		done.Store(true)
	})
	iom.Schedule(&scheduler.FiberTask{Fiber: f}, scheduler.AnyThread)

	time.Sleep(200 * time.Millisecond)
	_, err := unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	waitFor(t, time.Second, done.Load)
	require.NoError(t, recvErr)
	assert.Equal(t, 2, n)

	// The condition timer armed by the recv above is still pending (it
	// fires around the 500ms mark); give it a chance to run and confirm it
	// does not retroactively fail anything, per the weak-upgrade guard.
	time.Sleep(400 * time.Millisecond)
	iom.Stop()
}

func TestSleepOverlapsAcrossFibersOnOneWorker(t *testing.T) {
	iom, err := ioreactor.New("t", 1)
	require.NoError(t, err)
	defer iom.Close()
	iom.Start()

	fdMgr := fdmanager.New()
	h := New(iom, fdMgr)

	var doneA, doneB atomic.Bool
	start := time.Now()
	fa := fiber.New(func(*fiber.Fiber) {
		h.Nanosleep(100 * time.Millisecond)
		doneA.Store(true)
	})
	fb := fiber.New(func(*fiber.Fiber) {
		h.Usleep(150_000)
		doneB.Store(true)
	})
	iom.Schedule(&scheduler.FiberTask{Fiber: fa}, scheduler.AnyThread)
	iom.Schedule(&scheduler.FiberTask{Fiber: fb}, scheduler.AnyThread)

	waitFor(t, time.Second, func() bool { return doneA.Load() && doneB.Load() })
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 400*time.Millisecond, "one worker sleeping two fibers concurrently must not serialize them")
	iom.Stop()
}
