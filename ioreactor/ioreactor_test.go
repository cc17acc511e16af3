//go:build linux

package ioreactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coros/corosconfig"
)

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

func TestAddEventFiresOnReadiness(t *testing.T) {
	iom, err := New("t", 1)
	require.NoError(t, err)
	iom.Start()
	defer iom.Close()

	r, w := newPipe(t)

	var fired atomic.Bool
	require.NoError(t, iom.AddEvent(r, EventRead, func() { fired.Store(true) }))

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	waitFor(t, time.Second, fired.Load)
	iom.Stop()
}

func TestDelEventDiscardsWithoutFiring(t *testing.T) {
	iom, err := New("t", 1)
	require.NoError(t, err)
	iom.Start()
	defer iom.Close()

	r, w := newPipe(t)

	var fired atomic.Bool
	require.NoError(t, iom.AddEvent(r, EventRead, func() { fired.Store(true) }))
	require.NoError(t, iom.DelEvent(r, EventRead))

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
	iom.Stop()
}

func TestCancelEventFiresImmediately(t *testing.T) {
	iom, err := New("t", 1)
	require.NoError(t, err)
	iom.Start()
	defer iom.Close()

	r, _ := newPipe(t)

	var fired atomic.Bool
	require.NoError(t, iom.AddEvent(r, EventRead, func() { fired.Store(true) }))
	require.NoError(t, iom.CancelEvent(r, EventRead))

	waitFor(t, time.Second, fired.Load)
	iom.Stop()
}

func TestDoubleAddEventPanics(t *testing.T) {
	iom, err := New("t", 1)
	require.NoError(t, err)
	iom.Start()
	defer iom.Close()

	r, _ := newPipe(t)

	require.NoError(t, iom.AddEvent(r, EventRead, func() {}))
	assert.Panics(t, func() { iom.AddEvent(r, EventRead, func() {}) })

	iom.CancelEvent(r, EventRead)
	iom.Stop()
}

func TestCancelAllFiresBothDirections(t *testing.T) {
	iom, err := New("t", 1)
	require.NoError(t, err)
	iom.Start()
	defer iom.Close()

	r, w := newPipe(t)

	var readFired, writeFired atomic.Bool
	require.NoError(t, iom.AddEvent(r, EventRead, func() { readFired.Store(true) }))
	require.NoError(t, iom.AddEvent(w, EventWrite, func() { writeFired.Store(true) }))

	iom.CancelAll(r)
	iom.CancelAll(w)

	waitFor(t, time.Second, func() bool { return readFired.Load() && writeFired.Load() })
	iom.Stop()
}

func TestReactorStopsWhenTimersAndEventsAreClear(t *testing.T) {
	iom, err := New("t", 1)
	require.NoError(t, err)
	iom.Start()
	defer iom.Close()

	done := make(chan struct{})
	go func() {
		iom.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return with no pending work")
	}
}

func TestTimerExpiryRunsOnScheduler(t *testing.T) {
	iom, err := New("t", 1)
	require.NoError(t, err)
	iom.Start()
	defer iom.Close()

	var fired atomic.Bool
	iom.Timers.AddTimer(20, func() { fired.Store(true) }, false)

	waitFor(t, time.Second, fired.Load)
	iom.Stop()
}

func TestWithConfigOverridesMaxEventsIdlePollCapAndRollover(t *testing.T) {
	cfg := corosconfig.New()
	cfg.Set(corosconfig.KeyReactorMaxEvents, 8)
	cfg.Set(corosconfig.KeyReactorIdlePollCap, 250)
	cfg.Set(corosconfig.KeyTimerRolloverMs, 5000)

	iom, err := New("t", 1, WithConfig(cfg))
	require.NoError(t, err)
	defer iom.Close()

	assert.Equal(t, 8, iom.maxEvents)
	assert.Equal(t, int64(250), iom.idlePollCapMs)
	assert.Equal(t, int64(5000), iom.Timers.RolloverThresholdMs())
}
