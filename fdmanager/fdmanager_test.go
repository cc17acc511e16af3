package fdmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coros/corosconfig"
)

func TestGetWithoutAutoCreateMissesUnknownFd(t *testing.T) {
	m := New()
	_, ok := m.Get(123, false)
	assert.False(t, ok)
}

func TestGetAutoCreateProbesSocketness(t *testing.T) {
	m := New()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ctx, ok := m.Get(fds[0], true)
	require.True(t, ok)
	assert.False(t, ctx.IsSocket(), "a pipe fd must not be probed as a socket")
	assert.Equal(t, NoTimeout, ctx.RecvTimeoutMs())
	assert.Equal(t, NoTimeout, ctx.SendTimeoutMs())
}

func TestGetAutoCreateForcesSocketNonblocking(t *testing.T) {
	m := New()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	ctx, ok := m.Get(fd, true)
	require.True(t, ok)
	assert.True(t, ctx.IsSocket())
	assert.True(t, ctx.SysNonblock())
	assert.False(t, ctx.UserNonblock(), "probe must not claim the application asked for non-blocking")

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK, "kernel-level O_NONBLOCK must actually be set")
}

func TestGetIsIdempotentForSameFd(t *testing.T) {
	m := New()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	a, _ := m.Get(fds[0], true)
	b, _ := m.Get(fds[0], true)
	assert.Same(t, a, b)
}

func TestDelRemovesEntry(t *testing.T) {
	m := New()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	m.Get(fds[0], true)
	m.Del(fds[0])
	_, ok := m.Get(fds[0], false)
	assert.False(t, ok)
}

func TestUserAndSysNonblockAreDistinctFields(t *testing.T) {
	ctx := &FdCtx{fd: 9}
	ctx.SetSysNonblock(true)
	ctx.SetUserNonblock(false)
	assert.True(t, ctx.SysNonblock())
	assert.False(t, ctx.UserNonblock(), "setting sys must not also set user (the copy-paste bug this field split avoids)")

	ctx.SetUserNonblock(true)
	assert.True(t, ctx.SysNonblock(), "setting user must not clear sys")
	assert.True(t, ctx.UserNonblock())
}

func TestMarkClosed(t *testing.T) {
	ctx := &FdCtx{fd: 9}
	assert.False(t, ctx.Closed())
	ctx.MarkClosed()
	assert.True(t, ctx.Closed())
}

func TestNewFromConfigSeedsDefaultTimeout(t *testing.T) {
	cfg := corosconfig.New()
	cfg.Set(corosconfig.KeyHookDefaultTimeout, 750)
	m := NewFromConfig(cfg)

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ctx, ok := m.Get(fds[0], true)
	require.True(t, ok)
	assert.Equal(t, int64(750), ctx.RecvTimeoutMs())
	assert.Equal(t, int64(750), ctx.SendTimeoutMs())
}

func TestTimeoutSettersAndGetters(t *testing.T) {
	ctx := &FdCtx{fd: 9, recvTimeoutMs: NoTimeout, sendTimeoutMs: NoTimeout}
	ctx.SetRecvTimeoutMs(500)
	ctx.SetSendTimeoutMs(1000)
	assert.Equal(t, int64(500), ctx.RecvTimeoutMs())
	assert.Equal(t, int64(1000), ctx.SendTimeoutMs())
}
