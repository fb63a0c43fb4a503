package meshnet

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollerDetectsReadable(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	a, b := socketpair(t)
	require.NoError(t, p.add(a, true, false))

	_, err = unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	events := make([]unix.EpollEvent, 8)
	n, woken, err := p.wait(1000, events)
	require.NoError(t, err)
	require.False(t, woken)
	require.Equal(t, 1, n)
	require.Equal(t, int32(a), events[0].Fd)
}

func TestPollerWakeupUnblocksWait(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	p.wakeup()

	events := make([]unix.EpollEvent, 8)
	n, woken, err := p.wait(1000, events)
	require.NoError(t, err)
	require.True(t, woken)
	require.Equal(t, 0, n)
}

func TestPollerModifyAndRemove(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	a, _ := socketpair(t)
	require.NoError(t, p.add(a, true, false))
	require.NoError(t, p.modify(a, true, true))
	require.NoError(t, p.remove(a))

	events := make([]unix.EpollEvent, 8)
	n, _, err := p.wait(10, events)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
