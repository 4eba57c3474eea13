package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestInterruptableReadFullyReadsWhatWasWritten(t *testing.T) {
	r, w := newPipe(t)
	trig, err := New()
	require.NoError(t, err)
	defer trig.Close()

	go func() {
		_, _ = unix.Write(w, []byte("hello!!!"))
	}()

	buf := make([]byte, 8)
	require.NoError(t, trig.InterruptableReadFully(r, buf))
	assert.Equal(t, "hello!!!", string(buf))
}

func TestFireUnblocksAnInFlightRead(t *testing.T) {
	r, _ := newPipe(t)
	trig, err := New()
	require.NoError(t, err)
	defer trig.Close()

	done := make(chan error, 1)
	go func() {
		done <- trig.InterruptableReadFully(r, make([]byte, 1))
	}()

	time.Sleep(20 * time.Millisecond)
	trig.Fire()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after Fire")
	}
}

func TestFireIsIdempotentAndObservedImmediatelyAfter(t *testing.T) {
	trig, err := New()
	require.NoError(t, err)
	defer trig.Close()

	assert.False(t, trig.Fired())
	trig.Fire()
	trig.Fire()
	assert.True(t, trig.Fired())

	r, _ := newPipe(t)
	err = trig.InterruptableReadFully(r, make([]byte, 1))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestCloseIsSafeToCallTwice(t *testing.T) {
	trig, err := New()
	require.NoError(t, err)
	assert.NoError(t, trig.Close())
	assert.NoError(t, trig.Close())
}
