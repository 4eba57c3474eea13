// Package trigger implements the session's interruptible wait primitive.
//
// A Trigger is a one-shot, process-local signalling object: Fire makes every
// current and future blocking call against the trigger return promptly with
// ErrShutdown. It exists so that a session can cancel blocked reads and
// writes on its transports the instant shutdown is requested, without the
// transport layer knowing anything about sessions.
package trigger

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrShutdown is returned by any interruptible operation that was unblocked
// by Fire rather than by I/O progress.
var ErrShutdown = errors.New("trigger: shutdown")

// Trigger is a self-pipe based cancellation handle. The zero value is not
// usable; construct one with New.
type Trigger struct {
	once sync.Once

	mu       sync.Mutex
	fired    bool
	readFD   int
	writeFD  int
	closedFD bool
}

// New creates a Trigger backed by a pipe. It fails with an error wrapping
// the underlying syscall error if the pipe cannot be created; callers of
// the session façade treat that as InvalidOperation per spec §7.
func New() (*Trigger, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("trigger: create self-pipe: %w", err)
	}
	return &Trigger{readFD: fds[0], writeFD: fds[1]}, nil
}

// Fire is idempotent. After it returns, every interruptible operation on
// this trigger returns ErrShutdown promptly.
func (t *Trigger) Fire() {
	t.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.fired = true
		// A single byte is enough to make the read side poll-readable
		// forever; we never drain it. The write happens under mu so a
		// concurrent Close cannot release writeFD underneath it.
		if !t.closedFD {
			_, _ = unix.Write(t.writeFD, []byte{0})
		}
	})
}

// Fired reports whether Fire has been called.
func (t *Trigger) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Close releases the pipe's file descriptors. It is safe to call more than
// once and safe to call concurrently with Fire.
func (t *Trigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closedFD {
		return nil
	}
	t.closedFD = true
	err1 := unix.Close(t.readFD)
	err2 := unix.Close(t.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}

// TriggerablePoll waits for events on fd, or for Fire, whichever happens
// first. It returns nil on an fd event, ErrShutdown if Fire won, or a
// wrapped syscall error on a poll failure.
func (t *Trigger) TriggerablePoll(fd int, events int16) error {
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: events},
		{Fd: int32(t.readFD), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("trigger: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return ErrShutdown
		}
		if fds[0].Revents&events != 0 {
			return nil
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			return nil
		}
	}
}

// InterruptableReadFully reads len(buf) bytes from fd, looping until the
// buffer is full, Fire is called, or a fatal I/O error occurs.
func (t *Trigger) InterruptableReadFully(fd int, buf []byte) error {
	for len(buf) > 0 {
		if err := t.TriggerablePoll(fd, unix.POLLIN); err != nil {
			return err
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("trigger: read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("trigger: read: %w", errClosed)
		}
		buf = buf[n:]
	}
	return nil
}

// InterruptableWriteFully writes all of buf to fd, looping until it is all
// written, Fire is called, or a fatal I/O error occurs.
func (t *Trigger) InterruptableWriteFully(fd int, buf []byte) error {
	for len(buf) > 0 {
		if err := t.TriggerablePoll(fd, unix.POLLOUT); err != nil {
			return err
		}
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("trigger: write: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

var errClosed = errors.New("peer closed during I/O")
