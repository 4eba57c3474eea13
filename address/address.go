// Package address resolves the four connection-source variants spec §6.3
// names (UNIX, VSOCK, INET, preconnected) plus the /dev/null debug variant
// into a connected, non-blocking descriptor. Transport construction happens
// one layer up, in package transport; this package only gets a socket to
// the point where a byte stream exists.
package address

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cobaltrpc/binder/trigger"
)

// RetryPolicy describes how many times, and under what condition, setup.go
// should retry a failed Dial. Each Address variant supplies its own: socket
// variants get spec §4.F's 5-attempt/10ms/ECONNRESET-only policy,
// preconnected gets a single retry per the original implementation, and
// the null debug variant gets none.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Retryable   func(error) bool
}

// Address yields a connected, SOCK_NONBLOCK|SOCK_CLOEXEC descriptor.
type Address interface {
	Dial(ctx context.Context, trig *trigger.Trigger) (int, error)
	RetryPolicy() RetryPolicy
}

func isECONNRESET(err error) bool {
	return err == unix.ECONNRESET
}

// dialSockaddr performs the common non-blocking connect sequence spec
// §6.3 describes: open SOCK_NONBLOCK|SOCK_CLOEXEC, issue connect, and if it
// reports EINPROGRESS (or EAGAIN, which Linux can return instead of
// EINPROGRESS for a non-blocking connect on a UNIX stream socket with a
// full accept backlog) await writability via the shutdown trigger before
// reading back SO_ERROR.
func dialSockaddr(trig *trigger.Trigger, domain, typ int, sa unix.Sockaddr) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS && err != unix.EAGAIN {
		_ = unix.Close(fd)
		return -1, err
	} else if err == unix.EINPROGRESS || err == unix.EAGAIN {
		if perr := trig.TriggerablePoll(fd, unix.POLLOUT); perr != nil {
			_ = unix.Close(fd)
			return -1, perr
		}
		errno, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if serr != nil {
			_ = unix.Close(fd)
			return -1, serr
		}
		if errno != 0 {
			_ = unix.Close(fd)
			return -1, unix.Errno(errno)
		}
	}
	return fd, nil
}

// socketRetryPolicy is the 5-attempt/10ms/ECONNRESET-only policy spec §4.F
// specifies for "the socket variant of connect_and_init".
func socketRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 10 * time.Millisecond, Retryable: isECONNRESET}
}
