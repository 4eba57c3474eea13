package address

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/cobaltrpc/binder/trigger"
)

// unixAddress dials a UNIX domain socket by path.
type unixAddress struct {
	path string
}

// Unix constructs an Address for a UNIX domain socket path.
func Unix(path string) Address {
	return unixAddress{path: path}
}

func (a unixAddress) Dial(ctx context.Context, trig *trigger.Trigger) (int, error) {
	sa := &unix.SockaddrUnix{Name: a.path}
	return dialSockaddr(trig, unix.AF_UNIX, unix.SOCK_STREAM, sa)
}

func (a unixAddress) RetryPolicy() RetryPolicy { return socketRetryPolicy() }
