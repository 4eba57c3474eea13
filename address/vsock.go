package address

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/cobaltrpc/binder/trigger"
)

// vsockAddress dials a VSOCK socket by context id and port.
type vsockAddress struct {
	cid, port uint32
}

// Vsock constructs an Address for a VSOCK (cid, port) pair.
func Vsock(cid, port uint32) Address {
	return vsockAddress{cid: cid, port: port}
}

func (a vsockAddress) Dial(ctx context.Context, trig *trigger.Trigger) (int, error) {
	sa := &unix.SockaddrVM{CID: a.cid, Port: a.port}
	return dialSockaddr(trig, unix.AF_VSOCK, unix.SOCK_STREAM, sa)
}

func (a vsockAddress) RetryPolicy() RetryPolicy { return socketRetryPolicy() }
