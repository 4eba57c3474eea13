package address

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/cobaltrpc/binder/trigger"
)

// nullAddress opens /dev/null, the raw-only debugging transport spec §6.3
// names: a connection that reads EOF and discards writes, useful for
// exercising setup_client's fan-out without a real peer.
type nullAddress struct{}

// NullDebug constructs the /dev/null debugging Address.
func NullDebug() Address {
	return nullAddress{}
}

func (nullAddress) Dial(ctx context.Context, trig *trigger.Trigger) (int, error) {
	return unix.Open("/dev/null", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
}

func (nullAddress) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}
