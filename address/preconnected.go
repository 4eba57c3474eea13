package address

import (
	"context"
	"fmt"

	"github.com/cobaltrpc/binder/trigger"
)

// preconnectedAddress wraps a caller-supplied descriptor factory. Per the
// original implementation, a factory returning -1 is retried exactly once
// before setup gives up — never the 5-attempt socket policy, since there is
// no network error to distinguish from a permanent failure.
type preconnectedAddress struct {
	factory func() (int, error)
}

// Preconnected constructs an Address around a caller-supplied descriptor
// factory (spec §6.3 "preconnected descriptor").
func Preconnected(factory func() (int, error)) Address {
	return preconnectedAddress{factory: factory}
}

func (a preconnectedAddress) Dial(ctx context.Context, trig *trigger.Trigger) (int, error) {
	fd, err := a.factory()
	if err != nil {
		return -1, err
	}
	if fd < 0 {
		return -1, fmt.Errorf("address: preconnected factory returned an invalid descriptor")
	}
	return fd, nil
}

func (a preconnectedAddress) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Retryable: func(error) bool { return true }}
}
