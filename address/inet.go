package address

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	jujuerrors "github.com/juju/errors"

	"github.com/cobaltrpc/binder/trigger"
)

// ErrAllCandidatesFailed distinguishes "resolved to at least one address,
// but none could be connected to" from a hard resolution failure, the
// split the original (setupInetClient, RpcSession.cpp:134-142) makes
// between NAME_NOT_FOUND and UNKNOWN_ERROR.
var ErrAllCandidatesFailed = errors.New("address: all resolved addresses failed to connect")

// inetAddress dials a TCP host:port pair, which may resolve to multiple
// addresses; spec §6.3 requires trying each in turn, first success wins.
type inetAddress struct {
	host string
	port uint16
}

// Inet constructs an Address for a TCP host/port. host may resolve to more
// than one IP; each is tried in the order the resolver returns them.
func Inet(host string, port uint16) Address {
	return inetAddress{host: host, port: port}
}

func (a inetAddress) Dial(ctx context.Context, trig *trigger.Trigger) (int, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, a.host)
	if err != nil {
		return -1, jujuerrors.Annotatef(err, "resolve %q", a.host)
	}
	if len(ips) == 0 {
		return -1, fmt.Errorf("address: %q resolved to no addresses", a.host)
	}

	var lastErr error
	for _, ip := range ips {
		fd, err := a.dialOne(trig, ip.IP)
		if err == nil {
			return fd, nil
		}
		lastErr = err
	}
	return -1, jujuerrors.Annotatef(fmt.Errorf("%w: %v", ErrAllCandidatesFailed, lastErr), "connect to any resolved address for %q", a.host)
}

func (a inetAddress) dialOne(trig *trigger.Trigger, ip net.IP) (int, error) {
	if ip4 := ip.To4(); ip4 != nil {
		var addr [4]byte
		copy(addr[:], ip4)
		return dialSockaddr(trig, unix.AF_INET, unix.SOCK_STREAM, &unix.SockaddrInet4{Port: int(a.port), Addr: addr})
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return -1, fmt.Errorf("address: unrecognized IP %v", ip)
	}
	var addr [16]byte
	copy(addr[:], ip16)
	return dialSockaddr(trig, unix.AF_INET6, unix.SOCK_STREAM, &unix.SockaddrInet6{Port: int(a.port), Addr: addr})
}

func (a inetAddress) RetryPolicy() RetryPolicy { return socketRetryPolicy() }
