package transport

import "golang.org/x/sys/unix"

// NewFDPair returns two connected, non-blocking, close-on-exec descriptors
// backed by an AF_UNIX SOCK_STREAM socketpair. It plays the role the
// teacher's in-memory net.Conn pair (test_rwc.go) played for that package's
// tests: a same-process stand-in for two ends of a real connection, usable
// anywhere this package's tests or the preconnected setup path need one
// side to talk to the other without a real socket or listener.
func NewFDPair() (a, b int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
