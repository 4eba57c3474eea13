package binder

import (
	"github.com/cobaltrpc/binder/transport"
	"github.com/cobaltrpc/binder/trigger"
)

// threadID identifies the goroutine-equivalent unit of reentrancy this
// module leases connections to. Go has no native thread/goroutine id, so
// callers of the exported surface carry their own comparable token (see
// CallerID) the way a C++ implementation would carry a pthread id; the
// zero value means "unset", mirroring an optional thread id.
type threadID = CallerID

// CallerID is the caller-supplied token identifying "the current thread"
// for the purposes of connection leasing and reentrancy (spec §4.C,
// invariant 3). Go goroutines have no stable identity of their own, so the
// session core asks the caller to supply one; a context.Context value
// carrying a CallerID (see WithCallerID/CallerIDFromContext) is the
// idiomatic way to thread it through a call chain without every function
// taking an extra parameter.
type CallerID uint64

// Connection owns one transport plus the bookkeeping the lease algorithm
// needs: which caller currently holds it exclusively, and whether it is
// blessed to serve nested calls (spec §4.C). All field mutations happen
// under the owning session's mutex; the connection does not lock itself.
type Connection struct {
	transport transport.Transport
	trig      *trigger.Trigger
	incoming  bool

	// exclusiveTID is the CallerID currently holding this connection, or
	// zero if unheld. Guarded by the owning Session's mutex.
	exclusiveTID CallerID
	held         bool

	// allowNested is the hook spec §9 asks us to preserve even though the
	// session core currently never sets it true: it is the switch through
	// which the (out-of-scope) state layer marks an incoming connection as
	// safe to reenter for a nested outbound call mid-command.
	allowNested bool
}

func newConnection(t transport.Transport, trig *trigger.Trigger, incoming bool) *Connection {
	return &Connection{transport: t, trig: trig, incoming: incoming}
}

// Incoming reports whether this connection serves inbound commands.
func (c *Connection) Incoming() bool { return c.incoming }

// AllowNested reports the nesting permission flag. Always false in this
// build; preserved as a read site per spec §9.
func (c *Connection) AllowNested() bool { return c.allowNested }

// WriteFull writes buf in full, cancellable by the session's shutdown
// trigger. It is the hook the (out-of-scope) state layer uses to send
// wire bytes on a leased connection.
func (c *Connection) WriteFull(buf []byte) error {
	if err := c.transport.InterruptableWriteFully(c.trig, buf); err != nil {
		return wrapTransportErr(err)
	}
	return nil
}

// ReadFull reads len(buf) bytes in full, cancellable by the session's
// shutdown trigger.
func (c *Connection) ReadFull(buf []byte) error {
	if err := c.transport.InterruptableReadFully(c.trig, buf); err != nil {
		return wrapTransportErr(err)
	}
	return nil
}

// GetCertificate delegates to the underlying transport context (spec
// §6.4).
func (c *Connection) GetCertificate(format transport.CertificateFormat) ([]byte, error) {
	return c.transport.GetCertificate(format)
}

func (c *Connection) close() error {
	return c.transport.Close()
}

func wrapTransportErr(err error) error {
	if err == trigger.ErrShutdown {
		return ErrShutdown
	}
	return NewStatusError(StatusDeadObject, err, "transport I/O")
}
