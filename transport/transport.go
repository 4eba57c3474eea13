// Package transport implements the opaque bidirectional byte-stream
// abstraction the session core reads and writes through. Address parsing
// and socket creation live one layer up, in package address; this package
// only turns an already-connected descriptor into something that can do
// interruptible I/O and, optionally, report a peer certificate.
package transport

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cobaltrpc/binder/trigger"
)

// CertificateFormat selects the encoding returned by Transport.GetCertificate.
type CertificateFormat int

const (
	CertificateFormatPEM CertificateFormat = iota
	CertificateFormatDER
)

// Transport is an opaque bidirectional byte stream bound to one descriptor.
// All I/O is interruptible: a fired trigger.Trigger unblocks any in-flight
// read or write with trigger.ErrShutdown.
type Transport interface {
	InterruptableWriteFully(trig *trigger.Trigger, buf []byte) error
	InterruptableReadFully(trig *trigger.Trigger, buf []byte) error
	GetCertificate(format CertificateFormat) ([]byte, error)
	Close() error
}

// Context is a Transport factory. Implementations that speak TLS may
// perform a handshake inside NewTransport; the session core treats
// handshake failure identically to any other transport-construction
// failure (NewTransport returning a non-nil error).
type Context interface {
	NewTransport(fd int, trig *trigger.Trigger) (Transport, error)
}

// RawContext constructs Transport values that read and write the raw
// descriptor directly, with no handshake. This is the context used for
// UNIX, VSOCK, and /dev/null transports.
type RawContext struct{}

func (RawContext) NewTransport(fd int, trig *trigger.Trigger) (Transport, error) {
	return &rawTransport{fd: fd}, nil
}

type rawTransport struct {
	fd int
}

func (t *rawTransport) InterruptableWriteFully(trig *trigger.Trigger, buf []byte) error {
	return trig.InterruptableWriteFully(t.fd, buf)
}

func (t *rawTransport) InterruptableReadFully(trig *trigger.Trigger, buf []byte) error {
	return trig.InterruptableReadFully(t.fd, buf)
}

func (t *rawTransport) GetCertificate(CertificateFormat) ([]byte, error) {
	return nil, fmt.Errorf("transport: raw transport carries no certificate")
}

func (t *rawTransport) Close() error {
	return unix.Close(t.fd)
}

// FD exposes the underlying descriptor for tests and for transports that
// need to layer further logic over a RawContext.
func (t *rawTransport) FD() int { return t.fd }
