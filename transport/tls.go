package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cobaltrpc/binder/trigger"
)

// pollInterval bounds how long an interruptible TLS read/write can be
// blocked before re-checking whether the trigger has fired. tls.Conn has
// no raw descriptor to hand to unix.Poll once the handshake has wrapped
// it, so cancellation here is deadline-driven rather than poll-driven as
// it is in rawTransport.
const pollInterval = 25 * time.Millisecond

// TLSContext is the one transport variant in this module that performs a
// handshake inside NewTransport, as spec §4.B allows. No TLS library in
// the retrieval pack supersedes crypto/tls for this; see DESIGN.md.
type TLSContext struct {
	Config *tls.Config
	// Server selects server-side (tls.Server) vs client-side (tls.Client)
	// handshake orientation.
	Server bool

	// TrustedPeerCertificate, if non-nil, is the single certificate this
	// context pins. It is set by Make; a raw TLSContext with a bespoke
	// Config may leave it nil and rely on Config.RootCAs/ClientCAs
	// instead.
	TrustedPeerCertificate *x509.Certificate
}

// Make builds a TLSContext, pinning exactly one peer certificate if both
// trustedPeerFormat and trustedPeerCert are supplied (both non-nil/non-empty).
// Supplying only one fails construction, per spec §6.4.
func Make(base *tls.Config, server bool, trustedPeerFormat *CertificateFormat, trustedPeerCert []byte) (*TLSContext, error) {
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	haveFormat := trustedPeerFormat != nil
	haveCert := len(trustedPeerCert) > 0
	if haveFormat != haveCert {
		return nil, fmt.Errorf("transport: trustedPeerFormat and trustedPeerCert must be supplied together or not at all")
	}
	if !haveCert {
		return &TLSContext{Config: cfg, Server: server}, nil
	}
	cert, err := parseCertificate(*trustedPeerFormat, trustedPeerCert)
	if err != nil {
		return nil, fmt.Errorf("transport: pin trusted peer certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	if server {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		cfg.RootCAs = pool
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = pinnedCertVerifier(cert)
	}
	return &TLSContext{Config: cfg, Server: server, TrustedPeerCertificate: cert}, nil
}

// MakeUnpinned is the other half of spec §6.4's all-or-nothing rule: both
// trust arguments omitted.
func MakeUnpinned(base *tls.Config, server bool) (*TLSContext, error) {
	return Make(base, server, nil, nil)
}

func parseCertificate(format CertificateFormat, der []byte) (*x509.Certificate, error) {
	if format == CertificateFormatPEM {
		block, rest := decodePEM(der)
		if block == nil {
			return nil, fmt.Errorf("transport: no PEM block found")
		}
		der = block
		_ = rest
	}
	return x509.ParseCertificate(der)
}

func pinnedCertVerifier(pinned *x509.Certificate) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			if cert.Equal(pinned) {
				return nil
			}
		}
		return fmt.Errorf("transport: peer certificate does not match pinned certificate")
	}
}

func (c *TLSContext) NewTransport(fd int, trig *trigger.Trigger) (Transport, error) {
	f := os.NewFile(uintptr(fd), "binder-rpc-tls")
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("transport: wrap fd for TLS: %w", err)
	}
	var tc *tls.Conn
	if c.Server {
		tc = tls.Server(conn, c.Config)
	} else {
		tc = tls.Client(conn, c.Config)
	}
	if err := tc.Handshake(); err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("transport: TLS handshake: %w", err)
	}
	return &tlsTransport{conn: tc}, nil
}

type tlsTransport struct {
	conn *tls.Conn
}

func (t *tlsTransport) InterruptableWriteFully(trig *trigger.Trigger, buf []byte) error {
	for len(buf) > 0 {
		if trig.Fired() {
			return trigger.ErrShutdown
		}
		_ = t.conn.SetWriteDeadline(time.Now().Add(pollInterval))
		n, err := t.conn.Write(buf)
		buf = buf[n:]
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("transport: TLS write: %w", err)
		}
	}
	return nil
}

func (t *tlsTransport) InterruptableReadFully(trig *trigger.Trigger, buf []byte) error {
	for len(buf) > 0 {
		if trig.Fired() {
			return trigger.ErrShutdown
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := t.conn.Read(buf)
		buf = buf[n:]
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("transport: TLS read: %w", err)
		}
	}
	return nil
}

func (t *tlsTransport) GetCertificate(format CertificateFormat) ([]byte, error) {
	state := t.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("transport: no peer certificate presented")
	}
	cert := state.PeerCertificates[0]
	if format == CertificateFormatPEM {
		return encodePEM(cert.Raw), nil
	}
	return cert.Raw, nil
}

func (t *tlsTransport) Close() error {
	return t.conn.Close()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
