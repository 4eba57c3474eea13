package binder

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/cobaltrpc/binder/transport"
	"github.com/cobaltrpc/binder/trigger"
)

var sessionLogger = loggo.GetLogger("binder.session")

// Session is the façade over one peer-to-peer binding of N+M byte-stream
// connections (spec §4.H). It owns identity, configuration, and the
// lifecycles of every other component in this module.
//
// Session holds a plain pointer back to whatever server object adopted it
// (set via SetForServer), rather than anything resembling a weak handle.
// The original C++ implementation needs a weak reference there to avoid a
// retain cycle under manual reference counting; Go's tracing garbage
// collector reclaims cyclic garbage just fine, so the back-pointer being
// "weak" in spirit (spec §9) requires no special type here — see
// DESIGN.md.
type Session struct {
	mu          sync.Mutex
	availableCV *sync.Cond

	id    SessionID
	hasID bool

	maxThreads    int
	maxThreadsSet bool

	protocolVersion    uint32
	protocolVersionSet bool

	outgoing                []*Connection
	incoming                []*Connection
	outgoingOffset          uint64
	maxIncomingConnections  int
	waitingThreads          int

	workers map[CallerID]*workerHandle

	server   any
	trig     *trigger.Trigger
	listener EventListener

	state        State
	transportCtx transport.Context

	clock clock.Clock
	uuid  string

	setupCallerID CallerID
	anonCallerSeq atomic.Uint64

	terminal bool
}

// SessionOption configures a Session at construction time, the idiomatic
// Go substitute for the default-argument constructors the original
// exposes (setupUnixDomainClient, setupVsockClient, ...).
type SessionOption func(*Session)

// WithClock overrides the clock used for retry backoff and shutdown-wait
// ticking. Production code never needs this; a test can use it with
// github.com/juju/clock/testclock to run without real sleeps.
func WithClock(clk clock.Clock) SessionOption {
	return func(s *Session) { s.clock = clk }
}

// WithState supplies the (out-of-scope) binder command codec. Omit it and
// setup_client, Transact, SendDecStrong and GetRootObject all fail with
// StatusInvalidOperation, and every incoming worker exits with that status
// before entering its command loop.
func WithState(st State) SessionOption {
	return func(s *Session) { s.state = st }
}

// WithTransportContext overrides the transport factory used to turn a
// connected descriptor into a Transport. Defaults to transport.RawContext.
func WithTransportContext(tc transport.Context) SessionOption {
	return func(s *Session) { s.transportCtx = tc }
}

func newSession(opts ...SessionOption) *Session {
	s := &Session{
		clock:        clock.WallClock,
		transportCtx: transport.RawContext{},
		workers:      make(map[CallerID]*workerHandle),
		uuid:         uuid.NewString(),
	}
	s.availableCV = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewClientSession constructs an empty client-side session. Call one of
// the SetupXxxClient functions to run the handshake before using it.
func NewClientSession(opts ...SessionOption) *Session {
	return newSession(opts...)
}

// NewServerSession constructs an empty server-adopted session and
// immediately calls SetForServer (spec §3 "Server-adopted session").
func NewServerSession(server any, listener EventListener, id SessionID, opts ...SessionOption) (*Session, error) {
	s := newSession(opts...)
	if err := s.SetForServer(server, listener, id); err != nil {
		return nil, err
	}
	return s, nil
}

// SetForServer provides identity and a shutdown trigger to a
// server-adopted session (spec §3). It is fatal to call it twice.
func (s *Session) SetForServer(server any, listener EventListener, id SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trig != nil {
		panic("binder: SetForServer called more than once")
	}
	trig, err := trigger.New()
	if err != nil {
		return NewStatusError(StatusInvalidOperation, err, "create shutdown trigger")
	}
	s.server = server
	s.listener = listener
	s.id = id
	s.hasID = true
	s.trig = trig
	return nil
}

// UUID is the session's debug correlation id, distinct from the wire
// SessionID: it exists purely so log lines from one session can be
// grepped out of an interleaved multi-session log.
func (s *Session) UUID() string { return s.uuid }

// SetMaxThreads sets the incoming worker cap. Fixed the instant the first
// connection joins the pool (invariant 1); a later attempt to change it
// is a programming-contract violation and panics.
func (s *Session) SetMaxThreads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outgoing) > 0 || len(s.incoming) > 0 {
		panic("binder: SetMaxThreads called after a connection already joined the pool")
	}
	s.maxThreads = n
	s.maxThreadsSet = true
}

// GetMaxThreads returns the configured incoming worker cap.
func (s *Session) GetMaxThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxThreads
}

// SetProtocolVersion attempts to cap the session's protocol version
// (spec §6.1). It fails without changing state if v would raise a
// previously-set cap, or if v is at or beyond the rejection threshold and
// is not the experimental sentinel.
func (s *Session) SetProtocolVersion(v uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v >= RPCWireProtocolVersionNext && v != RPCWireProtocolVersionExperimental {
		return false
	}
	if s.protocolVersionSet && v > s.protocolVersion {
		return false
	}
	s.protocolVersion = v
	s.protocolVersionSet = true
	return true
}

// GetProtocolVersion returns the current cap, or RPCWireProtocolVersion if
// none has been set.
func (s *Session) GetProtocolVersion() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.protocolVersionSet {
		return RPCWireProtocolVersion
	}
	return s.protocolVersion
}

// SessionID returns the peer-assigned identity and whether it has been
// set yet.
func (s *Session) SessionID() (SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.hasID
}

// IncomingWatermark returns the high-watermark of incoming connections
// ever admitted, for diagnosing "late joiner rejected" failures during
// fast shutdown (SPEC_FULL.md supplemented feature #3).
func (s *Session) IncomingWatermark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxIncomingConnections
}

// OutgoingCount and IncomingCount expose pool sizes for tests and
// observability (spec §8 property 3).
func (s *Session) OutgoingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outgoing)
}

func (s *Session) IncomingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.incoming)
}

// GetRemoteMaxThreads exposes the outgoing pool size, which by invariant 3
// equals the peer's advertised max_threads once setup has completed.
func (s *Session) GetRemoteMaxThreads() int {
	return s.OutgoingCount()
}

// Transact issues one binder command (spec §4.H). ONEWAY flags lease with
// UseClientAsync and return before any reply is read.
func (s *Session) Transact(ctx context.Context, binder ObjectAddress, code uint32, data []byte, reply *[]byte, flags TransactFlags) error {
	if s.state == nil {
		return NewStatusError(StatusInvalidOperation, nil, "no state layer configured")
	}
	use := UseClient
	if flags&TransactFlagOneway != 0 {
		use = UseClientAsync
	}
	lease, err := s.Lease(ctx, use)
	if err != nil {
		return err
	}
	defer lease.Release()
	return s.state.Transact(ctx, lease.Connection(), s, binder, code, data, reply, flags)
}

// SendDecStrong issues a strong-reference decrement (spec §4.H, §4.E step
// 4 rationale). It leases with UseClientRefcount so it can piggy-back on
// the calling thread's held incoming connection instead of blocking for
// an outgoing slot.
func (s *Session) SendDecStrong(ctx context.Context, address ObjectAddress) error {
	if s.state == nil {
		return NewStatusError(StatusInvalidOperation, nil, "no state layer configured")
	}
	lease, err := s.Lease(ctx, UseClientRefcount)
	if err != nil {
		return err
	}
	defer lease.Release()
	return s.state.SendDecStrong(ctx, lease.Connection(), s, address)
}

// GetRootObject looks up the session's root object through the state
// layer, leasing a connection for the duration of the call.
func (s *Session) GetRootObject(ctx context.Context) (ObjectAddress, error) {
	if s.state == nil {
		return 0, NewStatusError(StatusInvalidOperation, nil, "no state layer configured")
	}
	lease, err := s.Lease(ctx, UseClient)
	if err != nil {
		return 0, err
	}
	defer lease.Release()
	return s.state.GetRootObject(ctx, lease.Connection(), s)
}

// GetCertificate delegates to connection #0's transport context (spec
// §6.4). It fails if the session has no outgoing connections.
func (s *Session) GetCertificate(format transport.CertificateFormat) ([]byte, error) {
	s.mu.Lock()
	if len(s.outgoing) == 0 {
		s.mu.Unlock()
		return nil, NewStatusError(StatusBadValue, nil, "no outgoing connection")
	}
	conn := s.outgoing[0]
	s.mu.Unlock()
	return conn.GetCertificate(format)
}

// ShutdownAndWait fires the session's shutdown trigger and, if wait is
// true, blocks until every incoming worker has drained before calling
// State.Clear and returning. Calling it without a trigger present (a
// server-adopted session that never called SetForServer, or a client
// session on which SetupXxxClient was never invoked) is a
// programming-contract violation and panics, matching spec §7's
// "Programming-contract violations... are fatal".
func (s *Session) ShutdownAndWait(wait bool) bool {
	s.mu.Lock()
	trig := s.trig
	listener := s.listener
	terminal := s.terminal
	s.mu.Unlock()

	if trig == nil {
		panic("binder: ShutdownAndWait called on a session with no shutdown trigger")
	}
	if terminal {
		return true
	}

	trig.Fire()
	s.availableCV.Broadcast()

	if wait {
		wfs, ok := listener.(*WaitForShutdown)
		if ok {
			// Wait returns only once OnSessionAllIncomingThreadsEnded
			// fires, which never happens if no incoming connection is
			// left to drain (for example after setup_client failed before
			// opening any).
			if s.IncomingCount() > 0 {
				wfs.Wait(s.IncomingCount)
			}
		} else {
			// A server-adopted session's listener lives outside this
			// module; there is nothing further this façade can block
			// on besides the incoming list itself draining.
			for s.IncomingCount() > 0 {
				<-s.clock.After(shutdownTickInterval)
			}
		}
	}

	s.mu.Lock()
	s.terminal = true
	s.mu.Unlock()

	if s.state != nil {
		if err := s.state.Clear(s); err != nil {
			sessionLogger.Warningf("session %s: state.Clear: %v", s.uuid, errors.Trace(err))
		}
	}
	return true
}

// Close shuts the session down, waits for every incoming worker to drain,
// and releases the shutdown trigger's file descriptors. Unlike
// ShutdownAndWait, it asserts the no-destroy-while-busy invariant (spec
// invariant 4, §9): if that assertion can ever fire here, it means a
// worker removed itself from the incoming list without the pool's
// bookkeeping agreeing, which is a bug in this module, not in the caller.
func (s *Session) Close() error {
	s.ShutdownAndWait(true)
	s.assertNotBusy()
	s.mu.Lock()
	trig := s.trig
	s.mu.Unlock()
	if trig != nil {
		return trig.Close()
	}
	return nil
}
