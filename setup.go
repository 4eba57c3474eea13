package binder

import (
	"context"
	stderrors "errors"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/cobaltrpc/binder/address"
	"github.com/cobaltrpc/binder/trigger"
)

var setupLogger = loggo.GetLogger("binder.setup")

// SetupUnixClient opens connection #0 as a UNIX domain socket at path and
// runs the rest of setup_client (spec §4.F, §6.3).
func (s *Session) SetupUnixClient(ctx context.Context, path string) error {
	return s.setupClient(ctx, address.Unix(path))
}

// SetupVsockClient is the VSOCK variant of SetupUnixClient.
func (s *Session) SetupVsockClient(ctx context.Context, cid, port uint32) error {
	return s.setupClient(ctx, address.Vsock(cid, port))
}

// SetupInetClient is the TCP variant of SetupUnixClient. host may resolve
// to multiple addresses; each is tried in turn, first success wins
// (scenario 8).
func (s *Session) SetupInetClient(ctx context.Context, host string, port uint16) error {
	return s.setupClient(ctx, address.Inet(host, port))
}

// SetupPreconnectedClient drives setup_client from a caller-supplied
// descriptor factory instead of dialing an address itself. factory is
// called once per connection opened during setup (1 + (remote_max_threads
// - 1) + max_threads times); a factory that fails is retried exactly once.
func (s *Session) SetupPreconnectedClient(ctx context.Context, factory func() (int, error)) error {
	return s.setupClient(ctx, address.Preconnected(factory))
}

// SetupNullDebugClient drives setup_client against /dev/null on every
// connection. It exists purely to exercise the fan-out logic in tests and
// demos without a real peer.
func (s *Session) SetupNullDebugClient(ctx context.Context) error {
	return s.setupClient(ctx, address.NullDebug())
}

// setupClient implements spec §4.F's eight-step sequence exactly. Any
// failure short-circuits and propagates; a session on which setup_client
// has failed midway is still safe to ShutdownAndWait/Close (SPEC_FULL.md
// supplemented feature #5), since the trigger and listener are installed
// before connection #0 is ever dialed.
func (s *Session) setupClient(ctx context.Context, addr address.Address) error {
	s.mu.Lock()
	if len(s.outgoing) != 0 {
		s.mu.Unlock()
		panic("binder: setup_client called on a session that already has outgoing connections")
	}
	s.mu.Unlock()

	if s.state == nil {
		return NewStatusError(StatusInvalidOperation, nil, "no state layer configured")
	}

	trig, err := trigger.New()
	if err != nil {
		return NewStatusError(StatusInvalidOperation, err, "create shutdown trigger")
	}
	listener := NewWaitForShutdown(s.clock, s.uuid)

	s.mu.Lock()
	s.trig = trig
	s.listener = listener
	s.setupCallerID = CallerID(s.anonCallerSeq.Add(1) | anonCallerIDBit)
	s.mu.Unlock()

	if _, err := s.openOutgoing(ctx, addr, ZeroSessionID); err != nil {
		return errors.Annotate(err, "open connection #0")
	}

	version, err := withLease(ctx, s, UseClient, func(conn *Connection) (uint32, error) {
		return s.state.ReadNewSessionResponse(ctx, conn, s)
	})
	if err != nil {
		return errors.Annotate(err, "read new session response")
	}
	if !s.SetProtocolVersion(version) {
		return NewStatusError(StatusBadValue, nil, "peer offered a protocol version above our existing cap")
	}

	remoteMaxThreads, err := withLease(ctx, s, UseClient, func(conn *Connection) (int, error) {
		return s.state.GetMaxThreads(ctx, conn, s)
	})
	if err != nil {
		return errors.Annotate(err, "get remote max threads")
	}

	sessionID, err := withLease(ctx, s, UseClient, func(conn *Connection) (SessionID, error) {
		return s.state.GetSessionID(ctx, conn, s)
	})
	if err != nil {
		return errors.Annotate(err, "get session id")
	}
	s.mu.Lock()
	s.id = sessionID
	s.hasID = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i < remoteMaxThreads; i++ {
		g.Go(func() error {
			_, err := s.openOutgoing(gctx, addr, sessionID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Annotate(err, "open remaining outgoing connections")
	}

	maxThreads := s.GetMaxThreads()
	g2, gctx2 := errgroup.WithContext(ctx)
	for i := 0; i < maxThreads; i++ {
		g2.Go(func() error {
			return s.openIncoming(gctx2, addr, sessionID)
		})
	}
	if err := g2.Wait(); err != nil {
		return errors.Annotate(err, "open incoming connections")
	}

	setupLogger.Infof("session %s: setup complete, outgoing=%d incoming=%d", s.uuid, s.OutgoingCount(), s.IncomingCount())
	return nil
}

// withLease runs fn with a freshly acquired lease of the given use,
// releasing it before returning. It is a free function rather than a method because
// Go methods cannot carry their own type parameters.
func withLease[T any](ctx context.Context, s *Session, use Use, fn func(conn *Connection) (T, error)) (T, error) {
	var zero T
	lease, err := s.Lease(ctx, use)
	if err != nil {
		return zero, err
	}
	defer lease.Release()
	return fn(lease.Connection())
}

// dialWithRetry runs addr's retry policy around a single Dial attempt
// (spec §4.F "Retry policy for the socket variant of connect_and_init").
func dialWithRetry(ctx context.Context, clk clock.Clock, addr address.Address, trig *trigger.Trigger) (int, error) {
	policy := addr.RetryPolicy()
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		fd, err := addr.Dial(ctx, trig)
		if err == nil {
			return fd, nil
		}
		lastErr = err
		if i == attempts-1 || policy.Retryable == nil || !policy.Retryable(err) {
			break
		}
		if policy.Backoff > 0 {
			select {
			case <-clk.After(policy.Backoff):
			case <-ctx.Done():
				return -1, ctx.Err()
			}
		}
	}
	return -1, lastErr
}

// dialFailureStatus maps a dial failure to the Status spec §7 documents for
// it: NAME_NOT_FOUND when every resolved INET candidate failed to connect
// (address.ErrAllCandidatesFailed, the original's setupInetClient
// distinction), UNKNOWN_ERROR for anything else (resolution failure,
// socket/transport construction, retries exhausted on a non-INET variant).
func dialFailureStatus(err error) Status {
	if stderrors.Is(errors.Cause(err), address.ErrAllCandidatesFailed) {
		return StatusNameNotFound
	}
	return StatusUnknownError
}

// connectionInit writes the connection header and, if a state layer is
// configured, the state layer's own init bytes — the two layers of
// handshake spec §6.2 distinguishes ("before any state-layer bytes").
func (s *Session) connectionInit(ctx context.Context, conn *Connection, sessionID SessionID, incoming bool) error {
	hdr := connectionHeader{Version: s.GetProtocolVersion(), SessionID: sessionID}
	if incoming {
		hdr.Options |= RPCConnectionOptionIncoming
	}
	if err := conn.WriteFull(hdr.marshal()); err != nil {
		return errors.Annotate(err, "write connection header")
	}
	if s.state != nil {
		return s.state.SendConnectionInit(ctx, conn, s)
	}
	return nil
}

// openOutgoing dials, constructs a transport, and admits one outgoing
// connection (spec §4.D "Add outgoing").
func (s *Session) openOutgoing(ctx context.Context, addr address.Address, sessionID SessionID) (*Connection, error) {
	fd, err := dialWithRetry(ctx, s.clock, addr, s.trig)
	if err != nil {
		return nil, NewStatusError(dialFailureStatus(err), err, "dial")
	}
	t, err := s.transportCtx.NewTransport(fd, s.trig)
	if err != nil {
		return nil, NewStatusError(StatusUnknownError, err, "construct transport")
	}
	return s.addOutgoing(t, s.trig, func(conn *Connection) error {
		return s.connectionInit(ctx, conn, sessionID, false)
	})
}

// openIncoming dials and admits one connection that this client will serve
// inbound commands on (spec §4.F step 8), then spawns the worker that
// reads from it — the client-side counterpart to SpawnIncomingWorker, which
// handles connections the peer dials in on a server-adopted session.
func (s *Session) openIncoming(ctx context.Context, addr address.Address, sessionID SessionID) error {
	fd, err := dialWithRetry(ctx, s.clock, addr, s.trig)
	if err != nil {
		return NewStatusError(dialFailureStatus(err), err, "dial")
	}
	t, err := s.transportCtx.NewTransport(fd, s.trig)
	if err != nil {
		return NewStatusError(StatusUnknownError, err, "construct transport")
	}

	tid := CallerID(s.anonCallerSeq.Add(1) | anonCallerIDBit)
	conn, err := s.addIncoming(t, s.trig, tid)
	if err != nil {
		_ = t.Close()
		return err
	}
	if err := s.connectionInit(ctx, conn, sessionID, true); err != nil {
		s.removeIncoming(conn)
		_ = conn.close()
		return err
	}

	// conn stays held under tid for the worker's entire lifetime, exactly
	// as addIncoming leaves it for a peer-dialed-in connection: this is
	// what lets Lease's incoming scan recognize the worker's own goroutine
	// as already holding it for CLIENT_REFCOUNT piggy-backing (spec §4.E
	// step 4).
	s.spawnWorker(ctx, tid, conn)
	return nil
}
