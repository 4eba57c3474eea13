package binder

import "context"

// Use classifies why a connection lease is being requested, matching the
// three client call shapes spec §4.E discriminates between.
type Use int

const (
	// UseClient is an ordinary synchronous transact.
	UseClient Use = iota
	// UseClientAsync is a oneway transact; it biases the round-robin
	// hint so the next synchronous call doesn't queue behind it.
	UseClientAsync
	// UseClientRefcount is a send_dec_strong call, which must never block
	// waiting for an outgoing slot because it may be issued from inside
	// the command loop.
	UseClientRefcount
)

// ExclusiveConnection is a scoped lease over one Connection, acquired by
// Session.Lease and released by calling Release exactly once. It is the
// single most subtle piece of this module; the algorithm in Session.Lease must
// match spec §4.E exactly, including the order in which the outgoing and
// incoming scans run and the bookkeeping around waitingThreads.
type ExclusiveConnection struct {
	sess      *Session
	conn      *Connection
	reentrant bool
	released  bool
}

// Connection returns the leased connection.
func (e *ExclusiveConnection) Connection() *Connection { return e.conn }

// Reentrant reports whether this lease reused a connection the calling
// thread already held (a nested call); its Release is then a no-op.
func (e *ExclusiveConnection) Reentrant() bool { return e.reentrant }

// Release hands the connection back to the pool (spec §4.E "Release").
// A reentrant lease releases nothing: the deeper frame retains ownership
// and only the outermost Release actually clears exclusiveTID.
func (e *ExclusiveConnection) Release() {
	if e.released {
		return
	}
	e.released = true
	if e.reentrant {
		return
	}
	s := e.sess
	s.mu.Lock()
	e.conn.held = false
	e.conn.exclusiveTID = 0
	waiters := s.waitingThreads > 0
	s.mu.Unlock()
	if waiters {
		s.availableCV.Signal()
	}
}

// callerIDFor resolves the CallerID for ctx, minting a fresh never-reused
// one when the caller didn't attach one with WithCallerID. A minted id
// never matches any connection's exclusiveTID, so such a caller is
// correctly treated as non-reentrant.
func (s *Session) callerIDFor(ctx context.Context) CallerID {
	if id, ok := CallerIDFromContext(ctx); ok {
		return id
	}
	return CallerID(s.anonCallerSeq.Add(1) | anonCallerIDBit)
}

// anonCallerIDBit keeps minted anonymous ids out of the space a caller
// would plausibly pick by hand, purely so a debugger dump of exclusiveTID
// is visibly distinguishable; it has no behavioral effect.
const anonCallerIDBit = uint64(1) << 63

// Lease implements spec §4.E's algorithm verbatim. It blocks on the pool's
// condition variable when no connection is immediately available, and
// fails with ErrWouldBlock when the outgoing list is empty (scenario 2).
func (s *Session) Lease(ctx context.Context, use Use) (*ExclusiveConnection, error) {
	tid := s.callerIDFor(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.waitingThreads++
	for {
		var exclusive, available *Connection

		// Step 2: scan outgoing starting at outgoingOffset, wrapping.
		n := len(s.outgoing)
		for i := 0; i < n; i++ {
			c := s.outgoing[(int(s.outgoingOffset)+i)%n]
			if c.held && c.exclusiveTID == tid && exclusive == nil {
				exclusive = c
				break
			}
			if available == nil && !c.held {
				available = c
			}
		}

		// Step 3: async rotation hint.
		if use == UseClientAsync && n > 0 && (exclusive != nil || available != nil) {
			s.outgoingOffset = (s.outgoingOffset + 1) % uint64(n)
		}

		// Step 4: incoming scan, only for non-async uses.
		var exclusiveIncoming *Connection
		if use != UseClientAsync {
			for _, c := range s.incoming {
				if c.held && c.exclusiveTID == tid {
					exclusiveIncoming = c
					break
				}
			}
			if exclusiveIncoming != nil {
				if exclusiveIncoming.allowNested {
					exclusive = exclusiveIncoming
				} else if use == UseClientRefcount && available == nil {
					exclusive = exclusiveIncoming
				}
			}
		}

		// Step 5: resolve.
		switch {
		case exclusive != nil:
			s.waitingThreads--
			return &ExclusiveConnection{sess: s, conn: exclusive, reentrant: true}, nil
		case available != nil:
			available.held = true
			available.exclusiveTID = tid
			s.waitingThreads--
			return &ExclusiveConnection{sess: s, conn: available, reentrant: false}, nil
		case len(s.outgoing) == 0:
			s.waitingThreads--
			return nil, ErrWouldBlock
		default:
			s.availableCV.Wait()
			// Loop back to step 2 on wake.
		}
	}
}
