package binder

import (
	"fmt"

	"github.com/cobaltrpc/binder/transport"
	"github.com/cobaltrpc/binder/trigger"
)

// connectInit is called while the new connection is held exclusively by
// the calling goroutine, before it is published to the pool for anyone
// else to see — it is where the state-layer handshake bytes (spec §4.D
// "Add outgoing") get written.
type connectInit func(conn *Connection) error

// addOutgoing appends conn to the outgoing list, running init while the
// connection is held exclusively by the caller (spec §4.D "Add outgoing").
func (s *Session) addOutgoing(t transport.Transport, trig *trigger.Trigger, init connectInit) (*Connection, error) {
	conn := newConnection(t, trig, false)

	s.mu.Lock()
	conn.held = true
	conn.exclusiveTID = s.setupCallerID
	s.mu.Unlock()

	var err error
	if init != nil {
		err = init(conn)
	}

	s.mu.Lock()
	conn.held = false
	conn.exclusiveTID = 0
	if err == nil {
		s.outgoing = append(s.outgoing, conn)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return conn, nil
}

// addIncoming admits a freshly dialed-in connection into the pool (spec
// §4.D "Add incoming"). It enforces invariants 1 and 5: the incoming list
// may never exceed max_threads, and a late joiner below the watermark
// recorded so far is rejected outright (a deliberate guard against
// late joiners after a transient shrinkage during fast shutdown — spec
// §9 Open Question, preserved as specified).
func (s *Session) addIncoming(t transport.Transport, trig *trigger.Trigger, tid CallerID) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.incoming) >= s.maxThreads {
		return nil, NewStatusError(StatusDeadObject, nil, "incoming connection limit reached")
	}
	if len(s.incoming) < s.maxIncomingConnections {
		return nil, NewStatusError(StatusDeadObject, nil, "late incoming joiner rejected after shrinkage")
	}

	conn := newConnection(t, trig, true)
	conn.held = true
	conn.exclusiveTID = tid
	s.incoming = append(s.incoming, conn)
	s.maxIncomingConnections++
	return conn, nil
}

// removeIncoming erases conn from the incoming list by identity. If the
// list becomes empty, it drops the lock before invoking the listener's
// OnSessionAllIncomingThreadsEnded, matching spec §4.D's explicit
// "drops the lock" instruction — the listener may itself call back into
// the session.
func (s *Session) removeIncoming(conn *Connection) {
	s.mu.Lock()
	for i, c := range s.incoming {
		if c == conn {
			s.incoming = append(s.incoming[:i], s.incoming[i+1:]...)
			break
		}
	}
	empty := len(s.incoming) == 0
	listener := s.listener
	s.mu.Unlock()

	if empty && listener != nil {
		listener.OnSessionAllIncomingThreadsEnded()
	}
}

// assertNotBusy aborts the process if the session is destroyed with a
// live incoming worker still registered (spec invariant 4, spec §9
// "No-destroy-while-busy"). It is a programming-contract violation, not a
// recoverable error.
func (s *Session) assertNotBusy() {
	s.mu.Lock()
	n := len(s.incoming)
	s.mu.Unlock()
	if n != 0 {
		panic(fmt.Sprintf("binder: session destroyed with %d incoming worker(s) still registered", n))
	}
}
