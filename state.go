package binder

import "context"

// State is the thin seam through which the session core delegates to the
// binder-level command codec: root-object lookup, the transact/dec-strong
// wire exchange, and the connection-init handshake bytes that ride inside
// the state layer's own framing (as opposed to the connection header in
// version.go, which the session core writes itself). Its implementation
// is out of scope for this module (spec §9 "State-layer seam"); package
// internal/wirestate supplies a reference implementation used by this
// module's own tests and by cmd/binder-echo.
//
// A State implementation holds no exclusive lease of its own: every method
// is handed a Connection it must assume it already has exclusive use of
// for the duration of the call.
type State interface {
	// GetRootObject returns the address of the session's root object.
	GetRootObject(ctx context.Context, conn *Connection, sess *Session) (ObjectAddress, error)
	// GetMaxThreads asks the peer how many worker threads it is prepared
	// to serve incoming commands with.
	GetMaxThreads(ctx context.Context, conn *Connection, sess *Session) (int, error)
	// GetSessionID asks the peer for the SessionID it assigned during
	// setup.
	GetSessionID(ctx context.Context, conn *Connection, sess *Session) (SessionID, error)
	// ReadNewSessionResponse reads the peer's chosen protocol version
	// from connection #0, immediately after the connection header.
	ReadNewSessionResponse(ctx context.Context, conn *Connection, sess *Session) (uint32, error)
	// SendNewSessionResponse is the accepting side's counterpart to
	// ReadNewSessionResponse, written once on a freshly accepted
	// connection #0. spec.md's State seam names only the client-facing
	// read; this method fills in the server-side half so a reference
	// implementation's acceptor has somewhere to put the handshake reply
	// it must send (see DESIGN.md).
	SendNewSessionResponse(ctx context.Context, conn *Connection, sess *Session, id SessionID) error
	// SendConnectionInit writes whatever state-layer bytes accompany a
	// freshly opened connection, after the connection header.
	SendConnectionInit(ctx context.Context, conn *Connection, sess *Session) error
	// ReadConnectionInit is the server side of SendConnectionInit, read
	// by an incoming worker before it enters its command loop.
	ReadConnectionInit(ctx context.Context, conn *Connection, sess *Session) error
	// GetAndExecuteCommand reads one command from conn and executes it,
	// returning a non-nil error when the loop should stop (spec §4.G
	// step 4). The incoming worker loop always passes the sentinel
	// AnyUse.
	GetAndExecuteCommand(ctx context.Context, conn *Connection, sess *Session, use Use) error
	// Transact issues one binder command and, unless flags carries
	// TransactFlagOneway, waits for the reply.
	Transact(ctx context.Context, conn *Connection, sess *Session, binder ObjectAddress, code uint32, data []byte, reply *[]byte, flags TransactFlags) error
	// SendDecStrong issues a strong-reference decrement for address.
	SendDecStrong(ctx context.Context, conn *Connection, sess *Session, address ObjectAddress) error
	// Clear releases any state-layer resources tied to sess. Called once,
	// by the first ShutdownAndWait; when that call waits, Clear runs only
	// after every incoming worker has exited.
	Clear(sess *Session) error
}

// AnyUse is the Use value the incoming command loop passes to
// GetAndExecuteCommand: it is not one of the three client lease shapes,
// it only exists to satisfy the parameter the spec names ("ANY").
const AnyUse Use = -1

// TransactFlags is a bitfield passed to Session.Transact.
type TransactFlags uint32

// TransactFlagOneway marks a transact as asynchronous: Session.Transact
// leases with UseClientAsync and does not wait for a reply.
const TransactFlagOneway TransactFlags = 1 << 0

// EventListener is notified of incoming-worker lifecycle events (spec
// §4.D "Remove incoming", §4.G step 5, §4.H shutdown_and_wait). A
// client-owned session is notified through WaitForShutdown; a
// server-adopted session is notified through whatever listener the
// (out-of-scope) server collaborator installed via SetForServer.
type EventListener interface {
	// OnSessionAllIncomingThreadsEnded fires once, when the incoming
	// list transitions from non-empty to empty.
	OnSessionAllIncomingThreadsEnded()
	// OnSessionIncomingThreadEnded fires after every single incoming
	// worker exit, including the last one.
	OnSessionIncomingThreadEnded()
}
