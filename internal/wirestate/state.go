// Package wirestate is a reference implementation of the binder.State seam
// (spec §9 "State-layer seam"), adapted from the teacher's client.go
// pending-calls-map pattern and handler_manager.go's reflection-based
// dispatch. It is good enough to round-trip transact/send_dec_strong calls
// in this module's own tests and in cmd/binder-echo; it is not a binder
// protocol implementation — no real proxy/reference-counting semantics
// beyond the dec_strong drain queue spec §4.E step 4 motivates.
package wirestate

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	binder "github.com/cobaltrpc/binder"
)

// Handler implements binder.State over the wire format in wire.go. The
// zero value is not usable; construct one with NewHandler.
type Handler struct {
	registry *Registry

	txSeq atomic.Uint64

	// decMu/decQueue is the dec_strong drain queue: grounded on client.go's
	// pending map pattern, but append-only rather than keyed by sequence
	// number, since dec_strong carries no reply to correlate.
	decMu    sync.Mutex
	decQueue []binder.ObjectAddress
}

// NewHandler constructs a Handler whose root object dispatches through
// registry. A nil registry is valid for sessions that never transact.
func NewHandler(registry *Registry) *Handler {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Handler{registry: registry}
}

// GetRootObject returns the well-known root address (spec §3: "the root
// object of a session is always address zero").
func (h *Handler) GetRootObject(ctx context.Context, conn *binder.Connection, sess *binder.Session) (binder.ObjectAddress, error) {
	return binder.RootObjectAddress, nil
}

// GetMaxThreads reads the peer's advertised thread count off conn, a plain
// 4-byte little-endian integer written by the peer immediately after
// connection #0's ReadNewSessionResponse exchange (setup_client step 5).
func (h *Handler) GetMaxThreads(ctx context.Context, conn *binder.Connection, sess *binder.Session) (int, error) {
	buf := make([]byte, 4)
	if err := conn.ReadFull(buf); err != nil {
		return 0, errors.Annotate(err, "read remote max threads")
	}
	return int(binary.LittleEndian.Uint32(buf)), nil
}

// GetSessionID reads the peer-assigned 32-byte session id (setup_client
// step 6).
func (h *Handler) GetSessionID(ctx context.Context, conn *binder.Connection, sess *binder.Session) (binder.SessionID, error) {
	var id binder.SessionID
	if err := conn.ReadFull(id[:]); err != nil {
		return id, errors.Annotate(err, "read session id")
	}
	return id, nil
}

// ReadNewSessionResponse reads the peer's chosen protocol version, a
// 4-byte little-endian integer (setup_client step 4).
func (h *Handler) ReadNewSessionResponse(ctx context.Context, conn *binder.Connection, sess *binder.Session) (uint32, error) {
	buf := make([]byte, 4)
	if err := conn.ReadFull(buf); err != nil {
		return 0, errors.Annotate(err, "read new session response")
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// SendNewSessionResponse writes the three fixed-width values the client's
// ReadNewSessionResponse/GetMaxThreads/GetSessionID steps expect, in order
// (setup_client steps 4-6), using sess's own configuration as the values
// to advertise.
func (h *Handler) SendNewSessionResponse(ctx context.Context, conn *binder.Connection, sess *binder.Session, id binder.SessionID) error {
	return WriteSetupGreeting(conn, sess.GetProtocolVersion(), uint32(sess.GetMaxThreads()), id)
}

// SendConnectionInit writes nothing: every byte this reference protocol
// needs beyond the connection header (version.go) is carried by the
// command header in wire.go, written lazily with the first command rather
// than up front.
func (h *Handler) SendConnectionInit(ctx context.Context, conn *binder.Connection, sess *binder.Session) error {
	return nil
}

// ReadConnectionInit is the symmetric no-op on the accepting side.
func (h *Handler) ReadConnectionInit(ctx context.Context, conn *binder.Connection, sess *binder.Session) error {
	return nil
}

// Transact writes one command header plus payload and, unless flags
// carries TransactFlagOneway, blocks on this same connection for the
// matching reply. The ExclusiveConnection lease the caller holds for the
// duration of the call guarantees no other transact's bytes interleave.
func (h *Handler) Transact(ctx context.Context, conn *binder.Connection, sess *binder.Session, address binder.ObjectAddress, code uint32, data []byte, reply *[]byte, flags binder.TransactFlags) error {
	txID := h.txSeq.Add(1)
	hdr := commandHeader{Kind: cmdTransact, Address: uint64(address), Code: code, TxID: txID, PayloadLen: uint32(len(data))}
	if flags&binder.TransactFlagOneway != 0 {
		hdr.Flags |= cmdFlagOneway
	}
	if err := conn.WriteFull(hdr.marshal()); err != nil {
		return errors.Annotate(err, "write transact header")
	}
	if len(data) > 0 {
		if err := conn.WriteFull(data); err != nil {
			return errors.Annotate(err, "write transact payload")
		}
	}
	if flags&binder.TransactFlagOneway != 0 {
		return nil
	}

	replyBuf := make([]byte, commandHeaderSize)
	if err := conn.ReadFull(replyBuf); err != nil {
		return errors.Annotate(err, "read transact reply header")
	}
	replyHdr, err := unmarshalCommandHeader(replyBuf)
	if err != nil {
		return errors.Annotate(err, "parse transact reply header")
	}
	if replyHdr.Kind != cmdTransactReply || replyHdr.TxID != txID {
		return fmt.Errorf("wirestate: reply mismatch: kind=%d txid=%d, want kind=%d txid=%d", replyHdr.Kind, replyHdr.TxID, cmdTransactReply, txID)
	}
	payload := make([]byte, replyHdr.PayloadLen)
	if len(payload) > 0 {
		if err := conn.ReadFull(payload); err != nil {
			return errors.Annotate(err, "read transact reply payload")
		}
	}
	if reply != nil {
		*reply = payload
	}
	return nil
}

// SendDecStrong writes a fire-and-forget strong-reference decrement. It
// never reads a reply: the peer enqueues it in its own dec_strong drain
// queue and moves on.
func (h *Handler) SendDecStrong(ctx context.Context, conn *binder.Connection, sess *binder.Session, address binder.ObjectAddress) error {
	hdr := commandHeader{Kind: cmdDecStrong, Address: uint64(address)}
	if err := conn.WriteFull(hdr.marshal()); err != nil {
		return errors.Annotate(err, "write dec_strong")
	}
	return nil
}

// GetAndExecuteCommand reads one command off conn and executes it: a
// transact dispatches through the registry by code and, unless oneway,
// writes a matching reply; a dec_strong is appended to the drain queue.
// Returning a non-nil error stops the incoming worker's command loop
// (spec §4.G step 4).
func (h *Handler) GetAndExecuteCommand(ctx context.Context, conn *binder.Connection, sess *binder.Session, use binder.Use) error {
	hdrBuf := make([]byte, commandHeaderSize)
	if err := conn.ReadFull(hdrBuf); err != nil {
		return err
	}
	hdr, err := unmarshalCommandHeader(hdrBuf)
	if err != nil {
		return err
	}
	payload := make([]byte, hdr.PayloadLen)
	if hdr.PayloadLen > 0 {
		if err := conn.ReadFull(payload); err != nil {
			return err
		}
	}

	switch hdr.Kind {
	case cmdDecStrong:
		h.decMu.Lock()
		h.decQueue = append(h.decQueue, binder.ObjectAddress(hdr.Address))
		h.decMu.Unlock()
		return nil

	case cmdTransact:
		replyPayload, callErr := h.registry.invoke(ctx, hdr.Code, payload)
		if callErr != nil {
			replyPayload = []byte(callErr.Error())
		}
		if hdr.Flags&cmdFlagOneway != 0 {
			return nil
		}
		replyHdr := commandHeader{Kind: cmdTransactReply, TxID: hdr.TxID, PayloadLen: uint32(len(replyPayload))}
		if err := conn.WriteFull(replyHdr.marshal()); err != nil {
			return err
		}
		if len(replyPayload) > 0 {
			return conn.WriteFull(replyPayload)
		}
		return nil

	default:
		return fmt.Errorf("wirestate: unknown command kind %d", hdr.Kind)
	}
}

// Clear releases this Handler's resources. There is nothing to release
// beyond the drain queue, which DrainDecStrong already empties on read.
func (h *Handler) Clear(sess *binder.Session) error {
	return nil
}

// DrainDecStrong returns and clears every address queued by SendDecStrong
// on the peer that this Handler received, for tests and diagnostics.
func (h *Handler) DrainDecStrong() []binder.ObjectAddress {
	h.decMu.Lock()
	defer h.decMu.Unlock()
	drained := h.decQueue
	h.decQueue = nil
	return drained
}

// WriteSetupGreeting plays the peer's role during setup_client's steps
// 4–6 on connection #0: it writes the three fixed-width values
// ReadNewSessionResponse/GetMaxThreads/GetSessionID expect to read, in
// order. Test code (and cmd/binder-echo's loopback demo) calls this on the
// accepting end of a freshly paired transport before the client side's
// setupClient reaches those steps.
func WriteSetupGreeting(conn *binder.Connection, version uint32, remoteMaxThreads uint32, sessionID binder.SessionID) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, version)
	if err := conn.WriteFull(buf); err != nil {
		return errors.Annotate(err, "write protocol version")
	}
	binary.LittleEndian.PutUint32(buf, remoteMaxThreads)
	if err := conn.WriteFull(buf); err != nil {
		return errors.Annotate(err, "write remote max threads")
	}
	if err := conn.WriteFull(sessionID[:]); err != nil {
		return errors.Annotate(err, "write session id")
	}
	return nil
}
