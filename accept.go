package binder

import "context"

// AcceptConnection builds a Transport around fd and dispatches it, the
// server-side counterpart to setup_client's connect_and_init:
//
//   - A header with RPCConnectionOptionIncoming set is one the peer opened
//     so that THIS session can call out on it (the peer will read commands
//     from it); this session admits it as one of its own outgoing
//     connections.
//   - Any other header is one the peer opened to send this session
//     commands on; this session admits it as incoming and spawns the
//     worker that serves it (spec §4.G). If it is also the peer's very
//     first connection (a zero session id), a fresh SessionID is minted
//     and the handshake reply is written before the worker is spawned.
//
// Driving accepted file descriptors into this method is an acceptor's job
// (spec §1's out-of-scope "server" collaborator); this module only
// supplies the header-dispatch logic, which is in scope because the
// header format itself is (spec §6.2).
func (s *Session) AcceptConnection(ctx context.Context, fd int) error {
	s.mu.Lock()
	trig := s.trig
	transportCtx := s.transportCtx
	s.mu.Unlock()
	if trig == nil {
		panic("binder: AcceptConnection called on a session with no shutdown trigger")
	}

	t, err := transportCtx.NewTransport(fd, trig)
	if err != nil {
		return NewStatusError(StatusUnknownError, err, "construct transport")
	}

	hdrBuf := make([]byte, connectionHeaderSize)
	if err := t.InterruptableReadFully(trig, hdrBuf); err != nil {
		_ = t.Close()
		return wrapTransportErr(err)
	}
	hdr, err := unmarshalConnectionHeader(hdrBuf)
	if err != nil {
		_ = t.Close()
		return NewStatusError(StatusBadValue, err, "parse connection header")
	}

	if hdr.incoming() {
		_, err := s.addOutgoing(t, trig, func(conn *Connection) error {
			if s.state == nil {
				return nil
			}
			return s.state.ReadConnectionInit(ctx, conn, s)
		})
		return err
	}

	firstConnection := hdr.SessionID.IsZero()
	tid := CallerID(s.anonCallerSeq.Add(1) | anonCallerIDBit)
	conn, err := s.addIncoming(t, trig, tid)
	if err != nil {
		_ = t.Close()
		return err
	}

	if s.state != nil {
		if err := s.state.ReadConnectionInit(ctx, conn, s); err != nil {
			s.removeIncoming(conn)
			_ = conn.close()
			return err
		}
	}

	if firstConnection {
		id, err := NewSessionID()
		if err != nil {
			s.removeIncoming(conn)
			_ = conn.close()
			return NewStatusError(StatusUnknownError, err, "generate session id")
		}
		s.mu.Lock()
		s.id = id
		s.hasID = true
		s.mu.Unlock()
		if s.state != nil {
			if err := s.state.SendNewSessionResponse(ctx, conn, s, id); err != nil {
				s.removeIncoming(conn)
				_ = conn.close()
				return err
			}
		}
	}

	// incomingWorkerBody (worker.go) reads ReadConnectionInit again as its
	// own first step; harmless for this reference state layer, whose
	// ReadConnectionInit never consumes wire bytes.
	s.spawnWorker(ctx, tid, conn)
	return nil
}
