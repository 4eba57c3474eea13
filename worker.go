package binder

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/cobaltrpc/binder/transport"
)

var workerLogger = loggo.GetLogger("binder.worker")

// workerHandle is this incoming worker's entry in the session's
// self-owned worker map (spec §9 "Thread self-ownership"): spawnWorker
// registers it just before starting the worker goroutine, and that worker
// removes it on exit. No other goroutine ever joins it.
type workerHandle struct {
	conn *Connection
}

// SpawnIncomingWorker starts the per-incoming-connection worker described
// by spec §4.G. It registers the worker in the session's worker map before
// starting its goroutine (the "pre_join_thread_ownership" handoff, step 1),
// so that by the time this function returns, callers may safely assume
// the worker owns its own lifecycle. Admission failure (the pool is full,
// or this is a late joiner after shrinkage — spec §4.D) is reported
// through the returned error without spawning a goroutine at all.
func (s *Session) SpawnIncomingWorker(ctx context.Context, t transport.Transport) error {
	tid := CallerID(s.anonCallerSeq.Add(1) | anonCallerIDBit)

	// The original's threadStartFunc always spawns the OS thread and only
	// skips its command loop on a rejected connection, so the "incoming
	// thread ended" bookkeeping still runs for every attempt. Here a
	// rejected connection never reaches spawnWorker at all, so neither
	// OnSessionIncomingThreadEnded nor OnSessionAllIncomingThreadsEnded
	// fires for it. This is harmless: a connection addIncoming rejects was
	// never added to s.incoming, so it was never counted toward "all
	// incoming ended" in the first place, and removeIncoming's drain
	// condition only watches connections that were actually admitted.
	conn, err := s.addIncoming(t, s.trig, tid)
	if err != nil {
		workerLogger.Debugf("session %s: admission failed: %v", s.uuid, err)
		_ = t.Close()
		return err
	}

	s.spawnWorker(ctx, tid, conn)
	return nil
}

// spawnWorker performs the handoff spec §4.G step 1 describes: the entry is
// visible in the worker map before the goroutine that owns it is even
// started, so nothing can observe a running worker without also observing
// it registered. Shared by SpawnIncomingWorker (peer-initiated incoming
// connections) and setup.go's fan-out (self-dialed incoming connections
// opened during setup_client).
func (s *Session) spawnWorker(ctx context.Context, tid CallerID, conn *Connection) {
	s.mu.Lock()
	s.workers[tid] = &workerHandle{conn: conn}
	s.mu.Unlock()

	go s.runIncomingWorker(ctx, tid, conn)
}

func (s *Session) runIncomingWorker(ctx context.Context, tid CallerID, conn *Connection) {
	ctx = WithCallerID(ctx, tid)

	status := s.incomingWorkerBody(ctx, conn)

	s.mu.Lock()
	delete(s.workers, tid)
	conn.held = false
	conn.exclusiveTID = 0
	listener := s.listener
	s.mu.Unlock()

	s.removeIncoming(conn)
	_ = conn.close()

	if listener != nil {
		listener.OnSessionIncomingThreadEnded()
	}

	if status != nil {
		workerLogger.Debugf("session %s: incoming worker exited: %v", s.uuid, status)
	}
}

// incomingWorkerBody runs steps 2–4 of spec §4.G: the state-layer
// connection-init read, an optional host-runtime attach (not modeled in
// this build — no collaborator of that shape appears anywhere in the
// retrieval pack, see DESIGN.md), and the command loop.
func (s *Session) incomingWorkerBody(ctx context.Context, conn *Connection) error {
	if s.state == nil {
		return NewStatusError(StatusInvalidOperation, nil, "no state layer configured")
	}
	if err := s.state.ReadConnectionInit(ctx, conn, s); err != nil {
		return errors.Annotate(err, "read connection init")
	}
	for {
		if err := s.state.GetAndExecuteCommand(ctx, conn, s, AnyUse); err != nil {
			return err
		}
	}
}
