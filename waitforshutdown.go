package binder

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
)

var shutdownLogger = loggo.GetLogger("binder.shutdown")

// shutdownTickInterval is the 1s logging cadence spec §4.H describes for
// shutdown_and_wait(true).
const shutdownTickInterval = time.Second

// WaitForShutdown is the EventListener a client session installs on
// itself during SetupClient. It lets ShutdownAndWait(true) block until
// every incoming worker has drained, logging a line once per tick when
// there has been no progress.
type WaitForShutdown struct {
	clock    clock.Clock
	sessUUID string

	mu       sync.Mutex
	done     bool
	doneCh   chan struct{}
	progress chan struct{}
}

// NewWaitForShutdown constructs a listener bound to clk (clock.WallClock
// in production; a test can pass a testclock.Clock).
func NewWaitForShutdown(clk clock.Clock, sessUUID string) *WaitForShutdown {
	return &WaitForShutdown{
		clock:    clk,
		sessUUID: sessUUID,
		doneCh:   make(chan struct{}),
		progress: make(chan struct{}, 1),
	}
}

// OnSessionAllIncomingThreadsEnded fires once, when the incoming list
// drains to empty.
func (w *WaitForShutdown) OnSessionAllIncomingThreadsEnded() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	close(w.doneCh)
}

// OnSessionIncomingThreadEnded fires after every worker exit, including
// the last, and wakes Wait early so it can re-check remaining() without
// waiting out the rest of the current tick.
func (w *WaitForShutdown) OnSessionIncomingThreadEnded() {
	select {
	case w.progress <- struct{}{}:
	default:
	}
}

// Wait blocks until OnSessionAllIncomingThreadsEnded has fired, logging a
// line via remaining() every shutdownTickInterval with no progress.
func (w *WaitForShutdown) Wait(remaining func() int) {
	for {
		select {
		case <-w.doneCh:
			return
		case <-w.progress:
			continue
		case <-w.clock.After(shutdownTickInterval):
			if n := remaining(); n > 0 {
				shutdownLogger.Infof("session %s: still waiting for %d incoming worker(s) to drain", w.sessUUID, n)
			}
		}
	}
}
