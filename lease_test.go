package binder

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareSession(t *testing.T, maxThreads int) *Session {
	s := newSession()
	s.SetMaxThreads(maxThreads)
	return s
}

func withOutgoingConnections(s *Session, n int) []*Connection {
	conns := make([]*Connection, n)
	for i := range conns {
		conns[i] = newConnection(nil, nil, false)
		s.outgoing = append(s.outgoing, conns[i])
	}
	return conns
}

func TestLeaseFailsWithWouldBlockOnEmptyOutgoing(t *testing.T) {
	s := newBareSession(t, 1)
	_, err := s.Lease(context.Background(), UseClient)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestLeaseGrantsAnAvailableOutgoingConnection(t *testing.T) {
	s := newBareSession(t, 1)
	conns := withOutgoingConnections(s, 2)

	lease, err := s.Lease(context.Background(), UseClient)
	require.NoError(t, err)
	assert.False(t, lease.Reentrant())
	assert.Contains(t, conns, lease.Connection())
	lease.Release()
}

func TestLeaseIsReentrantForTheSameCallerID(t *testing.T) {
	s := newBareSession(t, 1)
	withOutgoingConnections(s, 1)
	ctx := WithCallerID(context.Background(), CallerID(42))

	outer, err := s.Lease(ctx, UseClient)
	require.NoError(t, err)

	inner, err := s.Lease(ctx, UseClient)
	require.NoError(t, err)
	assert.True(t, inner.Reentrant())
	assert.Same(t, outer.Connection(), inner.Connection())

	// The inner release is a no-op; only the outer frame actually frees
	// the connection (spec §4.E "Release").
	inner.Release()
	s.mu.Lock()
	held := outer.Connection().held
	s.mu.Unlock()
	assert.True(t, held)

	outer.Release()
	s.mu.Lock()
	held = outer.Connection().held
	s.mu.Unlock()
	assert.False(t, held)
}

func TestLeaseBlocksUntilAConnectionIsReleased(t *testing.T) {
	s := newBareSession(t, 1)
	withOutgoingConnections(s, 1)
	ctxA := WithCallerID(context.Background(), CallerID(1))
	ctxB := WithCallerID(context.Background(), CallerID(2))

	first, err := s.Lease(ctxA, UseClient)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	secondGranted := make(chan struct{})
	go func() {
		defer wg.Done()
		second, err := s.Lease(ctxB, UseClient)
		assert.NoError(t, err)
		close(secondGranted)
		second.Release()
	}()

	first.Release()
	wg.Wait()
	<-secondGranted
}

func TestLeaseUseClientRefcountPiggybacksOnHeldIncoming(t *testing.T) {
	s := newBareSession(t, 1)
	// No outgoing connections at all: a dec_strong call issued from inside
	// an incoming worker's own command loop must still succeed by reusing
	// the incoming connection that worker already holds (spec §4.E step 4
	// rationale), rather than failing WouldBlock.
	tid := CallerID(7)
	incomingConn := newConnection(nil, nil, true)
	incomingConn.held = true
	incomingConn.exclusiveTID = tid
	s.incoming = append(s.incoming, incomingConn)

	ctx := WithCallerID(context.Background(), tid)
	lease, err := s.Lease(ctx, UseClientRefcount)
	require.NoError(t, err)
	assert.Same(t, incomingConn, lease.Connection())
}

// TestLeaseUseClientAsyncRotatesOverEveryOutgoingConnection is spec §8
// invariant 7: issuing 2*N CLIENT_ASYNC leases across a pool of N outgoing
// connections must visit each connection at least once. N == 1 is included
// explicitly to cover the degenerate case where outgoingOffset's modulo
// arithmetic collapses to a no-op.
func TestLeaseUseClientAsyncRotatesOverEveryOutgoingConnection(t *testing.T) {
	for _, n := range []int{1, 3} {
		s := newBareSession(t, 1)
		conns := withOutgoingConnections(s, n)

		visited := make(map[*Connection]int)
		for i := 0; i < 2*n; i++ {
			ctx := WithCallerID(context.Background(), CallerID(1000+i))
			lease, err := s.Lease(ctx, UseClientAsync)
			require.NoError(t, err)
			visited[lease.Connection()]++
			lease.Release()
		}

		for _, c := range conns {
			assert.GreaterOrEqual(t, visited[c], 1, "connection never visited across 2*N CLIENT_ASYNC leases (N=%d)", n)
		}
	}
}

func TestLeaseUseClientAsyncNeverConsultsIncoming(t *testing.T) {
	s := newBareSession(t, 1)
	tid := CallerID(7)
	incomingConn := newConnection(nil, nil, true)
	incomingConn.held = true
	incomingConn.exclusiveTID = tid
	s.incoming = append(s.incoming, incomingConn)
	withOutgoingConnections(s, 1)

	ctx := WithCallerID(context.Background(), tid)
	lease, err := s.Lease(ctx, UseClientAsync)
	require.NoError(t, err)
	assert.NotSame(t, incomingConn, lease.Connection())
}
