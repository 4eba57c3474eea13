package binder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/cobaltrpc/binder"
	"github.com/cobaltrpc/binder/internal/wirestate"
	"github.com/cobaltrpc/binder/transport"
	"github.com/cobaltrpc/binder/trigger"
)

// fakeState is a minimal State good enough to run setup_client against a
// peer that only ever plays the acceptor role (see acceptOnce below); it
// never needs to execute a real command.
type fakeState struct {
	version       uint32
	maxThreads    int
	sessionID     SessionID
	initsObserved int
}

func (f *fakeState) GetRootObject(context.Context, *Connection, *Session) (ObjectAddress, error) {
	return RootObjectAddress, nil
}

func (f *fakeState) GetMaxThreads(ctx context.Context, conn *Connection, sess *Session) (int, error) {
	return f.maxThreads, nil
}

func (f *fakeState) GetSessionID(ctx context.Context, conn *Connection, sess *Session) (SessionID, error) {
	return f.sessionID, nil
}

func (f *fakeState) ReadNewSessionResponse(ctx context.Context, conn *Connection, sess *Session) (uint32, error) {
	return f.version, nil
}

func (f *fakeState) SendNewSessionResponse(ctx context.Context, conn *Connection, sess *Session, id SessionID) error {
	return nil
}

func (f *fakeState) SendConnectionInit(ctx context.Context, conn *Connection, sess *Session) error {
	return nil
}

func (f *fakeState) ReadConnectionInit(ctx context.Context, conn *Connection, sess *Session) error {
	f.initsObserved++
	return nil
}

func (f *fakeState) GetAndExecuteCommand(ctx context.Context, conn *Connection, sess *Session, use Use) error {
	// The test never sends a real command down this connection; blocking
	// here until ctx is cancelled stands in for the real worker loop, which
	// stays blocked in a read until the shutdown trigger fires.
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeState) Transact(context.Context, *Connection, *Session, ObjectAddress, uint32, []byte, *[]byte, TransactFlags) error {
	return NewStatusError(StatusInvalidOperation, nil, "not exercised by this test")
}

func (f *fakeState) SendDecStrong(context.Context, *Connection, *Session, ObjectAddress) error {
	return nil
}

func (f *fakeState) Clear(*Session) error { return nil }

// acceptOnce plays the peer side of setup_client's connection #0 exchange
// directly over a raw descriptor: read the connection header, then write
// the fixed greeting setup_client's three withLease reads expect.
func acceptOnce(t *testing.T, fd int) {
	t.Helper()
	trig, err := trigger.New()
	require.NoError(t, err)
	defer trig.Close()

	transportCtx := transport.RawContext{}
	tr, err := transportCtx.NewTransport(fd, trig)
	require.NoError(t, err)

	hdrBuf := make([]byte, ConnectionHeaderSizeForTest)
	require.NoError(t, tr.InterruptableReadFully(trig, hdrBuf))

	conn := NewConnectionForTest(tr, trig, false)
	require.NoError(t, wirestate.WriteSetupGreeting(conn, RPCWireProtocolVersion, 1, SessionID{0xAB}))
}

func TestSetupPreconnectedClientSingleThreadedHappyPath(t *testing.T) {
	accepted := make(chan int, 1)
	factory := func() (int, error) {
		a, b, err := transport.NewFDPair()
		require.NoError(t, err)
		accepted <- b
		return a, nil
	}

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		acceptOnce(t, <-accepted)
	}()

	s := NewClientSession(WithState(&fakeState{version: RPCWireProtocolVersion, maxThreads: 1, sessionID: SessionID{0xAB}}))
	s.SetMaxThreads(0) // no incoming connections to open for this test

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.SetupPreconnectedClient(ctx, factory)
	require.NoError(t, err)

	select {
	case <-acceptDone:
	case <-time.After(2 * time.Second):
		t.Fatal("peer-side accept never completed")
	}

	assert.Equal(t, 1, s.OutgoingCount())
	id, ok := s.SessionID()
	assert.True(t, ok)
	assert.Equal(t, SessionID{0xAB}, id)
}

func TestSetupPreconnectedClientRejectsSecondCall(t *testing.T) {
	s := NewClientSession(WithState(&fakeState{}))
	s.AppendOutgoingForTest(NewConnectionForTest(nil, nil, false))

	assert.Panics(t, func() {
		_ = s.SetupClientForTest(context.Background(), nil)
	})
}
