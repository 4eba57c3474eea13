package binder

import (
	"context"

	"github.com/cobaltrpc/binder/address"
	"github.com/cobaltrpc/binder/transport"
	"github.com/cobaltrpc/binder/trigger"
)

// The identifiers below exist only for setup_test.go, which lives in the
// binder_test package (so it can import internal/wirestate, which itself
// imports binder — package binder's own tests can't take that import
// without creating the cycle Go's test tool refuses to build).

const ConnectionHeaderSizeForTest = connectionHeaderSize

func NewConnectionForTest(t transport.Transport, trig *trigger.Trigger, incoming bool) *Connection {
	return newConnection(t, trig, incoming)
}

func (s *Session) AppendOutgoingForTest(c *Connection) {
	s.outgoing = append(s.outgoing, c)
}

func (s *Session) SetupClientForTest(ctx context.Context, addr address.Address) error {
	return s.setupClient(ctx, addr)
}
