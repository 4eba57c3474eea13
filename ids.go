package binder

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SessionIDSize is the fixed width of a peer-assigned session identifier
// (spec §3, §6.2).
const SessionIDSize = 32

// SessionID is the 32-byte opaque identity a peer assigns during the
// handshake. The zero value (ZeroSessionID) is valid only in the very
// first outgoing connection of a client, before the peer has assigned a
// real one.
type SessionID [SessionIDSize]byte

// ZeroSessionID is the "no id yet" sentinel sent on a client's very first
// outgoing connection.
var ZeroSessionID SessionID

// IsZero reports whether id is the all-zero sentinel.
func (id SessionID) IsZero() bool {
	return id == ZeroSessionID
}

func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// NewSessionID fills a SessionID with cryptographically random bytes. It is
// used by a server-adopted session's AcceptConnection, which mints the id
// itself on a peer's first connection rather than receiving one over the
// wire the way a client does. crypto/rand is used
// deliberately here rather than an ID library from the retrieval pack: the
// field is a fixed 32-byte opaque blob, not a structured identifier, and no
// ID-generation dependency in the pack produces one directly (see
// DESIGN.md).
func NewSessionID() (SessionID, error) {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("binder: generate session id: %w", err)
	}
	return id, nil
}

// ObjectAddress identifies a remote binder object within a session. The
// root object of a session is always address zero.
type ObjectAddress uint64

// RootObjectAddress is the well-known address of a session's root object.
const RootObjectAddress ObjectAddress = 0
