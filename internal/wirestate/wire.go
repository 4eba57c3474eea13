package wirestate

import (
	"encoding/binary"
	"fmt"
)

// commandKind distinguishes the three wire commands this reference state
// layer exchanges once a connection is past its setup handshake. Ordinary
// transact pairs a request with exactly one reply on the same connection;
// dec_strong is fire-and-forget (spec §4.E step 4's rationale for why it
// must never block on an outgoing slot).
type commandKind byte

const (
	cmdTransact commandKind = 1 + iota
	cmdTransactReply
	cmdDecStrong
)

// cmdFlagOneway mirrors binder.TransactFlagOneway on the wire: set, the
// peer executes the registered handler but never writes a reply.
const cmdFlagOneway uint32 = 1 << 0

// commandHeaderSize: 1 (kind) + 4 (flags) + 8 (address) + 4 (code) + 8 (txid) + 4 (payload length).
const commandHeaderSize = 1 + 4 + 8 + 4 + 8 + 4

type commandHeader struct {
	Kind       commandKind
	Flags      uint32
	Address    uint64
	Code       uint32
	TxID       uint64
	PayloadLen uint32
}

func (h commandHeader) marshal() []byte {
	buf := make([]byte, commandHeaderSize)
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], h.Flags)
	binary.LittleEndian.PutUint64(buf[5:13], h.Address)
	binary.LittleEndian.PutUint32(buf[13:17], h.Code)
	binary.LittleEndian.PutUint64(buf[17:25], h.TxID)
	binary.LittleEndian.PutUint32(buf[25:29], h.PayloadLen)
	return buf
}

func unmarshalCommandHeader(buf []byte) (commandHeader, error) {
	var h commandHeader
	if len(buf) != commandHeaderSize {
		return h, fmt.Errorf("wirestate: command header is %d bytes, want %d", len(buf), commandHeaderSize)
	}
	h.Kind = commandKind(buf[0])
	h.Flags = binary.LittleEndian.Uint32(buf[1:5])
	h.Address = binary.LittleEndian.Uint64(buf[5:13])
	h.Code = binary.LittleEndian.Uint32(buf[13:17])
	h.TxID = binary.LittleEndian.Uint64(buf[17:25])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[25:29])
	return h, nil
}
