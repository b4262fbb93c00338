package wire

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nodeswarm/peerd/core"
)

// protocolName is the fixed pstr of the classic BitTorrent peer protocol
// handshake, per spec.md §4.1.
const protocolName = "BitTorrent protocol"

// handshakeLen is the total length of the fixed handshake frame:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (fingerprint) + 20 (peer id).
const handshakeLen = 1 + 19 + 8 + 20 + 20

// Handshake is the fixed-size frame exchanged before any length-prefixed
// message, identifying the swarm (by content Fingerprint) and the remote
// peer.
type Handshake struct {
	Fingerprint core.Fingerprint
	PeerID      core.PeerID
}

// Write serializes h to nc as the 68-byte handshake frame.
func (h Handshake) Write(nc net.Conn) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(protocolName)))
	buf.WriteString(protocolName)
	buf.Write(make([]byte, 8)) // reserved bytes, all zero: no extensions.
	buf.Write(h.Fingerprint.Bytes())
	buf.Write(h.PeerID.Bytes())
	if buf.Len() != handshakeLen {
		return fmt.Errorf("invariant violation: handshake frame is %d bytes, want %d", buf.Len(), handshakeLen)
	}
	_, err := nc.Write(buf.Bytes())
	return err
}

// WriteTimeout writes h to nc, failing if the write deadline elapses.
func (h Handshake) WriteTimeout(nc net.Conn, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return h.Write(nc)
}

// ReadHandshake reads and parses a handshake frame from nc.
func ReadHandshake(nc net.Conn) (Handshake, error) {
	header := make([]byte, 1+19+8)
	if _, err := io.ReadFull(nc, header); err != nil {
		return Handshake{}, fmt.Errorf("read header: %s", err)
	}
	pstrlen := int(header[0])
	if pstrlen != len(protocolName) {
		return Handshake{}, protoErrf("unexpected pstrlen %d", pstrlen)
	}
	pstr := string(header[1 : 1+pstrlen])
	if pstr != protocolName {
		return Handshake{}, protoErrf("unexpected protocol name %q", pstr)
	}

	rest := make([]byte, 20+20)
	if _, err := io.ReadFull(nc, rest); err != nil {
		return Handshake{}, fmt.Errorf("read fingerprint/peer id: %s", err)
	}
	fp, err := core.NewFingerprintFromBytesExact(rest[:20])
	if err != nil {
		return Handshake{}, fmt.Errorf("fingerprint: %s", err)
	}
	peerID, err := core.NewPeerIDFromBytes(rest[20:])
	if err != nil {
		return Handshake{}, fmt.Errorf("peer id: %s", err)
	}
	return Handshake{Fingerprint: fp, PeerID: peerID}, nil
}

// ReadHandshakeTimeout reads a handshake frame from nc, failing if the read
// deadline elapses.
func ReadHandshakeTimeout(nc net.Conn, timeout time.Duration) (Handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("set read deadline: %s", err)
	}
	return ReadHandshake(nc)
}
