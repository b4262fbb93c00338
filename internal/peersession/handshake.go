// Package peersession implements the Peer Session component of spec.md
// §4.4: one goroutine group per remote peer, the choke/interest state
// machine, and block request/response handling against a shared Piece
// Store.
//
// The overall shape — a dedicated writer goroutine draining a buffered
// send channel so no other goroutine ever touches the socket directly, a
// done channel plus sync.WaitGroup for shutdown, atomic flags for
// cross-goroutine state — is grounded on
// lib/torrent/scheduler/conn/conn.go in the teacher repository. The
// handshake Dial/Accept split mirrors
// lib/torrent/scheduler/conn/handshaker.go's Initialize/Accept/Establish
// trio, adapted to the spec's literal BitTorrent handshake frame instead
// of the teacher's protobuf-negotiated one.
package peersession

import (
	"fmt"
	"net"
	"time"

	"github.com/nodeswarm/peerd/core"
	"github.com/nodeswarm/peerd/internal/wire"
)

// HandshakeError wraps any failure during the handshake exchange.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake error: %s", e.Reason)
}

// DefaultHandshakeTimeout is the deadline for the handshake exchange, per
// spec.md §4.4 ("receive handshake with a 10-second deadline").
const DefaultHandshakeTimeout = 10 * time.Second

// Dial opens a TCP connection to addr and performs the outbound half of
// the handshake: send ours, then read and validate theirs. Only the
// fingerprint is validated; the remote peer id is returned in the
// handshake as-is and is never a reason to fail, per spec.md §4.1.
func Dial(
	addr string,
	localPeerID core.PeerID,
	fingerprint core.Fingerprint,
	timeout time.Duration) (net.Conn, wire.Handshake, error) {

	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, wire.Handshake{}, &HandshakeError{Reason: fmt.Sprintf("dial: %s", err)}
	}

	ours := wire.Handshake{Fingerprint: fingerprint, PeerID: localPeerID}
	if err := ours.WriteTimeout(nc, timeout); err != nil {
		nc.Close()
		return nil, wire.Handshake{}, &HandshakeError{Reason: fmt.Sprintf("send handshake: %s", err)}
	}

	theirs, err := wire.ReadHandshakeTimeout(nc, timeout)
	if err != nil {
		nc.Close()
		return nil, wire.Handshake{}, &HandshakeError{Reason: fmt.Sprintf("read handshake: %s", err)}
	}
	if theirs.Fingerprint != fingerprint {
		nc.Close()
		return nil, wire.Handshake{}, &HandshakeError{Reason: "fingerprint mismatch"}
	}

	return nc, theirs, nil
}

// AcceptHandshake reads the inbound half of the handshake from an already
//-accepted socket. The caller is responsible for looking up, by the
// returned Fingerprint, which torrent (if any) this engine owns before
// calling CompleteAccept; an unrecognized fingerprint must close nc
// without responding, per spec.md §4.5.
func AcceptHandshake(nc net.Conn, timeout time.Duration) (wire.Handshake, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hs, err := wire.ReadHandshakeTimeout(nc, timeout)
	if err != nil {
		return wire.Handshake{}, &HandshakeError{Reason: fmt.Sprintf("read handshake: %s", err)}
	}
	return hs, nil
}

// CompleteAccept sends our half of the handshake back to an inbound peer
// once the local fingerprint has been confirmed to match a known torrent.
func CompleteAccept(nc net.Conn, localPeerID core.PeerID, fingerprint core.Fingerprint, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ours := wire.Handshake{Fingerprint: fingerprint, PeerID: localPeerID}
	if err := ours.WriteTimeout(nc, timeout); err != nil {
		return &HandshakeError{Reason: fmt.Sprintf("send handshake: %s", err)}
	}
	return nil
}
