package peersession

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/nodeswarm/peerd/core"
	"github.com/nodeswarm/peerd/internal/piecestore"
	"github.com/nodeswarm/peerd/internal/selection"
	"github.com/nodeswarm/peerd/internal/wire"
)

// fakeCoordinator is a minimal Coordinator for tests: no rarity data, no
// end-game, nothing excluded.
type fakeCoordinator struct {
	endGame bool
}

func (f *fakeCoordinator) Rarity() map[int]int                 { return nil }
func (f *fakeCoordinator) ExcludeSet(core.PeerID) map[int]bool { return nil }
func (f *fakeCoordinator) EndGame() bool                       { return f.endGame }

func newTestStore(t *testing.T, data []byte, pieceLength int64) *piecestore.Store {
	t.Helper()
	d, err := core.BuildDescriptor("blob.bin", data, pieceLength, "http://tracker.example/announce")
	require.NoError(t, err)
	s, err := piecestore.Open(t.TempDir(), d)
	require.NoError(t, err)
	return s
}

func testConfig() Config {
	return Config{
		MaxInFlight:       10,
		RequestTimeout:    time.Minute,
		KeepAliveInterval: time.Minute,
		IdleTimeout:       10 * time.Second,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		SendBufferSize:    64,
		MaxBlockLength:    131072,
	}
}

func newTestSession(t *testing.T, nc net.Conn, store *piecestore.Store, events chan Event) (*Session, core.PeerID, core.PeerID) {
	t.Helper()
	local, err := core.RandomPeerID()
	require.NoError(t, err)
	remote, err := core.RandomPeerID()
	require.NoError(t, err)

	s := New(
		nc, local, remote, core.Fingerprint{},
		store, selection.Policy{}, &fakeCoordinator{}, events,
		testConfig(), clock.New(), tally.NoopScope, zap.NewNop().Sugar(),
	)
	return s, local, remote
}

func TestSessionSendsBitfieldOnStart(t *testing.T) {
	require := require.New(t)

	data := []byte("0123456789abcdef") // 16 bytes, two 8-byte pieces.
	store := newTestStore(t, data, 8)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan Event, 8)
	s, _, _ := newTestSession(t, server, store, events)
	s.Start()
	defer s.Close(nil)

	m, err := wire.ReadMessageTimeout(client, time.Second)
	require.NoError(err)
	require.Equal(wire.Bitfield, m.ID)
}

func TestSessionBecomesInterestedOnHave(t *testing.T) {
	require := require.New(t)

	data := []byte("0123456789abcdef")
	store := newTestStore(t, data, 8)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan Event, 8)
	s, _, _ := newTestSession(t, server, store, events)
	s.Start()
	defer s.Close(nil)

	// Drain the initial bitfield.
	_, err := wire.ReadMessageTimeout(client, time.Second)
	require.NoError(err)

	require.NoError(wire.WriteMessageTimeout(client, wire.NewHaveMessage(0), time.Second))

	m, err := wire.ReadMessageTimeout(client, time.Second)
	require.NoError(err)
	require.Equal(wire.Interested, m.ID)
	require.True(s.amInterested.Load())
}

func TestSessionUnchokesOnInterested(t *testing.T) {
	require := require.New(t)

	data := []byte("01234567")
	store := newTestStore(t, data, 8)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan Event, 8)
	s, _, _ := newTestSession(t, server, store, events)
	s.Start()
	defer s.Close(nil)

	_, err := wire.ReadMessageTimeout(client, time.Second) // bitfield
	require.NoError(err)

	require.NoError(wire.WriteMessageTimeout(client, wire.NewInterestedMessage(), time.Second))

	m, err := wire.ReadMessageTimeout(client, time.Second)
	require.NoError(err)
	require.Equal(wire.Unchoke, m.ID)
	require.False(s.amChoking.Load())
	require.True(s.peerInterested.Load())
}

func TestSessionServesRequestWhenUnchokingAndVerified(t *testing.T) {
	require := require.New(t)

	data := []byte("01234567")
	store := newTestStore(t, data, 8)
	require.True(store.TryMarkRequested(0, false))
	res, err := store.AcceptBlock(0, 0, data)
	require.NoError(err)
	require.Equal(piecestore.PieceComplete, res)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan Event, 8)
	s, _, _ := newTestSession(t, server, store, events)
	s.amChoking.Store(false) // Simulate having already unchoked the peer.
	s.Start()
	defer s.Close(nil)

	_, err = wire.ReadMessageTimeout(client, time.Second) // bitfield
	require.NoError(err)

	require.NoError(wire.WriteMessageTimeout(client, wire.NewRequestMessage(0, 0, 8), time.Second))

	m, err := wire.ReadMessageTimeout(client, time.Second)
	require.NoError(err)
	require.Equal(wire.Piece, m.ID)
	idx, offset, block, err := m.PieceFields()
	require.NoError(err)
	require.Equal(0, idx)
	require.Equal(0, offset)
	require.Equal(data, block)
}

func TestSessionRequestLoopRequestsMissingPieceOnceUnchokedAndInterested(t *testing.T) {
	require := require.New(t)

	data := []byte("01234567") // single 8-byte piece.
	store := newTestStore(t, data, 8)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan Event, 8)
	s, _, _ := newTestSession(t, server, store, events)
	s.Start()
	defer s.Close(nil)

	_, err := wire.ReadMessageTimeout(client, time.Second) // bitfield

	require.NoError(wire.WriteMessageTimeout(client, wire.NewBitfieldMessage([]byte{0x80}), time.Second))
	m, err := wire.ReadMessageTimeout(client, time.Second) // interested, sent since piece 0 is needed
	require.NoError(err)
	require.Equal(wire.Interested, m.ID)

	require.NoError(wire.WriteMessageTimeout(client, wire.NewUnchokeMessage(), time.Second))

	m, err = wire.ReadMessageTimeout(client, 2*time.Second)
	require.NoError(err)
	require.Equal(wire.Request, m.ID)
	idx, offset, length, err := m.RequestFields()
	require.NoError(err)
	require.Equal(0, idx)
	require.Equal(0, offset)
	require.Equal(8, length)
	require.Equal(piecestore.Requested, store.State(0))
}

func TestSessionPieceCompleteEmitsEvent(t *testing.T) {
	require := require.New(t)

	data := []byte("01234567")
	store := newTestStore(t, data, 8)
	require.True(store.TryMarkRequested(0, false))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan Event, 8)
	s, _, remote := newTestSession(t, server, store, events)
	s.Start()
	defer s.Close(nil)

	_, err := wire.ReadMessageTimeout(client, time.Second) // bitfield
	require.NoError(err)

	require.NoError(wire.WriteMessageTimeout(client, wire.NewPieceMessage(0, 0, data), time.Second))

	select {
	case ev := <-events:
		pc, ok := ev.(PieceCompleteEvent)
		require.True(ok)
		require.Equal(0, pc.Index)
		require.Equal(remote, pc.PeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PieceCompleteEvent")
	}
	require.True(store.Has(0))
}

func TestSessionChokeCancelsPending(t *testing.T) {
	require := require.New(t)

	data := []byte("0123456789abcdef0123456789abcdef") // two 16-byte pieces, one block each.
	store := newTestStore(t, data, 16)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan Event, 8)
	s, _, _ := newTestSession(t, server, store, events)
	s.amInterested.Store(true)
	s.peerChoking.Store(false)
	s.Start()
	defer s.Close(nil)

	_, err := wire.ReadMessageTimeout(client, time.Second) // bitfield
	require.NoError(err)

	// Announce full availability so the selection policy has a candidate.
	require.NoError(wire.WriteMessageTimeout(client, wire.NewBitfieldMessage([]byte{0xc0}), time.Second))

	// Wait for the request loop to pick up and issue requests.
	_, err = wire.ReadMessageTimeout(client, 2*time.Second)
	require.NoError(err)

	require.NoError(wire.WriteMessageTimeout(client, wire.NewChokeMessage(), time.Second))

	require.Eventually(func() bool {
		return s.inFlightCount() == 0
	}, time.Second, 10*time.Millisecond)

	// Choke must roll the pieces it had outstanding requests for back to
	// Missing, not just drop them from the session's own pending map —
	// otherwise Policy.Select skips them forever (Requested, non-end-game)
	// and the download can never reach 1.0.
	require.Equal(piecestore.Missing, store.State(0))
	require.Equal(piecestore.Missing, store.State(1))
}

func TestSessionCloseIsIdempotentAndEmitsClosedEvent(t *testing.T) {
	require := require.New(t)

	data := []byte("01234567")
	store := newTestStore(t, data, 8)

	client, server := net.Pipe()
	defer client.Close()

	events := make(chan Event, 8)
	s, _, remote := newTestSession(t, server, store, events)
	s.Start()

	s.Close(nil)
	s.Close(nil) // Must not panic or double-send.

	select {
	case ev := <-events:
		ce, ok := ev.(ClosedEvent)
		require.True(ok)
		require.Equal(remote, ce.PeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ClosedEvent")
	}
	require.Equal(Closed, s.State())
}
