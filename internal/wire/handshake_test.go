package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeswarm/peerd/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	peerID, err := core.RandomPeerID()
	require.NoError(err)
	fp := core.NewFingerprintFromBytes([]byte("some descriptor body"))

	h := Handshake{Fingerprint: fp, PeerID: peerID}

	client, server := pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() { errc <- h.Write(client) }()

	got, err := ReadHandshake(server)
	require.NoError(err)
	require.NoError(<-errc)

	require.Equal(h.Fingerprint, got.Fingerprint)
	require.Equal(h.PeerID, got.PeerID)
}

func TestReadHandshakeRejectsWrongProtocol(t *testing.T) {
	require := require.New(t)
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		bad := make([]byte, 0, handshakeLen)
		bad = append(bad, byte(len("bogus protocol")))
		bad = append(bad, []byte("bogus protocol")...)
		bad = append(bad, make([]byte, 8+20+20)...)
		client.Write(bad)
	}()

	_, err := ReadHandshake(server)
	require.Error(err)
}

func TestHandshakeTimeout(t *testing.T) {
	require := require.New(t)
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	_, err := ReadHandshakeTimeout(server, 10*time.Millisecond)
	require.Error(err)
}
