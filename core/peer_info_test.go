package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPeerContext(t *testing.T) {
	require := require.New(t)

	p, err := NewPeerContext(RandomPeerIDFactory, "10.0.0.1", 9999)
	require.NoError(err)
	require.Equal("10.0.0.1", p.IP)
	require.Equal(9999, p.Port)
}

func TestNewPeerContextErrors(t *testing.T) {
	t.Run("empty ip", func(t *testing.T) {
		require := require.New(t)
		_, err := NewPeerContext(RandomPeerIDFactory, "", 9999)
		require.Equal(errNoIP, err)
	})

	t.Run("zero port", func(t *testing.T) {
		require := require.New(t)
		_, err := NewPeerContext(RandomPeerIDFactory, "10.0.0.1", 0)
		require.Equal(errNoPort, err)
	})

	t.Run("invalid factory", func(t *testing.T) {
		require := require.New(t)
		_, err := NewPeerContext(PeerIDFactory("bogus"), "10.0.0.1", 9999)
		require.Error(err)
	})
}

func TestSortedByPeerID(t *testing.T) {
	require := require.New(t)

	var a, b, c PeerID
	a[0], b[0], c[0] = 0x03, 0x01, 0x02

	peers := []*PeerInfo{
		NewPeerInfo(a, "10.0.0.3", 1),
		NewPeerInfo(b, "10.0.0.1", 1),
		NewPeerInfo(c, "10.0.0.2", 1),
	}

	sorted := SortedByPeerID(peers)
	require.Equal(b, sorted[0].PeerID)
	require.Equal(c, sorted[1].PeerID)
	require.Equal(a, sorted[2].PeerID)

	// Original slice is untouched.
	require.Equal(a, peers[0].PeerID)
}
