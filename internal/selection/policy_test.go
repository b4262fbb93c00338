package selection

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/nodeswarm/peerd/core"
	"github.com/nodeswarm/peerd/internal/piecestore"
)

func newStore(t *testing.T, numPieces int) *piecestore.Store {
	t.Helper()
	data := make([]byte, numPieces*4)
	for i := range data {
		data[i] = byte(i)
	}
	d, err := core.BuildDescriptor("blob", data, 4, "http://tracker.example/announce")
	require.NoError(t, err)
	s, err := piecestore.Open(t.TempDir(), d)
	require.NoError(t, err)
	return s
}

func fullAvail(n int) *bitset.BitSet {
	b := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		b.Set(uint(i))
	}
	return b
}

func TestSelectPicksRarestPiece(t *testing.T) {
	require := require.New(t)

	s := newStore(t, 4)
	p := Policy{}

	rarity := map[int]int{0: 3, 1: 1, 2: 2, 3: 3}
	idx, ok := p.Select(s, fullAvail(4), nil, rarity, false)
	require.True(ok)
	require.Equal(1, idx)
}

func TestSelectSkipsRequestedAndExcludedOutsideEndGame(t *testing.T) {
	require := require.New(t)

	s := newStore(t, 3)
	require.True(s.TryMarkRequested(0, false))

	p := Policy{}
	excludeSet := map[int]bool{1: true}
	idx, ok := p.Select(s, fullAvail(3), excludeSet, map[int]int{0: 0, 1: 0, 2: 0}, false)
	require.True(ok)
	require.Equal(2, idx)
}

func TestSelectNoEligiblePieces(t *testing.T) {
	require := require.New(t)

	s := newStore(t, 1)
	p := Policy{}

	avail := bitset.New(1) // claims nothing.
	_, ok := p.Select(s, avail, nil, nil, false)
	require.False(ok)
}

func TestSelectEndGameIgnoresExcludeAndRequested(t *testing.T) {
	require := require.New(t)

	s := newStore(t, 2)
	require.True(s.TryMarkRequested(0, false))

	p := Policy{}
	excludeSet := map[int]bool{0: true}
	idx, ok := p.Select(s, fullAvail(2), excludeSet, map[int]int{0: 0, 1: 0}, true)
	require.True(ok)
	require.Contains([]int{0, 1}, idx)
}

func TestSelectSkipsVerifiedPieces(t *testing.T) {
	require := require.New(t)

	s := newStore(t, 1)
	require.True(s.TryMarkRequested(0, false))
	res, err := s.AcceptBlock(0, 0, []byte{0, 1, 2, 3})
	require.NoError(err)
	require.Equal(piecestore.PieceComplete, res)

	p := Policy{}
	_, ok := p.Select(s, fullAvail(1), nil, nil, false)
	require.False(ok)

	_, ok = p.Select(s, fullAvail(1), nil, nil, true)
	require.False(ok)
}

func TestSelectRarityFallbackUsesUniformRandom(t *testing.T) {
	require := require.New(t)

	s := newStore(t, 5)
	p := Policy{RarityFallback: true}

	idx, ok := p.Select(s, fullAvail(5), nil, nil, false)
	require.True(ok)
	require.GreaterOrEqual(idx, 0)
	require.Less(idx, 5)
}

func TestInEndGame(t *testing.T) {
	require := require.New(t)

	require.False(InEndGame(0.90, 5))
	require.True(InEndGame(0.95, 1))
	require.False(InEndGame(1.0, 0))
	require.True(InEndGame(1.0, 1))
}

func TestComputeRarity(t *testing.T) {
	require := require.New(t)

	a := bitset.New(4)
	a.Set(0)
	a.Set(2)

	b := bitset.New(4)
	b.Set(2)
	b.Set(3)

	rarity := ComputeRarity(4, []*bitset.BitSet{a, b})
	require.Equal(1, rarity[0])
	require.Equal(0, rarity[1])
	require.Equal(2, rarity[2])
	require.Equal(1, rarity[3])
}
