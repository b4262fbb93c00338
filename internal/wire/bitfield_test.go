package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func TestEncodeDecodeBitfieldRoundTrip(t *testing.T) {
	require := require.New(t)

	const numPieces = 10
	bs := bitset.New(numPieces)
	bs.Set(0)
	bs.Set(1)
	bs.Set(9)

	encoded := EncodeBitfield(bs, numPieces)
	require.Equal([]byte{0xc0, 0x40}, encoded)

	decoded, err := DecodeBitfield(encoded, numPieces)
	require.NoError(err)
	for i := uint(0); i < numPieces; i++ {
		require.Equal(bs.Test(i), decoded.Test(i), "bit %d", i)
	}
}

func TestDecodeBitfieldRejectsSetSpareBit(t *testing.T) {
	require := require.New(t)
	_, err := DecodeBitfield([]byte{0xff, 0xff}, 10)
	require.Error(err)
}

func TestDecodeBitfieldRejectsWrongLength(t *testing.T) {
	require := require.New(t)
	_, err := DecodeBitfield([]byte{0xff}, 10)
	require.Error(err)
}
