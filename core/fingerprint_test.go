package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintHexRoundTrip(t *testing.T) {
	require := require.New(t)

	f1 := NewFingerprintFromBytes([]byte("some descriptor body"))

	f2, err := NewFingerprintFromHex(f1.Hex())
	require.NoError(err)
	require.Equal(f1, f2)
}

func TestFingerprintFromBytesIsDeterministic(t *testing.T) {
	require := require.New(t)

	body := []byte(`{"name":"foo"}`)
	require.Equal(NewFingerprintFromBytes(body), NewFingerprintFromBytes(body))
}

func TestNewFingerprintFromHexInvalidLength(t *testing.T) {
	require := require.New(t)

	_, err := NewFingerprintFromHex("abcd")
	require.Error(err)
}

func TestNewFingerprintFromBytesExact(t *testing.T) {
	require := require.New(t)

	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = byte(i)
	}
	f, err := NewFingerprintFromBytesExact(raw)
	require.NoError(err)
	require.Equal(raw, f.Bytes())

	_, err = NewFingerprintFromBytesExact(raw[:10])
	require.Error(err)
}

func TestPieceHashEqual(t *testing.T) {
	require := require.New(t)

	h1 := NewPieceHash([]byte("piece bytes"))
	h2 := NewPieceHash([]byte("piece bytes"))
	h3 := NewPieceHash([]byte("different bytes"))

	require.True(h1.Equal(h2))
	require.False(h1.Equal(h3))
}

func TestPieceHashHexRoundTrip(t *testing.T) {
	require := require.New(t)

	h1 := NewPieceHash([]byte("piece bytes"))
	h2, err := NewPieceHashFromHex(h1.Hex())
	require.NoError(err)
	require.Equal(h1, h2)
}

func TestNewSHA1Hasher(t *testing.T) {
	require := require.New(t)

	h := NewSHA1Hasher()
	h.Write([]byte("piece bytes"))
	require.Equal(NewPieceHash([]byte("piece bytes")).Bytes(), h.Sum(nil))
}
