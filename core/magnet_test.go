package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMagnetFull(t *testing.T) {
	require := require.New(t)

	fp := NewFingerprintFromBytes([]byte("some descriptor body"))
	raw := "magnet:?xt=urn:btih:" + fp.Hex() +
		"&dn=my-file&tr=http%3A%2F%2Ftracker.example%3A8080%2Fannounce" +
		"&tr=http%3A%2F%2Fbackup.example%3A8080%2Fannounce"

	m, err := ParseMagnet(raw)
	require.NoError(err)
	require.Equal(fp, m.Fingerprint)
	require.Equal("my-file", m.Name)
	require.Equal([]string{
		"http://tracker.example:8080/announce",
		"http://backup.example:8080/announce",
	}, m.Trackers)
}

func TestParseMagnetMinimal(t *testing.T) {
	require := require.New(t)

	fp := NewFingerprintFromBytes([]byte("minimal"))
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + fp.Hex())
	require.NoError(err)
	require.Equal(fp, m.Fingerprint)
	require.Empty(m.Name)
	require.Empty(m.Trackers)
}

func TestParseMagnetMissingXT(t *testing.T) {
	require := require.New(t)

	_, err := ParseMagnet("magnet:?dn=no-hash-here")
	require.Error(err)
	require.ErrorIs(err, ErrMalformedMagnet)
}

func TestParseMagnetNonBtihNamespace(t *testing.T) {
	require := require.New(t)

	_, err := ParseMagnet("magnet:?xt=urn:sha1:deadbeef")
	require.Error(err)
	require.ErrorIs(err, ErrMalformedMagnet)
}

func TestParseMagnetWrongScheme(t *testing.T) {
	require := require.New(t)

	_, err := ParseMagnet("http://example.com/?xt=urn:btih:abc")
	require.Error(err)
	require.ErrorIs(err, ErrMalformedMagnet)
}

func TestParseMagnetBadHash(t *testing.T) {
	require := require.New(t)

	_, err := ParseMagnet("magnet:?xt=urn:btih:notahexstring")
	require.Error(err)
	require.ErrorIs(err, ErrMalformedMagnet)
}
