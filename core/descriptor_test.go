package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildDescriptorAndPieceAccessors(t *testing.T) {
	require := require.New(t)

	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}

	d, err := BuildDescriptor("blob", data, 10, "http://tracker.example:8080/announce")
	require.NoError(err)

	require.Equal("blob", d.Name())
	require.Equal("http://tracker.example:8080/announce", d.Tracker())
	require.Equal(int64(25), d.TotalLength())
	require.Equal(3, d.NumPieces())

	l0, err := d.PieceLengthAt(0)
	require.NoError(err)
	require.Equal(int64(10), l0)

	l2, err := d.PieceLengthAt(2)
	require.NoError(err)
	require.Equal(int64(5), l2)

	h0, err := d.PieceHashAt(0)
	require.NoError(err)
	require.Equal(NewPieceHash(data[0:10]), h0)

	_, err = d.PieceLengthAt(3)
	require.Error(err)

	_, err = d.PieceHashAt(-1)
	require.Error(err)
}

func TestDescriptorSerializeRoundTrip(t *testing.T) {
	require := require.New(t)

	data := []byte("hello world, this is the payload")
	d, err := BuildDescriptor("greeting.txt", data, 8, "http://tracker.example/announce")
	require.NoError(err)

	raw, err := d.Serialize()
	require.NoError(err)

	d2, err := DeserializeDescriptor(raw)
	require.NoError(err)

	require.Equal(d.Fingerprint(), d2.Fingerprint())
	require.Equal(d.Name(), d2.Name())
	require.Equal(d.NumPieces(), d2.NumPieces())
	require.Equal(d.Files(), d2.Files())
}

func TestDeserializeDescriptorDetectsTampering(t *testing.T) {
	require := require.New(t)

	data := []byte("payload bytes for tamper test")
	d, err := BuildDescriptor("file.bin", data, 8, "http://tracker.example/announce")
	require.NoError(err)

	raw, err := d.Serialize()
	require.NoError(err)

	tampered := bytes.Replace(raw, []byte(`"name":"file.bin"`), []byte(`"name":"renamed.bin"`), 1)
	require.NotEqual(raw, tampered)

	_, err = DeserializeDescriptor(tampered)
	require.Error(err)
}

func TestNewDescriptorRejectsPieceCountMismatch(t *testing.T) {
	require := require.New(t)

	files := []FileEntry{{Path: "a", Length: 100}}
	_, err := NewDescriptor("a", 10, files, "http://tracker.example/announce", []PieceHash{{}})
	require.Error(err)
}

func TestNewDescriptorRejectsEmptyFiles(t *testing.T) {
	require := require.New(t)

	_, err := NewDescriptor("empty", 10, nil, "http://tracker.example/announce", nil)
	require.Error(err)
}

func TestValidateSHA1Hex(t *testing.T) {
	require := require.New(t)

	h := NewPieceHash([]byte("x"))
	require.NoError(ValidateSHA1Hex(h.Hex()))
	require.Error(ValidateSHA1Hex("not-hex"))
	require.Error(ValidateSHA1Hex("deadbeef"))
}
