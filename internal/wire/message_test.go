package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"keep_alive", KeepAliveMessage()},
		{"choke", NewChokeMessage()},
		{"unchoke", NewUnchokeMessage()},
		{"interested", NewInterestedMessage()},
		{"not_interested", NewNotInterestedMessage()},
		{"have", NewHaveMessage(42)},
		{"bitfield", NewBitfieldMessage([]byte{0xff, 0x80})},
		{"request", NewRequestMessage(1, 2, 16384)},
		{"cancel", NewCancelMessage(1, 2, 16384)},
		{"piece", NewPieceMessage(3, 0, []byte("hello block"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			client, server := pipe()
			defer client.Close()
			defer server.Close()

			errc := make(chan error, 1)
			go func() { errc <- WriteMessage(client, tt.msg) }()

			got, err := ReadMessage(server)
			require.NoError(err)
			require.NoError(<-errc)

			require.Equal(tt.msg.KeepAlive, got.KeepAlive)
			if !tt.msg.KeepAlive {
				require.Equal(tt.msg.ID, got.ID)
				require.Equal(tt.msg.Body, got.Body)
			}
		})
	}
}

func TestRequestFields(t *testing.T) {
	require := require.New(t)
	m := NewRequestMessage(5, 16384, 16384)
	index, offset, length, err := m.RequestFields()
	require.NoError(err)
	require.Equal(5, index)
	require.Equal(16384, offset)
	require.Equal(16384, length)
}

func TestPieceFields(t *testing.T) {
	require := require.New(t)
	block := []byte("the block bytes")
	m := NewPieceMessage(7, 32768, block)
	index, offset, got, err := m.PieceFields()
	require.NoError(err)
	require.Equal(7, index)
	require.Equal(32768, offset)
	require.Equal(block, got)
}

func TestIndexAccessors(t *testing.T) {
	require := require.New(t)

	i, err := NewHaveMessage(9).Index()
	require.NoError(err)
	require.Equal(9, i)

	i, err = NewRequestMessage(11, 0, 100).Index()
	require.NoError(err)
	require.Equal(11, i)

	i, err = NewPieceMessage(13, 0, []byte("x")).Index()
	require.NoError(err)
	require.Equal(13, i)

	_, err = NewChokeMessage().Index()
	require.Error(err)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	require := require.New(t)
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// Claim a frame length well beyond maxMessageLength without
		// actually writing the body: ReadMessage must reject before
		// trying to read it.
		oversized := make([]byte, 4)
		oversized[0] = 0xff
		oversized[1] = 0xff
		oversized[2] = 0xff
		oversized[3] = 0xff
		client.Write(oversized)
	}()

	_, err := ReadMessage(server)
	require.Error(err)
	var protoErr *ProtocolError
	require.ErrorAs(err, &protoErr)
}

func TestReadMessageRejectsMalformedFixedBody(t *testing.T) {
	require := require.New(t)
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	// A "have" message must carry exactly 4 body bytes; send 2.
	bad := &Message{ID: Have, Body: []byte{0x00, 0x01}}
	go WriteMessage(client, bad)

	_, err := ReadMessage(server)
	require.Error(err)
}

func TestReadMessageTimeout(t *testing.T) {
	require := require.New(t)
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	_, err := ReadMessageTimeout(server, 10*time.Millisecond)
	require.Error(err)
}

func TestMessageIDString(t *testing.T) {
	require := require.New(t)
	require.Equal("piece", Piece.String())
	require.Contains(MessageID(99).String(), "unknown")
}
