package wire

import (
	"github.com/willf/bitset"
)

// EncodeBitfield packs a bitset into the big-endian bit order the bitfield
// message body uses, per spec.md §4.1: "bit 7 of byte 0 = piece 0". This is
// the opposite bit order from willf/bitset's own MarshalBinary, so it is
// encoded by hand here rather than reused.
func EncodeBitfield(bs *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		idx := int(i)
		if idx >= numPieces {
			break
		}
		out[idx/8] |= 1 << uint(7-idx%8)
	}
	return out
}

// DecodeBitfield unpacks a bitfield message body into a bitset of length
// numPieces. Trailing spare bits beyond numPieces (padding out to a whole
// byte) are ignored if unset, and rejected if set, per the classic
// BitTorrent convention that spare bits must be zero.
func DecodeBitfield(data []byte, numPieces int) (*bitset.BitSet, error) {
	want := (numPieces + 7) / 8
	if len(data) != want {
		return nil, protoErrf("bitfield: expected %d bytes for %d pieces, got %d", want, numPieces, len(data))
	}
	bs := bitset.New(uint(numPieces))
	for idx := 0; idx < numPieces; idx++ {
		if data[idx/8]&(1<<uint(7-idx%8)) != 0 {
			bs.Set(uint(idx))
		}
	}
	for idx := numPieces; idx < want*8; idx++ {
		if data[idx/8]&(1<<uint(7-idx%8)) != 0 {
			return nil, protoErrf("bitfield: spare bit %d is set", idx)
		}
	}
	return bs, nil
}
