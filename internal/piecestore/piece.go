package piecestore

// State is the verification state of one piece, per spec.md §3.
type State int

const (
	// Missing means the piece has not been requested nor verified.
	Missing State = iota
	// Requested means the Selection Policy has handed this piece out but it
	// has not yet been verified.
	Requested
	// Verified means the piece's bytes have been confirmed against its
	// declared hash and persisted.
	Verified
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// AcceptResult is the outcome of AcceptBlock.
type AcceptResult int

const (
	// Accepted means the block was buffered but the piece is not yet complete.
	Accepted AcceptResult = iota
	// Rejected means the block was invalid (bad range) or the piece failed
	// hash verification once complete.
	Rejected
	// PieceComplete means this block completed the piece and it passed
	// verification.
	PieceComplete
)

// piece tracks the reassembly state of a single in-progress piece: a
// sparse coverage bitmap over its expected byte range plus the buffer
// itself. Guarded by the owning Store's mutex; it has no lock of its own,
// mirroring the teacher's preference (see agentstorage/pieces.go) for a
// single coarse-grained lock over fine-grained per-piece locks, since
// contention here is dominated by socket I/O rather than buffer twiddling.
type piece struct {
	length  int64
	buf     []byte
	written []bool // one bool per byte that has been written; collapses to a byte-count check.
	covered int64
}

func newPieceBuffer(length int64) *piece {
	return &piece{
		length:  length,
		buf:     make([]byte, length),
		written: make([]bool, length),
	}
}

// write copies data into the piece's buffer at offset, returning false if
// the range is out of bounds. Overlapping writes (duplicate blocks, e.g.
// during end-game) are tolerated: already-written bytes are simply
// overwritten and not double-counted toward coverage.
func (p *piece) write(offset int64, data []byte) bool {
	end := offset + int64(len(data))
	if offset < 0 || end > p.length {
		return false
	}
	for i, b := range data {
		idx := offset + int64(i)
		if !p.written[idx] {
			p.written[idx] = true
			p.covered++
		}
		p.buf[idx] = b
	}
	return true
}

func (p *piece) complete() bool {
	return p.covered == p.length
}
