// Package peersession implements the Peer Session component of spec.md
// §4.4: one goroutine group per remote peer, the choke/interest state
// machine, and block request/response handling against a shared Piece
// Store.
//
// The overall shape — a dedicated writer goroutine draining a buffered
// send channel so no other goroutine ever touches the socket directly, a
// done channel plus sync.WaitGroup for shutdown, atomic flags for
// cross-goroutine state — is grounded on
// lib/torrent/scheduler/conn/conn.go in the teacher repository. The
// handshake Dial/Accept split mirrors
// lib/torrent/scheduler/conn/handshaker.go's Initialize/Accept/Establish
// trio, adapted to the spec's literal BitTorrent handshake frame instead
// of the teacher's protobuf-negotiated one.
package peersession

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nodeswarm/peerd/core"
	"github.com/nodeswarm/peerd/internal/piecestore"
	"github.com/nodeswarm/peerd/internal/selection"
	"github.com/nodeswarm/peerd/internal/wire"
)

// ConnState is the lifecycle state of a Session, per spec.md §3.
type ConnState int32

const (
	// Connecting means the TCP dial is in flight.
	Connecting ConnState = iota
	// Handshaking means the socket is open but the handshake has not
	// completed.
	Handshaking
	// Established means the handshake succeeded and both loops are
	// running.
	Established
	// Closed means the session has torn down.
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Coordinator is the subset of Swarm Manager behavior a Session depends on
// to pick pieces and learn whether the swarm has entered end-game, per
// spec.md §4.3/§4.5. Keeping this as a narrow interface (rather than a
// direct reference to the manager type) is what lets a Session publish
// events one-way instead of calling back into its owner, per spec.md §9's
// cyclic-ownership design note.
type Coordinator interface {
	// Rarity returns, for each piece index, how many connected sessions
	// in this swarm are known to hold it.
	Rarity() map[int]int
	// ExcludeSet returns the set of piece indices currently in flight to
	// some other session in this swarm (self is excluded from the scan).
	ExcludeSet(self core.PeerID) map[int]bool
	// EndGame reports whether the swarm has crossed the end-game
	// threshold (spec.md §4.3).
	EndGame() bool
}

// pendingRequest is one block this session has asked the peer for but not
// yet received, per spec.md §3's "request queue (ordered list of
// outstanding requests)".
type pendingRequest struct {
	index, offset, length int
	deadline              time.Time
}

func blockKey(index, offset int) [2]int { return [2]int{index, offset} }

// Session manages one remote peer connection for one torrent: the
// handshake already completed, the choke/interest state machine, the
// receive/request/keep-alive loops, and block transfer against a shared
// Piece Store.
type Session struct {
	nc          net.Conn
	localPeerID core.PeerID
	peerID      core.PeerID
	fingerprint core.Fingerprint

	store  *piecestore.Store
	policy selection.Policy
	coord  Coordinator

	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	events chan<- Event

	state *atomic.Int32

	peerChoking    *atomic.Bool
	amChoking      *atomic.Bool
	peerInterested *atomic.Bool
	amInterested   *atomic.Bool

	availMu sync.Mutex
	avail   *bitset.BitSet

	bytesUp      *atomic.Int64
	bytesDown    *atomic.Int64
	lastActivity *atomic.Int64 // UnixNano of the last inbound frame.
	lastSend     *atomic.Int64 // UnixNano of the last outbound frame.

	reqMu   sync.Mutex
	pending map[[2]int]*pendingRequest

	sendCh chan *wire.Message

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	closeErr error
}

// New wraps an already-handshaken connection into a Session. The caller is
// expected to have already completed the handshake exchange via
// Dial/AcceptHandshake/CompleteAccept and to pass the remote peer id learned
// from it.
func New(
	nc net.Conn,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	fingerprint core.Fingerprint,
	store *piecestore.Store,
	policy selection.Policy,
	coord Coordinator,
	events chan<- Event,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Session {

	config = config.applyDefaults()

	now := clk.Now().UnixNano()

	s := &Session{
		nc:             nc,
		localPeerID:    localPeerID,
		peerID:         remotePeerID,
		fingerprint:    fingerprint,
		store:          store,
		policy:         policy,
		coord:          coord,
		config:         config,
		clk:            clk,
		stats:          stats.Tagged(map[string]string{"module": "peersession"}),
		logger:         logger,
		events:         events,
		state:          atomic.NewInt32(int32(Established)),
		peerChoking:    atomic.NewBool(true),
		amChoking:      atomic.NewBool(true),
		peerInterested: atomic.NewBool(false),
		amInterested:   atomic.NewBool(false),
		avail:          bitset.New(uint(store.NumPieces())),
		bytesUp:        atomic.NewInt64(0),
		bytesDown:      atomic.NewInt64(0),
		lastActivity:   atomic.NewInt64(now),
		lastSend:       atomic.NewInt64(now),
		pending:        make(map[[2]int]*pendingRequest),
		sendCh:         make(chan *wire.Message, config.SendBufferSize),
		done:           make(chan struct{}),
	}
	return s
}

// PeerID returns the remote peer id.
func (s *Session) PeerID() core.PeerID { return s.peerID }

// State returns the current connection state.
func (s *Session) State() ConnState { return ConnState(s.state.Load()) }

// Start launches the receive loop, request loop, and keep-alive loop, and
// sends our current bitfield. Safe to call only once; subsequent calls are
// no-ops.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(4)
		go s.writeLoop()
		go s.receiveLoop()
		go s.requestLoop()
		go s.keepAliveLoop()

		bits := wire.EncodeBitfield(s.store.Bitfield(), s.store.NumPieces())
		s.enqueueSend(wire.NewBitfieldMessage(bits))
	})
}

// Close tears the session down: stops accepting new work, drops the
// outstanding request queue, and closes the socket, per spec.md §5's
// cancellation contract. Safe to call multiple times and from multiple
// goroutines.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.state.Store(int32(Closed))
		close(s.done)
		s.nc.Close()

		s.reqMu.Lock()
		s.pending = make(map[[2]int]*pendingRequest)
		s.reqMu.Unlock()

		go func() {
			s.wg.Wait()
			if s.events != nil {
				select {
				case s.events <- ClosedEvent{PeerID: s.peerID, Err: err}:
				default:
				}
			}
		}()
	})
}

// Stats returns a point-in-time snapshot of this session's counters, for
// the operator UI (spec.md §4.5 "Stats").
type Stats struct {
	PeerID         core.PeerID
	State          ConnState
	PeerChoking    bool
	AmChoking      bool
	PeerInterested bool
	AmInterested   bool
	BytesUp        int64
	BytesDown      int64
	PiecesHeld     int
	LastActivity   time.Time
}

// Snapshot returns a Stats snapshot of the session's current state.
func (s *Session) Snapshot() Stats {
	s.availMu.Lock()
	held := int(s.avail.Count())
	s.availMu.Unlock()

	return Stats{
		PeerID:         s.peerID,
		State:          s.State(),
		PeerChoking:    s.peerChoking.Load(),
		AmChoking:      s.amChoking.Load(),
		PeerInterested: s.peerInterested.Load(),
		AmInterested:   s.amInterested.Load(),
		BytesUp:        s.bytesUp.Load(),
		BytesDown:      s.bytesDown.Load(),
		PiecesHeld:     held,
		LastActivity:   time.Unix(0, s.lastActivity.Load()),
	}
}

// Availability returns a snapshot of the peer's claimed availability map.
func (s *Session) Availability() *bitset.BitSet {
	s.availMu.Lock()
	defer s.availMu.Unlock()
	return s.avail.Clone()
}

// Has reports whether the peer claims to hold piece i.
func (s *Session) Has(i int) bool {
	s.availMu.Lock()
	defer s.availMu.Unlock()
	return s.avail.Test(uint(i))
}

// SendHave announces that the local peer now holds piece i. Called by the
// Swarm Manager when it drains a PieceCompleteEvent from some other
// session, per spec.md §4.4: "on PieceComplete, broadcast have(i) to every
// other Established session in the same swarm."
func (s *Session) SendHave(i int) {
	if s.State() != Established {
		return
	}
	s.enqueueSend(wire.NewHaveMessage(i))
}

// InFlightPieces returns the distinct piece indices this session currently
// has outstanding block requests for. Used by the Swarm Manager's
// Coordinator.ExcludeSet to avoid assigning the same piece to two sessions
// outside of end-game.
func (s *Session) InFlightPieces() []int {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	set := make(map[int]bool, len(s.pending))
	for k := range s.pending {
		set[k[0]] = true
	}
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	return out
}

func (s *Session) enqueueSend(m *wire.Message) {
	select {
	case s.sendCh <- m:
	case <-s.done:
	default:
		// Send buffer full: drop rather than block the caller, mirroring
		// conn.Send's full-buffer behavior in the teacher. The peer will
		// re-announce availability/interest on its own schedule.
		s.log().Warnf("Send buffer full, dropping %s message", m.ID)
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case m := <-s.sendCh:
			if err := wire.WriteMessageTimeout(s.nc, m, s.config.IdleTimeout); err != nil {
				s.log().Infof("Error writing message, closing session: %s", err)
				s.Close(fmt.Errorf("write: %w", err))
				return
			}
			s.lastSend.Store(s.clk.Now().UnixNano())
			if m.ID == wire.Piece {
				if _, _, block, err := m.PieceFields(); err == nil {
					s.bytesUp.Add(int64(len(block)))
				}
			}
		}
	}
}

// receiveLoop implements spec.md §4.4's Established->Closed frame
// dispatch loop. The per-read deadline is set to IdleTimeout, so a
// deadline-exceeded read error directly implements the "no inbound frame
// for 120s closes the session" rule without separate bookkeeping.
func (s *Session) receiveLoop() {
	defer s.wg.Done()
	defer s.Close(nil)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		m, err := wire.ReadMessageTimeout(s.nc, s.config.IdleTimeout)
		if err != nil {
			s.log().Infof("Error reading message, closing session: %s", err)
			s.Close(err)
			return
		}
		s.lastActivity.Store(s.clk.Now().UnixNano())

		if m.KeepAlive {
			continue
		}
		if err := s.dispatch(m); err != nil {
			s.log().Infof("Protocol error, closing session: %s", err)
			s.Close(err)
			return
		}
	}
}

func (s *Session) dispatch(m *wire.Message) error {
	switch m.ID {
	case wire.Choke:
		s.peerChoking.Store(true)
		s.cancelAllPending()
	case wire.Unchoke:
		s.peerChoking.Store(false)
	case wire.Interested:
		s.peerInterested.Store(true)
		if s.amChoking.CAS(true, false) {
			s.enqueueSend(wire.NewUnchokeMessage())
		}
	case wire.NotInterested:
		s.peerInterested.Store(false)
	case wire.Have:
		idx, err := m.Index()
		if err != nil {
			return err
		}
		s.markAvailable(idx)
		s.maybeDeclareInterest(idx)
	case wire.Bitfield:
		bs, err := wire.DecodeBitfield(m.Body, s.store.NumPieces())
		if err != nil {
			return err
		}
		s.availMu.Lock()
		s.avail = bs
		s.availMu.Unlock()
		for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
			if s.maybeDeclareInterest(int(i)) {
				break
			}
		}
	case wire.Request:
		return s.handleRequest(m)
	case wire.Piece:
		return s.handlePiece(m)
	case wire.Cancel:
		// handleRequest reads the block synchronously in this receive loop
		// and hands the reply to sendCh; a cancel does not remove a reply
		// already queued there. The message is accepted and discarded,
		// which keeps it idempotent.
	default:
		return fmt.Errorf("unhandled message type %s", m.ID)
	}
	return nil
}

func (s *Session) markAvailable(idx int) {
	s.availMu.Lock()
	defer s.availMu.Unlock()
	if idx >= 0 && uint(idx) < s.avail.Len() {
		s.avail.Set(uint(idx))
	}
}

// maybeDeclareInterest sends `interested` the first time we learn the
// peer holds a piece we still need, per spec.md §4.4. Returns true if
// interest was (newly) declared, so Bitfield handling can stop scanning
// once interest has been sent.
func (s *Session) maybeDeclareInterest(idx int) bool {
	if idx < 0 || idx >= s.store.NumPieces() {
		return false
	}
	if s.store.State(idx) == piecestore.Verified {
		return false
	}
	if s.amInterested.CAS(false, true) {
		s.enqueueSend(wire.NewInterestedMessage())
		return true
	}
	return false
}

func (s *Session) handleRequest(m *wire.Message) error {
	idx, offset, length, err := m.RequestFields()
	if err != nil {
		return err
	}
	if s.amChoking.Load() || length > s.config.MaxBlockLength {
		return nil // Silently drop, per spec.md §4.4.
	}
	if s.store.State(idx) != piecestore.Verified {
		return nil
	}
	block, err := s.store.ReadBlock(idx, offset, length)
	if err != nil {
		s.log().Warnf("Dropping request(%d,%d,%d): %s", idx, offset, length, err)
		return nil
	}
	s.enqueueSend(wire.NewPieceMessage(idx, offset, block))
	return nil
}

func (s *Session) handlePiece(m *wire.Message) error {
	idx, offset, block, err := m.PieceFields()
	if err != nil {
		return err
	}
	s.bytesDown.Add(int64(len(block)))
	s.freePending(idx, offset)

	result, err := s.store.AcceptBlock(idx, offset, block)
	if err != nil {
		s.log().Warnf("accept_block(%d,%d) failed: %s", idx, offset, err)
		return nil
	}
	switch result {
	case piecestore.PieceComplete:
		if s.events != nil {
			select {
			case s.events <- PieceCompleteEvent{PeerID: s.peerID, Index: idx}:
			case <-s.done:
			}
		}
	case piecestore.Rejected:
		// Block dropped; its slot in the outstanding queue was already
		// freed above.
	case piecestore.Accepted:
	}
	return nil
}

// cancelAllPending drops every outstanding request on choke and rolls each
// affected piece back to Missing, mirroring the request-timeout path in
// sweepExpired. Without the rollback, a piece left Requested by a choked
// session is skipped by Policy.Select (non-end-game) forever, orphaning
// it, per spec.md §4.4.
func (s *Session) cancelAllPending() {
	s.reqMu.Lock()
	indices := make(map[int]bool, len(s.pending))
	for k := range s.pending {
		indices[k[0]] = true
	}
	s.pending = make(map[[2]int]*pendingRequest)
	s.reqMu.Unlock()

	for idx := range indices {
		s.store.RollbackToMissing(idx)
	}
}

// CancelPiece drops this session's outstanding requests for piece index
// and sends a cancel message to the remote peer for each one. Called by
// the Swarm Manager when some other session completes a piece this
// session was also requesting blocks of during end-game, per spec.md
// §4.3/§4.4.
func (s *Session) CancelPiece(index int) {
	s.reqMu.Lock()
	var toCancel []pendingRequest
	for k, r := range s.pending {
		if k[0] == index {
			toCancel = append(toCancel, *r)
			delete(s.pending, k)
		}
	}
	s.reqMu.Unlock()

	for _, r := range toCancel {
		s.enqueueSend(wire.NewCancelMessage(r.index, r.offset, r.length))
	}
}

func (s *Session) freePending(index, offset int) {
	s.reqMu.Lock()
	delete(s.pending, blockKey(index, offset))
	s.reqMu.Unlock()
}

func (s *Session) inFlightCount() int {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return len(s.pending)
}

// requestLoop implements spec.md §4.4's request loop via ticker-driven
// polling (a sanctioned suspension point per spec.md §5), rather than a
// condvar/signal-channel scheme: each tick sweeps expired requests, then
// tops the in-flight window back up to MaxInFlight if we are interested
// and unchoked.
func (s *Session) requestLoop() {
	defer s.wg.Done()

	tick := s.clk.Tick(100 * time.Millisecond)

	for {
		select {
		case <-s.done:
			return
		case <-tick:
			s.sweepExpired()
			s.fillRequestWindow()
		}
	}
}

func (s *Session) sweepExpired() {
	now := s.clk.Now()
	var expired []pendingRequest
	s.reqMu.Lock()
	for k, r := range s.pending {
		if now.After(r.deadline) {
			expired = append(expired, *r)
			delete(s.pending, k)
		}
	}
	s.reqMu.Unlock()

	for _, r := range expired {
		s.store.RollbackToMissing(r.index)
	}
}

func (s *Session) fillRequestWindow() {
	if s.peerChoking.Load() || !s.amInterested.Load() {
		return
	}
	// alreadyPicked guards end-game mode, where TryMarkRequested keeps
	// succeeding for the same already-Requested piece (allowDuplicate is
	// true): without this, re-selecting it forever would spin this tick
	// rather than yielding once no *new* piece is available.
	alreadyPicked := make(map[int]bool)
	for s.inFlightCount() < s.config.MaxInFlight {
		idx, ok := s.requestOnePiece(alreadyPicked)
		if !ok {
			return
		}
		alreadyPicked[idx] = true
	}
}

// requestOnePiece asks the Selection Policy for a piece and enqueues all
// of its blocks as request messages, per spec.md §4.3's block sub-policy
// ("request all its blocks sequentially by offset").
func (s *Session) requestOnePiece(alreadyPicked map[int]bool) (int, bool) {
	endGame := s.coord.EndGame()
	idx, ok := s.policy.Select(
		s.store,
		s.Availability(),
		s.coord.ExcludeSet(s.peerID),
		s.coord.Rarity(),
		endGame,
	)
	if !ok || alreadyPicked[idx] {
		return 0, false
	}
	if !s.store.TryMarkRequested(idx, endGame) {
		return 0, false
	}

	length, err := s.store.PieceLengthAt(idx)
	if err != nil {
		s.log().Errorf("piece length for %d: %s", idx, err)
		return 0, false
	}

	now := s.clk.Now()
	deadline := now.Add(s.config.RequestTimeout)
	for offset := int64(0); offset < length; offset += int64(blockLength) {
		n := int64(blockLength)
		if offset+n > length {
			n = length - offset
		}
		s.reqMu.Lock()
		s.pending[blockKey(idx, int(offset))] = &pendingRequest{
			index: idx, offset: int(offset), length: int(n), deadline: deadline,
		}
		s.reqMu.Unlock()
		s.enqueueSend(wire.NewRequestMessage(idx, int(offset), int(n)))
	}
	return idx, true
}

// blockLength is the standard block size, per spec.md §3.
const blockLength = 16384

// keepAliveLoop implements spec.md §4.4's optional keep-alive ticker: if no
// outbound frame has gone out for KeepAliveInterval, send a zero-length
// frame so the peer doesn't time out our side of the connection.
func (s *Session) keepAliveLoop() {
	defer s.wg.Done()

	checkInterval := s.config.KeepAliveInterval / 4
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	tick := s.clk.Tick(checkInterval)

	for {
		select {
		case <-s.done:
			return
		case <-tick:
			idle := s.clk.Now().Sub(time.Unix(0, s.lastSend.Load()))
			if idle >= s.config.KeepAliveInterval {
				s.enqueueSend(wire.KeepAliveMessage())
			}
		}
	}
}

func (s *Session) log() *zap.SugaredLogger {
	return s.logger.With("remote_peer", s.peerID, "fingerprint", s.fingerprint)
}
