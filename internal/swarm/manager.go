// Package swarm implements the Swarm Manager of spec.md §4.5: the single
// component, one per active torrent, that owns the piece store and the set
// of live Peer Sessions, runs the Acceptor and Connector, drives the
// Announce loop against a tracker, and implements peersession.Coordinator
// so Sessions can pick pieces without holding a direct reference back to
// the manager (the one-way event channel from spec.md §9).
//
// Grounded on lib/torrent/scheduler/scheduler.go's goroutine layout
// (listenLoop, tickerLoop/announceLoop, a done channel plus sync.WaitGroup
// for shutdown) and lib/torrent/scheduler/connstate/state.go's
// pending/active/blacklist bookkeeping, adapted from the teacher's
// multi-torrent scheduler to one Manager per torrent per SPEC_FULL.md §4.5.
package swarm

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
	"github.com/nodeswarm/peerd/internal/peersession"
	"github.com/nodeswarm/peerd/internal/piecestore"
	"github.com/nodeswarm/peerd/internal/selection"
	"github.com/nodeswarm/peerd/internal/trackerclient"
	"github.com/nodeswarm/peerd/utils/backoff"
)

// Stats is a point-in-time snapshot of a Manager's swarm, for the operator
// UI (spec.md §4.7's peer_stats operation).
type Stats struct {
	Progress float64
	Peers    []peersession.Stats
}

// Manager owns one torrent's piece store, tracker announcing, and the set
// of live peer sessions.
type Manager struct {
	pctx        core.PeerContext
	descriptor  *core.Descriptor
	store       *piecestore.Store
	policy      selection.Policy
	tracker     *trackerclient.Client
	config      Config
	clk         clock.Clock
	stats       tally.Scope
	logger      *zap.SugaredLogger

	dial *backoff.Backoff

	mu        sync.Mutex
	sessions  map[core.PeerID]*peersession.Session
	known     map[core.PeerID]*core.PeerInfo
	dialing   map[core.PeerID]bool
	reconnect *reconnectState

	events  chan peersession.Event
	probeCh chan chan struct{}

	completedSent     *atomic.Bool
	finalizeAttempted *atomic.Bool

	listener net.Listener

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Manager for descriptor d, storing pieces under store.
// tracker may be nil, in which case no announcing is performed (useful for
// tests and for swarms reached purely by inbound connections).
func New(
	pctx core.PeerContext,
	d *core.Descriptor,
	store *piecestore.Store,
	policy selection.Policy,
	tracker *trackerclient.Client,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Manager {

	config = config.applyDefaults()

	return &Manager{
		pctx:              pctx,
		descriptor:        d,
		store:             store,
		policy:            policy,
		tracker:           tracker,
		config:            config,
		clk:               clk,
		stats:             stats.Tagged(map[string]string{"module": "swarm"}),
		logger:            logger,
		dial:              backoff.New(config.Dial).WithClock(clk),
		sessions:          make(map[core.PeerID]*peersession.Session),
		known:             make(map[core.PeerID]*core.PeerInfo),
		dialing:           make(map[core.PeerID]bool),
		reconnect:         newReconnectState(config, clk),
		events:            make(chan peersession.Event, config.EventBufferSize),
		probeCh:           make(chan chan struct{}),
		completedSent:     atomic.NewBool(false),
		finalizeAttempted: atomic.NewBool(false),
		done:              make(chan struct{}),
	}
}

// Start binds the listen socket and launches the Acceptor, Connector,
// Announce loop, End-game loop, and event loop. Safe to call only once.
func (m *Manager) Start() error {
	var startErr error
	m.startOnce.Do(func() {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", m.pctx.Port))
		if err != nil {
			startErr = fmt.Errorf("listen: %s", err)
			return
		}
		m.listener = l

		m.wg.Add(5)
		go m.acceptLoop()
		go m.connectLoop()
		go m.announceLoop()
		go m.endGameLoop()
		go m.eventLoop()

		// Covers the crash-recovery case where the Piece Store was already
		// 100% Verified before this Manager even started (e.g. the process
		// died between the last piece verifying and a prior Finalize), so
		// completion doesn't depend on a PieceCompleteEvent that will never
		// arrive, nor on an announce loop that doesn't run without a
		// configured tracker.
		m.maybeFinalize()
	})
	return startErr
}

// Close stops the Manager: closes the listen socket, signals every loop to
// exit, closes every live session, (if a tracker is configured) announces
// "stopped", and then drops the closed sessions from its session set.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.listener != nil {
			m.listener.Close()
		}

		m.mu.Lock()
		sessions := make([]*peersession.Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mu.Unlock()
		for _, s := range sessions {
			s.Close(nil)
		}

		if m.tracker != nil {
			m.doAnnounce(trackerclient.Stopped)
		}
		m.mu.Lock()
		m.sessions = make(map[core.PeerID]*peersession.Session)
		m.mu.Unlock()
		m.wg.Wait()
	})
}

// AddPeers registers peers learned from the tracker or from an operator
// (e.g. a magnet-style seed list), making them eligible for the Connector
// to dial. The local peer is ignored.
func (m *Manager) AddPeers(peers []*core.PeerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range peers {
		if p.PeerID == m.pctx.PeerID {
			continue
		}
		m.known[p.PeerID] = p
	}
}

// Snapshot returns the current progress and per-peer stats, for the
// operator UI.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	sessions := make([]*peersession.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	peers := make([]peersession.Stats, 0, len(sessions))
	for _, s := range sessions {
		peers = append(peers, s.Snapshot())
	}
	return Stats{Progress: m.store.Progress(), Peers: peers}
}

// ListenAddr returns the Manager's bound address, once Start has
// succeeded. Used by tests that bind an ephemeral port.
func (m *Manager) ListenAddr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) log() *zap.SugaredLogger {
	if m.logger == nil {
		return zap.NewNop().Sugar()
	}
	return m.logger
}

// --- Acceptor, per spec.md §4.5 ---

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		nc, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			m.log().Infof("Accept error, exiting accept loop: %s", err)
			return
		}
		go m.acceptOne(nc)
	}
}

func (m *Manager) acceptOne(nc net.Conn) {
	hs, err := peersession.AcceptHandshake(nc, m.config.PeerSession.HandshakeTimeout)
	if err != nil {
		m.log().Infof("Inbound handshake failed: %s", err)
		nc.Close()
		return
	}
	if hs.Fingerprint != m.descriptor.Fingerprint() {
		m.log().Infof("Inbound handshake for unowned fingerprint %s, closing", hs.Fingerprint)
		nc.Close()
		return
	}
	if err := peersession.CompleteAccept(nc, m.pctx.PeerID, m.descriptor.Fingerprint(), m.config.PeerSession.HandshakeTimeout); err != nil {
		m.log().Infof("Completing inbound handshake: %s", err)
		nc.Close()
		return
	}

	sess := peersession.New(
		nc, m.pctx.PeerID, hs.PeerID, m.descriptor.Fingerprint(),
		m.store, m.policy, m, m.events, m.config.PeerSession, m.clk, m.stats, m.logger)
	m.installSession(sess)
}

func (m *Manager) installSession(sess *peersession.Session) {
	m.mu.Lock()
	if _, ok := m.sessions[sess.PeerID()]; ok {
		m.mu.Unlock()
		m.log().Infof("Duplicate session for peer %s, closing", sess.PeerID())
		sess.Close(nil)
		return
	}
	m.sessions[sess.PeerID()] = sess
	m.mu.Unlock()
	sess.Start()
}

// --- Connector, per spec.md §4.5 ---

func (m *Manager) connectLoop() {
	defer m.wg.Done()
	tick := m.clk.Tick(m.config.ConnectInterval)
	for {
		select {
		case <-m.done:
			return
		case <-tick:
			m.scanAndDial()
		}
	}
}

func (m *Manager) scanAndDial() {
	m.mu.Lock()
	var toDial []*core.PeerInfo
	for id, info := range m.known {
		if id == m.pctx.PeerID {
			continue
		}
		if _, ok := m.sessions[id]; ok {
			continue
		}
		if m.dialing[id] {
			continue
		}
		if !m.reconnect.eligible(id) {
			continue
		}
		m.dialing[id] = true
		toDial = append(toDial, info)
	}
	m.mu.Unlock()

	for _, info := range toDial {
		go m.connectPeer(info)
	}
}

// connectPeer dials one peer, spacing repeated attempts out with
// utils/backoff, and falls back to reconnectState's "skip for
// SkipDuration after MaxConsecutiveFailures" rule once a dial sequence
// gives up, per spec.md §4.5.
func (m *Manager) connectPeer(info *core.PeerInfo) {
	peerID := info.PeerID
	defer func() {
		m.mu.Lock()
		delete(m.dialing, peerID)
		m.mu.Unlock()
	}()

	addr := fmt.Sprintf("%s:%d", info.IP, info.Port)
	attempts := m.dial.Attempts()
	for attempts.WaitForNext() {
		select {
		case <-m.done:
			return
		default:
		}

		nc, hs, err := peersession.Dial(addr, m.pctx.PeerID, m.descriptor.Fingerprint(), m.config.PeerSession.HandshakeTimeout)
		if err != nil {
			m.log().Infof("Dial %s (%s) failed: %s", peerID, addr, err)
			m.mu.Lock()
			m.reconnect.recordFailure(peerID)
			skipped := !m.reconnect.eligible(peerID)
			m.mu.Unlock()
			if skipped {
				return
			}
			continue
		}

		m.mu.Lock()
		m.reconnect.recordSuccess(peerID)
		m.mu.Unlock()

		sess := peersession.New(
			nc, m.pctx.PeerID, hs.PeerID, m.descriptor.Fingerprint(),
			m.store, m.policy, m, m.events, m.config.PeerSession, m.clk, m.stats, m.logger)
		m.installSession(sess)
		return
	}
	m.log().Infof("Giving up dialing %s: %s", peerID, attempts.Err())
}

// --- Announce loop, per spec.md §4.5/§4.6 ---

func (m *Manager) announceLoop() {
	defer m.wg.Done()
	if m.tracker == nil {
		return
	}

	interval := m.nextInterval(m.doAnnounce(trackerclient.Started))
	for {
		select {
		case <-m.done:
			return
		case <-m.clk.After(interval):
			event := trackerclient.Empty
			if !m.completedSent.Load() && m.store.Progress() >= 1 {
				event = trackerclient.Completed
			}
			m.maybeFinalize()
			resp := m.doAnnounce(event)
			if event == trackerclient.Completed {
				m.completedSent.Store(true)
			}
			interval = m.nextInterval(resp)
		}
	}
}

func (m *Manager) nextInterval(resp trackerclient.AnnounceResponse) time.Duration {
	return m.tracker.IntervalOrDefault(resp)
}

func (m *Manager) doAnnounce(event trackerclient.Event) trackerclient.AnnounceResponse {
	total := m.descriptor.TotalLength()
	progress := m.store.Progress()
	downloaded := int64(float64(total) * progress)

	req := trackerclient.AnnounceRequest{
		PeerID:     m.pctx.PeerID,
		InfoHash:   m.descriptor.Fingerprint().Hex(),
		IP:         m.pctx.IP,
		Port:       m.pctx.Port,
		Uploaded:   m.totalUploaded(),
		Downloaded: downloaded,
		Left:       total - downloaded,
		Event:      event,
		Compact:    trackerclient.CompactFlag(m.config.Compact),
	}
	resp, err := m.tracker.Announce(req)
	if err != nil {
		m.log().Warnf("Announce (%s) failed: %s", event, err)
		return trackerclient.AnnounceResponse{}
	}
	m.AddPeers(resp.Peers)
	return resp
}

// totalUploaded sums the upload byte counters across every live session,
// for the `uploaded` field of an announce request, per spec.md §4.6.
func (m *Manager) totalUploaded() int64 {
	m.mu.Lock()
	sessions := make([]*peersession.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var total int64
	for _, s := range sessions {
		total += s.Snapshot().BytesUp
	}
	return total
}

// --- End-game loop, per spec.md §4.3/§4.5 ---
//
// Actually issuing duplicate requests is delegated to each Session's own
// request loop (it calls Coordinator.EndGame() on every tick); this loop
// just tracks and logs the transition so it happens exactly once.

func (m *Manager) endGameLoop() {
	defer m.wg.Done()
	tick := m.clk.Tick(m.config.EndGameInterval)
	announced := false
	for {
		select {
		case <-m.done:
			return
		case <-tick:
			inEndGame := m.EndGame()
			if inEndGame && !announced {
				m.log().Infof("Entering end-game at progress %.3f", m.store.Progress())
				announced = true
			} else if !inEndGame {
				announced = false
			}
		}
	}
}

// --- Event loop: drains Session events, per spec.md §9 ---

func (m *Manager) eventLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			switch e := ev.(type) {
			case peersession.PieceCompleteEvent:
				m.broadcastHave(e.PeerID, e.Index)
				m.cancelDuplicates(e.PeerID, e.Index)
				m.maybeFinalize()
			case peersession.ClosedEvent:
				m.removeSession(e.PeerID)
			}
		case reply := <-m.probeCh:
			close(reply)
		}
	}
}

// Probe verifies that this Manager's event loop is running and unblocked,
// analogous to scheduler.go's Probe()/ProbeTimeout in the teacher
// repository. Used by internal/engine.Registry.Status to detect a wedged
// Manager without blocking on full state collection.
func (m *Manager) Probe() error {
	reply := make(chan struct{})
	select {
	case m.probeCh <- reply:
	case <-m.clk.After(m.config.ProbeTimeout):
		return fmt.Errorf("probe: event loop did not accept probe within %s", m.config.ProbeTimeout)
	case <-m.done:
		return fmt.Errorf("probe: manager closed")
	}
	select {
	case <-reply:
		return nil
	case <-m.clk.After(m.config.ProbeTimeout):
		return fmt.Errorf("probe: event loop did not respond within %s", m.config.ProbeTimeout)
	case <-m.done:
		return fmt.Errorf("probe: manager closed")
	}
}

func (m *Manager) broadcastHave(origin core.PeerID, index int) {
	m.mu.Lock()
	sessions := make([]*peersession.Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id == origin {
			continue
		}
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.SendHave(index)
	}
}

func (m *Manager) removeSession(peerID core.PeerID) {
	m.mu.Lock()
	delete(m.sessions, peerID)
	m.mu.Unlock()
}

// cancelDuplicates tells every other Established session to drop and
// cancel its own outstanding requests for index, per spec.md §4.3's
// end-game contract ("cancel issued to the others") and §4.4 ("sessions
// that complete a piece should emit cancel messages to the others").
func (m *Manager) cancelDuplicates(origin core.PeerID, index int) {
	m.mu.Lock()
	sessions := make([]*peersession.Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id == origin {
			continue
		}
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.CancelPiece(index)
	}
}

// maybeFinalize stitches the verified piece stream into its declared file
// layout once every piece is Verified, per spec.md §4.2 ("when all pieces
// are Verified, stitch... into the declared file layout") and §6 (the
// transient piece files are removed on completion). Runs at most once per
// Manager; checked both as pieces complete and on every announce tick, so
// a torrent that was already 100% complete on disk when this Manager
// started (the crash-recovery case) still finalizes without needing a
// fresh PieceCompleteEvent.
func (m *Manager) maybeFinalize() {
	if m.store.Progress() < 1 {
		return
	}
	if !m.finalizeAttempted.CAS(false, true) {
		return
	}
	go func() {
		dir := m.store.OutputDir()
		if err := m.store.Finalize(dir); err != nil {
			m.log().Errorf("Finalize failed: %s", err)
			return
		}
		m.log().Infof("Finalized torrent into %s", dir)
	}()
}

// --- peersession.Coordinator, per spec.md §4.3/§4.5 ---

// Rarity returns, for each piece index, how many connected sessions are
// known to hold it.
func (m *Manager) Rarity() map[int]int {
	m.mu.Lock()
	avails := make([]*bitset.BitSet, 0, len(m.sessions))
	for _, s := range m.sessions {
		avails = append(avails, s.Availability())
	}
	m.mu.Unlock()

	return selection.ComputeRarity(m.store.NumPieces(), avails)
}

// ExcludeSet returns the set of piece indices currently in flight to some
// session other than self.
func (m *Manager) ExcludeSet(self core.PeerID) map[int]bool {
	m.mu.Lock()
	sessions := make([]*peersession.Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id == self {
			continue
		}
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	excl := make(map[int]bool)
	for _, s := range sessions {
		for _, idx := range s.InFlightPieces() {
			excl[idx] = true
		}
	}
	return excl
}

// EndGame reports whether this swarm has crossed the end-game threshold.
func (m *Manager) EndGame() bool {
	return selection.InEndGame(m.store.Progress(), len(m.store.MissingPieces()))
}
