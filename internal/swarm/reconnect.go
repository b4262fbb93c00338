package swarm

import (
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/nodeswarm/peerd/core"
)

// reconnectEntry tracks one peer's dial history: consecutive-failure count
// and the time until which dials are skipped, per spec.md §4.5's reconnection bookkeeping
// map and spec.md §3's Swarm Manager ownership note.
type reconnectEntry struct {
	consecutiveFailures int
	skipUntil           time.Time
}

func (e *reconnectEntry) skipped(now time.Time) bool {
	return !e.skipUntil.IsZero() && now.Before(e.skipUntil)
}

// reconnectState is an in-memory, single-torrent analogue of
// connstate.State (lib/torrent/scheduler/connstate/state.go): that type
// tracks pending/active/blacklisted connections across many torrents
// behind a core.InfoHash+core.PeerID key; a Swarm Manager only ever
// manages one torrent's peers, so this collapses the key to just
// core.PeerID and keeps the blacklist-style skip logic adapted into a
// "skip for SkipDuration after MaxConsecutiveFailures" rule per
// spec.md §4.5's Connector description. Not thread-safe: callers hold
// Manager.mu, matching connstate.State's own "client must synchronize"
// contract.
type reconnectState struct {
	config  Config
	clk     clock.Clock
	entries map[core.PeerID]*reconnectEntry
}

func newReconnectState(config Config, clk clock.Clock) *reconnectState {
	return &reconnectState{
		config:  config,
		clk:     clk,
		entries: make(map[core.PeerID]*reconnectEntry),
	}
}

// eligible reports whether peerID should be dialed right now: it is not
// currently within its post-failure skip window.
func (r *reconnectState) eligible(peerID core.PeerID) bool {
	e, ok := r.entries[peerID]
	if !ok {
		return true
	}
	return !e.skipped(r.clk.Now())
}

// recordSuccess clears a peer's failure history on a successful dial or
// handshake.
func (r *reconnectState) recordSuccess(peerID core.PeerID) {
	delete(r.entries, peerID)
}

// recordFailure increments peerID's consecutive-failure count and, once it
// crosses MaxConsecutiveFailures, skips it for SkipDuration before
// resetting, per spec.md §4.5: "After 3 consecutive failures, skip a peer
// for 60s; then reset and retry."
func (r *reconnectState) recordFailure(peerID core.PeerID) {
	e, ok := r.entries[peerID]
	if !ok {
		e = &reconnectEntry{}
		r.entries[peerID] = e
	}
	e.consecutiveFailures++
	if e.consecutiveFailures >= r.config.MaxConsecutiveFailures {
		e.skipUntil = r.clk.Now().Add(r.config.SkipDuration)
		e.consecutiveFailures = 0
	}
}
