package peersession

import "github.com/nodeswarm/peerd/core"

// Event is something a Session reports to its owning Swarm Manager. Per
// spec.md §9's "cyclic ownership risk" design note, a Session never calls
// back into the manager directly: it only ever publishes Events onto a
// channel the manager drains, mirroring the teacher's own Events-interface
// callback idea (conn.Events.ConnClosed) but realized as a channel send,
// since SPEC_FULL.md §6 calls for "sessions publish PieceComplete events
// into a queue that the Swarm Manager drains and fans out."
type Event interface {
	isEvent()
}

// PieceCompleteEvent fires when this session's inbound piece data completed
// and verified a piece. The Swarm Manager is responsible for broadcasting a
// `have` message to every other Established session in the swarm.
type PieceCompleteEvent struct {
	PeerID core.PeerID
	Index  int
}

func (PieceCompleteEvent) isEvent() {}

// ClosedEvent is sent at most once, when a session transitions to Closed, so
// the manager can drop it from its session set and schedule reconnection.
// The send does not block: the event is dropped if the events channel is
// full.
type ClosedEvent struct {
	PeerID core.PeerID
	Err    error
}

func (ClosedEvent) isEvent() {}
