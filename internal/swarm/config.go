package swarm

import (
	"time"

	"github.com/nodeswarm/peerd/internal/peersession"
	"github.com/nodeswarm/peerd/utils/backoff"
)

// Config configures a Manager. Grounded on the teacher's per-package
// Config/applyDefaults convention (lib/torrent/scheduler/config.go).
//
// The listen port is not part of this Config: like the teacher's
// scheduler (which binds s.pctx.Port), a Manager binds the port carried by
// the core.PeerContext passed to New, since that is also the port
// advertised to the tracker and to peers.
type Config struct {
	// Compact requests the 6-byte packed peer list form in announce
	// requests, per spec.md §4.6.
	Compact bool `yaml:"compact"`

	// ConnectInterval is how often the Connector scans for peers to dial,
	// per spec.md §4.5 ("periodic loop (every 5s)").
	ConnectInterval time.Duration `yaml:"connect_interval"`
	// MaxConsecutiveFailures is the number of consecutive dial failures
	// before a peer is skipped for SkipDuration.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	SkipDuration           time.Duration `yaml:"skip_duration"`

	// EndGameInterval is the tick rate of the end-game loop, per
	// spec.md §4.5 ("every 5s").
	EndGameInterval time.Duration `yaml:"end_game_interval"`

	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// EventBufferSize bounds the channel peer sessions publish
	// PieceComplete/Closed events onto, per spec.md §9.
	EventBufferSize int `yaml:"event_buffer_size"`

	Dial        backoff.Config      `yaml:"dial_backoff"`
	PeerSession peersession.Config  `yaml:"peer_session"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectInterval == 0 {
		c.ConnectInterval = 5 * time.Second
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.SkipDuration == 0 {
		c.SkipDuration = 60 * time.Second
	}
	if c.EndGameInterval == 0 {
		c.EndGameInterval = 5 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 64
	}
	return c
}
