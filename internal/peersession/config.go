package peersession

import "time"

// Config configures a Session. Grounded on the
// lib/torrent/scheduler/conn.Config applyDefaults pattern in the teacher
// repository: a yaml-tagged struct with zero-value detection rather than a
// package-level mutable default, per SPEC_FULL.md §2's config note.
type Config struct {
	// MaxInFlight is the outstanding block request count below which a
	// session selects another piece, per spec.md §4.4 ("MAX_IN_FLIGHT,
	// default 10"). All blocks of a selected piece are requested at once,
	// so the count can exceed MaxInFlight by up to one piece's blocks.
	MaxInFlight int `yaml:"max_in_flight"`

	// RequestTimeout is how long an outstanding request may go
	// unanswered before it is considered lost, per spec.md §4.4
	// ("default 60 s").
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// KeepAliveInterval is how long a session may go without sending a
	// frame before it emits a keep-alive, per spec.md §4.4 ("120 s").
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// IdleTimeout is how long a session may go without receiving any
	// frame before it is closed, per spec.md §4.4 ("120 s").
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// HandshakeTimeout bounds the handshake exchange, per spec.md §4.4
	// ("10-second deadline").
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SendBufferSize is the capacity of the outbound message channel.
	SendBufferSize int `yaml:"send_buffer_size"`

	// MaxBlockLength caps the length field of an incoming request, per
	// spec.md §4.4 ("l <= 131072").
	MaxBlockLength int `yaml:"max_block_length"`
}

func (c Config) applyDefaults() Config {
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 10
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 120 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 64
	}
	if c.MaxBlockLength == 0 {
		c.MaxBlockLength = 128 * 1024
	}
	return c
}
