package trackerclient

import "time"

// Config configures a Client. Grounded on the teacher's per-package
// Config/applyDefaults convention (lib/torrent/scheduler/announcer.Config,
// lib/torrent/scheduler/config.go).
type Config struct {
	// BaseURL is the tracker's HTTP origin, e.g. "http://tracker.example:8080".
	BaseURL string `yaml:"base_url"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Compact is not read by Client: whether an announce asks for the
	// 6-byte packed peer list form (spec.md §4.6) is set per request by
	// AnnounceRequest.Compact, which the Swarm Manager fills from
	// swarm.Config.Compact.
	Compact bool `yaml:"compact"`

	// DefaultInterval is used for the first announce and any announce
	// response that omits an interval, per the Announcer.Config pattern in
	// lib/torrent/scheduler/announcer.
	DefaultInterval time.Duration `yaml:"default_interval"`
	// MaxInterval clamps a tracker-supplied interval from growing unbounded.
	MaxInterval time.Duration `yaml:"max_interval"`

	// Backoff parameters for a single announce attempt's retry sequence,
	// field-for-field the same shape as the teacher's
	// backoff.ExponentialBackOff literal in
	// tracker/metainfoclient/client.go.
	InitialInterval     time.Duration `yaml:"initial_interval"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	Multiplier          float64       `yaml:"multiplier"`
	MaxElapsedTime      time.Duration `yaml:"max_elapsed_time"`
}

func (c Config) applyDefaults() Config {
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.DefaultInterval == 0 {
		c.DefaultInterval = 30 * time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 5 * time.Minute
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor == 0 {
		c.RandomizationFactor = 0.1
	}
	if c.Multiplier == 0 {
		c.Multiplier = 1.5
	}
	if c.MaxElapsedTime == 0 {
		c.MaxElapsedTime = 30 * time.Second
	}
	return c
}
