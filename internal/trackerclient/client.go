// Package trackerclient implements the client side of spec.md §4.6's
// tracker contract: POST /announce, GET /metainfo, GET /scrape. The tracker
// HTTP server itself is explicitly out of scope (spec.md §1).
//
// Grounded on tracker/announceclient/client.go's request/response shape
// (marshal JSON, POST, decode JSON) and tracker/metainfoclient/client.go's
// use of github.com/cenkalti/backoff for a single operation's retry
// sequence, adapted from the teacher's hash-ring multi-tracker addressing
// (this engine talks to one configured tracker origin, not a ring) to a
// single BaseURL per spec.md §4.6.
package trackerclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/nodeswarm/peerd/core"
)

// Client errors.
var (
	// ErrNotFound is returned by Metainfo when the tracker has no
	// descriptor for the requested fingerprint.
	ErrNotFound = errors.New("trackerclient: metainfo not found")
)

// FailureError wraps a tracker-reported failure_reason, per spec.md §4.6.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("tracker: %s", e.Reason)
}

// ScrapeResponse is the decoded response of GET /scrape.
type ScrapeResponse struct {
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
	Downloaded int `json:"downloaded"`
}

// Client issues announce/metainfo/scrape requests against one tracker.
type Client struct {
	config Config
	http   *http.Client
	logger *zap.SugaredLogger
}

// New creates a Client for the given config.
func New(config Config, logger *zap.SugaredLogger) *Client {
	config = config.applyDefaults()
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.HTTPTimeout},
		logger: logger,
	}
}

func (c *Client) backoff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.config.InitialInterval,
		RandomizationFactor: c.config.RandomizationFactor,
		Multiplier:          c.config.Multiplier,
		MaxInterval:         c.config.MaxInterval,
		MaxElapsedTime:      c.config.MaxElapsedTime,
		Clock:               backoff.SystemClock,
	}
}

// Announce issues a POST /announce request, per spec.md §4.6. Network
// errors are retried with exponential backoff within this single call; a
// non-200 response, malformed JSON, or a tracker-reported failure_reason
// are all surfaced to the caller (the Swarm Manager's announce loop is
// responsible for logging and waiting for the next periodic interval, per
// spec.md §4.5/§4.6 — this method never retries across announce
// intervals).
func (c *Client) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("marshal announce request: %s", err)
	}

	var resp AnnounceResponse
	op := func() error {
		httpResp, err := c.http.Post(
			c.config.BaseURL+"/announce", "application/json", bytes.NewReader(body))
		if err != nil {
			return err // Network error: retried by backoff.Retry.
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response: %s", err))
		}
		if httpResp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf(
				"announce: unexpected status %d: %s", httpResp.StatusCode, respBody))
		}
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("decode announce response: %s", err))
		}
		return nil
	}

	if err := backoff.Retry(op, c.backoff()); err != nil {
		return AnnounceResponse{}, err
	}
	if resp.FailureReason != "" {
		return resp, &FailureError{Reason: resp.FailureReason}
	}
	if resp.Warning != "" {
		c.log().Warnf("Tracker warning: %s", resp.Warning)
	}
	return resp, nil
}

// Metainfo fetches the descriptor for fp from GET /metainfo, per spec.md
// §4.6 ("used when the peer was added from a magnet-style URL carrying
// only the fingerprint").
func (c *Client) Metainfo(fp core.Fingerprint) (*core.Descriptor, error) {
	url := fmt.Sprintf("%s/metainfo?info_hash=%s", c.config.BaseURL, fp.Hex())

	var data []byte
	op := func() error {
		httpResp, err := c.http.Get(url)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(ErrNotFound)
		}
		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response: %s", err))
		}
		if httpResp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf(
				"metainfo: unexpected status %d: %s", httpResp.StatusCode, body))
		}
		data = body
		return nil
	}

	if err := backoff.Retry(op, c.backoff()); err != nil {
		return nil, err
	}
	d, err := core.DeserializeDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize descriptor: %s", err)
	}
	return d, nil
}

// Scrape fetches aggregate swarm stats for fp from GET /scrape.
func (c *Client) Scrape(fp core.Fingerprint) (ScrapeResponse, error) {
	url := fmt.Sprintf("%s/scrape?info_hash=%s", c.config.BaseURL, fp.Hex())

	var resp ScrapeResponse
	op := func() error {
		httpResp, err := c.http.Get(url)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response: %s", err))
		}
		if httpResp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf(
				"scrape: unexpected status %d: %s", httpResp.StatusCode, body))
		}
		return json.Unmarshal(body, &resp)
	}

	if err := backoff.Retry(op, c.backoff()); err != nil {
		return ScrapeResponse{}, err
	}
	return resp, nil
}

// IntervalOrDefault returns DefaultInterval when resp carries no positive
// interval, and otherwise the tracker-supplied interval capped at
// MaxInterval (there is no lower bound), per the announcer.Config clamping
// behavior in lib/torrent/scheduler/announcer/announcer.go.
func (c *Client) IntervalOrDefault(resp AnnounceResponse) time.Duration {
	if resp.IntervalSec <= 0 {
		return c.config.DefaultInterval
	}
	interval := time.Duration(resp.IntervalSec) * time.Second
	if interval > c.config.MaxInterval {
		return c.config.MaxInterval
	}
	return interval
}

func (c *Client) log() *zap.SugaredLogger {
	if c.logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.logger
}
