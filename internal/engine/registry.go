// Package engine implements the Engine / Torrent Registry of spec.md §4.7:
// a process-wide map from fingerprint to torrent record, with
// add/pause/resume/remove lifecycle operations and read-only status
// snapshots.
//
// Grounded on the older lib/torrent/client.go's Client interface
// (DownloadTorrent/CreateTorrentFromFile style lifecycle around a single
// scheduler.Scheduler), generalized to spec.md's explicit
// add_from_magnet/add_from_descriptor/pause/resume/remove/status/
// peer_stats surface, with the process-wide map guarded by one
// sync.RWMutex per spec.md §4.7 ("All mutators take a process-wide lock;
// status/peer_stats take read locks and return snapshots").
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/nodeswarm/peerd/core"
	"github.com/nodeswarm/peerd/internal/config"
	"github.com/nodeswarm/peerd/internal/piecestore"
	"github.com/nodeswarm/peerd/internal/selection"
	"github.com/nodeswarm/peerd/internal/swarm"
	"github.com/nodeswarm/peerd/internal/trackerclient"
)

// Status is a torrent's lifecycle state within the Registry, per spec.md
// §4.7.
type Status string

// Possible Status values.
const (
	StatusStarted   Status = "started"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// TorrentStatus is a read-only snapshot of one torrent's lifecycle state,
// returned by Status. It never aliases Registry-owned state.
type TorrentStatus struct {
	Fingerprint core.Fingerprint
	Name        string
	Status      Status
	Progress    float64
	AddedAt     time.Time
	LastError   string
	LastErrorAt time.Time
}

// record is the Registry's internal bookkeeping for one torrent: {
// descriptor, piece_store, swarm, status, added_at } per spec.md §4.7,
// plus the bookkeeping needed to pause/resume it.
type record struct {
	descriptor *core.Descriptor
	store      *piecestore.Store
	manager    *swarm.Manager
	port       int

	status      Status
	addedAt     time.Time
	lastErr     string
	lastErrAt   time.Time
}

// Registry is the process-wide torrent map described by spec.md §4.7.
type Registry struct {
	cfg     config.Config
	pctx    core.PeerContext
	clk     clock.Clock
	stats   tally.Scope
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	records map[core.Fingerprint]*record
	nextPort int
}

// New constructs an empty Registry. pctx is this process's peer identity;
// its Port is used as the first torrent's listen port, with each
// subsequently added torrent claiming the next unused port above it (see
// package doc on internal/config.Config.BasePort).
func New(cfg config.Config, pctx core.PeerContext, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	return &Registry{
		cfg:      cfg,
		pctx:     pctx,
		clk:      clk,
		stats:    stats,
		logger:   logger,
		records:  make(map[core.Fingerprint]*record),
		nextPort: pctx.Port,
	}
}

func (r *Registry) log() *zap.SugaredLogger {
	if r.logger == nil {
		return zap.NewNop().Sugar()
	}
	return r.logger
}

// AddFromMagnet parses a magnet-style URL (spec.md §4.7's
// "Magnet URL parsing"), fetches the corresponding descriptor from the
// first tracker it names (falling back to the Registry's configured
// default tracker), and adds the resulting torrent.
func (r *Registry) AddFromMagnet(magnetURL string) (core.Fingerprint, error) {
	m, err := core.ParseMagnet(magnetURL)
	if err != nil {
		return core.Fingerprint{}, err
	}

	trackerURL := r.cfg.Tracker.BaseURL
	if len(m.Trackers) > 0 {
		trackerURL = m.Trackers[0]
	}
	tc := trackerclient.New(withBaseURL(r.cfg.Tracker, trackerURL), r.log())

	d, err := tc.Metainfo(m.Fingerprint)
	if err != nil {
		return core.Fingerprint{}, fmt.Errorf("fetch metainfo for %s: %s", m.Fingerprint, err)
	}
	if d.Fingerprint() != m.Fingerprint {
		return core.Fingerprint{}, fmt.Errorf(
			"engine: tracker metainfo fingerprint %s does not match magnet fingerprint %s",
			d.Fingerprint(), m.Fingerprint)
	}
	return d.Fingerprint(), r.AddFromDescriptor(d)
}

func withBaseURL(c trackerclient.Config, baseURL string) trackerclient.Config {
	c.BaseURL = baseURL
	return c
}

// AddFromDescriptor registers and starts a torrent from an already-known
// descriptor, per spec.md §4.7. Opens (or resumes scanning) the on-disk
// piece store for d's fingerprint, per spec.md §4.2's re-startability
// guarantee.
func (r *Registry) AddFromDescriptor(d *core.Descriptor) error {
	fp := d.Fingerprint()

	r.mu.Lock()
	if _, ok := r.records[fp]; ok {
		r.mu.Unlock()
		return ErrAlreadyExists
	}
	port := r.nextPort
	r.nextPort++
	r.mu.Unlock()

	store, manager, err := r.build(d, port)
	if err != nil {
		return fmt.Errorf("build torrent %s: %s", fp, err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start swarm manager for %s: %s", fp, err)
	}

	rec := &record{
		descriptor: d,
		store:      store,
		manager:    manager,
		port:       port,
		status:     StatusStarted,
		addedAt:    time.Now(),
	}

	r.mu.Lock()
	if _, ok := r.records[fp]; ok {
		r.mu.Unlock()
		manager.Close()
		return ErrAlreadyExists
	}
	r.records[fp] = rec
	r.mu.Unlock()

	return nil
}

// build constructs the Piece Store, Selection Policy, Tracker Client, and
// Swarm Manager for one torrent, wiring them exactly as
// internal/swarm.New expects.
func (r *Registry) build(d *core.Descriptor, port int) (*piecestore.Store, *swarm.Manager, error) {
	dir := fmt.Sprintf("%s/%s", r.cfg.WorkDir, d.Fingerprint().Hex())
	store, err := piecestore.Open(dir, d)
	if err != nil {
		return nil, nil, fmt.Errorf("open piece store: %s", err)
	}

	policy := selection.Policy{RarityFallback: r.cfg.RarityFallback}

	var tc *trackerclient.Client
	if d.Tracker() != "" {
		tc = trackerclient.New(withBaseURL(r.cfg.Tracker, d.Tracker()), r.log())
	}

	pctx := core.PeerContext{IP: r.pctx.IP, Port: port, PeerID: r.pctx.PeerID}
	manager := swarm.New(pctx, d, store, policy, tc, r.cfg.Swarm, r.clk,
		r.stats.SubScope("torrent").Tagged(map[string]string{"fingerprint": d.Fingerprint().Hex()}),
		r.log())

	return store, manager, nil
}

// Pause stops a torrent's Swarm Manager (closing every session and
// announcing "stopped") while keeping its on-disk pieces and Registry
// entry intact, per spec.md §4.7/§9 ("pause/resume preserves have_pieces
// and transfers remaining bytes correctly").
func (r *Registry) Pause(fp core.Fingerprint) error {
	r.mu.Lock()
	rec, ok := r.records[fp]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if rec.status != StatusStarted {
		r.mu.Unlock()
		return ErrInTerminalState
	}
	rec.status = StatusPaused
	manager := rec.manager
	r.mu.Unlock()

	manager.Close()
	return nil
}

// Resume restarts a paused torrent's Swarm Manager against its existing
// Piece Store, re-announcing "started" and re-dialing known peers.
func (r *Registry) Resume(fp core.Fingerprint) error {
	r.mu.Lock()
	rec, ok := r.records[fp]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if rec.status != StatusPaused {
		r.mu.Unlock()
		return ErrNotPaused
	}
	r.mu.Unlock()

	store, manager, err := r.build(rec.descriptor, rec.port)
	if err != nil {
		r.markError(fp, err)
		return err
	}
	if err := manager.Start(); err != nil {
		r.markError(fp, err)
		return err
	}

	r.mu.Lock()
	// Both store and manager are replaced together: build opened a fresh
	// Store by re-scanning disk (safe, since Pause closed the old Manager
	// before any further writes could occur), and the new Manager only
	// knows about that fresh Store, not the pre-pause one. Leaving
	// rec.store pointed at the discarded Store would freeze Status's
	// reported progress at its pre-pause value.
	rec.store = store
	rec.manager = manager
	rec.status = StatusStarted
	r.mu.Unlock()
	return nil
}

// Remove stops a torrent (if running) and drops its Registry entry.
// deleteFiles additionally removes its on-disk working directory.
func (r *Registry) Remove(fp core.Fingerprint, deleteFiles bool) error {
	r.mu.Lock()
	rec, ok := r.records[fp]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.records, fp)
	r.mu.Unlock()

	if rec.status == StatusStarted {
		rec.manager.Close()
	}
	if deleteFiles {
		return rec.store.RemoveAll()
	}
	return nil
}

func (r *Registry) markError(fp core.Fingerprint, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[fp]; ok {
		rec.status = StatusError
		rec.lastErr = err.Error()
		rec.lastErrAt = time.Now()
	}
}

// snapshot builds a TorrentStatus for rec without holding r.mu (the caller
// must not hold r.mu while calling this: Probe()/Progress()/Snapshot()
// below are themselves safe for concurrent use, but Probe() can block for
// up to the Manager's configured ProbeTimeout, and holding r.mu across
// that would stall every other Registry operation).
//
// A Started torrent whose Manager fails to Probe (its event loop is wedged)
// is reported as Error, per SPEC_FULL.md §8's Probe()/ProbeTimeout
// supplement: a lightweight liveness check so Status can surface a stuck
// Manager without blocking on full state collection.
func snapshot(fp core.Fingerprint, rec *record) TorrentStatus {
	status := rec.status
	lastErr := rec.lastErr
	lastErrAt := rec.lastErrAt
	progress := rec.store.Progress()
	if status == StatusStarted && progress >= 1 {
		status = StatusCompleted
	}
	if status == StatusStarted {
		if err := rec.manager.Probe(); err != nil {
			status = StatusError
			lastErr = err.Error()
			lastErrAt = time.Now()
		}
	}
	return TorrentStatus{
		Fingerprint: fp,
		Name:        rec.descriptor.Name(),
		Status:      status,
		Progress:    progress,
		AddedAt:     rec.addedAt,
		LastError:   lastErr,
		LastErrorAt: lastErrAt,
	}
}

// Status returns a snapshot for each requested fingerprint, or for every
// registered torrent if fps is empty, per spec.md §4.7.
func (r *Registry) Status(fps ...core.Fingerprint) ([]TorrentStatus, error) {
	r.mu.RLock()
	var recs []*record
	var order []core.Fingerprint
	if len(fps) == 0 {
		for fp, rec := range r.records {
			order = append(order, fp)
			recs = append(recs, rec)
		}
	} else {
		for _, fp := range fps {
			rec, ok := r.records[fp]
			if !ok {
				r.mu.RUnlock()
				return nil, fmt.Errorf("%w: %s", ErrNotFound, fp)
			}
			order = append(order, fp)
			recs = append(recs, rec)
		}
	}
	r.mu.RUnlock()

	out := make([]TorrentStatus, 0, len(recs))
	for i, rec := range recs {
		out = append(out, snapshot(order[i], rec))
	}
	return out, nil
}

// PeerStats returns the live per-peer connection stats for a running
// torrent, per spec.md §4.7/§4.5 ("Stats: expose for the operator UI").
func (r *Registry) PeerStats(fp core.Fingerprint) (swarm.Stats, error) {
	r.mu.RLock()
	rec, ok := r.records[fp]
	r.mu.RUnlock()
	if !ok {
		return swarm.Stats{}, ErrNotFound
	}
	if rec.status != StatusStarted {
		return swarm.Stats{Progress: rec.store.Progress()}, nil
	}
	return rec.manager.Snapshot(), nil
}

// Close stops every running torrent's Swarm Manager. Intended for process
// shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := make([]*swarm.Manager, 0, len(r.records))
	for _, rec := range r.records {
		if rec.status == StatusStarted {
			managers = append(managers, rec.manager)
		}
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
