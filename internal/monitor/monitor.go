package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"sdwanctl/internal/addrutil"
	"sdwanctl/internal/config"
	"sdwanctl/internal/model"
	"sdwanctl/internal/probe"
)

// ErrNotRunning is returned by operations that need a started monitor.
var ErrNotRunning = errors.New("path monitor not running")

// Database is the subset of the path store the monitor consumes.
type Database interface {
	ListPaths(ctx context.Context) ([]model.Path, error)
	GetPath(ctx context.Context, id model.PathID) (model.Path, error)
	GetLatestMetrics(ctx context.Context, id model.PathID) (*model.PathMetrics, error)
	StorePathMetrics(ctx context.Context, id model.PathID, m model.PathMetrics) error
	UpdatePathStatus(ctx context.Context, id model.PathID, status model.PathStatus) error
}

// Prober sends latency probes and bandwidth streams.
type Prober interface {
	Probe(ctx context.Context, addr string, seq uint64, timeout time.Duration) (time.Duration, error)
	SendBandwidth(ctx context.Context, addr string, duration, pacing time.Duration) (probe.BandwidthResult, error)
}

// UDPProber is the Prober backed by real UDP sockets.
type UDPProber struct{}

func (UDPProber) Probe(ctx context.Context, addr string, seq uint64, timeout time.Duration) (time.Duration, error) {
	return probe.Probe(ctx, addr, seq, timeout)
}

func (UDPProber) SendBandwidth(ctx context.Context, addr string, duration, pacing time.Duration) (probe.BandwidthResult, error) {
	return probe.SendBandwidth(ctx, addr, duration, pacing)
}

// Observer receives measurement events, e.g. for metrics export.
type Observer interface {
	ObserveProbe(id model.PathID, ok bool, rtt time.Duration)
	ObservePath(id model.PathID, m model.PathMetrics, status model.PathStatus)
}

// MTUSource reports the MTU of a local interface.
type MTUSource interface {
	MTU(iface string) (int, error)
}

// Option configures a PathMonitor.
type Option func(*PathMonitor)

// WithClock replaces the wall clock (tests use clock.NewMock).
func WithClock(c clock.Clock) Option {
	return func(m *PathMonitor) { m.clock = c }
}

// WithProber replaces the UDP prober.
func WithProber(p Prober) Option {
	return func(m *PathMonitor) { m.prober = p }
}

// WithMTUSource enables MTU lookup for paths bound to a WireGuard interface.
func WithMTUSource(s MTUSource) Option {
	return func(m *PathMonitor) { m.mtu = s }
}

// WithObserver registers an observer for probe and metrics events.
func WithObserver(o Observer) Option {
	return func(m *PathMonitor) { m.observer = o }
}

// PathMonitor probes every non-down path, keeps a sliding window of results
// and periodically persists scored metrics and status.
type PathMonitor struct {
	db       Database
	cfg      config.MonitorConfig
	clock    clock.Clock
	prober   Prober
	observer Observer
	mtu      MTUSource

	mu      sync.RWMutex
	history map[model.PathID]*ProbeHistory

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	probes    sync.WaitGroup
}

// New creates a monitor. Zero fields of cfg take the config defaults.
func New(db Database, cfg config.MonitorConfig, opts ...Option) *PathMonitor {
	full := config.Config{Monitor: cfg}
	config.ApplyDefaults(&full)

	m := &PathMonitor{
		db:      db,
		cfg:     full.Monitor,
		clock:   clock.New(),
		prober:  UDPProber{},
		history: make(map[model.PathID]*ProbeHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Running reports whether the loops are active.
func (m *PathMonitor) Running() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.running
}

// Start launches the probe, metrics and bandwidth loops. Calling Start on a
// running monitor is a no-op.
func (m *PathMonitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	// Tickers are created here so that a mock clock sees them before any Add.
	probeTicker := m.clock.Ticker(m.cfg.ProbeInterval)
	metricsTicker := m.clock.Ticker(m.cfg.MetricsInterval)
	bwTicker := m.clock.Ticker(m.cfg.BandwidthInterval)

	m.loops.Add(3)
	go m.loop(runCtx, probeTicker, m.probeCycle)
	go m.loop(runCtx, metricsTicker, m.collectCycle)
	go m.loop(runCtx, bwTicker, m.bandwidthCycle)

	log.WithFields(log.Fields{
		"probe_interval":     m.cfg.ProbeInterval,
		"metrics_interval":   m.cfg.MetricsInterval,
		"bandwidth_interval": m.cfg.BandwidthInterval,
	}).Info("Path monitor started")
	return nil
}

// Stop cancels the loops and waits for in-flight probes for at most the probe
// timeout plus one second. Stopping a stopped monitor is a no-op.
func (m *PathMonitor) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	m.cancel()
	m.loops.Wait()

	done := make(chan struct{})
	go func() {
		m.probes.Wait()
		close(done)
	}()

	grace := time.NewTimer(m.cfg.ProbeTimeout + time.Second)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		log.Warn("Path monitor stopped with probes still in flight")
	}

	log.Info("Path monitor stopped")
	return nil
}

func (m *PathMonitor) loop(ctx context.Context, t *clock.Ticker, cycle func(context.Context)) {
	defer m.loops.Done()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cycle(ctx)
		}
	}
}

// probeCycle fires one detached probe per non-down path.
func (m *PathMonitor) probeCycle(ctx context.Context) {
	paths, err := m.db.ListPaths(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list paths for probing")
		return
	}
	probeCtx := context.WithoutCancel(ctx)

	for _, p := range paths {
		if p.Status == model.PathDown {
			continue
		}
		target, err := addrutil.ProbeTarget(p.DstEndpoint, m.cfg.ProbePort)
		if err != nil {
			log.WithError(err).WithField("path_id", p.ID).Warn("Skipping probe")
			continue
		}

		seq := m.beginProbe(p.ID)
		m.probes.Add(1)
		// Detached probes outlive Stop; ProbeTimeout bounds them.
		go func(p model.Path) {
			defer m.probes.Done()
			if p.WGInterface != "" && m.mtu != nil {
				m.refreshMTU(p)
			}
			if _, err := m.runProbe(probeCtx, p.ID, target, seq); err != nil {
				log.WithFields(log.Fields{
					"path_id": p.ID,
					"seq":     seq,
					"target":  target,
				}).WithError(err).Debug("Probe failed")
			}
		}(p)
	}
}

// refreshMTU re-reads the interface MTU at most once per BandwidthMaxAge.
func (m *PathMonitor) refreshMTU(p model.Path) {
	now := m.clock.Now()
	m.mu.Lock()
	h := m.historyFor(p.ID)
	due := h.mtuCheckedAt.IsZero() || now.Sub(h.mtuCheckedAt) >= m.cfg.BandwidthMaxAge
	if due {
		h.mtuCheckedAt = now
	}
	m.mu.Unlock()
	if !due {
		return
	}

	mtu, err := m.mtu.MTU(p.WGInterface)
	if err != nil {
		log.WithFields(log.Fields{"path_id": p.ID, "iface": p.WGInterface}).WithError(err).Debug("MTU lookup failed")
		return
	}
	m.mu.Lock()
	if h, ok := m.history[p.ID]; ok {
		h.MTU = mtu
	}
	m.mu.Unlock()
}

// beginProbe counts a probe as sent and returns its sequence number.
func (m *PathMonitor) beginProbe(id model.PathID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyFor(id).nextSequence()
}

func (m *PathMonitor) runProbe(ctx context.Context, id model.PathID, target string, seq uint64) (time.Duration, error) {
	rtt, err := m.prober.Probe(ctx, target, seq, m.cfg.ProbeTimeout)
	if m.observer != nil {
		m.observer.ObserveProbe(id, err == nil, rtt)
	}
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	// A path forgotten while its probe was in flight stays forgotten.
	if h, ok := m.history[id]; ok {
		h.AddSample(float64(rtt.Microseconds())/1000.0, m.clock.Now())
	}
	m.mu.Unlock()
	return rtt, nil
}

// pruneRemoved forgets tracked paths that are no longer registered, such as
// one deleted while a bandwidth test was recording into it.
func (m *PathMonitor) pruneRemoved(ctx context.Context) {
	paths, err := m.db.ListPaths(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to list paths for pruning")
		return
	}
	known := make(map[model.PathID]struct{}, len(paths))
	for _, p := range paths {
		known[p.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.history {
		if _, ok := known[id]; !ok {
			delete(m.history, id)
			log.WithField("path_id", id).Debug("Dropped state of removed path")
		}
	}
}

// Forget drops the in-memory state of a removed path.
func (m *PathMonitor) Forget(id model.PathID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, id)
}

// historyFor must be called with mu held for writing.
func (m *PathMonitor) historyFor(id model.PathID) *ProbeHistory {
	h, ok := m.history[id]
	if !ok {
		h = &ProbeHistory{}
		m.history[id] = h
	}
	return h
}

// collectCycle scores every tracked path and persists metrics and status.
func (m *PathMonitor) collectCycle(ctx context.Context) {
	m.pruneRemoved(ctx)
	now := m.clock.Now()
	snapshot := m.GetAllMetrics()
	for id := range snapshot {
		metrics := snapshot[id]
		metrics.MeasuredAt = now
		status := StatusFor(metrics)

		if err := m.db.StorePathMetrics(ctx, id, metrics); err != nil {
			log.WithError(err).WithField("path_id", id).Error("Failed to store path metrics")
			continue
		}
		if err := m.db.UpdatePathStatus(ctx, id, status); err != nil {
			log.WithError(err).WithField("path_id", id).Error("Failed to update path status")
			continue
		}
		if m.observer != nil {
			m.observer.ObservePath(id, metrics, status)
		}

		log.WithFields(log.Fields{
			"path_id":    id,
			"latency_ms": metrics.LatencyMs,
			"jitter_ms":  metrics.JitterMs,
			"loss_pct":   metrics.PacketLossPct,
			"score":      metrics.Score,
			"status":     status,
		}).Debug("Path metrics updated")
	}
}

// GetMetrics returns the live metrics of a tracked path, falling back to the
// latest stored snapshot. It returns nil when neither exists.
func (m *PathMonitor) GetMetrics(ctx context.Context, id model.PathID) (*model.PathMetrics, error) {
	m.mu.RLock()
	h, ok := m.history[id]
	var metrics model.PathMetrics
	if ok {
		metrics = h.Metrics(m.clock.Now())
	}
	m.mu.RUnlock()
	if ok {
		return &metrics, nil
	}

	stored, err := m.db.GetLatestMetrics(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("latest metrics for path %s: %w", id, err)
	}
	return stored, nil
}

// GetAllMetrics snapshots the metrics of every tracked path.
func (m *PathMonitor) GetAllMetrics() map[model.PathID]model.PathMetrics {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[model.PathID]model.PathMetrics, len(m.history))
	for id, h := range m.history {
		out[id] = h.Metrics(now)
	}
	return out
}

// History returns a copy of a path's probe history.
func (m *PathMonitor) History(id model.PathID) (ProbeHistory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.history[id]
	if !ok {
		return ProbeHistory{}, false
	}
	return *h.clone(), true
}

// SendProbe probes one path synchronously and returns the round-trip time.
// The probe counts toward loss like a scheduled one.
func (m *PathMonitor) SendProbe(ctx context.Context, id model.PathID) (time.Duration, error) {
	if !m.Running() {
		return 0, ErrNotRunning
	}

	p, err := m.db.GetPath(ctx, id)
	if err != nil {
		return 0, err
	}
	target, err := addrutil.ProbeTarget(p.DstEndpoint, m.cfg.ProbePort)
	if err != nil {
		return 0, err
	}

	seq := m.beginProbe(id)
	return m.runProbe(ctx, id, target, seq)
}
