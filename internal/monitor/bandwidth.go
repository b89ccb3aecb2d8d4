package monitor

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sdwanctl/internal/addrutil"
	"sdwanctl/internal/model"
)

// needsBandwidthTest reports whether a path's last measurement is missing or stale.
func (m *PathMonitor) needsBandwidthTest(id model.PathID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.history[id]
	if !ok || h.LastBandwidthTest.IsZero() {
		return true
	}
	return m.clock.Since(h.LastBandwidthTest) > m.cfg.BandwidthMaxAge
}

// bandwidthCycle measures the send rate of every non-down path whose last
// measurement is stale. Tests run concurrently up to BandwidthParallel.
func (m *PathMonitor) bandwidthCycle(ctx context.Context) {
	paths, err := m.db.ListPaths(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list paths for bandwidth test")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.BandwidthParallel)
	for _, p := range paths {
		if p.Status == model.PathDown || !m.needsBandwidthTest(p.ID) {
			continue
		}
		g.Go(func() error {
			m.testBandwidth(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *PathMonitor) testBandwidth(ctx context.Context, p model.Path) {
	fields := log.Fields{"path_id": p.ID}
	target, err := addrutil.ProbeTarget(p.DstEndpoint, m.cfg.BandwidthPort)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("Skipping bandwidth test")
		return
	}
	fields["target"] = target

	res, err := m.prober.SendBandwidth(ctx, target, m.cfg.BandwidthDuration, m.cfg.BandwidthPacing)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("Bandwidth test failed")
		return
	}
	if res.Err != nil {
		log.WithError(res.Err).WithFields(fields).Warn("Bandwidth test ended early, keeping partial result")
	}

	mbps := res.Mbps()
	m.mu.Lock()
	h := m.historyFor(p.ID)
	h.LastBandwidth = mbps
	h.LastBandwidthTest = m.clock.Now()
	m.mu.Unlock()

	fields["mbps"] = mbps
	fields["bytes"] = res.BytesSent
	log.WithFields(fields).Debug("Bandwidth test complete")
}
