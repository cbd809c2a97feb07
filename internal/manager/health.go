package manager

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"modelhub/internal/backend"
	"modelhub/internal/ledger"
	"modelhub/internal/registry"
)

// Run probes every model on the health interval until ctx ends. Containers
// that turn unhealthy are marked failed and recover to loaded when healthy
// again; they are never restarted. A loaded server model that probes
// unhealthy stays resident but is skipped by routing until it recovers.
func (m *Manager) Run(ctx context.Context) error {
	m.CheckHealth(ctx)
	t := time.NewTicker(m.healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one round of probes with bounded concurrency.
func (m *Manager) CheckHealth(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.healthConcurrency)
	for _, d := range m.reg.List() {
		g.Go(func() error {
			a, err := m.adapters.For(d)
			if err != nil {
				return nil
			}
			m.recordHealth(d, a.HealthCheck(gctx, d), "health check failed")
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) recordHealth(d registry.Descriptor, h backend.Health, reason string) {
	m.healthMu.Lock()
	prev := m.health[d.ID]
	m.health[d.ID] = h
	m.healthMu.Unlock()
	if prev != h {
		m.emit("health_change", d.ID, map[string]any{"from": string(prev), "to": string(h)})
	}
	if d.Kind != registry.KindContainer || h == backend.Unknown {
		return
	}
	was := m.ledger.SetHealth(d.ID, h == backend.Healthy, reason)
	if h == backend.Unhealthy && was == ledger.StatusLoaded {
		m.log.Warn().Str("model", d.ID).Msg("manager event=container_failed")
	}
}

func (m *Manager) healthOf(id string) backend.Health {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()
	if h, ok := m.health[id]; ok {
		return h
	}
	return backend.Unknown
}
