package manager

import (
	"context"

	"modelhub/internal/apperr"
	"modelhub/internal/backend"
	"modelhub/internal/registry"
)

// Load makes a model resident, evicting idle server models when needed.
// For a container model it re-probes health and succeeds only when healthy.
func (m *Manager) Load(ctx context.Context, id string) (Decision, error) {
	d, err := m.reg.Get(id)
	if err != nil {
		return Decision{}, err
	}
	if d.Kind == registry.KindContainer {
		a, err := m.adapters.For(d)
		if err != nil {
			return Decision{}, err
		}
		if err := a.Load(ctx, d); err != nil {
			m.recordHealth(d, backend.Unhealthy, err.Error())
			return Decision{}, err
		}
		m.recordHealth(d, backend.Healthy, "")
		return Decision{ModelID: id}, nil
	}
	if !d.Loadable {
		return Decision{}, apperr.New(apperr.LoadRejected, id, "model is not loadable")
	}
	evicted, err := m.ensureLoaded(ctx, d)
	return Decision{ModelID: id, Evicted: len(evicted) > 0, EvictedIDs: evicted}, err
}

// Unload evicts a server model. Unloading a model that is not loaded is a
// no-op success. Container models are never unloaded. A model that is busy
// or still loading is given the busy grace period to settle before the call
// fails with ModelBusy.
func (m *Manager) Unload(ctx context.Context, id string) error {
	d, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if d.Kind == registry.KindContainer {
		return apperr.New(apperr.Unsupported, id, "container models cannot be unloaded")
	}
	release, err := m.ledger.Admit(ctx)
	if err != nil {
		return err
	}
	defer release()

	victims, err := m.claimIdle(ctx, func() []string { return []string{id} }, m.busyGrace)
	if err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}
	if _, err := m.evict(ctx, victims, "unload"); err != nil {
		return err
	}
	m.emit("unload", id, nil)
	return nil
}
