package manager

import (
	"context"
	"time"

	"modelhub/internal/apperr"
	"modelhub/internal/ledger"
	"modelhub/internal/registry"
)

// ensureLoaded loads a server model through the admission gate. Concurrent
// callers for the same model share one load; a caller whose ctx ends stops
// waiting but the load itself runs to completion so the ledger never keeps a
// stale loading entry.
func (m *Manager) ensureLoaded(ctx context.Context, d registry.Descriptor) ([]string, error) {
	ch := m.loads.DoChan(d.ID, func() (any, error) {
		return m.admitAndLoad(context.WithoutCancel(ctx), d)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		evicted, _ := res.Val.([]string)
		return evicted, res.Err
	}
}

// admitAndLoad holds the admission gate while it re-checks the model, frees
// memory and reserves the footprint. The gate is released before the
// backend load so slow loads do not block unrelated admissions.
func (m *Manager) admitAndLoad(ctx context.Context, d registry.Descriptor) ([]string, error) {
	u := m.ledger.Usage()
	if budget := u.CapacityBytes - u.HeadroomBytes; d.FootprintBytes > budget {
		return nil, apperr.Shortfall(apperr.InsufficientCapacity, d.ID, d.FootprintBytes-budget)
	}
	release, err := m.ledger.Admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	st, _ := m.ledger.Get(d.ID)
	switch st.Status {
	case ledger.StatusLoaded:
		return nil, nil
	case ledger.StatusLoading, ledger.StatusUnloading:
		return nil, apperr.New(apperr.ModelBusy, d.ID, "model is %s", st.Status)
	}

	victims, err := m.ledger.PickVictims(d.ID, d.FootprintBytes, m.protected())
	if err != nil {
		m.emit("evict_impossible", d.ID, map[string]any{"need_bytes": d.FootprintBytes, "error": err.Error()})
		return nil, err
	}
	evicted, err := m.evict(ctx, victims, "make_room:"+d.ID)
	if err != nil {
		return evicted, err
	}
	if err := m.ledger.Reserve(d.ID, d.FootprintBytes); err != nil {
		return evicted, err
	}
	release()
	return evicted, m.load(ctx, d)
}

// load calls the backend for a model already reserved in the ledger.
func (m *Manager) load(ctx context.Context, d registry.Descriptor) error {
	a, err := m.adapters.For(d)
	if err != nil {
		m.ledger.MarkFailed(d.ID, err)
		return err
	}
	m.emit("load_start", d.ID, map[string]any{"footprint_bytes": d.FootprintBytes})
	start := time.Now()
	if err := a.Load(ctx, d); err != nil {
		err = apperr.Wrap(apperr.BackendError, d.ID, err)
		m.ledger.MarkFailed(d.ID, err)
		m.metrics.countLoad(d.ID, "failed")
		m.emit("load_failed", d.ID, map[string]any{"error": err.Error()})
		return err
	}
	if err := m.ledger.MarkLoaded(d.ID); err != nil {
		return apperr.Wrap(apperr.BackendError, d.ID, err)
	}
	m.loadsTotal.Add(1)
	m.metrics.countLoad(d.ID, "ok")
	if err := m.stats.CountLoad(context.Background(), d.ID); err != nil {
		m.log.Warn().Err(err).Str("model", d.ID).Msg("manager event=stats_write_failed")
	}
	m.emit("load_done", d.ID, map[string]any{"duration_ms": time.Since(start).Milliseconds()})
	return nil
}

// protected returns the models of the active preset; they are never picked
// as victims for an on-demand load.
func (m *Manager) protected() map[string]bool {
	m.modeMu.RLock()
	defer m.modeMu.RUnlock()
	if m.mode.status == ModeNone {
		return nil
	}
	out := make(map[string]bool, len(m.mode.models))
	for _, id := range m.mode.models {
		out[id] = true
	}
	return out
}
