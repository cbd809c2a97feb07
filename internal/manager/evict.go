package manager

import (
	"context"
	"time"

	"modelhub/internal/apperr"
	"modelhub/internal/ledger"
)

// evict unloads victims one by one. Each victim is already marked unloading
// by the ledger; its memory is released only after the backend confirms.
// On the first failure the failed and remaining victims return to loaded.
func (m *Manager) evict(ctx context.Context, victims []ledger.Victim, reason string) ([]string, error) {
	var done []string
	for i, v := range victims {
		err := m.unloadBackend(ctx, v.ModelID)
		if err != nil {
			m.ledger.AbortEvict(v.ModelID, err)
			for _, rest := range victims[i+1:] {
				m.ledger.AbortEvict(rest.ModelID, nil)
			}
			m.emit("evict_failed", v.ModelID, map[string]any{"reason": reason, "error": err.Error()})
			return done, apperr.Wrap(apperr.BackendError, v.ModelID, err)
		}
		m.ledger.Release(v.ModelID)
		m.evictionsTotal.Add(1)
		m.metrics.countEviction(v.ModelID)
		if err := m.stats.CountEviction(context.Background(), v.ModelID); err != nil {
			m.log.Warn().Err(err).Str("model", v.ModelID).Msg("manager event=stats_write_failed")
		}
		m.emit("evict", v.ModelID, map[string]any{"reason": reason, "freed_bytes": v.FootprintBytes})
		done = append(done, v.ModelID)
	}
	return done, nil
}

func (m *Manager) unloadBackend(ctx context.Context, id string) error {
	d, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	a, err := m.adapters.For(d)
	if err != nil {
		return err
	}
	return a.Unload(ctx, d)
}

// claimIdle marks every model returned by ids as unloading once none of them
// has in-flight requests. It retries until grace elapses and then fails with
// ModelBusy, leaving every model untouched. ids is re-evaluated on each
// attempt so models that finished loading meanwhile are included.
func (m *Manager) claimIdle(ctx context.Context, ids func() []string, grace time.Duration) ([]ledger.Victim, error) {
	deadline := time.Now().Add(grace)
	for {
		victims, err := m.ledger.BeginEvict(ids())
		if err == nil {
			return victims, nil
		}
		if !apperr.IsModelBusy(err) || time.Now().After(deadline) {
			return nil, err
		}
		t := time.NewTimer(busyPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
