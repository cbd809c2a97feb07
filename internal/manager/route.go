package manager

import (
	"context"
	"sort"
	"time"

	"modelhub/internal/apperr"
	"modelhub/internal/backend"
	"modelhub/internal/ledger"
	"modelhub/internal/registry"
	"modelhub/internal/stream"
)

// candidates returns the ordered candidate list for req.
//
// Order: priority desc; with a latency budget, observed tokens/sec desc;
// loaded before not loaded; smaller footprint; id.
func (m *Manager) candidates(req Request) ([]registry.Descriptor, error) {
	if req.Model != "" {
		d, err := m.reg.Get(req.Model)
		if err != nil {
			return nil, err
		}
		return []registry.Descriptor{d}, nil
	}
	var out []registry.Descriptor
	for _, d := range m.reg.FindCandidates(req.Task) {
		if d.FitsContext(req.ContextTokens) {
			out = append(out, d)
		}
	}
	states := make(map[string]ledger.State, len(out))
	for _, d := range out {
		st, _ := m.ledger.Get(d.ID)
		states[d.ID] = st
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		sa, sb := states[a.ID], states[b.ID]
		if req.LatencyBudget > 0 && sa.TokensPerSec != sb.TokensPerSec {
			return sa.TokensPerSec > sb.TokensPerSec
		}
		la, lb := sa.Status == ledger.StatusLoaded, sb.Status == ledger.StatusLoaded
		if la != lb {
			return la
		}
		if a.FootprintBytes != b.FootprintBytes {
			return a.FootprintBytes < b.FootprintBytes
		}
		return a.ID < b.ID
	})
	return out, nil
}

// prepare makes d dispatchable. It returns the ids evicted on the way. A
// loaded server model whose last health probe failed is not dispatchable.
func (m *Manager) prepare(ctx context.Context, d registry.Descriptor) ([]string, error) {
	st, _ := m.ledger.Get(d.ID)
	if st.Status == ledger.StatusLoaded {
		if d.Kind == registry.KindServer && m.healthOf(d.ID) == backend.Unhealthy {
			return nil, apperr.New(apperr.BackendError, d.ID, "model server is unhealthy")
		}
		return nil, nil
	}
	if d.Kind == registry.KindContainer {
		return nil, apperr.New(apperr.BackendError, d.ID, "container is %s", st.Status)
	}
	if !d.Loadable {
		return nil, apperr.New(apperr.LoadRejected, d.ID, "model is not loadable")
	}
	return m.ensureLoaded(ctx, d)
}

// route walks the candidates until one is loaded. With acquire set the chosen
// model's active count is incremented before route returns; an eviction that
// claimed the model in between makes Acquire fail and the walk continues.
func (m *Manager) route(ctx context.Context, req Request, acquire bool) (registry.Descriptor, Decision, error) {
	cands, err := m.candidates(req)
	if err != nil {
		return registry.Descriptor{}, Decision{}, err
	}
	var (
		dec  Decision
		last error
	)
	for _, d := range cands {
		evicted, err := m.prepare(ctx, d)
		dec.EvictedIDs = append(dec.EvictedIDs, evicted...)
		if err == nil && acquire && !m.ledger.Acquire(d.ID) {
			err = apperr.New(apperr.ModelBusy, d.ID, "model left loaded state before dispatch")
		}
		if err != nil {
			if ctx.Err() != nil {
				return registry.Descriptor{}, dec, ctx.Err()
			}
			m.log.Debug().Err(err).Str("model", d.ID).Str("task", req.Task).Msg("manager event=candidate_skipped")
			last = err
			continue
		}
		dec.ModelID = d.ID
		dec.Evicted = len(dec.EvictedIDs) > 0
		return d, dec, nil
	}
	if req.Model != "" && last != nil {
		return registry.Descriptor{}, dec, last
	}
	if last == nil {
		last = apperr.New(apperr.NotFound, "", "no model is tagged %q", req.Task)
	}
	return registry.Descriptor{}, dec, errNoCandidate(req.Task, last)
}

// Route selects a model for req and makes sure it is loaded, evicting idle
// models when needed. It does not dispatch.
func (m *Manager) Route(ctx context.Context, req Request) (Decision, error) {
	_, dec, err := m.route(ctx, req, false)
	return dec, err
}

// RouteAndDispatch routes req and starts generation on the chosen model. The
// returned stream decrements the model's active count exactly once, however
// it ends; callers must Close it.
func (m *Manager) RouteAndDispatch(ctx context.Context, req Request) (*stream.EventStream, Decision, error) {
	d, dec, err := m.route(ctx, req, true)
	if err != nil {
		return nil, dec, err
	}
	a, err := m.adapters.For(d)
	if err != nil {
		m.ledger.Done(d.ID)
		return nil, dec, err
	}
	gctx, cancel := context.WithCancel(ctx)
	src, err := a.Generate(gctx, d, req.Prompt, req.Params)
	if err != nil {
		cancel()
		m.ledger.Done(d.ID)
		return nil, dec, apperr.Wrap(apperr.BackendError, d.ID, err)
	}
	m.log.Debug().Str("model", d.ID).Str("task", req.Task).Strs("evicted", dec.EvictedIDs).Msg("manager event=dispatch")
	es := stream.New(d.ID, src, cancel, m.streamHooks(d.ID))
	return es, dec, nil
}

func (m *Manager) streamHooks(id string) stream.Hooks {
	return stream.Hooks{
		Done: func() { m.ledger.Done(id) },
		Observe: func(tokens int, elapsed time.Duration) {
			m.ledger.Observe(id, tokens, elapsed)
			m.metrics.observeGeneration(id, tokens, elapsed)
			m.persistUsage(id)
		},
	}
}
