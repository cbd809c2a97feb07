package manager

import (
	"context"
	"errors"

	"modelhub/internal/apperr"
	"modelhub/internal/registry"
)

// Embed routes an embedding request with the same admission machinery as
// generation and returns one vector per text. model, when set, overrides
// routing.
func (m *Manager) Embed(ctx context.Context, model string, texts []string) (EmbedResult, error) {
	if len(texts) == 0 {
		return EmbedResult{}, errors.New("no input texts")
	}
	d, _, err := m.route(ctx, Request{Task: registry.TaskEmbedding, Model: model}, true)
	if err != nil {
		return EmbedResult{}, err
	}
	defer m.ledger.Done(d.ID)
	a, err := m.adapters.For(d)
	if err != nil {
		return EmbedResult{}, err
	}
	vecs, err := a.Embed(ctx, d, texts)
	if err != nil {
		return EmbedResult{}, apperr.Wrap(apperr.BackendError, d.ID, err)
	}
	m.persistUsage(d.ID)
	return EmbedResult{ModelID: d.ID, Vectors: vecs}, nil
}
