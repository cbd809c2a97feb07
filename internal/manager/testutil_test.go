package manager

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modelhub/internal/apperr"
	"modelhub/internal/backend"
	"modelhub/internal/registry"
)

const gib int64 = 1 << 30

// fakeAdapter is an in-memory backend that counts calls.
type fakeAdapter struct {
	kind registry.Kind

	mu        sync.Mutex
	loads     map[string]int
	unloads   map[string]int
	loadErr   map[string]error
	unloadErr map[string]error
	health    map[string]backend.Health
	loadDelay time.Duration
	chunks    []string
	block     bool
	genErr    error
}

func newFake(kind registry.Kind) *fakeAdapter {
	return &fakeAdapter{
		kind:      kind,
		loads:     map[string]int{},
		unloads:   map[string]int{},
		loadErr:   map[string]error{},
		unloadErr: map[string]error{},
		health:    map[string]backend.Health{},
		chunks:    []string{"hello", " ", "world"},
	}
}

func (f *fakeAdapter) Kind() registry.Kind { return f.kind }

func (f *fakeAdapter) HealthCheck(_ context.Context, d registry.Descriptor) backend.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.health[d.ID]; ok {
		return h
	}
	return backend.Healthy
}

func (f *fakeAdapter) Load(ctx context.Context, d registry.Descriptor) error {
	f.mu.Lock()
	f.loads[d.ID]++
	delay, err := f.loadDelay, f.loadErr[d.ID]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return apperr.New(apperr.LoadTimeout, d.ID, "canceled")
		}
	}
	if f.kind == registry.KindContainer && f.HealthCheck(ctx, d) != backend.Healthy {
		return apperr.New(apperr.LoadRejected, d.ID, "container unhealthy")
	}
	return err
}

func (f *fakeAdapter) Unload(_ context.Context, d registry.Descriptor) error {
	if f.kind == registry.KindContainer {
		return apperr.New(apperr.Unsupported, d.ID, "container")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads[d.ID]++
	return f.unloadErr[d.ID]
}

func (f *fakeAdapter) Generate(ctx context.Context, d registry.Descriptor, _ string, _ backend.Params) (backend.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.genErr != nil {
		return nil, f.genErr
	}
	return &fakeStream{ctx: ctx, chunks: append([]string(nil), f.chunks...), block: f.block, closed: make(chan struct{})}, nil
}

func (f *fakeAdapter) Embed(_ context.Context, d registry.Descriptor, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

func (f *fakeAdapter) loadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

func (f *fakeAdapter) unloadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unloads[id]
}

func (f *fakeAdapter) setHealth(id string, h backend.Health) {
	f.mu.Lock()
	f.health[id] = h
	f.mu.Unlock()
}

type fakeStream struct {
	ctx    context.Context
	chunks []string
	i      int
	block  bool
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Recv() (backend.Chunk, error) {
	if s.i < len(s.chunks) {
		ch := backend.Chunk{Text: s.chunks[s.i]}
		s.i++
		if s.i == len(s.chunks) && !s.block {
			ch.TotalTokens = len(s.chunks)
		}
		return ch, nil
	}
	if s.block {
		select {
		case <-s.closed:
			return backend.Chunk{}, errors.New("stream closed")
		case <-s.ctx.Done():
			return backend.Chunk{}, s.ctx.Err()
		}
	}
	return backend.Chunk{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type harness struct {
	m         *Manager
	server    *fakeAdapter
	container *fakeAdapter
	pub       *MemoryPublisher
}

func server(id string, footprint int64, prio int, tags ...string) registry.Descriptor {
	return registry.Descriptor{ID: id, Kind: registry.KindServer, FootprintBytes: footprint, Priority: prio, Tags: tags, Loadable: true}
}

func container(id string, footprint int64, tags ...string) registry.Descriptor {
	return registry.Descriptor{ID: id, Kind: registry.KindContainer, FootprintBytes: footprint, Tags: tags}
}

// scenarioCatalog is the three-model catalog used by the routing scenarios.
// A is 21 GiB so that A plus the always-on container fits the 23 GiB budget.
func scenarioCatalog() []registry.Descriptor {
	return []registry.Descriptor{
		server("A", 21*gib, 0, "chat", "reasoning"),
		server("B", 9*gib, 0, "coding"),
		container("E", 2*gib, "embedding"),
	}
}

func newHarness(t *testing.T, descs []registry.Descriptor, capacity, headroom int64, modes map[string][]string) *harness {
	t.Helper()
	reg, err := registry.New(descs, capacity, headroom)
	require.NoError(t, err)
	h := &harness{
		server:    newFake(registry.KindServer),
		container: newFake(registry.KindContainer),
		pub:       NewMemoryPublisher(0),
	}
	h.m, err = New(ManagerConfig{
		Registry:  reg,
		Adapters:  backend.Set{Container: h.container, Server: h.server},
		Capacity:  capacity,
		Headroom:  headroom,
		Modes:     modes,
		ModeGrace: 50 * time.Millisecond,
		BusyGrace: 50 * time.Millisecond,
		Publisher: h.pub,
	})
	require.NoError(t, err)
	return h
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func (h *harness) status(id string) string {
	st, _ := h.m.ledger.Get(id)
	return string(st.Status)
}

func (h *harness) active(id string) int {
	st, _ := h.m.ledger.Get(id)
	return st.Active
}
