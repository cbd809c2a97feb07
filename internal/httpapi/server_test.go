package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"modelhub/internal/apperr"
	"modelhub/internal/backend"
	"modelhub/internal/manager"
	"modelhub/internal/stream"
	"modelhub/pkg/types"
)

// chunks replays texts then ends with end (io.EOF when nil).
type chunks struct {
	texts []string
	end   error
	i     int
}

func (c *chunks) Recv() (backend.Chunk, error) {
	if c.i < len(c.texts) {
		c.i++
		return backend.Chunk{Text: c.texts[c.i-1]}, nil
	}
	if c.end != nil {
		return backend.Chunk{}, c.end
	}
	return backend.Chunk{}, io.EOF
}

func (c *chunks) Close() error { return nil }

// stalled blocks until closed.
type stalled struct{ closed chan struct{} }

func (s *stalled) Recv() (backend.Chunk, error) {
	<-s.closed
	return backend.Chunk{}, context.Canceled
}

func (s *stalled) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

type mockService struct {
	models  []types.ModelStatus
	memory  types.MemoryResponse
	status  types.StatusResponse
	mode    types.ModeResponse
	ready   bool
	err     error
	evicted []string
	src     func() backend.Stream
	done    atomic.Int32
	lastReq manager.Request
}

func (m *mockService) Models() []types.ModelStatus  { return m.models }
func (m *mockService) Memory() types.MemoryResponse { return m.memory }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Mode() types.ModeResponse     { return m.mode }
func (m *mockService) Ready() bool                  { return m.ready }

func (m *mockService) Load(ctx context.Context, id string) (manager.Decision, error) {
	if m.err != nil {
		return manager.Decision{}, m.err
	}
	return manager.Decision{ModelID: id, Evicted: len(m.evicted) > 0, EvictedIDs: m.evicted}, nil
}

func (m *mockService) Unload(ctx context.Context, id string) error { return m.err }

func (m *mockService) SwitchMode(ctx context.Context, name string) (types.ModeResponse, error) {
	if m.err != nil {
		return types.ModeResponse{}, m.err
	}
	return types.ModeResponse{Name: name, Status: "ready", OpID: "op-1", Evicted: m.evicted}, nil
}

func (m *mockService) RouteAndDispatch(ctx context.Context, req manager.Request) (*stream.EventStream, manager.Decision, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, manager.Decision{}, m.err
	}
	src := backend.Stream(&chunks{texts: []string{"Hel", "lo"}})
	if m.src != nil {
		src = m.src()
	}
	es := stream.New("B", src, nil, stream.Hooks{Done: func() { m.done.Add(1) }})
	return es, manager.Decision{ModelID: "B"}, nil
}

func (m *mockService) Embed(ctx context.Context, model string, texts []string) (manager.EmbedResult, error) {
	if m.err != nil {
		return manager.EmbedResult{}, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return manager.EmbedResult{ModelID: "embed", Vectors: out}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body: %v (%q)", err, rec.Body.String())
	}
	return e
}

func ndjson(t *testing.T, body []byte) []stream.Event {
	t.Helper()
	var out []stream.Event
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var ev stream.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestModelsStatusHandler(t *testing.T) {
	svc := &mockService{models: []types.ModelStatus{{ID: "A"}, {ID: "B"}}}
	rec := do(t, NewMux(svc), http.MethodGet, "/models/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body []types.ModelStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body) != 2 {
		t.Fatalf("unexpected body %q: %v", rec.Body.String(), err)
	}
}

func TestMemoryModeAndStatusHandlers(t *testing.T) {
	svc := &mockService{
		memory: types.MemoryResponse{CapacityBytes: 24, UsedBytes: 2},
		mode:   types.ModeResponse{Name: "coding", Status: "ready"},
		status: types.StatusResponse{LoadsTotal: 3},
	}
	h := NewMux(svc)

	var mem types.MemoryResponse
	rec := do(t, h, http.MethodGet, "/memory", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &mem); err != nil || mem.CapacityBytes != 24 {
		t.Fatalf("memory: %q %v", rec.Body.String(), err)
	}
	var mode types.ModeResponse
	rec = do(t, h, http.MethodGet, "/mode", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &mode); err != nil || mode.Name != "coding" {
		t.Fatalf("mode: %q %v", rec.Body.String(), err)
	}
	var st types.StatusResponse
	rec = do(t, h, http.MethodGet, "/status", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.LoadsTotal != 3 {
		t.Fatalf("status: %q %v", rec.Body.String(), err)
	}
}

func TestReadyz(t *testing.T) {
	rec := do(t, NewMux(&mockService{ready: true}), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	rec = do(t, NewMux(&mockService{}), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "loading") {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec := do(t, NewMux(&mockService{}), http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rec.Code)
	}
}

func TestLoadReportsEvictions(t *testing.T) {
	svc := &mockService{evicted: []string{"A"}}
	rec := do(t, NewMux(svc), http.MethodPost, "/models/B/load", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	var body types.ModelActionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.ModelID != "B" || body.Status != "loaded" || len(body.Evicted) != 1 || body.Evicted[0] != "A" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.NotFound, http.StatusNotFound},
		{apperr.Unsupported, http.StatusConflict},
		{apperr.ModelBusy, http.StatusConflict},
		{apperr.InsufficientCapacity, http.StatusServiceUnavailable},
		{apperr.EvictionImpossible, http.StatusServiceUnavailable},
		{apperr.LoadTimeout, http.StatusGatewayTimeout},
		{apperr.LoadRejected, http.StatusBadGateway},
		{apperr.BackendError, http.StatusBadGateway},
	}
	for _, c := range cases {
		svc := &mockService{err: apperr.New(c.kind, "B", "boom")}
		for _, path := range []string{"/models/B/load", "/models/B/unload"} {
			rec := do(t, NewMux(svc), http.MethodPost, path, "")
			if rec.Code != c.want {
				t.Fatalf("%s %s: expected %d, got %d", c.kind, path, c.want, rec.Code)
			}
			e := decodeError(t, rec)
			if e.Kind != string(c.kind) || e.Code != c.want || !strings.Contains(e.Error, "boom") {
				t.Fatalf("%s: unexpected error body %+v", c.kind, e)
			}
		}
	}
}

func TestUnknownModeIs422(t *testing.T) {
	svc := &mockService{err: apperr.New(apperr.NotFound, "", "unknown mode %q", "gaming")}
	rec := do(t, NewMux(svc), http.MethodPost, "/mode/gaming", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Kind != "NotFound" {
		t.Fatalf("unexpected kind %q", e.Kind)
	}
}

func TestSwitchModeBusyAndSuccess(t *testing.T) {
	rec := do(t, NewMux(&mockService{err: apperr.New(apperr.ModelBusy, "B", "in use")}), http.MethodPost, "/mode/coding", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	rec = do(t, NewMux(&mockService{evicted: []string{"A"}}), http.MethodPost, "/mode/coding", "")
	var body types.ModeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Name != "coding" || body.OpID == "" {
		t.Fatalf("unexpected body %q: %v", rec.Body.String(), err)
	}
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	svc := &mockService{}
	rec := do(t, NewMux(svc), http.MethodPost, "/generate", `{"task":"coding","prompt":"hi","latency_budget_ms":1500,"max_tokens":8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%q", ct)
	}
	if rec.Header().Get("X-Stream-ID") == "" {
		t.Fatalf("missing stream id header")
	}
	evs := ndjson(t, rec.Body.Bytes())
	if len(evs) != 4 || evs[0].Type != stream.EventStart || evs[3].Type != stream.EventComplete {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[1].Text+evs[2].Text != "Hello" {
		t.Fatalf("unexpected text: %+v", evs)
	}
	if svc.done.Load() != 1 {
		t.Fatalf("stream cleanup ran %d times", svc.done.Load())
	}
	if svc.lastReq.LatencyBudget != 1500*time.Millisecond || svc.lastReq.Params.MaxTokens != 8 || svc.lastReq.Task != "coding" {
		t.Fatalf("request not mapped: %+v", svc.lastReq)
	}
}

func TestGenerateBackendFailureIsTerminalEvent(t *testing.T) {
	svc := &mockService{src: func() backend.Stream {
		return &chunks{texts: []string{"par"}, end: apperr.New(apperr.BackendError, "B", "reset")}
	}}
	rec := do(t, NewMux(svc), http.MethodPost, "/generate", `{"task":"chat","prompt":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	evs := ndjson(t, rec.Body.Bytes())
	last := evs[len(evs)-1]
	if last.Type != stream.EventError || last.Kind != string(apperr.BackendError) {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
}

func TestGenerateRoutingErrorBeforeFirstByte(t *testing.T) {
	svc := &mockService{err: apperr.New(apperr.NoCandidateModel, "", "no model could serve task")}
	rec := do(t, NewMux(svc), http.MethodPost, "/generate", `{"task":"chat","prompt":"hi"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Kind != string(apperr.NoCandidateModel) {
		t.Fatalf("unexpected kind %q", e.Kind)
	}
}

func TestGenerateValidation(t *testing.T) {
	h := NewMux(&mockService{})
	if rec := do(t, h, http.MethodPost, "/generate", `{"task":"chat"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing prompt: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/generate", `{"prompt":"hi"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing task: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/generate", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"task":"chat","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type: %d", rec.Code)
	}
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"task":"chat","prompt":"hi"}`))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	rec := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with mixed-case content-type, got %d", rec.Code)
	}
}

func TestGenerateBodyLimit(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	rec := do(t, NewMux(&mockService{}), http.MethodPost, "/generate", `{"task":"chat","prompt":"`+strings.Repeat("x", 64)+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rec.Code)
	}
}

func TestGenerateTimeoutClosesStream(t *testing.T) {
	SetGenerateTimeout(30 * time.Millisecond)
	defer SetGenerateTimeout(0)
	svc := &mockService{src: func() backend.Stream { return &stalled{closed: make(chan struct{})} }}
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- do(t, NewMux(svc), http.MethodPost, "/generate", `{"task":"chat","prompt":"hi"}`) }()
	select {
	case rec := <-done:
		evs := ndjson(t, rec.Body.Bytes())
		if len(evs) != 1 || evs[0].Type != stream.EventStart {
			t.Fatalf("expected only start event, got %+v", evs)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("generate did not stop at timeout")
	}
	if svc.done.Load() != 1 {
		t.Fatalf("cleanup ran %d times", svc.done.Load())
	}
}

func TestGenerateStopsOnShutdown(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	SetBaseContext(base)
	defer SetBaseContext(nil)
	svc := &mockService{src: func() backend.Stream { return &stalled{closed: make(chan struct{})} }}
	done := make(chan struct{})
	go func() {
		defer close(done)
		do(t, NewMux(svc), http.MethodPost, "/generate", `{"task":"chat","prompt":"hi"}`)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("generate ignored shutdown")
	}
}

func TestEmbedHandler(t *testing.T) {
	h := NewMux(&mockService{})
	rec := do(t, h, http.MethodPost, "/embed", `{"input":["a","b"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	var body types.EmbedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.ModelID != "embed" || len(body.Vectors) != 2 {
		t.Fatalf("unexpected body %q: %v", rec.Body.String(), err)
	}
	if rec := do(t, h, http.MethodPost, "/embed", `{"input":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty input: %d", rec.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/models/status", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set")
	}
}

func TestEventsHandler(t *testing.T) {
	h := NewMux(&mockService{})
	if rec := do(t, h, http.MethodGet, "/events", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %q", rec.Body.String())
	}
	pub := manager.NewMemoryPublisher(2)
	pub.Publish(manager.Event{Name: "load_start", ModelID: "A"})
	pub.Publish(manager.Event{Name: "load_done", ModelID: "A"})
	pub.Publish(manager.Event{Name: "evict", ModelID: "A"})
	SetEventSource(pub)
	defer SetEventSource(nil)
	var evs []manager.Event
	rec := do(t, h, http.MethodGet, "/events", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil || len(evs) != 2 || evs[1].Name != "evict" {
		t.Fatalf("unexpected events %q: %v", rec.Body.String(), err)
	}
}
