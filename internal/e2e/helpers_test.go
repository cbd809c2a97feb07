package e2e

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"modelhub/internal/backend"
	"modelhub/internal/httpapi"
	"modelhub/internal/manager"
	"modelhub/internal/registry"
	"modelhub/internal/stream"
	"modelhub/pkg/types"
)

const gib = int64(1) << 30

// fakeOllama emulates the model server API: keep_alive load/unload calls and
// NDJSON generation.
type fakeOllama struct {
	mu     sync.Mutex
	loaded map[string]bool
	calls  []string
	// hold, when set, blocks generation after the first chunk until closed.
	hold chan struct{}
	// started receives the model id once its first chunk is flushed.
	started chan string
}

func (f *fakeOllama) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeOllama) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"version":"0.5.0"}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model     string `json:"model"`
			Prompt    string `json:"prompt"`
			Stream    bool   `json:"stream"`
			KeepAlive int    `json:"keep_alive"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream && req.Prompt == "" {
			f.mu.Lock()
			if req.KeepAlive == 0 {
				delete(f.loaded, req.Model)
				f.calls = append(f.calls, "unload:"+req.Model)
			} else {
				f.loaded[req.Model] = true
				f.calls = append(f.calls, "load:"+req.Model)
			}
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{"done":true}`)
			return
		}
		f.record("generate:" + req.Model)
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, `{"response":"hi ","done":false}`+"\n")
		fl.Flush()
		if f.started != nil {
			f.started <- req.Model
		}
		if f.hold != nil {
			select {
			case <-f.hold:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = io.WriteString(w, `{"response":"there","done":false}`+"\n")
		_, _ = io.WriteString(w, `{"response":"","done":true,"eval_count":2}`+"\n")
		fl.Flush()
	})
	return mux
}

// containerMock serves the OpenAI-compatible subset used by the container adapter.
func containerMock() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var data []string
		for i := range req.Input {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d,0.5]}`, i, i))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[`+strings.Join(data, ",")+`],"model":"embed"}`)
	})
	return mux
}

type stack struct {
	api    *httptest.Server
	ollama *fakeOllama
	mgr    *manager.Manager
	events *manager.MemoryPublisher
}

// newStack wires real adapters, manager and HTTP API against fake backends.
// Catalog: A (server, 21GiB, chat/reasoning), B (server, 9GiB, coding),
// E (container, 2GiB, embedding); 24GiB capacity with 1GiB headroom.
func newStack(t *testing.T, ollama *fakeOllama) *stack {
	t.Helper()
	if ollama.loaded == nil {
		ollama.loaded = map[string]bool{}
	}
	ollamaSrv := httptest.NewServer(ollama.handler())
	t.Cleanup(ollamaSrv.Close)
	containerSrv := httptest.NewServer(containerMock())
	t.Cleanup(containerSrv.Close)

	reg, err := registry.New([]registry.Descriptor{
		{ID: "A", Kind: registry.KindServer, Tags: []string{"chat", "reasoning"}, FootprintBytes: 21 * gib, Endpoint: ollamaSrv.URL, Priority: 10, Loadable: true, Streaming: true},
		{ID: "B", Kind: registry.KindServer, Tags: []string{"coding"}, FootprintBytes: 9 * gib, Endpoint: ollamaSrv.URL, Priority: 5, Loadable: true, Streaming: true},
		{ID: "E", Kind: registry.KindContainer, Tags: []string{"embedding"}, FootprintBytes: 2 * gib, Endpoint: containerSrv.URL, Streaming: true},
	}, 24*gib, gib)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pub := manager.NewMemoryPublisher(0)
	mgr, err := manager.New(manager.ManagerConfig{
		Registry: reg,
		Adapters: backend.Set{
			Container: backend.NewContainer(backend.ContainerOptions{HealthTimeout: time.Second}),
			Server:    backend.NewServer(backend.ServerOptions{LoadTimeout: 2 * time.Second, HealthTimeout: time.Second}),
		},
		Capacity:  24 * gib,
		Headroom:  gib,
		Modes:     map[string][]string{"coding": {"B", "E"}, "chat": {"A", "E"}},
		ModeGrace: 50 * time.Millisecond,
		BusyGrace: 50 * time.Millisecond,
		Publisher: pub,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	api := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(api.Close)
	return &stack{api: api, ollama: ollama, mgr: mgr, events: pub}
}

func (s *stack) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(http.MethodPost, s.api.URL+path, rd)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func (s *stack) status(t *testing.T) map[string]types.ModelStatus {
	t.Helper()
	resp, err := http.Get(s.api.URL + "/models/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var list []types.ModelStatus
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	out := make(map[string]types.ModelStatus, len(list))
	for _, m := range list {
		out[m.ID] = m
	}
	return out
}

func readEvents(t *testing.T, r io.Reader) []stream.Event {
	t.Helper()
	var out []stream.Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var ev stream.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}
