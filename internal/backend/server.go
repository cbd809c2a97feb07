package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelhub/internal/apperr"
	"modelhub/internal/registry"
)

// ServerOptions configures the Server adapter.
type ServerOptions struct {
	LoadTimeout    time.Duration
	HealthTimeout  time.Duration
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Server drives a local model server over an Ollama-style HTTP API. Models
// are loaded by a generate call with keep_alive=-1 and unloaded with
// keep_alive=0; generation streams NDJSON.
type Server struct {
	httpClient    *http.Client
	loadTimeout   time.Duration
	healthTimeout time.Duration
	log           zerolog.Logger
}

// NewServer constructs a server-backed adapter.
func NewServer(opts ServerOptions) *Server {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout=0: every call carries its own context deadline.
	return &Server{
		httpClient:    &http.Client{Transport: tr, Timeout: 0},
		loadTimeout:   opts.LoadTimeout,
		healthTimeout: opts.HealthTimeout,
		log:           opts.Logger,
	}
}

func (s *Server) Kind() registry.Kind { return registry.KindServer }

type serverGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	KeepAlive int            `json:"keep_alive"`
	Options   map[string]any `json:"options,omitempty"`
}

type serverGenerateResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error"`
}

type serverEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type serverEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (s *Server) HealthCheck(ctx context.Context, d registry.Descriptor) Health {
	if d.Endpoint == "" {
		return Unknown
	}
	if s.healthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.healthTimeout)
		defer cancel()
	}
	path := d.HealthPath
	if path == "" {
		path = "/api/version"
	}
	return probe(ctx, s.httpClient, d.Endpoint+path)
}

func (s *Server) Load(ctx context.Context, d registry.Descriptor) error {
	return s.keepAlive(ctx, d, -1, true)
}

func (s *Server) Unload(ctx context.Context, d registry.Descriptor) error {
	return s.keepAlive(ctx, d, 0, false)
}

// keepAlive issues an empty generate call that pins (-1) or evicts (0) the
// model on the server.
func (s *Server) keepAlive(ctx context.Context, d registry.Descriptor, keep int, loading bool) error {
	if s.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.loadTimeout)
		defer cancel()
	}
	resp, err := s.post(ctx, d, "/api/generate", serverGenerateRequest{Model: d.BackendModel, KeepAlive: keep})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind := apperr.LoadTimeout
			if !loading {
				kind = apperr.BackendError
			}
			return &apperr.Error{Kind: kind, ModelID: d.ID, Msg: "no answer within " + s.loadTimeout.String(), Err: err}
		}
		return apperr.Wrap(apperr.BackendError, d.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := apperr.BackendError
		if loading {
			kind = apperr.LoadRejected
		}
		return &apperr.Error{Kind: kind, ModelID: d.ID, Msg: httpFailure(resp)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Server) Generate(ctx context.Context, d registry.Descriptor, prompt string, p Params) (Stream, error) {
	req := serverGenerateRequest{
		Model:     d.BackendModel,
		Prompt:    prompt,
		Stream:    true,
		KeepAlive: -1,
		Options:   serverOptions(p),
	}
	resp, err := s.post(ctx, d, "/api/generate", req)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendError, d.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, apperr.New(apperr.BackendError, d.ID, "%s", httpFailure(resp))
	}
	return &ndjsonStream{
		modelID: d.ID,
		body:    resp.Body,
		r:       bufio.NewReader(resp.Body),
		log:     s.log,
	}, nil
}

func (s *Server) Embed(ctx context.Context, d registry.Descriptor, texts []string) ([][]float32, error) {
	resp, err := s.post(ctx, d, "/api/embed", serverEmbedRequest{Model: d.BackendModel, Input: texts})
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendError, d.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.New(apperr.BackendError, d.ID, "%s", httpFailure(resp))
	}
	var out serverEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.BackendError, d.ID, fmt.Errorf("decode embeddings: %w", err))
	}
	if len(out.Embeddings) != len(texts) {
		return nil, apperr.New(apperr.BackendError, d.ID, "expected %d embeddings, got %d", len(texts), len(out.Embeddings))
	}
	return out.Embeddings, nil
}

func (s *Server) post(ctx context.Context, d registry.Descriptor, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.APIKey)
	}
	return s.httpClient.Do(req)
}

func serverOptions(p Params) map[string]any {
	opts := map[string]any{}
	if p.Temperature > 0 {
		opts["temperature"] = p.Temperature
	}
	if p.TopP > 0 {
		opts["top_p"] = p.TopP
	}
	if p.TopK > 0 {
		opts["top_k"] = p.TopK
	}
	if p.MaxTokens > 0 {
		opts["num_predict"] = p.MaxTokens
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	if p.Seed != 0 {
		opts["seed"] = p.Seed
	}
	if p.RepeatPenalty > 0 {
		opts["repeat_penalty"] = p.RepeatPenalty
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// ndjsonStream reads one JSON object per line until done=true.
type ndjsonStream struct {
	modelID string
	body    io.ReadCloser
	r       *bufio.Reader
	log     zerolog.Logger
	done    bool
	once    sync.Once
}

func (st *ndjsonStream) Recv() (Chunk, error) {
	for {
		if st.done {
			return Chunk{}, io.EOF
		}
		line, err := st.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var msg serverGenerateResponse
			if jerr := json.Unmarshal(line, &msg); jerr != nil {
				st.log.Debug().Str("model", st.modelID).Bytes("line", line).Msg("adapter=server event=unknown_stream_line")
			} else if msg.Error != "" {
				st.done = true
				return Chunk{}, apperr.New(apperr.BackendError, st.modelID, "%s", msg.Error)
			} else {
				if msg.Done {
					st.done = true
					return Chunk{Text: msg.Response, TotalTokens: msg.EvalCount}, nil
				}
				if msg.Response != "" {
					return Chunk{Text: msg.Response}, nil
				}
			}
		}
		if err != nil {
			st.done = true
			if errors.Is(err, io.EOF) {
				return Chunk{}, apperr.New(apperr.BackendError, st.modelID, "stream ended without done marker")
			}
			return Chunk{}, apperr.Wrap(apperr.BackendError, st.modelID, err)
		}
	}
}

func (st *ndjsonStream) Close() error {
	var err error
	st.once.Do(func() { err = st.body.Close() })
	return err
}

// probe issues a GET and maps any 2xx to Healthy.
func probe(ctx context.Context, cli *http.Client, url string) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Unknown
	}
	resp, err := cli.Do(req)
	if err != nil {
		return Unhealthy
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Healthy
	}
	return Unhealthy
}

func httpFailure(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return "http " + resp.Status + ": " + strings.TrimSpace(string(b))
}
