package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"modelhub/internal/apperr"
	"modelhub/internal/registry"
)

// defaultChunkRunes sizes simulated chunks for non-streaming containers.
const defaultChunkRunes = 24

// ContainerOptions configures the Container adapter.
type ContainerOptions struct {
	HealthTimeout time.Duration
	// Inspector, when set, is consulted for descriptors naming a container.
	Inspector Inspector
	// ChunkRunes is the approximate size of simulated chunks.
	ChunkRunes int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Container talks to pre-started OpenAI-compatible inference containers.
// It never starts, stops or reloads them.
type Container struct {
	httpClient    *http.Client
	healthTimeout time.Duration
	inspector     Inspector
	chunkRunes    int
	log           zerolog.Logger
}

// NewContainer constructs a container-backed adapter.
func NewContainer(opts ContainerOptions) *Container {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ChunkRunes <= 0 {
		opts.ChunkRunes = defaultChunkRunes
	}
	return &Container{
		httpClient:    opts.HTTPClient,
		healthTimeout: opts.HealthTimeout,
		inspector:     opts.Inspector,
		chunkRunes:    opts.ChunkRunes,
		log:           opts.Logger,
	}
}

func (c *Container) Kind() registry.Kind { return registry.KindContainer }

func (c *Container) client(d registry.Descriptor) *openai.Client {
	cfg := openai.DefaultConfig(d.APIKey)
	cfg.BaseURL = d.Endpoint + "/v1"
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (c *Container) HealthCheck(ctx context.Context, d registry.Descriptor) Health {
	if c.healthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.healthTimeout)
		defer cancel()
	}
	result := Unknown
	if c.inspector != nil && d.Container != "" {
		st, err := c.inspector.Inspect(ctx, d.Container)
		if err != nil {
			c.log.Debug().Err(err).Str("model", d.ID).Str("container", d.Container).Msg("adapter=container event=inspect_error")
			return Unknown
		}
		if !st.Running || st.Health == "unhealthy" {
			return Unhealthy
		}
		result = Healthy
	}
	if d.Endpoint == "" {
		return result
	}
	path := d.HealthPath
	if path == "" {
		path = "/health"
	}
	return probe(ctx, c.httpClient, d.Endpoint+path)
}

// Load succeeds once the container is healthy. Containers are started
// outside this process, so an unhealthy one is rejected rather than started.
func (c *Container) Load(ctx context.Context, d registry.Descriptor) error {
	if h := c.HealthCheck(ctx, d); h != Healthy {
		return apperr.New(apperr.LoadRejected, d.ID, "container is %s; restart it externally", h)
	}
	return nil
}

func (c *Container) Unload(_ context.Context, d registry.Descriptor) error {
	return apperr.New(apperr.Unsupported, d.ID, "container models cannot be unloaded")
}

func (c *Container) Generate(ctx context.Context, d registry.Descriptor, prompt string, p Params) (Stream, error) {
	req := openai.ChatCompletionRequest{
		Model:       d.BackendModel,
		Messages:    []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		Stop:        p.Stop,
	}
	if p.Seed != 0 {
		seed := p.Seed
		req.Seed = &seed
	}
	cli := c.client(d)
	if d.Streaming {
		req.Stream = true
		s, err := cli.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return nil, apperr.Wrap(apperr.BackendError, d.ID, err)
		}
		return &openAIStream{modelID: d.ID, s: s}, nil
	}
	resp, err := cli.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendError, d.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.BackendError, d.ID, "completion without choices")
	}
	return newBufferedStream(ctx, resp.Choices[0].Message.Content, c.chunkRunes, resp.Usage.CompletionTokens), nil
}

func (c *Container) Embed(ctx context.Context, d registry.Descriptor, texts []string) ([][]float32, error) {
	resp, err := c.client(d).CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(d.BackendModel),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendError, d.ID, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperr.New(apperr.BackendError, d.ID, "expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, e := range resp.Data {
		out[i] = e.Embedding
	}
	return out, nil
}

// openAIStream adapts an SSE chat completion stream.
type openAIStream struct {
	modelID string
	s       *openai.ChatCompletionStream
	once    sync.Once
}

func (o *openAIStream) Recv() (Chunk, error) {
	for {
		resp, err := o.s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Chunk{}, io.EOF
			}
			return Chunk{}, apperr.Wrap(apperr.BackendError, o.modelID, err)
		}
		var ch Chunk
		if len(resp.Choices) > 0 {
			ch.Text = resp.Choices[0].Delta.Content
		}
		if resp.Usage != nil {
			ch.TotalTokens = resp.Usage.CompletionTokens
		}
		if ch.Text != "" || ch.TotalTokens > 0 {
			return ch, nil
		}
	}
}

func (o *openAIStream) Close() error {
	o.once.Do(func() { o.s.Close() })
	return nil
}

// bufferedStream replays a complete answer in word-aligned chunks so callers
// cannot tell it apart from a truly incremental backend.
type bufferedStream struct {
	ctx    context.Context
	chunks []string
	tokens int
	next   int
	closed chan struct{}
	once   sync.Once
}

func newBufferedStream(ctx context.Context, text string, size, tokens int) *bufferedStream {
	return &bufferedStream{ctx: ctx, chunks: splitChunks(text, size), tokens: tokens, closed: make(chan struct{})}
}

func (b *bufferedStream) Recv() (Chunk, error) {
	select {
	case <-b.closed:
		return Chunk{}, context.Canceled
	case <-b.ctx.Done():
		return Chunk{}, b.ctx.Err()
	default:
	}
	if b.next >= len(b.chunks) {
		return Chunk{}, io.EOF
	}
	ch := Chunk{Text: b.chunks[b.next]}
	b.next++
	if b.next == len(b.chunks) {
		ch.TotalTokens = b.tokens
	}
	return ch, nil
}

func (b *bufferedStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// splitChunks cuts text after whitespace once a chunk reaches size runes.
func splitChunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	n := 0
	for _, r := range text {
		cur.WriteRune(r)
		n++
		if n >= size && unicode.IsSpace(r) {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
