// Package backend contains the adapters that talk to inference backends.
//
// Two variants sit behind the Adapter interface:
//
//   - Container: an OpenAI-compatible server started outside this process.
//     It is always resident; Load only confirms health and Unload is
//     unsupported.
//   - Server: a local model server (Ollama-style HTTP API) that loads and
//     unloads models on command.
//
// Adapters never mutate orchestration state and never leak raw transport
// errors: every failure is an *apperr.Error.
package backend

import (
	"context"
	"fmt"

	"modelhub/internal/registry"
)

// Health is the outcome of a health probe.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// Params captures generation parameters passed to the adapter.
type Params struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
}

// Chunk is one piece of generated text. TotalTokens is set on the last chunk
// when the backend reports usage.
type Chunk struct {
	Text        string
	TotalTokens int
}

// Stream is a lazy, non-restartable sequence of chunks. Recv returns io.EOF
// after the last chunk. Close releases the transport and may be called from
// another goroutine to abort a blocked Recv.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Adapter is the uniform contract over both backend kinds.
type Adapter interface {
	Kind() registry.Kind
	// HealthCheck probes the backend within a fixed timeout.
	HealthCheck(ctx context.Context, d registry.Descriptor) Health
	Load(ctx context.Context, d registry.Descriptor) error
	Unload(ctx context.Context, d registry.Descriptor) error
	Generate(ctx context.Context, d registry.Descriptor, prompt string, p Params) (Stream, error)
	Embed(ctx context.Context, d registry.Descriptor, texts []string) ([][]float32, error)
}

// Set dispatches on the descriptor's kind.
type Set struct {
	Container Adapter
	Server    Adapter
}

// For returns the adapter serving d.
func (s Set) For(d registry.Descriptor) (Adapter, error) {
	var a Adapter
	switch d.Kind {
	case registry.KindContainer:
		a = s.Container
	case registry.KindServer:
		a = s.Server
	}
	if a == nil {
		return nil, fmt.Errorf("no adapter for %s model %s", d.Kind, d.ID)
	}
	return a, nil
}
