// Package stream turns a backend.Stream into the normalized event sequence
// served to clients: start, zero or more chunks, then exactly one terminal
// event (complete or error) unless the consumer closed the stream first.
//
// Each EventStream owns one producer goroutine. Cleanup hooks run exactly
// once on every exit path, and Close blocks until they have run, so callers
// observe consistent counters as soon as Close returns.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelhub/internal/apperr"
	"modelhub/internal/backend"
)

// EventType names one of the four normalized events.
type EventType string

const (
	EventStart    EventType = "start"
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one element of the stream. Only the fields relevant to Type are set.
type Event struct {
	Type        EventType `json:"type"`
	ModelID     string    `json:"model_id,omitempty"`
	Text        string    `json:"text,omitempty"`
	TotalTokens int       `json:"total_tokens,omitempty"`
	ElapsedMS   int64     `json:"elapsed_ms,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Terminal reports whether ev ends the stream.
func (ev Event) Terminal() bool { return ev.Type == EventComplete || ev.Type == EventError }

// Hooks run on the producer goroutine.
type Hooks struct {
	// Done runs exactly once when the stream ends for any reason.
	Done func()
	// Observe runs once after a successful completion, before Done.
	Observe func(tokens int, elapsed time.Duration)
}

const eventBuffer = 16

// EventStream is the consumer side of a running generation.
type EventStream struct {
	id      string
	modelID string
	src     backend.Stream
	cancel  context.CancelFunc
	hooks   Hooks
	now     func() time.Time

	events   chan Event
	stop     chan struct{}
	finished chan struct{}

	stopOnce    sync.Once
	srcOnce     sync.Once
	cleanupOnce sync.Once
}

// New starts the producer for src. cancel aborts the context src was opened
// with; it may be nil.
func New(modelID string, src backend.Stream, cancel context.CancelFunc, hooks Hooks) *EventStream {
	if cancel == nil {
		cancel = func() {}
	}
	var cancelOnce sync.Once
	s := &EventStream{
		id:       uuid.NewString(),
		modelID:  modelID,
		src:      src,
		cancel:   func() { cancelOnce.Do(cancel) },
		hooks:    hooks,
		now:      time.Now,
		events:   make(chan Event, eventBuffer),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go s.run()
	return s
}

// ID is a unique identifier for this stream.
func (s *EventStream) ID() string { return s.id }

// ModelID is the model serving this stream.
func (s *EventStream) ModelID() string { return s.modelID }

// Events yields the event sequence. The channel is closed after the terminal
// event, or early when Close is called.
func (s *EventStream) Events() <-chan Event { return s.events }

// Close stops the stream and waits for cleanup to finish. It is safe to call
// from any goroutine and more than once.
func (s *EventStream) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancel()
		s.closeSource()
	})
	<-s.finished
}

// Wait blocks until the producer has finished.
func (s *EventStream) Wait() { <-s.finished }

func (s *EventStream) closeSource() {
	s.srcOnce.Do(func() { _ = s.src.Close() })
}

func (s *EventStream) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *EventStream) send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// cleanup releases the backend and runs the Done hook.
func (s *EventStream) cleanup() {
	s.cleanupOnce.Do(func() {
		s.cancel()
		s.closeSource()
		if s.hooks.Done != nil {
			s.hooks.Done()
		}
	})
}

func (s *EventStream) run() {
	defer close(s.finished)
	defer close(s.events)
	defer s.cleanup()

	start := s.now()
	if !s.send(Event{Type: EventStart, ModelID: s.modelID}) {
		return
	}
	total, chunks := 0, 0
	for {
		ch, err := s.src.Recv()
		if errors.Is(err, io.EOF) {
			elapsed := s.now().Sub(start)
			if total == 0 {
				total = chunks
			}
			if s.hooks.Observe != nil {
				s.hooks.Observe(total, elapsed)
			}
			s.cleanup()
			s.send(Event{Type: EventComplete, ModelID: s.modelID, TotalTokens: total, ElapsedMS: elapsed.Milliseconds()})
			return
		}
		if err != nil {
			if s.stopped() {
				return
			}
			s.cleanup()
			s.send(errorEvent(s.modelID, err))
			return
		}
		if ch.TotalTokens > 0 {
			total = ch.TotalTokens
		}
		if ch.Text == "" {
			continue
		}
		chunks++
		if !s.send(Event{Type: EventChunk, Text: ch.Text}) {
			return
		}
	}
}

func errorEvent(modelID string, err error) Event {
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = apperr.BackendError
	}
	return Event{Type: EventError, ModelID: modelID, Kind: string(kind), Message: err.Error()}
}

// Collect drains s and returns the concatenated text and the terminal event.
// It is a convenience for non-streaming callers and tests.
func Collect(ctx context.Context, s *EventStream) (string, Event, error) {
	defer s.Close()
	var text []byte
	for {
		select {
		case <-ctx.Done():
			return string(text), Event{}, ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return string(text), Event{}, errors.New("stream closed before terminal event")
			}
			switch ev.Type {
			case EventChunk:
				text = append(text, ev.Text...)
			case EventComplete:
				return string(text), ev, nil
			case EventError:
				return string(text), ev, &apperr.Error{Kind: apperr.Kind(ev.Kind), ModelID: ev.ModelID, Msg: ev.Message}
			}
		}
	}
}
