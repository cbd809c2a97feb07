package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"modelhub/internal/backend"
	"modelhub/internal/manager"
	"modelhub/internal/stream"
	"modelhub/pkg/types"
)

// @Summary      Generate text
// @Description  Routes the request to a model and streams NDJSON events: start, chunk..., then complete or error.
// @Description  Routing failures before the first byte are returned as JSON errors with a status code.
// @Tags         inference
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request  body      types.GenerateRequest  true  "Generation request"
// @Success      200      {object}  stream.Event
// @Failure      400      {object}  types.ErrorResponse
// @Failure      404      {object}  types.ErrorResponse
// @Failure      415      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /generate [post]
func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "", "prompt is required")
		return
	}
	if req.Task == "" && req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "", "task or model is required")
		return
	}

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	if generateTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, generateTimeout)
		defer tcancel()
	}

	start := time.Now()
	es, dec, err := h.svc.RouteAndDispatch(ctx, toManagerRequest(req))
	if err != nil {
		// Client went away while routing; nothing to write.
		if r.Context().Err() != nil {
			return
		}
		writeError(w, r, err)
		return
	}
	defer es.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Stream-ID", es.ID())
	w.WriteHeader(http.StatusOK)
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	lvl := requestLogLevel(r)
	writer := io.Writer(w)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{streamID: es.ID()})
	}
	if ev := reqEvent(r, LevelInfo, http.StatusOK); ev != nil {
		ev.Str("stream_id", es.ID()).Str("model", dec.ModelID).Str("task", req.Task).Strs("evicted", dec.EvictedIDs).Msg("generate start")
	}

	term, ok := pump(ctx, es, json.NewEncoder(writer), flush)
	if ev := reqEvent(r, LevelInfo, http.StatusOK); ev != nil {
		ev = ev.Str("stream_id", es.ID()).Str("model", dec.ModelID).Dur("dur", time.Since(start))
		switch {
		case !ok:
			ev.Msg("generate aborted")
		case term.Type == stream.EventError:
			ev.Str("kind", term.Kind).Str("error", term.Message).Msg("generate end")
		default:
			ev.Int("tokens", term.TotalTokens).Msg("generate end")
		}
	}
}

// pump copies events to enc until the terminal event. It returns false when
// the context ended or the client stopped reading first.
func pump(ctx context.Context, es *stream.EventStream, enc *json.Encoder, flush func()) (stream.Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return stream.Event{}, false
		case ev, open := <-es.Events():
			if !open {
				return stream.Event{}, false
			}
			if err := enc.Encode(ev); err != nil {
				return stream.Event{}, false
			}
			if flush != nil {
				flush()
			}
			if ev.Terminal() {
				return ev, true
			}
		}
	}
}

func toManagerRequest(req types.GenerateRequest) manager.Request {
	return manager.Request{
		Task:          req.Task,
		Model:         req.Model,
		ContextTokens: req.ContextTokens,
		LatencyBudget: time.Duration(req.LatencyBudgetMS) * time.Millisecond,
		Prompt:        req.Prompt,
		Params: backend.Params{
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			TopK:          req.TopK,
			MaxTokens:     req.MaxTokens,
			Stop:          req.Stop,
			Seed:          req.Seed,
			RepeatPenalty: req.RepeatPenalty,
		},
	}
}
