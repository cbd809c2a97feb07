// Package httpapi exposes the orchestration layer over HTTP: model status and
// lifecycle, memory, mode presets, NDJSON generation streams and embeddings.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelhub/internal/manager"
	"modelhub/internal/stream"
	"modelhub/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Models() []types.ModelStatus
	Memory() types.MemoryResponse
	Status() types.StatusResponse
	Mode() types.ModeResponse
	Ready() bool
	Load(ctx context.Context, id string) (manager.Decision, error)
	Unload(ctx context.Context, id string) error
	SwitchMode(ctx context.Context, name string) (types.ModeResponse, error)
	RouteAndDispatch(ctx context.Context, req manager.Request) (*stream.EventStream, manager.Decision, error)
	Embed(ctx context.Context, model string, texts []string) (manager.EmbedResult, error)
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"X-Stream-ID", "X-Request-Id"},
		}))
	}
	// Compression for JSON endpoints; NDJSON is not in the default type list
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}

	r.Get("/models/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Models())
	})
	r.Post("/models/{id}/load", h.load)
	r.Post("/models/{id}/unload", h.unload)

	r.Get("/memory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Memory())
	})

	r.Get("/mode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Mode())
	})
	r.Post("/mode/{name}", h.switchMode)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		evs := []manager.Event{}
		if eventSource != nil {
			evs = append(evs, eventSource.Events()...)
		}
		writeJSON(w, http.StatusOK, evs)
	})

	r.Post("/generate", h.generate)
	r.Post("/embed", h.embed)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

// @Summary      Load a model
// @Description  Loads a server model, evicting idle models when memory is short. Containers report their health.
// @Tags         models
// @Produce      json
// @Param        id   path      string  true  "Model id"
// @Success      200  {object}  types.ModelActionResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Failure      502  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Failure      504  {object}  types.ErrorResponse
// @Router       /models/{id}/load [post]
func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	start := time.Now()
	dec, err := h.svc.Load(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ev := reqEvent(r, LevelInfo, http.StatusOK); ev != nil {
		ev.Str("model", id).Strs("evicted", dec.EvictedIDs).Dur("dur", time.Since(start)).Msg("model loaded")
	}
	writeJSON(w, http.StatusOK, types.ModelActionResponse{ModelID: id, Status: "loaded", Evicted: dec.EvictedIDs})
}

// @Summary      Unload a model
// @Description  Idempotent. Containers cannot be unloaded (409); models still serving requests past the grace period are busy (409).
// @Tags         models
// @Produce      json
// @Param        id   path      string  true  "Model id"
// @Success      200  {object}  types.ModelActionResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Failure      502  {object}  types.ErrorResponse
// @Router       /models/{id}/unload [post]
func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	if err := h.svc.Unload(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	if ev := reqEvent(r, LevelInfo, http.StatusOK); ev != nil {
		ev.Str("model", id).Msg("model unloaded")
	}
	writeJSON(w, http.StatusOK, types.ModelActionResponse{ModelID: id, Status: "unloaded"})
}

// @Summary      Switch mode
// @Description  Evicts models outside the preset and loads the preset's models. A failed switch is reported, not rolled back.
// @Tags         mode
// @Produce      json
// @Param        name  path      string  true  "Mode name"
// @Success      200   {object}  types.ModeResponse
// @Failure      409   {object}  types.ErrorResponse
// @Failure      422   {object}  types.ErrorResponse
// @Failure      502   {object}  types.ErrorResponse
// @Router       /mode/{name} [post]
func (h *handlers) switchMode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	res, err := h.svc.SwitchMode(ctx, name)
	if err != nil {
		if manager.IsUnknownMode(err) {
			writeJSONError(w, http.StatusUnprocessableEntity, "NotFound", err.Error())
			return
		}
		writeError(w, r, err)
		return
	}
	if ev := reqEvent(r, LevelInfo, http.StatusOK); ev != nil {
		ev.Str("mode", name).Str("op_id", res.OpID).Strs("evicted", res.Evicted).Msg("mode switched")
	}
	writeJSON(w, http.StatusOK, res)
}

// @Summary      Embed texts
// @Tags         inference
// @Accept       json
// @Produce      json
// @Param        request  body      types.EmbedRequest  true  "Embedding request"
// @Success      200      {object}  types.EmbedResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /embed [post]
func (h *handlers) embed(w http.ResponseWriter, r *http.Request) {
	var req types.EmbedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Input) == 0 {
		writeJSONError(w, http.StatusBadRequest, "", "input is required")
		return
	}
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	res, err := h.svc.Embed(ctx, req.Model, req.Input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EmbedResponse{ModelID: res.ModelID, Vectors: res.Vectors})
}

// decodeJSON enforces the content type and body limit and decodes into v.
// It writes the error response itself and reports whether to continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "", "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// If exceeded size, MaxBytesReader may cause an error; still return 400 to avoid size leak details
		writeJSONError(w, http.StatusBadRequest, "", "invalid JSON body")
		return false
	}
	return true
}
