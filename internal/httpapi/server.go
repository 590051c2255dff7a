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

	"inferd/internal/engine"
	"inferd/internal/runtime"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
// *engine.Engine satisfies it.
type Service interface {
	Load(ctx context.Context) error
	GenerateStream(ctx context.Context, prompt string, opts engine.GenerateOptions, onToken func(string) error) (engine.Result, error)
	Loaded() bool
	Status() types.StatusResponse
	ModelID() string
}

// NewMux builds the HTTP router. models is the discoverable registry served
// by GET /models; svc is the single engine behind /load and /generate.
func NewMux(svc Service, models []types.Model) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// ListModels godoc
	// @Summary List discoverable models
	// @Produce json
	// @Success 200 {object} types.ModelsResponse
	// @Router /models [get]
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: models}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	// Status godoc
	// @Summary Engine status
	// @Produce json
	// @Success 200 {object} types.StatusResponse
	// @Router /status [get]
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	// Load godoc
	// @Summary Load the configured model
	// @Produce json
	// @Success 200 {object} map[string]bool
	// @Failure 503 {object} types.ErrorResponse
	// @Router /load [post]
	r.Post("/load", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.Load(joinedCtx); err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status := http.StatusInternalServerError
			if runtime.IsUnavailable(err) {
				status = http.StatusServiceUnavailable
			}
			writeJSONError(w, status, err.Error())
			logEnd(r, "load", status, start, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"loaded": true})
		logEnd(r, "load", http.StatusOK, start, nil)
	})

	// Generate godoc
	// @Summary Generate a completion
	// @Accept json
	// @Produce json
	// @Param request body types.GenerateRequest true "generation request"
	// @Success 200 {object} types.GenerateResponse
	// @Failure 400 {object} types.ErrorResponse
	// @Failure 409 {object} types.ErrorResponse
	// @Failure 429 {object} types.ErrorResponse
	// @Router /generate [post]
	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		// Limit body size (configurable, default 1MiB)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		opts := engine.GenerateOptions{
			MaxTokens:   req.MaxTokens,
			Temperature: float32(req.Temperature),
			TopP:        float32(req.TopP),
			TopK:        req.TopK,
			Stop:        req.Stop,
			Seed:        int(req.Seed),
		}

		start := time.Now()
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if sec := generateTimeout; sec > 0 {
			var tcancel context.CancelFunc
			joinedCtx, tcancel = context.WithTimeout(joinedCtx, time.Duration(sec)*time.Second)
			defer tcancel()
		}

		if req.Stream {
			serveGenerateStream(joinedCtx, w, r, svc, req.Prompt, opts, start)
			return
		}

		res, err := svc.GenerateStream(joinedCtx, req.Prompt, opts, nil)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status := statusForError(err)
			if status == http.StatusTooManyRequests {
				IncrementBackpressure("queue_full")
			}
			writeJSONError(w, status, err.Error())
			logEnd(r, "generate", status, start, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.GenerateResponse{
			RequestID:        res.RequestID,
			Text:             res.Text,
			FinishReason:     res.FinishReason,
			CompletionTokens: res.CompletionTokens,
		})
		logEnd(r, "generate", http.StatusOK, start, nil)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Loaded() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// serveGenerateStream writes NDJSON token lines followed by a final done line.
// Errors before the first token map to a JSON error response; errors after
// streaming began are reported on the final line.
func serveGenerateStream(ctx context.Context, w http.ResponseWriter, r *http.Request, svc Service, prompt string, opts engine.GenerateOptions, start time.Time) {
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	started := false
	onToken := func(tok string) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			started = true
		}
		if _, err := w.Write(tokenLineJSON(tok)); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
		return nil
	}
	res, err := svc.GenerateStream(ctx, prompt, opts, onToken)
	if err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		if !started {
			status := statusForError(err)
			if status == http.StatusTooManyRequests {
				IncrementBackpressure("queue_full")
			}
			writeJSONError(w, status, err.Error())
			logEnd(r, "generate", status, start, err)
			return
		}
		// Headers already sent; surface the error on the final line.
		line, _ := json.Marshal(map[string]any{"done": true, "error": err.Error()})
		_, _ = w.Write(append(line, '\n'))
		if flush != nil {
			flush()
		}
		logEnd(r, "generate", http.StatusOK, start, err)
		return
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	end := map[string]any{
		"done":              true,
		"request_id":        res.RequestID,
		"text":              res.Text,
		"finish_reason":     res.FinishReason,
		"completion_tokens": res.CompletionTokens,
	}
	line, _ := json.Marshal(end)
	if _, err := w.Write(append(line, '\n')); err != nil {
		return
	}
	if flush != nil {
		flush()
	}
	logEnd(r, "generate", http.StatusOK, start, nil)
}

// statusForError maps well-known engine errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case engine.IsNotLoaded(err):
		return http.StatusConflict
	case engine.IsInvalidArgument(err):
		return http.StatusBadRequest
	case engine.IsTooBusy(err):
		return http.StatusTooManyRequests
	case runtime.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// tokenLineJSON formats a token NDJSON line using json.Marshal for correctness.
func tokenLineJSON(tok string) []byte {
	type tokenMsg struct {
		Token string `json:"token"`
	}
	b, _ := json.Marshal(tokenMsg{Token: tok})
	return append(b, '\n')
}
