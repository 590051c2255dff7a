package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"inferd/internal/runtime"
)

// GenerateOptions configures a single generation. The zero value is valid:
// MaxTokens falls back to the engine default, sampling parameters fall back
// to the runtime defaults.
type GenerateOptions struct {
	// MaxTokens bounds the number of new tokens. Zero means the engine
	// default; negative values are rejected.
	MaxTokens   int
	Temperature float32
	TopP        float32
	TopK        int
	Stop        []string
	Seed        int
}

// Result is a finished generation.
type Result struct {
	RequestID        string
	Text             string
	CompletionTokens int
	FinishReason     string
}

// Generate produces a completion for prompt. It blocks until the generation
// finishes and returns exactly one of text or error. Generations are
// serialized: a single one runs at a time, later calls queue FIFO up to the
// configured depth and wait.
func (e *Engine) Generate(ctx context.Context, prompt string, opts GenerateOptions) (Result, error) {
	return e.GenerateStream(ctx, prompt, opts, nil)
}

// GenerateStream is Generate with per-token streaming. The onToken callback
// is invoked for each token before the final result is returned; a nil
// callback disables streaming. Returning an error from onToken stops the
// generation.
func (e *Engine) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions, onToken func(string) error) (Result, error) {
	reqID := uuid.NewString()
	if strings.TrimSpace(prompt) == "" {
		return Result{}, invalidArgumentError{msg: "prompt is required"}
	}
	if opts.MaxTokens < 0 {
		return Result{}, invalidArgumentError{msg: "max_tokens must be positive"}
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = e.defaultMaxTokens
	}

	// Fail fast before queueing when the model is not loaded. The same
	// check repeats under the generation slot in case of a concurrent Close.
	e.mu.RLock()
	ready := e.state == StateReady
	e.mu.RUnlock()
	if !ready {
		return Result{}, notLoadedError{model: e.modelID}
	}

	// Serve repeated prompts from the cache when enabled. A hit still
	// streams the cached text as a single token so callers observe the
	// same shape.
	key := cacheKey(prompt, maxTokens, opts)
	if e.cache != nil {
		if res, ok := e.cache.get(key); ok {
			e.mu.Lock()
			e.cacheHits++
			e.mu.Unlock()
			cacheHitsTotal.Inc()
			e.publisher.Publish(Event{Name: "cache_hit", ModelID: e.modelID, Fields: map[string]any{"request_id": reqID}})
			res.RequestID = reqID
			if onToken != nil {
				if err := onToken(res.Text); err != nil {
					return Result{}, err
				}
			}
			return res, nil
		}
	}

	release, err := e.beginGeneration(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	e.mu.RLock()
	mdl := e.model
	ready = e.state == StateReady
	e.mu.RUnlock()
	if !ready || mdl == nil {
		return Result{}, notLoadedError{model: e.modelID}
	}

	params := runtime.Params{
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		TopK:        opts.TopK,
		Stop:        opts.Stop,
		Seed:        opts.Seed,
	}
	start := time.Now()
	e.log.Debug().Str("model", e.modelID).Str("request_id", reqID).Int("max_tokens", maxTokens).Msg("generate start")
	e.publisher.Publish(Event{Name: "generate_start", ModelID: e.modelID, Fields: map[string]any{"request_id": reqID}})

	final, err := mdl.Generate(ctx, prompt, params, onToken)
	dur := time.Since(start)
	if err != nil {
		generationsTotal.WithLabelValues("error").Inc()
		generationDuration.Observe(dur.Seconds())
		e.log.Error().Str("model", e.modelID).Str("request_id", reqID).Err(err).Msg("generate failed")
		e.publisher.Publish(Event{Name: "generate_error", ModelID: e.modelID, Fields: map[string]any{"request_id": reqID, "error": err.Error()}})
		return Result{}, err
	}

	res := Result{
		RequestID:        reqID,
		Text:             final.Text,
		CompletionTokens: final.CompletionTokens,
		FinishReason:     final.FinishReason,
	}
	if e.cache != nil {
		e.cache.put(key, res)
	}
	e.mu.Lock()
	e.generations++
	e.mu.Unlock()
	generationsTotal.WithLabelValues("ok").Inc()
	generatedTokensTotal.Add(float64(final.CompletionTokens))
	generationDuration.Observe(dur.Seconds())
	e.log.Info().Str("model", e.modelID).Str("request_id", reqID).Int("tokens", final.CompletionTokens).Dur("dur", dur).Msg("generate done")
	e.publisher.Publish(Event{Name: "generate_done", ModelID: e.modelID, Fields: map[string]any{"request_id": reqID, "tokens": final.CompletionTokens}})
	return res, nil
}

// GenerateAsync runs Generate in the background and invokes done exactly
// once with either the generated text or an error, never both. It returns
// before the generation starts.
func (e *Engine) GenerateAsync(ctx context.Context, prompt string, opts GenerateOptions, done func(text string, err error)) {
	go func() {
		res, err := e.Generate(ctx, prompt, opts)
		if done == nil {
			return
		}
		if err != nil {
			done("", err)
			return
		}
		done(res.Text, nil)
	}()
}

// beginGeneration reserves a queue slot and then the single in-flight slot.
// Returns a release func to be deferred.
func (e *Engine) beginGeneration(ctx context.Context) (func(), error) {
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	// Try to reserve a queue slot with timeout
	timer := time.NewTimer(e.maxWait)
	defer timer.Stop()
	select {
	case e.queueCh <- struct{}{}:
		// reserved queue slot
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{model: e.modelID}
	}

	// Wait to acquire the single in-flight slot
	acquired := false
	defer func() {
		if !acquired {
			<-e.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer2 := time.NewTimer(e.maxWait)
	defer timer2.Stop()
	select {
	case e.genCh <- struct{}{}:
		acquired = true
		return func() { <-e.genCh; <-e.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		return func() {}, tooBusyError{model: e.modelID}
	}
}
