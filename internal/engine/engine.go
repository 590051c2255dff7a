package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/runtime"
	"inferd/pkg/types"
)

// State represents the lifecycle state of the engine.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultMaxTokens     = 128
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
)

// Config encapsulates all tunables for Engine construction.
type Config struct {
	// ModelPath is the filesystem path to the model file. It is stored
	// as-is at construction and only validated by Load.
	ModelPath string
	// ModelID is an optional identifier used in status and events.
	// Defaults to the path base name.
	ModelID string
	// DefaultMaxTokens bounds generations that do not set MaxTokens.
	DefaultMaxTokens int
	// MaxQueueDepth limits pending generations before backpressure.
	MaxQueueDepth int
	// MaxWait bounds how long a generation waits for its slot.
	MaxWait time.Duration
	// CtxSize and Threads are passed through to the runtime at load time.
	CtxSize int
	Threads int
	// CacheTTL enables the result cache when positive.
	CacheTTL time.Duration
	// Runtime overrides the default llama runtime (used by tests).
	Runtime runtime.Runtime
	// Publisher receives lifecycle events. Defaults to a no-op.
	Publisher EventPublisher
	// Logger is used for structured engine logs. Defaults to a disabled logger.
	Logger *zerolog.Logger
}

// Engine owns a single model handle and serializes generations against it.
// It is the one component allowed to touch the handle; everything else goes
// through Load/Generate.
type Engine struct {
	mu        sync.RWMutex
	state     State
	model     runtime.Model
	lastErr   string
	loading   *loadAttempt
	startTime time.Time

	modelPath        string
	modelID          string
	defaultMaxTokens int
	maxQueueDepth    int
	maxWait          time.Duration
	rtOpts           runtime.Options

	rt        runtime.Runtime
	publisher EventPublisher
	log       zerolog.Logger
	cache     *resultCache

	// Admission primitives
	genCh   chan struct{} // size 1: single in-flight generation
	queueCh chan struct{} // buffered: queue slots

	generations uint64
	cacheHits   uint64
	stopCache   sync.Once
}

// loadAttempt lets concurrent Load calls coalesce onto one in-flight load.
// err is written before done is closed and never after.
type loadAttempt struct {
	done chan struct{}
	err  error
}

// New constructs an Engine for the model file at path. The path is not
// validated until Load.
func New(path string) *Engine {
	return NewWithConfig(Config{ModelPath: path})
}

// NewWithConfig constructs an Engine from Config.
func NewWithConfig(cfg Config) *Engine {
	e := &Engine{
		state:     StateUnloaded,
		modelPath: cfg.ModelPath,
		modelID:   cfg.ModelID,
		rtOpts:    runtime.Options{CtxSize: cfg.CtxSize, Threads: cfg.Threads},
		startTime: time.Now(),
	}
	if e.modelID == "" {
		e.modelID = baseName(cfg.ModelPath)
	}
	if cfg.DefaultMaxTokens > 0 {
		e.defaultMaxTokens = cfg.DefaultMaxTokens
	} else {
		e.defaultMaxTokens = DefaultMaxTokens
	}
	if cfg.MaxQueueDepth > 0 {
		e.maxQueueDepth = cfg.MaxQueueDepth
	} else {
		e.maxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxWait > 0 {
		e.maxWait = cfg.MaxWait
	} else {
		e.maxWait = defaultMaxWait
	}
	if cfg.Runtime != nil {
		e.rt = cfg.Runtime
	} else {
		e.rt = runtime.NewLlama()
	}
	if cfg.Publisher != nil {
		e.publisher = cfg.Publisher
	} else {
		e.publisher = noopPublisher{}
	}
	if cfg.Logger != nil {
		e.log = *cfg.Logger
	} else {
		e.log = zerolog.Nop()
	}
	if cfg.CacheTTL > 0 {
		e.cache = newResultCache(cfg.CacheTTL)
	}
	e.genCh = make(chan struct{}, 1)
	e.queueCh = make(chan struct{}, e.maxQueueDepth)
	return e
}

// Loaded reports whether the model is loaded and ready to generate.
func (e *Engine) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateReady
}

// ModelPath returns the path the engine was constructed with.
func (e *Engine) ModelPath() string { return e.modelPath }

// ModelID returns the identifier used in status and events.
func (e *Engine) ModelID() string { return e.modelID }

// Load loads the model from the configured path. It blocks until the load
// finishes and returns the outcome. A Load while another load is in flight
// waits for that load and returns its result; a Load after success returns
// nil immediately. On failure the engine stays unloaded and a retry is
// allowed.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateReady:
		e.mu.Unlock()
		return nil
	case StateLoading:
		// Coalesce onto the in-flight load.
		att := e.loading
		e.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.state = StateLoading
	e.lastErr = ""
	att := &loadAttempt{done: make(chan struct{})}
	e.loading = att
	path := e.modelPath
	e.mu.Unlock()

	start := time.Now()
	e.log.Info().Str("model", e.modelID).Str("path", path).Msg("load start")
	e.publisher.Publish(Event{Name: "load_start", ModelID: e.modelID})

	mdl, err := e.openModel(ctx, path)

	e.mu.Lock()
	att.err = err
	if err != nil {
		e.state = StateUnloaded
		e.lastErr = err.Error()
	} else {
		e.model = mdl
		e.state = StateReady
	}
	e.loading = nil
	close(att.done)
	e.mu.Unlock()

	if err != nil {
		loadsTotal.WithLabelValues("error").Inc()
		e.log.Error().Str("model", e.modelID).Err(err).Msg("load failed")
		e.publisher.Publish(Event{Name: "load_error", ModelID: e.modelID, Fields: map[string]any{"error": err.Error()}})
		return err
	}
	loadsTotal.WithLabelValues("ok").Inc()
	e.log.Info().Str("model", e.modelID).Dur("dur", time.Since(start)).Msg("load ready")
	e.publisher.Publish(Event{Name: "load_ready", ModelID: e.modelID, Fields: map[string]any{"dur_ms": int(time.Since(start) / time.Millisecond)}})
	return nil
}

// LoadAsync runs Load in the background and invokes done exactly once with
// the outcome. It returns before the load starts.
func (e *Engine) LoadAsync(ctx context.Context, done func(error)) {
	go func() {
		err := e.Load(ctx)
		if done != nil {
			done(err)
		}
	}()
}

// openModel validates the path and hands it to the runtime.
func (e *Engine) openModel(ctx context.Context, path string) (runtime.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("model path is a directory: %s", path)
	}
	return e.rt.Load(path, e.rtOpts)
}

// Close releases the model handle, if any. The engine returns to the
// unloaded state and may be loaded again.
func (e *Engine) Close() error {
	e.mu.Lock()
	mdl := e.model
	e.model = nil
	e.state = StateUnloaded
	e.mu.Unlock()
	if e.cache != nil {
		e.stopCache.Do(e.cache.stop)
	}
	if mdl != nil {
		return mdl.Close()
	}
	return nil
}

// Status builds a detailed status response for /status.
func (e *Engine) Status() types.StatusResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return types.StatusResponse{
		ModelID:          e.modelID,
		ModelPath:        e.modelPath,
		State:            string(e.state),
		Loaded:           e.state == StateReady,
		LastError:        e.lastErr,
		QueueLen:         len(e.queueCh),
		Inflight:         len(e.genCh),
		MaxQueueDepth:    cap(e.queueCh),
		GenerationsTotal: e.generations,
		CacheHitsTotal:   e.cacheHits,
		UptimeSeconds:    int64(time.Since(e.startTime).Seconds()),
		ServerTimeUnix:   time.Now().Unix(),
	}
}

func baseName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
