package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"inferd/internal/runtime"
)

// helper: create a small model file fixture
func createModelFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("gguf-fixture"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
	return p
}

// fakeRuntime implements runtime.Runtime for tests. It produces one token
// per word of the canned output, bounded by MaxTokens.
type fakeRuntime struct {
	output    string
	loadErr   error
	genErr    error
	loadDelay time.Duration
	genGate   chan struct{} // when set, Generate blocks until the gate closes

	loads    atomic.Int64
	gens     atomic.Int64
	inflight atomic.Int64
	maxSeen  atomic.Int64
	closed   atomic.Int64
}

func (f *fakeRuntime) Load(path string, opts runtime.Options) (runtime.Model, error) {
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	f.loads.Add(1)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &fakeModel{rt: f}, nil
}

type fakeModel struct {
	rt *fakeRuntime
}

func (m *fakeModel) Generate(ctx context.Context, prompt string, params runtime.Params, onToken func(string) error) (runtime.Result, error) {
	rt := m.rt
	rt.gens.Add(1)
	cur := rt.inflight.Add(1)
	defer rt.inflight.Add(-1)
	for {
		prev := rt.maxSeen.Load()
		if cur <= prev || rt.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if rt.genGate != nil {
		select {
		case <-rt.genGate:
		case <-ctx.Done():
			return runtime.Result{}, ctx.Err()
		}
	}
	if rt.genErr != nil {
		return runtime.Result{}, rt.genErr
	}
	out := rt.output
	if out == "" {
		out = "the quick brown fox jumps over the lazy dog"
	}
	words := strings.Fields(out)
	n := len(words)
	reason := "stop"
	if params.MaxTokens > 0 && n > params.MaxTokens {
		n = params.MaxTokens
		reason = "length"
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		tok := words[i]
		if i > 0 {
			tok = " " + tok
		}
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return runtime.Result{}, err
			}
		}
		b.WriteString(tok)
	}
	return runtime.Result{Text: b.String(), CompletionTokens: n, FinishReason: reason}, nil
}

func (m *fakeModel) Close() error {
	m.rt.closed.Add(1)
	return nil
}

// newTestEngine builds an engine over a real temp file and the fake runtime.
func newTestEngine(t *testing.T, rt *fakeRuntime, mutate func(*Config)) *Engine {
	t.Helper()
	p := createModelFile(t, t.TempDir(), "m1.gguf")
	cfg := Config{ModelPath: p, Runtime: rt}
	if mutate != nil {
		mutate(&cfg)
	}
	e := NewWithConfig(cfg)
	t.Cleanup(func() { _ = e.Close() })
	return e
}
