package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func loadedEngine(t *testing.T, rt *fakeRuntime, mutate func(*Config)) *Engine {
	t.Helper()
	e := newTestEngine(t, rt, mutate)
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return e
}

func TestGenerateBeforeLoadFailsFast(t *testing.T) {
	e := newTestEngine(t, &fakeRuntime{}, nil)
	start := time.Now()
	_, err := e.Generate(context.Background(), "Hello", GenerateOptions{})
	if err == nil || !IsNotLoaded(err) {
		t.Fatalf("expected not-loaded error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("not-loaded rejection must not block")
	}
}

func TestGenerateEmptyPrompt(t *testing.T) {
	e := loadedEngine(t, &fakeRuntime{}, nil)
	for _, prompt := range []string{"", "   ", "\n"} {
		_, err := e.Generate(context.Background(), prompt, GenerateOptions{})
		if err == nil || !IsInvalidArgument(err) {
			t.Fatalf("prompt %q: expected invalid-argument, got %v", prompt, err)
		}
	}
}

func TestGenerateNegativeMaxTokens(t *testing.T) {
	e := loadedEngine(t, &fakeRuntime{}, nil)
	_, err := e.Generate(context.Background(), "Hello", GenerateOptions{MaxTokens: -1})
	if err == nil || !IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument, got %v", err)
	}
}

func TestGenerateHonorsMaxTokens(t *testing.T) {
	rt := &fakeRuntime{output: "one two three four five six seven eight"}
	e := loadedEngine(t, rt, nil)
	for _, n := range []int{1, 3, 5} {
		res, err := e.Generate(context.Background(), "count", GenerateOptions{MaxTokens: n})
		if err != nil {
			t.Fatalf("generate n=%d: %v", n, err)
		}
		if res.CompletionTokens > n {
			t.Fatalf("n=%d: got %d tokens", n, res.CompletionTokens)
		}
	}
	// Boundary: N = 1 yields at most one token.
	res, err := e.Generate(context.Background(), "boundary", GenerateOptions{MaxTokens: 1})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.CompletionTokens != 1 || res.Text != "one" {
		t.Fatalf("expected single token 'one', got %d %q", res.CompletionTokens, res.Text)
	}
}

func TestGenerateDefaultMaxTokens(t *testing.T) {
	rt := &fakeRuntime{output: "a b c d e f"}
	e := loadedEngine(t, rt, func(c *Config) { c.DefaultMaxTokens = 2 })
	res, err := e.Generate(context.Background(), "Hello", GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.CompletionTokens != 2 {
		t.Fatalf("expected default bound of 2 tokens, got %d", res.CompletionTokens)
	}
	if res.FinishReason != "length" {
		t.Fatalf("expected length finish, got %q", res.FinishReason)
	}
}

// The concrete good-path scenario: load, then "Hello" with a bound of 5.
func TestGenerateScenarioHello(t *testing.T) {
	e := loadedEngine(t, &fakeRuntime{}, nil)
	res, err := e.Generate(context.Background(), "Hello", GenerateOptions{MaxTokens: 5})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text == "" {
		t.Fatal("expected non-empty text")
	}
	if res.CompletionTokens > 5 {
		t.Fatalf("bound exceeded: %d", res.CompletionTokens)
	}
	if res.RequestID == "" {
		t.Fatal("expected a request id")
	}
}

func TestGenerateAsyncExactlyOnce(t *testing.T) {
	e := loadedEngine(t, &fakeRuntime{}, nil)
	var mu sync.Mutex
	calls := 0
	fired := false
	done := make(chan struct{})
	e.GenerateAsync(context.Background(), "Hello", GenerateOptions{MaxTokens: 5}, func(text string, err error) {
		mu.Lock()
		calls++
		fired = true
		mu.Unlock()
		if (text == "") == (err == nil) {
			t.Errorf("exactly one of text/err must be set: text=%q err=%v", text, err)
		}
		close(done)
	})
	// Asynchrony observable: the flag is set only inside the callback and
	// must not be set yet when the call returns.
	mu.Lock()
	if fired {
		mu.Unlock()
		t.Fatal("callback ran before GenerateAsync returned")
	}
	mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generate callback never fired")
	}
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one callback, got %d", calls)
	}
}

func TestGenerateAsyncDeliversError(t *testing.T) {
	rt := &fakeRuntime{genErr: errors.New("runtime exploded")}
	e := loadedEngine(t, rt, nil)
	done := make(chan struct{})
	e.GenerateAsync(context.Background(), "Hello", GenerateOptions{}, func(text string, err error) {
		if err == nil || text != "" {
			t.Errorf("expected error outcome, got text=%q err=%v", text, err)
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generate callback never fired")
	}
}

func TestGenerateStreamTokens(t *testing.T) {
	rt := &fakeRuntime{output: "alpha beta gamma"}
	e := loadedEngine(t, rt, nil)
	var got []string
	res, err := e.GenerateStream(context.Background(), "Hi", GenerateOptions{MaxTokens: 3}, func(tok string) error {
		got = append(got, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 streamed tokens, got %d: %v", len(got), got)
	}
	if strings.Join(got, "") != res.Text {
		t.Fatalf("streamed %q != final %q", strings.Join(got, ""), res.Text)
	}
}

func TestGenerateSerialized(t *testing.T) {
	gate := make(chan struct{})
	rt := &fakeRuntime{genGate: gate}
	e := loadedEngine(t, rt, nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Generate(context.Background(), "Hello", GenerateOptions{})
		}()
	}
	// Let the goroutines pile up behind the single slot, then release.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	if peak := rt.maxSeen.Load(); peak != 1 {
		t.Fatalf("expected single in-flight generation, saw %d", peak)
	}
	if rt.gens.Load() != 4 {
		t.Fatalf("expected all 4 generations to run, got %d", rt.gens.Load())
	}
}

func TestGenerateTooBusy(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	rt := &fakeRuntime{genGate: gate}
	e := loadedEngine(t, rt, func(c *Config) {
		c.MaxQueueDepth = 1
		c.MaxWait = 50 * time.Millisecond
	})
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = e.Generate(context.Background(), "slow", GenerateOptions{})
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // first call holds the in-flight slot
	// Second call occupies the queue slot and times out; keep it running.
	go func() { _, _ = e.Generate(context.Background(), "queued", GenerateOptions{}) }()
	time.Sleep(10 * time.Millisecond)
	_, err := e.Generate(context.Background(), "rejected", GenerateOptions{})
	if err == nil || !IsTooBusy(err) {
		t.Fatalf("expected too-busy error, got %v", err)
	}
}

func TestGenerateContextCanceled(t *testing.T) {
	e := loadedEngine(t, &fakeRuntime{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Generate(ctx, "Hello", GenerateOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateCache(t *testing.T) {
	rt := &fakeRuntime{output: "cached result text"}
	e := loadedEngine(t, rt, func(c *Config) { c.CacheTTL = time.Minute })
	first, err := e.Generate(context.Background(), "same prompt", GenerateOptions{MaxTokens: 3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := e.Generate(context.Background(), "same prompt", GenerateOptions{MaxTokens: 3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rt.gens.Load() != 1 {
		t.Fatalf("expected second call served from cache, runtime ran %d times", rt.gens.Load())
	}
	if second.Text != first.Text {
		t.Fatalf("cache returned different text: %q vs %q", second.Text, first.Text)
	}
	if second.RequestID == first.RequestID {
		t.Fatal("cache hit must still get its own request id")
	}
	// Different options miss the cache.
	if _, err := e.Generate(context.Background(), "same prompt", GenerateOptions{MaxTokens: 2}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rt.gens.Load() != 2 {
		t.Fatalf("expected cache miss for different options, runtime ran %d times", rt.gens.Load())
	}
	if st := e.Status(); st.CacheHitsTotal != 1 {
		t.Fatalf("expected 1 cache hit in status, got %d", st.CacheHitsTotal)
	}
}
