//go:build llama

package runtime

import (
	"context"
	"errors"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaRuntime holds global config used to initialize model handles.
type llamaRuntime struct{}

// NewLlama returns the in-process llama.cpp runtime.
func NewLlama() Runtime { return &llamaRuntime{} }

// llamaModel owns the loaded model.
type llamaModel struct {
	model   *llama.LLama
	threads int
}

func (r *llamaRuntime) Load(path string, opts Options) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{}
	if opts.CtxSize > 0 {
		mo = append(mo, llama.SetContext(opts.CtxSize))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{model: m, threads: opts.Threads}, nil
}

func (m *llamaModel) Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (Result, error) {
	if m.model == nil {
		return Result{}, errors.New("llama model not initialized")
	}

	// Bridge token streaming to onToken and respect cancellation.
	tokens := 0
	m.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return false
			}
		}
		tokens++
		return true
	})
	po := mapParamsToPredictOptions(params, m.threads)
	// Blocking until done or the callback returns false.
	text, err := m.model.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}
	return Result{Text: text, CompletionTokens: tokens, FinishReason: "stop"}, nil
}

func (m *llamaModel) Close() error {
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

// helpers
func maxi(a, b int) int {
	if a > b {
		return a
	}
	return b
}
func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// mapParamsToPredictOptions converts runtime params into go-llama.cpp options.
func mapParamsToPredictOptions(params Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(maxi(1, params.MaxTokens)),
		llama.SetThreads(maxi(1, threads)),
		llama.SetTopP(zf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(params.Temperature, llama.DefaultOptions.Temperature)),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
