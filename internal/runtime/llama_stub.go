//go:build !llama

package runtime

// This file provides a no-CGO stub for the llama runtime. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// The real runtime lives in llama.go (tagged 'llama').

import (
	"context"
)

// llamaRuntime is a stub that satisfies Runtime but refuses to load models
// without the 'llama' build tag. This avoids any mocked behavior in
// production binaries built without CGO support.
type llamaRuntime struct{}

// NewLlama returns the llama runtime stub.
func NewLlama() Runtime { return &llamaRuntime{} }

type llamaModel struct {
	// No real resources in the stub.
}

func (r *llamaRuntime) Load(path string, opts Options) (Model, error) {
	// Fail fast: llama runtime not available in this build.
	return nil, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

func (m *llamaModel) Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (Result, error) {
	// Should never be called because Load returns an error, but return a clear error anyway.
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	return Result{}, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

func (m *llamaModel) Close() error {
	// Nothing to free in the stub.
	return nil
}
