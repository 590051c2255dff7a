package runtime

import "context"

// Runtime abstracts the model runtime used by the engine. Concrete
// implementations (e.g., llama.cpp) should satisfy this interface.
type Runtime interface {
	// Load reads a model file from path and returns a handle ready for
	// inference. Validity of the path is checked here, not earlier.
	Load(path string, opts Options) (Model, error)
}

// Model is an opaque handle to a loaded model. The engine owns it
// exclusively; callers never see it directly.
type Model interface {
	// Generate produces a continuation for prompt. The onToken callback is
	// invoked for each token as it is produced. Implementations must return
	// when the context is canceled.
	Generate(ctx context.Context, prompt string, params Params, onToken func(string) error) (Result, error)
	// Close releases resources associated with the model.
	Close() error
}

// Options captures load-time configuration for the runtime.
type Options struct {
	CtxSize int
	Threads int
}

// Params captures generation parameters passed to the runtime.
type Params struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
	TopK        int
	Stop        []string
	Seed        int
}

// Result summarizes a finished generation.
type Result struct {
	Text             string
	CompletionTokens int
	FinishReason     string
}

// unavailableError signals a missing runtime dependency (e.g., llama.cpp
// not compiled in) so callers can distinguish it from a model failure.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs an unavailableError.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}
