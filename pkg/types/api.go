package types

// GenerateRequest represents a text-generation request payload.
type GenerateRequest struct {
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Maximum number of new tokens to generate. Zero or omitted uses the
	// server default.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// If true, stream results as NDJSON tokens. When false, the server may
	// still stream internally but buffer.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
}

// GenerateResponse is the final (non-streaming) generation result.
type GenerateResponse struct {
	// Request identifier assigned by the server.
	// example: 2b1a6f2e-9f6f-4a7e-8a9e-000000000000
	RequestID string `json:"request_id" example:"2b1a6f2e-9f6f-4a7e-8a9e-000000000000"`
	// Generated text.
	// example: Salt wind over waves...
	Text string `json:"text" example:"Salt wind over waves..."`
	// Why generation ended (stop, length, cancel).
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
	// Number of tokens produced.
	// example: 17
	CompletionTokens int `json:"completion_tokens" example:"17"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Identifier of the model this engine serves.
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// Absolute path of the model file.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	ModelPath string `json:"model_path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Engine lifecycle state (unloaded, loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Whether the model is loaded and ready to generate.
	// example: true
	Loaded bool `json:"loaded" example:"true"`
	// Last load error, if any.
	LastError string `json:"last_error,omitempty"`
	// Current queue length for pending generations.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight generations (0 or 1).
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued generations allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Total completed generations since start.
	// example: 12
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
	// Total generations served from the result cache.
	// example: 3
	CacheHitsTotal uint64 `json:"cache_hits_total" example:"3"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
