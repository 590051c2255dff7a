package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr          string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir     string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ModelPath     string `json:"model_path" yaml:"model_path" toml:"model_path"`
	DefaultModel  string `json:"default_model" yaml:"default_model" toml:"default_model"`
	MaxTokens     int    `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	MaxQueueDepth int    `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS     int    `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	CacheTTLMS    int    `json:"cache_ttl_ms" yaml:"cache_ttl_ms" toml:"cache_ttl_ms"`
	LlamaCtx      int    `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads  int    `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
