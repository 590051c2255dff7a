package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

type options struct {
	configPath    string
	addr          string
	modelsDir     string
	modelPath     string
	defaultModel  string
	maxTokens     int
	maxQueueDepth int
	maxWaitMS     int
	cacheTTLMS    int
	llamaCtx      int
	llamaThreads  int
	logLevel      string
	corsOrigins   []string
	loadOnStart   bool
	genTimeoutS   int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Local LLM loading and text generation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (yaml/json/toml); flags override it")
	root.PersistentFlags().StringVar(&opts.modelPath, "model", "", "Path to a model file (overrides registry lookup)")
	root.PersistentFlags().IntVar(&opts.maxTokens, "max-tokens", 0, "Default max new tokens when a request omits it")
	root.PersistentFlags().IntVar(&opts.llamaCtx, "llama-ctx", 0, "llama.cpp context size")
	root.PersistentFlags().IntVar(&opts.llamaThreads, "llama-threads", 0, "llama.cpp thread count")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newGenerateCmd(opts))
	return root
}

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigFile(cmd, opts); err != nil {
				return err
			}
			return runServe(opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&opts.modelsDir, "models-dir", "~/models/llm", "Directory to scan for *.gguf model files")
	cmd.Flags().StringVar(&opts.defaultModel, "default-model", "", "Model id to serve (defaults to the only model found)")
	cmd.Flags().IntVar(&opts.maxQueueDepth, "max-queue-depth", 0, "Pending generations before 429 (0=default)")
	cmd.Flags().IntVar(&opts.maxWaitMS, "max-wait-ms", 0, "Max queue wait in milliseconds (0=default)")
	cmd.Flags().IntVar(&opts.cacheTTLMS, "cache-ttl-ms", 0, "Result cache TTL in milliseconds (0=disabled)")
	cmd.Flags().StringSliceVar(&opts.corsOrigins, "cors-origin", nil, "Allowed CORS origins (repeatable); empty disables CORS")
	cmd.Flags().BoolVar(&opts.loadOnStart, "load-on-start", false, "Load the model at startup instead of on POST /load")
	cmd.Flags().Int64Var(&opts.genTimeoutS, "generate-timeout-s", 0, "Per-request generation timeout in seconds (0=off)")
	return cmd
}

func newGenerateCmd(opts *options) *cobra.Command {
	var prompt string
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Load a model and print one completion (requires -tags=llama build)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigFile(cmd, opts); err != nil {
				return err
			}
			if opts.modelPath == "" {
				return errors.New("--model is required")
			}
			if prompt == "" {
				return errors.New("--prompt is required")
			}
			logger := newLogger(opts.logLevel)
			eng := engine.NewWithConfig(engine.Config{
				ModelPath:        opts.modelPath,
				DefaultMaxTokens: opts.maxTokens,
				CtxSize:          opts.llamaCtx,
				Threads:          opts.llamaThreads,
				Logger:           &logger,
			})
			defer eng.Close()
			ctx := cmd.Context()
			if err := eng.Load(ctx); err != nil {
				return err
			}
			res, err := eng.GenerateStream(ctx, prompt, engine.GenerateOptions{MaxTokens: maxTokens}, func(tok string) error {
				_, err := fmt.Print(tok)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Println()
			logger.Info().Int("tokens", res.CompletionTokens).Str("finish_reason", res.FinishReason).Msg("done")
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt text")
	cmd.Flags().IntVar(&maxTokens, "n", 0, "Max new tokens for this completion (0=default)")
	return cmd
}

// applyConfigFile fills options from --config, keeping explicitly set flags.
func applyConfigFile(cmd *cobra.Command, opts *options) error {
	if opts.configPath == "" {
		return nil
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	set := func(name string) bool {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			return true
		}
		f := cmd.InheritedFlags().Lookup(name)
		return f != nil && f.Changed
	}
	if cfg.Addr != "" && !set("addr") {
		opts.addr = cfg.Addr
	}
	if cfg.ModelsDir != "" && !set("models-dir") {
		opts.modelsDir = cfg.ModelsDir
	}
	if cfg.ModelPath != "" && !set("model") {
		opts.modelPath = cfg.ModelPath
	}
	if cfg.DefaultModel != "" && !set("default-model") {
		opts.defaultModel = cfg.DefaultModel
	}
	if cfg.MaxTokens > 0 && !set("max-tokens") {
		opts.maxTokens = cfg.MaxTokens
	}
	if cfg.MaxQueueDepth > 0 && !set("max-queue-depth") {
		opts.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWaitMS > 0 && !set("max-wait-ms") {
		opts.maxWaitMS = cfg.MaxWaitMS
	}
	if cfg.CacheTTLMS > 0 && !set("cache-ttl-ms") {
		opts.cacheTTLMS = cfg.CacheTTLMS
	}
	if cfg.LlamaCtx > 0 && !set("llama-ctx") {
		opts.llamaCtx = cfg.LlamaCtx
	}
	if cfg.LlamaThreads > 0 && !set("llama-threads") {
		opts.llamaThreads = cfg.LlamaThreads
	}
	if cfg.LogLevel != "" && !set("log-level") {
		opts.logLevel = cfg.LogLevel
	}
	return nil
}

func runServe(opts *options) error {
	logger := newLogger(opts.logLevel)

	// Resolve the model to serve: explicit path wins, else registry lookup.
	var models []types.Model
	modelPath := opts.modelPath
	modelID := ""
	if modelPath == "" {
		reg, err := registry.LoadDir(opts.modelsDir)
		if err != nil {
			return fmt.Errorf("load models: %w", err)
		}
		models = reg
		switch {
		case opts.defaultModel != "":
			mdl, ok := registry.Find(reg, opts.defaultModel)
			if !ok {
				return fmt.Errorf("model not found in %s: %s", opts.modelsDir, opts.defaultModel)
			}
			modelPath, modelID = mdl.Path, mdl.ID
		case len(reg) == 1:
			modelPath, modelID = reg[0].Path, reg[0].ID
		default:
			return fmt.Errorf("found %d models in %s; pick one with --default-model", len(reg), opts.modelsDir)
		}
	}

	eng := engine.NewWithConfig(engine.Config{
		ModelPath:        modelPath,
		ModelID:          modelID,
		DefaultMaxTokens: opts.maxTokens,
		MaxQueueDepth:    opts.maxQueueDepth,
		MaxWait:          time.Duration(opts.maxWaitMS) * time.Millisecond,
		CacheTTL:         time.Duration(opts.cacheTTLMS) * time.Millisecond,
		CtxSize:          opts.llamaCtx,
		Threads:          opts.llamaThreads,
		Logger:           &logger,
	})
	defer eng.Close()

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(logger)
	httpapi.SetGenerateTimeoutSeconds(opts.genTimeoutS)
	if len(opts.corsOrigins) > 0 {
		httpapi.SetCORSOptions(true, opts.corsOrigins,
			[]string{"GET", "POST", "OPTIONS"},
			[]string{"Accept", "Content-Type", "X-Log-Level"})
	}

	if opts.loadOnStart {
		eng.LoadAsync(baseCtx, func(err error) {
			if err != nil {
				logger.Error().Err(err).Msg("startup load failed")
			}
		})
	}

	mux := httpapi.NewMux(eng, models)
	srv := &http.Server{Addr: opts.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", opts.addr).Str("model", eng.ModelID()).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}
