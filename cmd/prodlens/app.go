package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vbonduro/prodlens/internal/analysis"
	"github.com/vbonduro/prodlens/internal/analysis/claude"
	"github.com/vbonduro/prodlens/internal/analysis/gemini"
	"github.com/vbonduro/prodlens/internal/analysis/ollama"
	"github.com/vbonduro/prodlens/internal/analysis/stub"
	"github.com/vbonduro/prodlens/internal/config"
	"github.com/vbonduro/prodlens/internal/intake"
	"github.com/vbonduro/prodlens/internal/logging"
	"github.com/vbonduro/prodlens/internal/search"
	"github.com/vbonduro/prodlens/internal/search/tavily"
	"github.com/vbonduro/prodlens/internal/service"
)

// app holds the long-lived components built once at startup.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *service.AnalyzeService
	close   func()
}

// newApp loads configuration and wires the service. Missing credentials fail
// here, before any request is accepted.
func newApp(ctx context.Context, logFormat string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	logger, logCleanup, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	prompts, err := analysis.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		logCleanup()
		return nil, err
	}

	client, clientClose, err := newAnalysisClient(ctx, cfg, prompts, logger)
	if err != nil {
		logCleanup()
		return nil, err
	}

	artifacts, err := intake.NewArtifactStore(cfg.ArtifactDir, logger)
	if err != nil {
		clientClose()
		logCleanup()
		return nil, err
	}
	in := intake.New(intake.NewFetcher(cfg.FetchTimeout, cfg.MaxImageBytes), artifacts, cfg.MaxImageBytes, logger,
		intake.WithMaxPixels(cfg.MaxImagePixels))

	svc := service.NewAnalyzeService(in, client, service.Options{
		DisplayWidth:    cfg.DisplayWidth,
		AnalysisTimeout: cfg.AnalysisTimeout,
	}, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		service: svc,
		close: func() {
			clientClose()
			logCleanup()
		},
	}, nil
}

func newAnalysisClient(ctx context.Context, cfg *config.Config, prompts analysis.Prompts, logger *slog.Logger) (analysis.Client, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendGemini:
		var searcher search.Searcher
		if cfg.SearchActive() {
			searcher = tavily.New(cfg.Secrets.SearchAPIKey, cfg.SearchMaxResult)
		}
		client, err := gemini.New(ctx, cfg.Secrets.ModelAPIKey, cfg.ModelName, prompts, searcher, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using Gemini analysis backend", "model", cfg.ModelName, "web_search", searcher != nil)
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Error("failed to close gemini client", "error", err)
			}
		}, nil
	case config.BackendClaude:
		logger.Info("using Claude analysis backend", "model", cfg.ModelName)
		return claude.New(cfg.Secrets.ModelAPIKey, cfg.ModelName, prompts), noop, nil
	case config.BackendOllama:
		logger.Info("using Ollama analysis backend", "host", cfg.OllamaHost, "model", cfg.ModelName)
		return ollama.New(cfg.OllamaHost, cfg.ModelName, prompts), noop, nil
	case config.BackendStub:
		logger.Warn("using stub analysis backend; responses are not real analyses")
		return stub.New(20 * time.Millisecond), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown analysis backend %q", cfg.Backend)
	}
}
