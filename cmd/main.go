package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"assistant-agent/handler"
	"assistant-agent/internal/config"
	"assistant-agent/internal/httpapi"
	"assistant-agent/internal/integrations/duckduckgo"
	"assistant-agent/internal/integrations/inference"
	"assistant-agent/internal/integrations/paramstore"
	"assistant-agent/internal/observability"
	"assistant-agent/internal/repository"
	"assistant-agent/internal/scheduler"
	"assistant-agent/internal/tools"
	"assistant-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	// ---- Parameters and storage ----
	params, store, err := newBackends(ctx, cfg)
	if err != nil {
		logger.Error("failed to create backends", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	reminders, err := scheduler.New(store,
		scheduler.WithLogger(logger),
		scheduler.WithRecorder(metrics),
	)
	if err != nil {
		logger.Error("failed to create scheduler", "err", err)
		os.Exit(1)
	}
	search := duckduckgo.NewClient(duckduckgo.WithBaseURL(cfg.SearchURL))
	registry, err := tools.NewDefaultRegistry(search, reminders, logger)
	if err != nil {
		logger.Error("failed to register tools", "err", err)
		os.Exit(1)
	}
	inferenceClient, err := inference.NewClient(params, cfg.ParamPrefix, inference.WithEndpoint(cfg.InferenceURL))
	if err != nil {
		logger.Error("failed to create inference client", "err", err)
		os.Exit(1)
	}

	// ---- Use cases ----
	orchestrator, err := usecase.NewOrchestrator(inferenceClient, registry, usecase.OrchestratorConfig{
		MaxPasses: cfg.MaxPasses,
		MaxTokens: cfg.MaxTokens,
		Logger:    logger,
		Observer:  metrics,
	})
	if err != nil {
		logger.Error("failed to create orchestrator", "err", err)
		os.Exit(1)
	}
	turns, err := usecase.NewTurnService(params, store, orchestrator, usecase.TurnServiceConfig{
		ParamPrefix:   cfg.ParamPrefix,
		MaxHistory:    cfg.MaxHistory,
		MaxMessageLen: cfg.MaxMessageLen,
		Logger:        logger,
		Observer:      metrics,
	})
	if err != nil {
		logger.Error("failed to create turn service", "err", err)
		os.Exit(1)
	}

	// ---- Transport ----
	if cfg.RunMode == config.RunModeLambda {
		h, err := handler.NewHandler(turns, handler.WithSweeper(reminders), handler.WithLogger(logger))
		if err != nil {
			logger.Error("failed to create handler", "err", err)
			os.Exit(1)
		}
		lambda.Start(h.Invoke)
		return
	}

	if err := serve(ctx, cfg, logger, turns, reminders, metrics); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// newBackends wires SSM and DynamoDB, or in-process stand-ins for the memory
// backend. Persona and model fall back to configuration when the parameters
// are missing.
func newBackends(ctx context.Context, cfg config.Config) (paramstore.Getter, repository.Store, error) {
	defaults := map[string]string{
		cfg.ParamPrefix + "/persona":      cfg.PersonaPrompt,
		cfg.ParamPrefix + "/config/model": cfg.InferenceModel,
	}

	if cfg.StoreBackend == repository.BackendMemory {
		token, err := json.Marshal(map[string]string{"token": cfg.InferenceToken})
		if err != nil {
			return nil, nil, err
		}
		defaults[cfg.ParamPrefix+"/inference-token"] = string(token)
		store, err := repository.NewStore(repository.BackendMemory, nil, "")
		if err != nil {
			return nil, nil, err
		}
		return paramstore.WithDefaults(paramstore.Static{}, defaults), store, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, nil, err
	}
	store, err := repository.NewStore(cfg.StoreBackend, awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, nil, err
	}
	return paramstore.WithDefaults(ssmClient, defaults), store, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, turns *usecase.TurnService, reminders *scheduler.Scheduler, metrics *observability.Metrics) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reminders.Start(ctx); err != nil {
		return err
	}
	defer reminders.Stop()
	go reminders.Run(ctx, cfg.SweepInterval)

	api, err := httpapi.New(turns, reminders, metrics.Handler(), logger)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
