// Command relay answers chat mentions by streaming LLM replies into the
// thread they came from.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"threadrelay/internal/adapter/slack"
	"threadrelay/internal/adapter/vision"
	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
	"threadrelay/internal/infra/logger"
	"threadrelay/internal/infra/tracer"
	"threadrelay/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", envOr("THREADRELAY_CONFIG", "threadrelay.yaml"), "path to the YAML config file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	st, err := initStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer st.Close()

	llmc, err := initLLM(cfg, log)
	if err != nil {
		return err
	}

	platforms := slack.NewClients(cfg.Slack, nil, log)

	var vis domain.Vision
	if cfg.Vision.Enabled {
		vis = vision.New(cfg.Vision, log)
	}

	dispatcher := usecase.NewDispatcher(usecase.DispatcherConfig{
		Strategy:        cfg.Dispatch.Strategy,
		DefaultProvider: cfg.Dispatch.DefaultProvider,
		AppRoutes:       cfg.Dispatch.AppRoutes,
		ImagePrefix:     cfg.Dispatch.ImagePrefix,
		SystemPrompt:    cfg.Dispatch.SystemPrompt,
		HistorySource:   cfg.History.Source,
		RollbackTurns:   cfg.History.RollbackTurns,
		Relay: usecase.RelayOptions{
			EditEvery:       cfg.Relay.EditEvery,
			EditsPerSecond:  cfg.Relay.EditsPerSecond,
			MaxMessageChars: cfg.Relay.MaxMessageChars,
		},
	}, usecase.DispatcherDeps{
		Providers:  llmc.Registry,
		Platforms:  platforms,
		History:    usecase.NewContextStore(st.List, cfg.History.Window, cfg.History.TTL),
		Retry:      usecase.NewRetryController(usecase.RetryPolicy(cfg.Retry), log),
		Classifier: usecase.NewErrorClassifier(cfg.Relay.Messages),
		Prompt:     usecase.NewPromptBuilder(vis, cfg.Vision.Delimiter, log),
		Images:     llmc.Images,
		Logger:     log,
	})

	log.Info("relay starting",
		"mode", cfg.Slack.Mode,
		"providers", llmc.Registry.List(),
		"strategy", cfg.Dispatch.Strategy,
		"history", cfg.History.Source+"/"+cfg.History.Backend,
	)

	srv := newServer(ctx, cfg, dispatcher, log)
	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()
	if cfg.Slack.Mode == "socket" {
		listener := slack.NewSocketModeListener(platforms.Default(), dispatcher, log)
		go func() { errCh <- listener.Run(ctx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error("listener stopped", "error", runErr)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		log.Warn("in-flight replies abandoned", "error", err)
	}
	log.Info("relay stopped")
	return runErr
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
