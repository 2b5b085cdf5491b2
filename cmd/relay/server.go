package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"threadrelay/internal/adapter/slack"
	"threadrelay/internal/infra/config"
	"threadrelay/internal/infra/middleware"
)

// server hosts the events endpoint and the health probe.
type server struct {
	addr    string
	http    *http.Server
	handler http.Handler
	logger  *slog.Logger
}

// newServer builds the HTTP surface. In socket mode only /healthz is served.
// The rate limiter's janitor stops when ctx is done.
func newServer(ctx context.Context, cfg *config.Config, submit slack.Submitter, log *slog.Logger) *server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", slack.Healthz)
	if cfg.Slack.Mode != "socket" {
		webhook := slack.NewWebhookHandler(slack.WebhookConfig{
			SigningSecret: cfg.Slack.SigningSecret,
			AckBody:       cfg.Server.AckBody,
		}, submit, log)
		mux.Handle(cfg.Server.Path, middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: cfg.Server.RequestsPerMin,
			BurstSize:      cfg.Server.Burst,
			TrustedProxies: cfg.Server.TrustedProxies,
		})(webhook))
	}

	handler := middleware.Recover(log)(middleware.SecurityHeaders(mux))
	return &server{
		addr:    cfg.Server.Addr,
		handler: handler,
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		},
		logger: log,
	}
}

// Start listens and serves until Stop is called.
func (s *server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.logger.Info("http server started", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
