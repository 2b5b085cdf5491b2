package slack

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/slack-go/slack/socketmode"

	"threadrelay/internal/domain"
)

// SocketModeListener receives events over a Socket Mode websocket instead
// of the HTTP endpoint. The bot client must carry an app-level token.
type SocketModeListener struct {
	client *socketmode.Client
	submit Submitter
	logger *slog.Logger
}

// NewSocketModeListener creates a listener on the default bot client.
func NewSocketModeListener(p *Platform, submit Submitter, logger *slog.Logger) *SocketModeListener {
	return &SocketModeListener{
		client: socketmode.New(p.Client()),
		submit: submit,
		logger: logger,
	}
}

// Run connects and dispatches events until ctx is done.
func (l *SocketModeListener) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.client.RunContext(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case evt, ok := <-l.client.Events:
			if !ok {
				return nil
			}
			l.handle(ctx, evt)
		}
	}
}

func (l *SocketModeListener) handle(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		l.logger.Info("socket mode connecting")
	case socketmode.EventTypeConnected:
		l.logger.Info("socket mode connected")
	case socketmode.EventTypeConnectionError:
		l.logger.Warn("socket mode connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		if evt.Request == nil {
			return
		}
		l.client.Ack(*evt.Request)
		if n := retryAttempt(evt.Request); n > 0 {
			l.logger.Debug("ignoring redelivered event", "retry_num", n)
			return
		}
		handlePayload(ctx, evt.Request.Payload, l.submit, l.logger)
	}
}

// retryAttempt reports the redelivery count carried by a request envelope.
func retryAttempt(req *socketmode.Request) int {
	b, err := json.Marshal(req)
	if err != nil {
		return 0
	}
	var r struct {
		RetryAttempt int `json:"retry_attempt"`
	}
	_ = json.Unmarshal(b, &r)
	return r.RetryAttempt
}

// handlePayload decodes a Socket Mode events API payload, which carries the
// same envelope as an HTTP delivery.
func handlePayload(ctx context.Context, payload []byte, submit Submitter, logger *slog.Logger) {
	env, err := domain.ParseEnvelope(payload)
	if err != nil {
		logger.Warn("malformed socket mode payload", "error", err)
		return
	}
	deliver(ctx, env, submit, logger)
}
