package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	slackgo "github.com/slack-go/slack"

	"threadrelay/internal/domain"
)

// maxWebhookBody caps the size of an events API request body.
const maxWebhookBody = 1 << 20

// Submitter accepts an inbound event for background processing.
type Submitter interface {
	Submit(ctx context.Context, ev domain.InboundEvent)
}

// WebhookConfig configures the events API endpoint.
type WebhookConfig struct {
	// SigningSecret verifies request signatures; empty disables verification.
	SigningSecret string
	// AckBody is written with every 200 acknowledgement.
	AckBody string
}

// WebhookHandler receives events API deliveries. It acknowledges each one
// before the reply is produced.
type WebhookHandler struct {
	cfg    WebhookConfig
	submit Submitter
	logger *slog.Logger
}

// NewWebhookHandler creates the events API handler.
func NewWebhookHandler(cfg WebhookConfig, submit Submitter, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, submit: submit, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if h.cfg.SigningSecret != "" {
		if err := verify(r.Header, body, h.cfg.SigningSecret); err != nil {
			h.logger.Warn("rejected unsigned event", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	env, err := domain.ParseEnvelope(body)
	if err != nil {
		h.logger.Warn("malformed event body", "error", err)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	if env.IsChallenge() {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	// Redeliveries are acknowledged and dropped; the first delivery is
	// already being answered.
	if n := r.Header.Get("X-Slack-Retry-Num"); n != "" {
		h.logger.Debug("ignoring redelivered event",
			"event_id", env.EventID,
			"retry_num", n,
			"retry_reason", r.Header.Get("X-Slack-Retry-Reason"),
		)
		h.ack(w)
		return
	}

	deliver(r.Context(), env, h.submit, h.logger)
	h.ack(w)
}

func (h *WebhookHandler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, h.cfg.AckBody)
}

func verify(header http.Header, body []byte, secret string) error {
	sv, err := slackgo.NewSecretsVerifier(header, secret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

// deliver converts an envelope and hands it to the dispatcher. Events that
// fail validation are logged and dropped.
func deliver(ctx context.Context, env *domain.Envelope, submit Submitter, logger *slog.Logger) {
	if env.Type != "" && env.Type != domain.EnvelopeEventCallback {
		logger.Debug("ignoring envelope", "type", env.Type)
		return
	}
	ev, err := env.Inbound()
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEvent) {
			logger.Debug("dropping invalid event", "event_id", env.EventID, "error", err)
		} else {
			logger.Warn("event conversion failed", "event_id", env.EventID, "error", err)
		}
		return
	}
	submit.Submit(ctx, ev)
}

// Healthz answers liveness probes.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}
