package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
	"threadrelay/internal/infra/tracer"
)

const defaultAnthropicVersion = "2023-06-01"

var anthropicDefaults = domain.GenerationParams{
	MaxTokens: 1024,
}

// AnthropicProvider streams from the Anthropic Messages API. Like Gemini,
// the API requires alternating roles beginning with a user turn.
type AnthropicProvider struct {
	name     string
	model    string
	apiKey   string
	baseURL  string
	version  string
	params   domain.GenerationParams
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg config.ProviderConfig, maxAttachmentBytes int64, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		name:     cfg.Name,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		version:  defaultAnthropicVersion,
		params:   cfg.Params.Merge(anthropicDefaults),
		maxBytes: maxAttachmentBytes,
		client:   NewHTTPClient(cfg),
		logger:   logger,
	}
}

// Name implements domain.ChatProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// --- Anthropic streaming wire types ---

type anthropicStreamEvent struct {
	Type  string          `json:"type"`
	Delta json.RawMessage `json:"delta,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicDeltaText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *AnthropicProvider) buildRequest(ctx context.Context, req domain.ProviderRequest, params domain.GenerationParams) (anthropicRequest, error) {
	turns, err := alternate(req.Messages(), p.maxBytes)
	if err != nil {
		return anthropicRequest{}, err
	}

	antReq := anthropicRequest{
		Model:     req.Model,
		System:    req.System,
		MaxTokens: params.MaxTokens,
		Stream:    true,
	}
	if params.Temperature > 0 {
		antReq.Temperature = &params.Temperature
	}
	if params.TopP > 0 {
		antReq.TopP = &params.TopP
	}

	for i, t := range turns {
		msg := anthropicMessage{Role: t.Role}
		images, err := fetchImages(ctx, req.Files, t.Attachments, p.maxBytes, i == len(turns)-1, p.logger)
		if err != nil {
			return anthropicRequest{}, err
		}
		for _, img := range images {
			msg.Content = append(msg.Content, anthropicContent{
				Type:   "image",
				Source: &anthropicSource{Type: "base64", MediaType: img.MIMEType, Data: img.Data},
			})
		}
		text := t.Content
		if strings.TrimSpace(text) == "" {
			text = " "
		}
		msg.Content = append(msg.Content, anthropicContent{Type: "text", Text: text})
		antReq.Messages = append(antReq.Messages, msg)
	}
	return antReq, nil
}

// Stream implements domain.ChatProvider.
func (p *AnthropicProvider) Stream(ctx context.Context, req domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	params := req.Params.Merge(p.params)

	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	antReq, err := p.buildRequest(ctx, req, params)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	body, err := json.Marshal(antReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}

	// The event type is repeated inside each data payload, so the "event:"
	// lines the SSE parser skips carry nothing extra.
	ch, err := withDeadline(ctx, params.RequestTimeout, func(ctx context.Context) (<-chan domain.StreamChunk, error) {
		httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/v1/messages", body, headers)
		if err != nil {
			return nil, err
		}
		return parseSSEStream(ctx, httpResp.Body, parseAnthropicEvent), nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return ch, nil
}

func parseAnthropicEvent(data []byte) (*domain.StreamChunk, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}

	switch evt.Type {
	case "content_block_delta":
		var td anthropicDeltaText
		if err := json.Unmarshal(evt.Delta, &td); err == nil && td.Type == "text_delta" {
			return fragment(td.Text), nil
		}
		return nil, nil
	case "message_stop":
		return &domain.StreamChunk{Done: true}, nil
	case "error":
		if evt.Error == nil {
			return &domain.StreamChunk{Err: fmt.Errorf("%w: stream error", domain.ErrProviderError)}, nil
		}
		return &domain.StreamChunk{Err: anthropicStreamError(evt.Error)}, nil
	default:
		return nil, nil
	}
}

func anthropicStreamError(e *anthropicError) error {
	detail := e.Type + ": " + e.Message
	lower := strings.ToLower(e.Message)
	switch {
	case e.Type == "rate_limit_error" || e.Type == "overloaded_error":
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case e.Type == "authentication_error" || e.Type == "permission_error":
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case e.Type == "request_too_large" || strings.Contains(lower, "prompt is too long"):
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case e.Type == "timeout_error":
		return fmt.Errorf("%w: %s", domain.ErrTimeout, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

var _ domain.ChatProvider = (*AnthropicProvider)(nil)
