package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
	"threadrelay/internal/infra/tracer"
)

// openAIDefaults are the generation parameters used when neither the
// provider config nor the request sets them.
var openAIDefaults = domain.GenerationParams{
	MaxTokens:        2048,
	Temperature:      0.7,
	TopP:             1,
	PresencePenalty:  0.5,
	FrequencyPenalty: 0.5,
	RequestTimeout:   60 * time.Second,
}

// OpenAIProvider streams chat completions from any OpenAI-compatible API.
// It sends text only; image content reaches it already folded into the
// prompt.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	params  domain.GenerationParams
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		params:  cfg.Params.Merge(openAIDefaults),
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements domain.ChatProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model            string          `json:"model"`
	Messages         []openaiMessage `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	Stream           bool            `json:"stream"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func toOpenAIRequest(req domain.ProviderRequest, params domain.GenerationParams) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openaiMessage{Role: domain.RoleSystem, Content: req.System})
	}
	for _, t := range req.Messages() {
		if t.Role == domain.RoleSystem {
			continue
		}
		msgs = append(msgs, openaiMessage{Role: t.Role, Content: t.Content})
	}

	oaiReq := openaiRequest{
		Model:            req.Model,
		Messages:         msgs,
		MaxTokens:        params.MaxTokens,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
		Stream:           true,
	}
	if params.Temperature > 0 {
		oaiReq.Temperature = &params.Temperature
	}
	if params.TopP > 0 {
		oaiReq.TopP = &params.TopP
	}
	return oaiReq
}

// Stream implements domain.ChatProvider.
func (p *OpenAIProvider) Stream(ctx context.Context, req domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
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

	body, err := json.Marshal(toOpenAIRequest(req, params))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	ch, err := withDeadline(ctx, params.RequestTimeout, func(ctx context.Context) (<-chan domain.StreamChunk, error) {
		httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
		if err != nil {
			return nil, err
		}
		return parseSSEStream(ctx, httpResp.Body, parseOpenAIChunk), nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return ch, nil
}

func parseOpenAIChunk(data []byte) (*domain.StreamChunk, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	if chunk.Error != nil {
		return &domain.StreamChunk{Err: openAIStreamError(chunk.Error)}, nil
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	c := chunk.Choices[0]
	if c.Delta.Content != nil && *c.Delta.Content != "" {
		return &domain.StreamChunk{Text: *c.Delta.Content}, nil
	}
	if c.FinishReason != nil && *c.FinishReason == "content_filter" {
		return &domain.StreamChunk{Err: domain.NewDomainError("openai.stream", domain.ErrContentPolicy, "content_filter")}, nil
	}
	// Role-only and finish deltas carry no text; [DONE] ends the stream.
	return nil, nil
}

func openAIStreamError(e *openaiError) error {
	detail := e.Message
	switch {
	case e.Code == "rate_limit_exceeded" || e.Type == "rate_limit_error":
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case e.Code == "context_length_exceeded":
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case e.Code == "content_filter" || e.Code == "content_policy_violation":
		return domain.NewDomainError("openai.stream", domain.ErrContentPolicy, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

// --- Image generation ---

const defaultImageModel = "dall-e-3"

// OpenAIImageGenerator produces images with the OpenAI images API.
type OpenAIImageGenerator struct {
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIImageGenerator creates an image generator sharing the provider's
// endpoint and credentials.
func NewOpenAIImageGenerator(cfg config.ProviderConfig) *OpenAIImageGenerator {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.ImageModel
	if model == "" {
		model = defaultImageModel
	}
	return &OpenAIImageGenerator{
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
	}
}

type openaiImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type openaiImageResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

// Generate implements domain.ImageGenerator.
func (g *OpenAIImageGenerator) Generate(ctx context.Context, prompt string) (*domain.GeneratedImage, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.image",
		trace.WithAttributes(tracer.StringAttr("llm.model", g.model)),
	)
	defer span.End()

	body, err := json.Marshal(openaiImageRequest{
		Model:          g.model,
		Prompt:         prompt,
		N:              1,
		Size:           "1024x1024",
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		err = mapTransportError(err)
		tracer.RecordError(span, err)
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read image response: %w", domain.ErrProviderError, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		err := mapHTTPError(httpResp.StatusCode, respBody)
		tracer.RecordError(span, err)
		return nil, err
	}

	var imgResp openaiImageResponse
	if err := json.Unmarshal(respBody, &imgResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal image response: %w", domain.ErrProviderError, err)
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].B64JSON == "" {
		return nil, domain.NewDomainError("OpenAIImageGenerator.Generate", domain.ErrEmptyResponse, "no image data")
	}
	data, err := base64.StdEncoding.DecodeString(imgResp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %w", domain.ErrProviderError, err)
	}

	tracer.SetOK(span)
	return &domain.GeneratedImage{
		Data:     data,
		MIMEType: http.DetectContentType(data),
		Prompt:   prompt,
	}, nil
}

// Compile-time interface checks.
var (
	_ domain.ChatProvider   = (*OpenAIProvider)(nil)
	_ domain.ImageGenerator = (*OpenAIImageGenerator)(nil)
)
