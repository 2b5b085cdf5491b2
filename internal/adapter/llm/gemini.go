package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
	"threadrelay/internal/infra/tracer"
)

var geminiDefaults = domain.GenerationParams{
	MaxTokens:   2048,
	Temperature: 1,
	TopP:        0.95,
}

// geminiSafetyCategories are blocked at medium probability and above.
var geminiSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// GeminiProvider streams from the Google Gemini API. The API requires
// alternating user and model turns, so history is coalesced first.
type GeminiProvider struct {
	name     string
	model    string
	apiKey   string
	baseURL  string
	params   domain.GenerationParams
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// NewGeminiProvider creates a provider for the Google Gemini API.
// maxAttachmentBytes bounds a single inlined image.
func NewGeminiProvider(cfg config.ProviderConfig, maxAttachmentBytes int64, logger *slog.Logger) *GeminiProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	return &GeminiProvider{
		name:     cfg.Name,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		params:   cfg.Params.Merge(geminiDefaults),
		maxBytes: maxAttachmentBytes,
		client:   NewHTTPClient(cfg),
		logger:   logger,
	}
}

// Name implements domain.ChatProvider.
func (p *GeminiProvider) Name() string { return p.name }

// --- Gemini API wire types ---

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	SafetySettings    []geminiSafetySetting  `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	PresencePenalty  float64  `json:"presencePenalty,omitempty"`
	FrequencyPenalty float64  `json:"frequencyPenalty,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiStreamChunk struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	Error          *geminiError          `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (p *GeminiProvider) buildRequest(ctx context.Context, req domain.ProviderRequest, params domain.GenerationParams) (geminiRequest, error) {
	turns, err := alternate(req.Messages(), p.maxBytes)
	if err != nil {
		return geminiRequest{}, err
	}

	gemReq := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens:  params.MaxTokens,
			PresencePenalty:  params.PresencePenalty,
			FrequencyPenalty: params.FrequencyPenalty,
		},
	}
	if params.Temperature > 0 {
		gemReq.GenerationConfig.Temperature = &params.Temperature
	}
	if params.TopP > 0 {
		gemReq.GenerationConfig.TopP = &params.TopP
	}
	for _, c := range geminiSafetyCategories {
		gemReq.SafetySettings = append(gemReq.SafetySettings, geminiSafetySetting{Category: c, Threshold: "BLOCK_MEDIUM_AND_ABOVE"})
	}
	if req.System != "" {
		gemReq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	for i, t := range turns {
		role := "user"
		if t.Role == domain.RoleAssistant {
			role = "model"
		}
		gc := geminiContent{Role: role}
		if t.Content != "" {
			gc.Parts = append(gc.Parts, geminiPart{Text: t.Content})
		}
		images, err := fetchImages(ctx, req.Files, t.Attachments, p.maxBytes, i == len(turns)-1, p.logger)
		if err != nil {
			return geminiRequest{}, err
		}
		for _, img := range images {
			gc.Parts = append(gc.Parts, geminiPart{InlineData: &geminiInlineData{MIMEType: img.MIMEType, Data: img.Data}})
		}
		if len(gc.Parts) == 0 {
			gc.Parts = []geminiPart{{Text: " "}}
		}
		gemReq.Contents = append(gemReq.Contents, gc)
	}
	return gemReq, nil
}

// Stream implements domain.ChatProvider.
func (p *GeminiProvider) Stream(ctx context.Context, req domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
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

	gemReq, err := p.buildRequest(ctx, req, params)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	body, err := json.Marshal(gemReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		p.baseURL, url.PathEscape(req.Model), url.QueryEscape(p.apiKey))

	ch, err := withDeadline(ctx, params.RequestTimeout, func(ctx context.Context) (<-chan domain.StreamChunk, error) {
		httpResp, err := doStreamRequest(ctx, p.client, endpoint, body, nil)
		if err != nil {
			return nil, err
		}
		return parseSSEStream(ctx, httpResp.Body, parseGeminiChunk), nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return ch, nil
}

func parseGeminiChunk(data []byte) (*domain.StreamChunk, error) {
	var chunk geminiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	if chunk.Error != nil {
		return &domain.StreamChunk{Err: mapHTTPError(chunk.Error.Code, data)}, nil
	}
	if fb := chunk.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return &domain.StreamChunk{Err: domain.NewDomainError("gemini.stream", domain.ErrContentPolicy, fb.BlockReason)}, nil
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}

	cand := chunk.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}
	switch cand.FinishReason {
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return &domain.StreamChunk{Err: domain.NewDomainError("gemini.stream", domain.ErrContentPolicy, cand.FinishReason)}, nil
	}
	if text.Len() == 0 && cand.FinishReason != "" {
		return nil, nil
	}
	return fragment(text.String()), nil
}

var _ domain.ChatProvider = (*GeminiProvider)(nil)
