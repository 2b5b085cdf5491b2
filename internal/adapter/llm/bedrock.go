//go:build bedrock

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
	"threadrelay/internal/infra/tracer"
)

// bedrockStreamAPI abstracts the Bedrock runtime method for testability.
type bedrockStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// bedrockEventStream is the part of the SDK event stream the adapter reads.
type bedrockEventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// BedrockProvider streams Claude-style models through the AWS Bedrock
// Converse API.
type BedrockProvider struct {
	name     string
	model    string
	params   domain.GenerationParams
	maxBytes int64
	client   bedrockStreamAPI
	// events unwraps the SDK output; replaced in tests.
	events func(*bedrockruntime.ConverseStreamOutput) bedrockEventStream
	logger   *slog.Logger
}

// NewBedrockProvider creates a Bedrock provider using the default AWS credential chain.
func NewBedrockProvider(cfg config.ProviderConfig, maxAttachmentBytes int64, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	p := newBedrockProviderWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger)
	p.params = cfg.Params.Merge(anthropicDefaults)
	p.maxBytes = maxAttachmentBytes
	return p, nil
}

// newBedrockProviderWithClient creates a BedrockProvider with an injected client (for testing).
func newBedrockProviderWithClient(name, model string, client bedrockStreamAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{
		name:   name,
		model:  model,
		params: anthropicDefaults,
		client: client,
		events: func(out *bedrockruntime.ConverseStreamOutput) bedrockEventStream {
			return out.GetStream()
		},
		logger: logger,
	}
}

// Name implements domain.ChatProvider.
func (p *BedrockProvider) Name() string { return p.name }

// Stream implements domain.ChatProvider.
func (p *BedrockProvider) Stream(ctx context.Context, req domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
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

	input, err := p.buildInput(ctx, req, params)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	ch, err := withDeadline(ctx, params.RequestTimeout, func(ctx context.Context) (<-chan domain.StreamChunk, error) {
		output, err := p.client.ConverseStream(ctx, input)
		if err != nil {
			return nil, mapBedrockError(err)
		}
		return p.drain(ctx, p.events(output)), nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return ch, nil
}

func (p *BedrockProvider) drain(ctx context.Context, stream bedrockEventStream) <-chan domain.StreamChunk {
	ch := make(chan domain.StreamChunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c domain.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for evt := range stream.Events() {
			chunk := processBedrockStreamEvent(evt)
			if chunk == nil {
				continue
			}
			if !send(*chunk) || chunk.Done {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := stream.Err(); err != nil {
			send(domain.StreamChunk{Err: mapBedrockError(err)})
			return
		}
		send(domain.StreamChunk{Done: true})
	}()
	return ch
}

// --- Bedrock request conversion ---

func (p *BedrockProvider) buildInput(ctx context.Context, req domain.ProviderRequest, params domain.GenerationParams) (*bedrockruntime.ConverseStreamInput, error) {
	turns, err := alternate(req.Messages(), p.maxBytes)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.Model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(params.MaxTokens)),
		},
	}
	if params.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(params.Temperature))
	}
	if params.TopP > 0 {
		input.InferenceConfig.TopP = aws.Float32(float32(params.TopP))
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	for i, t := range turns {
		msg := types.Message{Role: types.ConversationRoleUser}
		if t.Role == domain.RoleAssistant {
			msg.Role = types.ConversationRoleAssistant
		}
		images, err := fetchBedrockImages(ctx, req.Files, t.Attachments, p.maxBytes, i == len(turns)-1, p.logger)
		if err != nil {
			return nil, err
		}
		msg.Content = append(msg.Content, images...)
		text := t.Content
		if strings.TrimSpace(text) == "" {
			text = " "
		}
		msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: text})
		input.Messages = append(input.Messages, msg)
	}
	return input, nil
}

func fetchBedrockImages(ctx context.Context, fetch domain.FileFetcher, files []domain.Attachment, maxBytes int64, newest bool, logger *slog.Logger) ([]types.ContentBlock, error) {
	if fetch == nil {
		return nil, nil
	}
	var out []types.ContentBlock
	for _, f := range files {
		format, ok := bedrockImageFormat(f.MIMEType)
		if !ok {
			continue
		}
		data, err := fetch.FetchFile(ctx, f.URL)
		if err != nil {
			logger.Warn("attachment fetch failed", "file", f.Name, "error", err)
			continue
		}
		if maxBytes > 0 && int64(len(data)) > maxBytes {
			if newest {
				return nil, domain.NewDomainError("llm.fetchBedrockImages", domain.ErrPayloadTooLarge,
					fmt.Sprintf("%s is %d bytes, limit %d", f.Name, len(data), maxBytes))
			}
			continue
		}
		out = append(out, &types.ContentBlockMemberImage{
			Value: types.ImageBlock{
				Format: format,
				Source: &types.ImageSourceMemberBytes{Value: data},
			},
		})
	}
	return out, nil
}

func bedrockImageFormat(mime string) (types.ImageFormat, bool) {
	switch mime {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

func processBedrockStreamEvent(evt types.ConverseStreamOutput) *domain.StreamChunk {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if d, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
			return fragment(d.Value)
		}
		return nil
	case *types.ConverseStreamOutputMemberMessageStop:
		if e.Value.StopReason == types.StopReasonContentFiltered || e.Value.StopReason == types.StopReasonGuardrailIntervened {
			return &domain.StreamChunk{Err: domain.NewDomainError("bedrock.stream", domain.ErrContentPolicy, string(e.Value.StopReason))}
		}
		return &domain.StreamChunk{Done: true}
	default:
		return nil
	}
}

// --- Error mapping ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ThrottlingException" || code == "TooManyRequestsException" || code == "ServiceQuotaExceededException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && (strings.Contains(msg, "too long") || strings.Contains(msg, "too many tokens")):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelTimeoutException":
			return fmt.Errorf("%w: %s", domain.ErrTimeout, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException" || code == "ModelStreamErrorException":
			return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", domain.ErrTimeout, msg)
	}

	return fmt.Errorf("%w: bedrock: %w", domain.ErrProviderError, err)
}

var _ domain.ChatProvider = (*BedrockProvider)(nil)
