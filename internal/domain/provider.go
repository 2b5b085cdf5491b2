package domain

import (
	"context"
	"time"
)

// GenerationParams are the sampling and transport options passed to a
// provider. Zero values mean "provider default".
type GenerationParams struct {
	MaxTokens        int           `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature      float64       `yaml:"temperature" json:"temperature,omitempty"`
	TopP             float64       `yaml:"top_p" json:"top_p,omitempty"`
	PresencePenalty  float64       `yaml:"presence_penalty" json:"presence_penalty,omitempty"`
	FrequencyPenalty float64       `yaml:"frequency_penalty" json:"frequency_penalty,omitempty"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout,omitempty"`
}

// Merge returns p with every zero field filled from def.
func (p GenerationParams) Merge(def GenerationParams) GenerationParams {
	if p.MaxTokens == 0 {
		p.MaxTokens = def.MaxTokens
	}
	if p.Temperature == 0 {
		p.Temperature = def.Temperature
	}
	if p.TopP == 0 {
		p.TopP = def.TopP
	}
	if p.PresencePenalty == 0 {
		p.PresencePenalty = def.PresencePenalty
	}
	if p.FrequencyPenalty == 0 {
		p.FrequencyPenalty = def.FrequencyPenalty
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = def.RequestTimeout
	}
	return p
}

// ProviderRequest is one chat call: the retained history, the new user turn
// and the generation options.
type ProviderRequest struct {
	Model   string           `json:"model"`
	System  string           `json:"system,omitempty"`
	History []Turn           `json:"history,omitempty"`
	Turn    Turn             `json:"turn"`
	Params  GenerationParams `json:"params"`

	// Files resolves attachment URLs for adapters that inline image bytes.
	Files FileFetcher `json:"-"`
}

// Messages returns history followed by the new turn.
func (r ProviderRequest) Messages() []Turn {
	out := make([]Turn, 0, len(r.History)+1)
	out = append(out, r.History...)
	return append(out, r.Turn)
}

// ChatProvider is a streaming LLM backend.
type ChatProvider interface {
	// Name returns the provider's configured identifier.
	Name() string
	// Stream starts a completion and returns a channel of chunks. The channel
	// is closed after a chunk with Done or Err set, or when ctx ends.
	Stream(ctx context.Context, req ProviderRequest) (<-chan StreamChunk, error)
}

// ImageGenerator produces an image for a prompt. Used by the "!" branch.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*GeneratedImage, error)
}

// GeneratedImage is the output of an ImageGenerator.
type GeneratedImage struct {
	Data     []byte
	MIMEType string
	Prompt   string
}
