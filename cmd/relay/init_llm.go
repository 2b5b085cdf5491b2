package main

import (
	"fmt"
	"log/slog"

	"threadrelay/internal/adapter/llm"
	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
)

// LLMComponents holds the provider registry and the optional image generator.
type LLMComponents struct {
	Registry *llm.Registry
	Images   domain.ImageGenerator
}

// initLLM builds every configured provider, wrapping each in a circuit
// breaker when enabled.
func initLLM(cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	registry := llm.NewRegistry()

	cbCfg := cfg.LLM.CircuitBreaker
	for _, pc := range cfg.LLM.Providers {
		provider, err := createLLMProvider(pc, cfg.LLM.MaxAttachmentBytes, log.With("provider", pc.Name))
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
		if cbCfg.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, cbCfg, log)
		}
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	if cbCfg.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cbCfg.MaxFailures,
			"timeout", cbCfg.Timeout,
			"interval", cbCfg.Interval,
		)
	}

	comps := &LLMComponents{Registry: registry}
	if name := cfg.Dispatch.ImageProvider; name != "" {
		pc, ok := cfg.Provider(name)
		if !ok {
			return nil, fmt.Errorf("image provider %s: %w", name, domain.ErrProviderNotFound)
		}
		if pc.Type != "openai" {
			return nil, fmt.Errorf("image provider %s: type %q cannot generate images", name, pc.Type)
		}
		comps.Images = llm.NewOpenAIImageGenerator(pc)
	}
	return comps, nil
}

func createLLMProvider(pc config.ProviderConfig, maxAttachmentBytes int64, log *slog.Logger) (domain.ChatProvider, error) {
	switch pc.Type {
	case "openai":
		return llm.NewOpenAIProvider(pc, log), nil
	case "gemini":
		return llm.NewGeminiProvider(pc, maxAttachmentBytes, log), nil
	case "anthropic":
		return llm.NewAnthropicProvider(pc, maxAttachmentBytes, log), nil
	case "bedrock":
		return createBedrockProvider(pc, maxAttachmentBytes, log)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
