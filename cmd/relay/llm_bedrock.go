//go:build bedrock

package main

import (
	"log/slog"

	"threadrelay/internal/adapter/llm"
	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
)

func createBedrockProvider(pc config.ProviderConfig, maxAttachmentBytes int64, log *slog.Logger) (domain.ChatProvider, error) {
	return llm.NewBedrockProvider(pc, maxAttachmentBytes, log)
}
