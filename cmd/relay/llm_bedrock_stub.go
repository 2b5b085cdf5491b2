//go:build !bedrock

package main

import (
	"fmt"
	"log/slog"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
)

func createBedrockProvider(_ config.ProviderConfig, _ int64, _ *slog.Logger) (domain.ChatProvider, error) {
	return nil, fmt.Errorf("bedrock provider requires build with -tags bedrock")
}
