// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/config"
)

// NewClient is a factory function that creates an LLMClient based on the configuration.
// A positive requests_per_second puts the client behind a shared rate limiter.
func NewClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	var (
		client schemas.LLMClient
		err    error
	)

	switch cfg.Provider {
	case config.ProviderGemini:
		client, err = NewGeminiClient(cfg, logger)
	case config.ProviderGenAI:
		client, err = NewGenAIClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]", cfg.Provider, config.ProviderGemini, config.ProviderGenAI)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond > 0 {
		logger.Debug("LLM client rate limited",
			zap.Float64("requests_per_second", cfg.RequestsPerSecond),
			zap.Int("burst", cfg.Burst))
		return NewRateLimitedClient(client, cfg.RequestsPerSecond, cfg.Burst), nil
	}
	return client, nil
}
