package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"minutes-api/config"
)

// New builds the configured provider, wrapped in a breaker when enabled.
func New(ctx context.Context, cfg config.LLM) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case config.ProviderAnthropic, "":
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("missing ANTHROPIC_API_KEY")
		}
		p = NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.AnthropicModel, cfg.MaxTokens, &http.Client{})
	case config.ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("missing GEMINI_API_KEY")
		}
		p, err = NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GeminiModel, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if cfg.BreakerFailures > 0 {
		p = NewBreaker(p, uint32(cfg.BreakerFailures), cfg.BreakerCooldown)
	}
	return p, nil
}
