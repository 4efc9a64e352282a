package provider

import (
	"log/slog"
	"time"

	"afaqbot/internal/config"
	"afaqbot/internal/domain"
)

// New builds the configured backend: a Gemini client for the primary model,
// wrapped in a FailoverProvider when fallback models are listed. Duplicate
// models are skipped.
func New(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
	if logger == nil {
		logger = slog.Default()
	}
	client := SharedHTTPClient(time.Duration(pc.TimeoutSeconds) * time.Second)

	build := func(model string) domain.Provider {
		return NewGemini(GeminiConfig{
			APIKey:          pc.APIKey,
			APIBase:         pc.APIBase,
			Model:           model,
			Temperature:     pc.Temperature,
			MaxOutputTokens: pc.MaxOutputTokens,
			MaxRetries:      pc.MaxRetries,
			Client:          client,
			Logger:          logger,
		})
	}

	primary := build(pc.Model)
	if len(pc.FallbackModels) == 0 {
		return primary
	}

	chain := []domain.Provider{primary}
	seen := map[string]bool{pc.Model: true}
	for _, m := range pc.FallbackModels {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, build(m))
	}
	if len(chain) == 1 {
		return primary
	}
	return NewFailoverProvider(chain, logger)
}
