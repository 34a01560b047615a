package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexops/gantry/pkg/usage"
)

type modelCaps struct {
	MaxTokens         int64 `json:"max_tokens"`
	ContextWindow     int64 `json:"context_window"`
	SupportsFunctions bool  `json:"supports_functions"`
	SupportsVision    bool  `json:"supports_vision"`
}

type providerInfo struct {
	Name      string   `json:"name"`
	Available bool     `json:"available"`
	Models    []string `json:"models"`
}

// providerTables is the static capability table: for each provider the
// tier each of its model families maps to, with declared limits.
var providerTables = map[string]map[usage.Tier]modelCaps{
	"anthropic": {
		usage.TierSmall:  {MaxTokens: 8_192, ContextWindow: 200_000, SupportsFunctions: true, SupportsVision: true},
		usage.TierMedium: {MaxTokens: 64_000, ContextWindow: 200_000, SupportsFunctions: true, SupportsVision: true},
		usage.TierLarge:  {MaxTokens: 32_000, ContextWindow: 200_000, SupportsFunctions: true, SupportsVision: true},
	},
	"openai": {
		usage.TierSmall:  {MaxTokens: 16_384, ContextWindow: 128_000, SupportsFunctions: true, SupportsVision: true},
		usage.TierMedium: {MaxTokens: 32_768, ContextWindow: 128_000, SupportsFunctions: true, SupportsVision: true},
		usage.TierLarge:  {MaxTokens: 128_000, ContextWindow: 400_000, SupportsFunctions: true, SupportsVision: true},
	},
	"google": {
		usage.TierSmall:  {MaxTokens: 65_536, ContextWindow: 1_048_576, SupportsFunctions: true, SupportsVision: true},
		usage.TierMedium: {MaxTokens: 65_536, ContextWindow: 1_048_576, SupportsFunctions: true, SupportsVision: true},
		usage.TierLarge:  {MaxTokens: 65_536, ContextWindow: 1_048_576, SupportsFunctions: true, SupportsVision: true},
	},
	"deepseek": {
		usage.TierSmall: {MaxTokens: 8_192, ContextWindow: 64_000, SupportsFunctions: true, SupportsVision: false},
		usage.TierLarge: {MaxTokens: 64_000, ContextWindow: 64_000, SupportsFunctions: false, SupportsVision: false},
	},
}

// providersHandler lists every provider /v1/process accepts. Only
// anthropic is served natively; the rest are mapped onto local tiers.
func (s *Server) providersHandler(c *echo.Context) error {
	providers := []providerInfo{}
	for _, name := range []string{"anthropic", "openai", "google", "deepseek"} {
		table := providerTables[name]
		models := make([]string, 0, len(table))
		for _, tier := range usage.Tiers {
			if _, ok := table[tier]; ok {
				models = append(models, string(tier))
			}
		}
		available := name != "anthropic" || s.deps.Direct != nil || s.cfg.CLIPath != ""
		providers = append(providers, providerInfo{Name: name, Available: available, Models: models})
	}
	return c.JSON(http.StatusOK, providers)
}

// providerModelsHandler details one provider's per-tier capabilities.
func (s *Server) providerModelsHandler(c *echo.Context) error {
	name := c.Param("provider")
	table, ok := providerTables[name]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	models := map[string]modelCaps{}
	for tier, caps := range table {
		models[string(tier)] = caps
	}
	return c.JSON(http.StatusOK, map[string]any{
		"provider": name,
		"models":   models,
	})
}
