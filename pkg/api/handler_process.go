package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/cortexops/gantry/pkg/direct"
	"github.com/cortexops/gantry/pkg/store"
	"github.com/cortexops/gantry/pkg/usage"
)

type processRequest struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`

	// Either a full messages array or the two-string shorthand.
	Messages      []direct.Message `json:"messages,omitempty"`
	SystemMessage string           `json:"system_message,omitempty"`
	UserMessage   string           `json:"user_message,omitempty"`

	MaxTokens   int64    `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	UseCLI      bool     `json:"use_cli,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
}

type processMetadata struct {
	ActualModel string     `json:"actual_model"`
	Usage       usageBlock `json:"usage"`
	CostUSD     string     `json:"cost_usd"`
	MappedFrom  string     `json:"mapped_from"`
}

type processResponse struct {
	Content  string          `json:"content"`
	Model    string          `json:"model"`
	Provider string          `json:"provider"`
	Metadata processMetadata `json:"metadata"`
}

// processHandler accepts requests phrased against foreign provider model
// names and serves them from the local tiers. Mapping is static and
// capability-based, not a proxy to the named provider.
func (s *Server) processHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	id, err := s.authenticate(ctx, c)
	if err != nil {
		return err
	}

	var req processRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	messages := req.Messages
	if len(messages) == 0 && req.UserMessage != "" {
		messages = []direct.Message{{Role: "user", Content: req.UserMessage}}
	}
	if len(messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages must not be empty")
	}
	if err := checkProject(id, req.ProjectID); err != nil {
		return err
	}

	tier, rule, err := mapForeignModel(req.Provider, req.ModelName)
	if err != nil {
		return err
	}

	est := req.MaxTokens
	if est <= 0 {
		est = defaultMaxTokens
	}
	if err := s.admit(ctx, id, est); err != nil {
		return err
	}

	var (
		content string
		u       *usage.Usage
	)
	if req.UseCLI {
		_, content, u, err = s.completeViaCLI(ctx, id,
			flattenPrompt(req.SystemMessage, messages), tier, 0)
	} else {
		content, u, err = s.completeDirect(ctx, tier, chatRequest{
			Messages:    messages,
			System:      req.SystemMessage,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
	}
	if err != nil {
		s.release(ctx, id)
		return err
	}

	respID := uuid.NewString()
	s.debit(ctx, respID, id, u)
	s.deps.Policy.Audit(ctx, respID, id, store.AuditRequestAllowed, store.SeverityInfo,
		map[string]any{"endpoint": "process", "provider": req.Provider, "mapped_from": rule, "tier": string(tier)})

	return c.JSON(http.StatusOK, processResponse{
		Content:  content,
		Model:    string(tier),
		Provider: req.Provider,
		Metadata: processMetadata{
			ActualModel: u.Model,
			Usage:       toUsageBlock(u),
			CostUSD:     u.CostUSD.String(),
			MappedFrom:  rule,
		},
	})
}

// mapForeignModel places a foreign provider's model into the local tier
// of comparable capability. The returned rule string records which
// mapping applied, for metadata.mapped_from.
func mapForeignModel(provider, model string) (usage.Tier, string, error) {
	m := strings.ToLower(model)
	from := provider + "/" + model
	switch strings.ToLower(provider) {
	case "anthropic":
		tier, err := usage.TierForModel(m)
		if err != nil {
			return usage.TierMedium, from + " -> default medium", nil
		}
		return tier, from + " -> tier substring", nil
	case "openai":
		switch {
		case strings.HasPrefix(m, "gpt-4o-mini"), strings.HasPrefix(m, "gpt-4.1-mini"):
			return usage.TierSmall, from + " -> small", nil
		case strings.HasPrefix(m, "gpt-5"), strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "o1"):
			return usage.TierLarge, from + " -> large", nil
		}
		return usage.TierMedium, from + " -> default medium", nil
	case "google":
		switch {
		case strings.Contains(m, "flash"):
			return usage.TierSmall, from + " -> small", nil
		case strings.HasPrefix(m, "gemini") && strings.Contains(m, "pro"):
			return usage.TierLarge, from + " -> large", nil
		}
		return usage.TierMedium, from + " -> default medium", nil
	case "deepseek":
		if strings.Contains(m, "reasoner") {
			return usage.TierLarge, from + " -> large", nil
		}
		return usage.TierSmall, from + " -> small", nil
	}
	return "", "", echo.NewHTTPError(http.StatusNotImplemented, "unsupported provider")
}
