package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexops/gantry/pkg/direct"
)

type routeRequest struct {
	Prompt      string `json:"prompt"`
	ContextSize int64  `json:"context_size,omitempty"`
}

type routeResponse struct {
	RecommendedModel string       `json:"recommended_model"`
	PhysicalModel    string       `json:"physical_model"`
	Reasoning        string       `json:"reasoning"`
	BudgetStatus     budgetStatus `json:"budget_status"`
}

// routeHandler previews the routing decision without running anything.
func (s *Server) routeHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	id, err := s.authenticate(ctx, c)
	if err != nil {
		return err
	}

	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt must not be empty")
	}

	now := time.Now().UTC()
	remaining, err := s.deps.Store.RemainingBudget(ctx, id.ProjectID(), now)
	if err != nil {
		return err
	}
	contextSize := req.ContextSize
	if contextSize <= 0 {
		contextSize = int64(len(req.Prompt)) / 4
	}
	decision := s.deps.Router.Select(req.Prompt, contextSize, remaining)

	project, err := s.deps.Store.GetProject(ctx, id.ProjectID())
	var limit *int64
	if err == nil {
		limit = project.MonthlyLimit
	}

	return c.JSON(http.StatusOK, routeResponse{
		RecommendedModel: string(decision.Tier),
		PhysicalModel:    direct.ModelForTier(decision.Tier),
		Reasoning:        decision.Reason,
		BudgetStatus:     budgetStatus{Limit: limit, Remaining: remaining},
	})
}
