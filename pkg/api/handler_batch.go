package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/shopspring/decimal"

	"github.com/cortexops/gantry/pkg/pool"
	"github.com/cortexops/gantry/pkg/store"
)

// maxBatchSize bounds one batch request; larger batches should be split
// by the caller.
const maxBatchSize = 64

type batchPrompt struct {
	Prompt string `json:"prompt"`
	ID     string `json:"id,omitempty"`
}

type batchRequest struct {
	Prompts   []batchPrompt `json:"prompts"`
	Model     string        `json:"model,omitempty"` // small|medium|large|auto
	ProjectID string        `json:"project_id,omitempty"`
	Timeout   int64         `json:"timeout,omitempty"` // seconds, per prompt
	MaxTokens int64         `json:"max_tokens,omitempty"`
}

type batchResult struct {
	ID      string      `json:"id,omitempty"`
	Index   int         `json:"index"`
	Content string      `json:"content,omitempty"`
	Usage   *usageBlock `json:"usage,omitempty"`
	Cost    string      `json:"cost,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type batchResponse struct {
	Total       int           `json:"total"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Results     []batchResult `json:"results"`
	TotalCost   string        `json:"total_cost"`
	TotalTokens int64         `json:"total_tokens"`
	ProjectID   string        `json:"project_id"`
}

// batchHandler runs every prompt through the CLI pool. Admission is
// all-or-nothing up front; individual prompt failures are reported
// in-band so one bad prompt does not void the batch.
func (s *Server) batchHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	id, err := s.authenticate(ctx, c)
	if err != nil {
		return err
	}

	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Prompts) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "prompts must not be empty")
	}
	if len(req.Prompts) > maxBatchSize {
		return echo.NewHTTPError(http.StatusBadRequest, "too many prompts in one batch")
	}
	if err := checkProject(id, req.ProjectID); err != nil {
		return err
	}

	est := req.MaxTokens
	if est <= 0 {
		est = defaultMaxTokens
	}
	if err := s.admit(ctx, id, est*int64(len(req.Prompts))); err != nil {
		return err
	}

	deadline := time.Duration(req.Timeout) * time.Second

	// Submit everything first so the pool can overlap execution, then
	// collect in order.
	taskIDs := make([]string, len(req.Prompts))
	results := make([]batchResult, len(req.Prompts))
	for i, p := range req.Prompts {
		results[i] = batchResult{ID: p.ID, Index: i}
		tier, _, err := s.resolveTier(ctx, id.ProjectID(), req.Model, p.Prompt, 0)
		if err != nil {
			results[i].Error = "invalid model"
			continue
		}
		taskID, err := s.deps.Pool.Submit(p.Prompt, tier, pool.SubmitOptions{
			ProjectID: id.ProjectID(),
			Deadline:  deadline,
		})
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		taskIDs[i] = taskID
	}

	resp := batchResponse{
		Total:     len(req.Prompts),
		Results:   results,
		ProjectID: id.ProjectID(),
	}
	totalCost := decimal.Zero
	for i, taskID := range taskIDs {
		if taskID == "" {
			resp.Failed++
			continue
		}
		res, err := s.deps.Pool.Wait(ctx, taskID)
		s.auditTerminal(ctx, taskID, id, err)
		if err != nil {
			results[i].Error = err.Error()
			resp.Failed++
			continue
		}
		u := res.Usage
		ub := toUsageBlock(u)
		results[i].Content = res.Envelope.Content
		results[i].Usage = &ub
		results[i].Cost = u.CostUSD.String()
		resp.Completed++
		resp.TotalTokens += u.TotalTokens
		totalCost = totalCost.Add(u.CostUSD)
		s.debit(ctx, taskID, id, u)
	}
	resp.TotalCost = totalCost.String()

	// The batch reserved one admission up front; the first debit consumed
	// it. A batch with no completions must give it back.
	if resp.Completed == 0 {
		s.release(ctx, id)
	}

	s.deps.Policy.Audit(ctx, "", id, store.AuditRequestAllowed, store.SeverityInfo,
		map[string]any{"endpoint": "batch", "prompts": resp.Total, "completed": resp.Completed})

	return c.JSON(http.StatusOK, resp)
}
