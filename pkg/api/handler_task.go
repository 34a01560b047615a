package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/shopspring/decimal"

	"github.com/cortexops/gantry/pkg/agentic"
	"github.com/cortexops/gantry/pkg/policy"
	"github.com/cortexops/gantry/pkg/store"
)

// defaultTaskTokens is the admission estimate for an agentic run, which
// has no client-declared output cap to estimate from.
const defaultTaskTokens = 4096

type taskRequest struct {
	Description string   `json:"description"`
	AllowTools  []string `json:"allow_tools,omitempty"`
	AllowAgents []string `json:"allow_agents,omitempty"`
	AllowSkills []string `json:"allow_skills,omitempty"`
	WorkingDir  string   `json:"working_directory,omitempty"`
	Timeout     int64    `json:"timeout,omitempty"` // seconds
	MaxCost     *string  `json:"max_cost,omitempty"`
}

type taskResponse struct {
	*agentic.Outcome
	CostUSD   string `json:"cost_usd,omitempty"`
	ProjectID string `json:"project_id"`
}

// taskHandler runs one agentic task end to end. The cost ceiling is
// enforced post-hoc: a run that exceeds it reports over_budget and is
// not debited.
func (s *Server) taskHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	id, err := s.authenticate(ctx, c)
	if err != nil {
		return err
	}

	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description must not be empty")
	}

	if err := s.deps.Policy.ValidateCapabilities(ctx, id, req.AllowTools, req.AllowAgents, req.AllowSkills); err != nil {
		return err
	}

	var maxCost *decimal.Decimal
	if req.MaxCost != nil {
		d, err := decimal.NewFromString(*req.MaxCost)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid max_cost")
		}
		maxCost = &d
	}
	limits, err := s.deps.Policy.ResourceGate(ctx, id, time.Duration(req.Timeout)*time.Second, maxCost)
	if err != nil {
		return err
	}
	if err := s.gateConcurrency(ctx, id); err != nil {
		return err
	}
	if err := s.admit(ctx, id, defaultTaskTokens); err != nil {
		return err
	}

	workingDir := ""
	if id.Profile.FSMode == store.FSModeWorkspace {
		workingDir = req.WorkingDir
	}
	out, err := s.deps.Executor.Execute(ctx, agentic.Request{
		Description:    req.Description,
		Tools:          req.AllowTools,
		Agents:         req.AllowAgents,
		Skills:         req.AllowSkills,
		WorkingDir:     workingDir,
		Deadline:       limits.Timeout,
		ProjectID:      id.ProjectID(),
		WorkspaceBytes: id.Profile.WorkspaceBytes,
	})
	if err != nil {
		s.release(ctx, id)
		taskID := ""
		if out != nil {
			taskID = out.TaskID
		}
		s.auditTerminal(ctx, taskID, id, err)
		return err
	}

	s.auditTaskEvents(ctx, id, out)

	// Post-hoc ceiling: the run already happened, but its cost is not
	// charged against the project budget.
	if out.Usage != nil && out.Usage.CostUSD.GreaterThan(limits.MaxCost) {
		out.Status = "over_budget"
		s.release(ctx, id)
		s.deps.Policy.Audit(ctx, out.TaskID, id, store.AuditOverBudget, store.SeverityWarning,
			map[string]any{"cost_usd": out.Usage.CostUSD.String(), "max_cost_usd": limits.MaxCost.String()})
		return c.JSON(http.StatusOK, taskResponse{
			Outcome:   out,
			CostUSD:   out.Usage.CostUSD.String(),
			ProjectID: id.ProjectID(),
		})
	}

	cost := ""
	if out.Usage != nil {
		cost = out.Usage.CostUSD.String()
		s.debit(ctx, out.TaskID, id, out.Usage)
	} else {
		s.release(ctx, id)
	}
	s.deps.Policy.Audit(ctx, out.TaskID, id, store.AuditTaskCompleted, store.SeverityInfo,
		map[string]any{"status": out.Status, "artifacts": len(out.Artifacts)})

	return c.JSON(http.StatusOK, taskResponse{
		Outcome:   out,
		CostUSD:   cost,
		ProjectID: id.ProjectID(),
	})
}

// gateConcurrency enforces the profile's concurrent-task ceiling against
// the pool's queued and running tasks for the project.
func (s *Server) gateConcurrency(ctx context.Context, id *policy.Identity) error {
	maxTasks := id.Profile.MaxConcurrent
	if maxTasks <= 0 {
		return nil
	}
	active := s.deps.Pool.ActiveForProject(id.ProjectID())
	if active >= maxTasks {
		s.deps.Policy.Audit(ctx, "", id, store.AuditRateLimited, store.SeverityWarning,
			map[string]any{"kind": "concurrency", "active": active, "max_concurrent": maxTasks})
		return echo.NewHTTPError(http.StatusTooManyRequests, "concurrent task limit reached")
	}
	return nil
}

// auditTaskEvents mirrors the task's execution log and anomalies into
// the audit trail.
func (s *Server) auditTaskEvents(ctx context.Context, id *policy.Identity, out *agentic.Outcome) {
	for _, ev := range out.ExecutionLog {
		kind := ""
		details := map[string]any{}
		switch ev.Kind {
		case "tool_call":
			kind = store.AuditToolCall
			details["tool"] = ev.Tool
		case "agent_invoke":
			kind = store.AuditAgentInvoke
			details["agent"] = ev.Agent
		case "skill_invoke":
			kind = store.AuditSkillInvoke
			details["skill"] = ev.Skill
		default:
			continue
		}
		if ev.Target != "" {
			details["target"] = ev.Target
		}
		s.deps.Policy.Audit(ctx, out.TaskID, id, kind, store.SeverityInfo, details)
	}
	switch out.Status {
	case agentic.StatusParseErrors:
		s.deps.Policy.Audit(ctx, out.TaskID, id, store.AuditTaskLogParseFailed, store.SeverityWarning, nil)
	case agentic.StatusArtifactsTruncated:
		s.deps.Policy.Audit(ctx, out.TaskID, id, store.AuditArtifactsTruncated, store.SeverityWarning,
			map[string]any{"workspace_bytes": id.Profile.WorkspaceBytes})
	}
}
