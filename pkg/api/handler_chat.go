package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/cortexops/gantry/pkg/direct"
	"github.com/cortexops/gantry/pkg/policy"
	"github.com/cortexops/gantry/pkg/pool"
	"github.com/cortexops/gantry/pkg/store"
	"github.com/cortexops/gantry/pkg/usage"
)

// defaultMaxTokens is the admission estimate when the request does not
// cap output tokens.
const defaultMaxTokens = 1024

type chatRequest struct {
	Messages    []direct.Message `json:"messages"`
	Model       string           `json:"model"` // small|medium|large|auto, default auto
	ProjectID   string           `json:"project_id,omitempty"`
	System      string           `json:"system,omitempty"`
	MaxTokens   int64            `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Timeout     int64            `json:"timeout,omitempty"` // seconds
	ContextSize int64            `json:"context_size,omitempty"`

	// UseCLI forces the subprocess path even for plain completions.
	UseCLI bool `json:"use_cli,omitempty"`
}

func (s *Server) chatHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	id, err := s.authenticate(ctx, c)
	if err != nil {
		return err
	}

	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages must not be empty")
	}
	if err := checkProject(id, req.ProjectID); err != nil {
		return err
	}

	prompt := flattenPrompt(req.System, req.Messages)
	tier, reason, err := s.resolveTier(ctx, id.ProjectID(), req.Model, prompt, req.ContextSize)
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

	timeout := time.Duration(req.Timeout) * time.Second

	var (
		respID string
		u      *usage.Usage
		text   string
	)
	if req.UseCLI {
		respID, text, u, err = s.completeViaCLI(ctx, id, prompt, tier, timeout)
	} else {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		respID = uuid.NewString()
		text, u, err = s.completeDirect(ctx, tier, req)
	}
	if err != nil {
		s.release(ctx, id)
		return err
	}

	s.debit(ctx, respID, id, u)
	s.deps.Policy.Audit(ctx, respID, id, store.AuditRequestAllowed, store.SeverityInfo,
		map[string]any{"endpoint": "chat", "tier": string(tier), "routing": reason})

	return c.JSON(http.StatusOK, chatResponse{
		ID:        respID,
		Model:     u.Model,
		Content:   text,
		Usage:     toUsageBlock(u),
		Cost:      u.CostUSD.String(),
		ProjectID: id.ProjectID(),
	})
}

// checkProject rejects a request naming a project its key is not bound
// to. An empty project means the key's own.
func checkProject(id *policy.Identity, projectID string) error {
	if projectID != "" && projectID != id.ProjectID() {
		return echo.NewHTTPError(http.StatusForbidden, "api key is not bound to this project")
	}
	return nil
}

// resolveTier applies the routing rules when the caller asked for "auto",
// and parses an explicit tier otherwise.
func (s *Server) resolveTier(ctx context.Context, projectID, model, prompt string, contextSize int64) (usage.Tier, string, error) {
	if model != "" && model != "auto" {
		tier, err := usage.ParseTier(model)
		if err != nil {
			return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return tier, "explicit model", nil
	}
	remaining, err := s.deps.Store.RemainingBudget(ctx, projectID, time.Now().UTC())
	if err != nil {
		return "", "", err
	}
	if contextSize <= 0 {
		contextSize = int64(len(prompt)) / 4
	}
	decision := s.deps.Router.Select(prompt, contextSize, remaining)
	return decision.Tier, decision.Reason, nil
}

// admit reserves budget headroom, auditing a rejection before it
// propagates.
func (s *Server) admit(ctx context.Context, id *policy.Identity, estTokens int64) error {
	err := s.deps.Store.Admit(ctx, id.ProjectID(), estTokens, time.Now().UTC())
	if store.IsBudgetExceeded(err) {
		s.deps.Policy.Audit(ctx, "", id, store.AuditBudgetExceeded, store.SeverityWarning,
			map[string]any{"estimated_tokens": estTokens})
	}
	return err
}

// debit records actual usage after the fact. A failed debit loses
// revenue, not the response; it is escalated via the audit log.
func (s *Server) debit(ctx context.Context, taskID string, id *policy.Identity, u *usage.Usage) {
	err := s.deps.Store.Debit(ctx, id.ProjectID(), u.Tier, u.InputTokens, u.OutputTokens, u.CostUSD, time.Now().UTC())
	if err != nil {
		s.logger.Error("Failed to debit usage", "project_id", id.ProjectID(), "error", err)
		s.deps.Policy.Audit(ctx, taskID, id, store.AuditDebitLost, store.SeverityCritical,
			map[string]any{"tokens": u.TotalTokens, "cost_usd": u.CostUSD.String()})
	}
}

// release drops the admission reserved for a request that ends without a
// debit, so the estimate stops holding budget immediately.
func (s *Server) release(ctx context.Context, id *policy.Identity) {
	if err := s.deps.Store.Release(ctx, id.ProjectID()); err != nil {
		s.logger.Error("Failed to release admission", "project_id", id.ProjectID(), "error", err)
	}
}

// auditTerminal writes the single terminal audit event every pool task
// gets, whichever endpoint launched it.
func (s *Server) auditTerminal(ctx context.Context, taskID string, id *policy.Identity, runErr error) {
	kind, severity := store.AuditTaskCompleted, store.SeverityInfo
	var details map[string]any
	switch {
	case runErr == nil:
	case errors.Is(runErr, pool.ErrTaskTimedOut):
		kind, severity = store.AuditTaskTimedOut, store.SeverityWarning
		details = map[string]any{"error": runErr.Error()}
	case errors.Is(runErr, pool.ErrTaskCancelled):
		kind, severity = store.AuditTaskCancelled, store.SeverityWarning
		details = map[string]any{"error": runErr.Error()}
	default:
		kind, severity = store.AuditTaskFailed, store.SeverityWarning
		details = map[string]any{"error": runErr.Error()}
	}
	s.deps.Policy.Audit(ctx, taskID, id, kind, severity, details)
}

func (s *Server) completeViaCLI(ctx context.Context, id *policy.Identity, prompt string, tier usage.Tier, timeout time.Duration) (string, string, *usage.Usage, error) {
	taskID, err := s.deps.Pool.Submit(prompt, tier, pool.SubmitOptions{
		ProjectID: id.ProjectID(),
		Deadline:  timeout,
	})
	if err != nil {
		return "", "", nil, err
	}
	res, err := s.deps.Pool.Wait(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil {
			_ = s.deps.Pool.Cancel(taskID)
		}
		s.auditTerminal(ctx, taskID, id, err)
		return taskID, "", nil, err
	}
	s.auditTerminal(ctx, taskID, id, nil)
	return taskID, res.Envelope.Content, res.Usage, nil
}

func (s *Server) completeDirect(ctx context.Context, tier usage.Tier, req chatRequest) (string, *usage.Usage, error) {
	if s.deps.Direct == nil {
		return "", nil, echo.NewHTTPError(http.StatusServiceUnavailable, "direct path not configured")
	}
	comp, err := s.deps.Direct.Complete(ctx, tier, req.System, req.Messages, req.MaxTokens, req.Temperature)
	if err != nil {
		return "", nil, err
	}
	return comp.Content, comp.Usage, nil
}

// flattenPrompt turns a conversation into the single prompt string the
// CLI accepts.
func flattenPrompt(system string, messages []direct.Message) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if len(messages) > 1 {
			fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
		} else {
			b.WriteString(m.Content)
		}
	}
	return b.String()
}
