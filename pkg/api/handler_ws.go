package api

import (
	"context"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"github.com/shopspring/decimal"

	"github.com/cortexops/gantry/pkg/agentic"
	"github.com/cortexops/gantry/pkg/direct"
	"github.com/cortexops/gantry/pkg/policy"
	"github.com/cortexops/gantry/pkg/store"
)

// Application close code for a failed first-frame authentication.
const wsStatusUnauthorized = websocket.StatusCode(4401)

// wsClientFrame is the single request frame a client sends after
// connecting. Type selects which subset of the fields applies.
type wsClientFrame struct {
	Type   string `json:"type"` // chat | agentic_task
	APIKey string `json:"api_key"`

	// Chat fields.
	Messages    []direct.Message `json:"messages,omitempty"`
	Model       string           `json:"model,omitempty"`
	System      string           `json:"system,omitempty"`
	MaxTokens   int64            `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	ContextSize int64            `json:"context_size,omitempty"`

	// Agentic task fields.
	Description string   `json:"description,omitempty"`
	AllowTools  []string `json:"allow_tools,omitempty"`
	AllowAgents []string `json:"allow_agents,omitempty"`
	AllowSkills []string `json:"allow_skills,omitempty"`
	MaxCost     *string  `json:"max_cost,omitempty"`

	Timeout int64 `json:"timeout,omitempty"` // seconds
}

func (f *wsClientFrame) toChat() chatRequest {
	return chatRequest{
		Messages:    f.Messages,
		Model:       f.Model,
		System:      f.System,
		MaxTokens:   f.MaxTokens,
		Temperature: f.Temperature,
		Timeout:     f.Timeout,
		ContextSize: f.ContextSize,
	}
}

func (f *wsClientFrame) toTask() taskRequest {
	return taskRequest{
		Description: f.Description,
		AllowTools:  f.AllowTools,
		AllowAgents: f.AllowAgents,
		AllowSkills: f.AllowSkills,
		MaxCost:     f.MaxCost,
		Timeout:     f.Timeout,
	}
}

// wsServerFrame is one streamed event. Type is token, tool_call,
// agent_spawn, skill_invoke, result, or error.
type wsServerFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Skill   string `json:"skill,omitempty"`
	Target  string `json:"target,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// streamHandler serves the WebSocket endpoint. One request frame in,
// a stream of event frames out, closing after the result frame.
func (s *Server) streamHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := c.Request().Context()

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	var frame wsClientFrame
	err = wsjson.Read(readCtx, conn, &frame)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected a request frame")
		return nil
	}

	// The first frame carries the key; auth failure closes before any
	// server frame is sent.
	id, err := s.deps.Policy.Authenticate(ctx, frame.APIKey)
	if err != nil {
		conn.Close(wsStatusUnauthorized, "unauthorized")
		return nil
	}
	if err := s.deps.Policy.RateLimit(ctx, id); err != nil {
		conn.Close(wsStatusUnauthorized, "rate limit exceeded")
		return nil
	}

	switch frame.Type {
	case "chat":
		s.streamChat(ctx, conn, id, frame.toChat())
	case "agentic_task":
		s.streamTask(ctx, conn, id, frame.toTask())
	default:
		conn.Close(websocket.StatusUnsupportedData, "unknown frame type")
		return nil
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

func (s *Server) streamChat(ctx context.Context, conn *websocket.Conn, id *policy.Identity, req chatRequest) {
	if len(req.Messages) == 0 {
		s.wsError(ctx, conn, "messages must not be empty")
		return
	}
	prompt := flattenPrompt(req.System, req.Messages)
	tier, _, err := s.resolveTier(ctx, id.ProjectID(), req.Model, prompt, req.ContextSize)
	if err != nil {
		s.wsError(ctx, conn, errorDetail(err))
		return
	}
	est := req.MaxTokens
	if est <= 0 {
		est = defaultMaxTokens
	}
	if err := s.admit(ctx, id, est); err != nil {
		s.wsError(ctx, conn, errorDetail(err))
		return
	}

	respID := uuid.NewString()
	text, usg, err := s.completeDirect(ctx, tier, req)
	if err != nil {
		s.release(ctx, id)
		s.wsError(ctx, conn, errorDetail(err))
		return
	}

	// The upstream call is not streamed; tokens are re-chunked by word
	// so clients get the same frame shape either way.
	for _, word := range strings.Fields(text) {
		if writeErr := wsjson.Write(ctx, conn, wsServerFrame{Type: "token", Text: word + " "}); writeErr != nil {
			return
		}
	}

	s.debit(ctx, respID, id, usg)
	s.deps.Policy.Audit(ctx, respID, id, store.AuditRequestAllowed, store.SeverityInfo,
		map[string]any{"endpoint": "stream_chat", "tier": string(tier)})

	_ = wsjson.Write(ctx, conn, wsServerFrame{Type: "result", Payload: chatResponse{
		ID:        respID,
		Model:     usg.Model,
		Content:   text,
		Usage:     toUsageBlock(usg),
		Cost:      usg.CostUSD.String(),
		ProjectID: id.ProjectID(),
	}})
}

func (s *Server) streamTask(ctx context.Context, conn *websocket.Conn, id *policy.Identity, req taskRequest) {
	if req.Description == "" {
		s.wsError(ctx, conn, "description must not be empty")
		return
	}
	if err := s.deps.Policy.ValidateCapabilities(ctx, id, req.AllowTools, req.AllowAgents, req.AllowSkills); err != nil {
		s.wsError(ctx, conn, errorDetail(err))
		return
	}
	var maxCost *decimal.Decimal
	if req.MaxCost != nil {
		d, err := decimal.NewFromString(*req.MaxCost)
		if err != nil {
			s.wsError(ctx, conn, "invalid max_cost")
			return
		}
		maxCost = &d
	}
	limits, err := s.deps.Policy.ResourceGate(ctx, id, time.Duration(req.Timeout)*time.Second, maxCost)
	if err != nil {
		s.wsError(ctx, conn, errorDetail(err))
		return
	}
	if err := s.gateConcurrency(ctx, id); err != nil {
		s.wsError(ctx, conn, errorDetail(err))
		return
	}
	if err := s.admit(ctx, id, defaultTaskTokens); err != nil {
		s.wsError(ctx, conn, errorDetail(err))
		return
	}

	out, err := s.deps.Executor.Execute(ctx, agentic.Request{
		Description:    req.Description,
		Tools:          req.AllowTools,
		Agents:         req.AllowAgents,
		Skills:         req.AllowSkills,
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
		s.wsError(ctx, conn, errorDetail(err))
		return
	}

	// The CLI reports its log after the fact; replay it as event frames
	// in order before the result.
	for _, ev := range out.ExecutionLog {
		frame := wsServerFrame{Target: ev.Target, Detail: ev.Detail}
		switch ev.Kind {
		case "tool_call":
			frame.Type = "tool_call"
			frame.Tool = ev.Tool
		case "agent_invoke":
			frame.Type = "agent_spawn"
			frame.Agent = ev.Agent
		case "skill_invoke":
			frame.Type = "skill_invoke"
			frame.Skill = ev.Skill
		case "thinking":
			frame.Type = "thinking"
		default:
			continue
		}
		if writeErr := wsjson.Write(ctx, conn, frame); writeErr != nil {
			return
		}
	}

	s.auditTaskEvents(ctx, id, out)

	// Same post-hoc ceiling as the HTTP task endpoint: an over-budget run
	// is reported but never debited.
	if out.Usage != nil && out.Usage.CostUSD.GreaterThan(limits.MaxCost) {
		out.Status = "over_budget"
		s.release(ctx, id)
		s.deps.Policy.Audit(ctx, out.TaskID, id, store.AuditOverBudget, store.SeverityWarning,
			map[string]any{"cost_usd": out.Usage.CostUSD.String(), "max_cost_usd": limits.MaxCost.String()})
	} else {
		if out.Usage != nil {
			s.debit(ctx, out.TaskID, id, out.Usage)
		} else {
			s.release(ctx, id)
		}
		s.deps.Policy.Audit(ctx, out.TaskID, id, store.AuditTaskCompleted, store.SeverityInfo,
			map[string]any{"status": out.Status, "artifacts": len(out.Artifacts)})
	}

	_ = wsjson.Write(ctx, conn, wsServerFrame{Type: "result", Payload: out})
}

func (s *Server) wsError(ctx context.Context, conn *websocket.Conn, detail string) {
	_ = wsjson.Write(ctx, conn, wsServerFrame{Type: "error", Detail: detail})
}
