package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
	"github.com/shopspring/decimal"

	"github.com/cortexops/gantry/pkg/store"
)

// adminGuard checks the admin bearer token with a constant-time compare.
func (s *Server) adminGuard() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			token := bearerToken(c)
			if s.cfg.AdminToken == "" ||
				subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
			}
			return next(c)
		}
	}
}

type profileRequest struct {
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	AllowedAgents  []string `json:"allowed_agents,omitempty"`
	AllowedSkills  []string `json:"allowed_skills,omitempty"`
	MaxConcurrent  int      `json:"max_concurrent,omitempty"`
	MaxWallSeconds int      `json:"max_wall_seconds,omitempty"`
	MaxCostUSD     string   `json:"max_cost_usd,omitempty"`
	FSMode         string   `json:"fs_mode,omitempty"`
	WorkspaceBytes int64    `json:"workspace_bytes,omitempty"`
}

// toProfile merges the request over the defaults; absent fields keep the
// default value.
func (r *profileRequest) toProfile() (*store.PermissionProfile, error) {
	p := store.DefaultProfile()
	if r.AllowedTools != nil {
		p.AllowedTools = r.AllowedTools
	}
	if r.AllowedAgents != nil {
		p.AllowedAgents = r.AllowedAgents
	}
	if r.AllowedSkills != nil {
		p.AllowedSkills = r.AllowedSkills
	}
	if r.MaxConcurrent > 0 {
		p.MaxConcurrent = r.MaxConcurrent
	}
	if r.MaxWallSeconds > 0 {
		p.MaxWallSeconds = r.MaxWallSeconds
	}
	if r.MaxCostUSD != "" {
		d, err := decimal.NewFromString(r.MaxCostUSD)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid max_cost_usd")
		}
		p.MaxCostUSD = d
	}
	if r.FSMode != "" {
		switch store.FSMode(r.FSMode) {
		case store.FSModeNone, store.FSModeReadonly, store.FSModeWorkspace:
			p.FSMode = store.FSMode(r.FSMode)
		default:
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid fs_mode")
		}
	}
	if r.WorkspaceBytes > 0 {
		p.WorkspaceBytes = r.WorkspaceBytes
	}
	return p, nil
}

type createKeyRequest struct {
	ProjectID string          `json:"project_id"`
	RateLimit int             `json:"rate_limit,omitempty"`
	Profile   *profileRequest `json:"profile,omitempty"`
}

// createKeyHandler mints a key. The full key string appears only in this
// response; afterwards it is stored and logged redacted.
func (s *Server) createKeyHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	var req createKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id must not be empty")
	}
	rateLimit := req.RateLimit
	if rateLimit <= 0 {
		rateLimit = 60
	}

	var profile *store.PermissionProfile
	if req.Profile != nil {
		p, err := req.Profile.toProfile()
		if err != nil {
			return err
		}
		profile = p
	}

	key, err := s.deps.Store.CreateKey(ctx, req.ProjectID, rateLimit, profile)
	if err != nil {
		return err
	}
	s.logger.Info("API key created", "project_id", req.ProjectID, "key", key.Redacted())

	return c.JSON(http.StatusCreated, map[string]any{
		"key":        key.Key,
		"project_id": key.ProjectID,
		"rate_limit": key.RateLimit,
		"created_at": key.CreatedAt,
	})
}

func (s *Server) listKeysHandler(c *echo.Context) error {
	keys, err := s.deps.Store.ListKeys(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"key":          k.Redacted(),
			"project_id":   k.ProjectID,
			"rate_limit":   k.RateLimit,
			"created_at":   k.CreatedAt,
			"last_used_at": k.LastUsedAt,
			"revoked":      k.Revoked,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": out})
}

// revokeKeyHandler permanently disables a key. Idempotent on an already
// revoked key.
func (s *Server) revokeKeyHandler(c *echo.Context) error {
	key := c.Param("key")
	if err := s.deps.Store.RevokeKey(c.Request().Context(), key); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "revoked"})
}

type putProjectRequest struct {
	Name         string `json:"name"`
	MonthlyLimit *int64 `json:"monthly_limit"` // null = unlimited
}

func (s *Server) putProjectHandler(c *echo.Context) error {
	projectID := c.Param("id")

	var req putProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	name := req.Name
	if name == "" {
		name = projectID
	}
	if err := s.deps.Store.SetProject(c.Request().Context(), projectID, name, req.MonthlyLimit); err != nil {
		return err
	}
	project, err := s.deps.Store.GetProject(c.Request().Context(), projectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, project)
}

func (s *Server) auditHandler(c *echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	events, err := s.deps.Store.QueryAudit(c.Request().Context(), store.AuditQuery{
		TaskID: c.QueryParam("task_id"),
		APIKey: c.QueryParam("api_key"),
		Kind:   c.QueryParam("kind"),
		Limit:  limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}
