package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// FSMode controls the filesystem access an agentic task gets.
type FSMode string

const (
	FSModeNone      FSMode = "none"
	FSModeReadonly  FSMode = "readonly"
	FSModeWorkspace FSMode = "workspace"
)

// Wildcard in an allow-list permits every name of that kind.
const Wildcard = "*"

// PermissionProfile is the per-key policy: capability allow-lists and
// resource ceilings.
type PermissionProfile struct {
	AllowedTools   []string
	AllowedAgents  []string
	AllowedSkills  []string
	MaxConcurrent  int
	MaxWallSeconds int
	MaxCostUSD     decimal.Decimal
	FSMode         FSMode
	WorkspaceBytes int64
}

// DefaultProfile permits everything within moderate resource ceilings.
func DefaultProfile() *PermissionProfile {
	return &PermissionProfile{
		AllowedTools:   []string{Wildcard},
		AllowedAgents:  []string{Wildcard},
		AllowedSkills:  []string{Wildcard},
		MaxConcurrent:  4,
		MaxWallSeconds: 300,
		MaxCostUSD:     decimal.RequireFromString("1.00"),
		FSMode:         FSModeWorkspace,
		WorkspaceBytes: 100 << 20,
	}
}

// Allows reports whether the allow-list permits name. A wildcard entry
// permits everything.
func Allows(list []string, name string) bool {
	for _, a := range list {
		if a == Wildcard || a == name {
			return true
		}
	}
	return false
}

func joinList(list []string) string {
	return strings.Join(list, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func insertProfile(ctx context.Context, tx *sql.Tx, key string, p *PermissionProfile) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO api_key_permissions
			(api_key, allowed_tools, allowed_agents, allowed_skills,
			 max_concurrent, max_wall_seconds, max_cost_usd, fs_mode, workspace_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(api_key) DO UPDATE SET
			allowed_tools = excluded.allowed_tools,
			allowed_agents = excluded.allowed_agents,
			allowed_skills = excluded.allowed_skills,
			max_concurrent = excluded.max_concurrent,
			max_wall_seconds = excluded.max_wall_seconds,
			max_cost_usd = excluded.max_cost_usd,
			fs_mode = excluded.fs_mode,
			workspace_bytes = excluded.workspace_bytes`,
		key, joinList(p.AllowedTools), joinList(p.AllowedAgents), joinList(p.AllowedSkills),
		p.MaxConcurrent, p.MaxWallSeconds, p.MaxCostUSD.String(), string(p.FSMode), p.WorkspaceBytes)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// SetProfile upserts the permission profile for a key.
func (s *Store) SetProfile(ctx context.Context, key string, p *PermissionProfile) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertProfile(ctx, tx, key, p)
	})
}

// GetProfile fetches the permission profile for a key. Keys created before
// profiles existed fall back to the default profile.
func (s *Store) GetProfile(ctx context.Context, key string) (*PermissionProfile, error) {
	var (
		p                     PermissionProfile
		tools, agents, skills string
		cost, mode            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT allowed_tools, allowed_agents, allowed_skills,
		       max_concurrent, max_wall_seconds, max_cost_usd, fs_mode, workspace_bytes
		FROM api_key_permissions WHERE api_key = ?`, key).
		Scan(&tools, &agents, &skills, &p.MaxConcurrent, &p.MaxWallSeconds, &cost, &mode, &p.WorkspaceBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultProfile(), nil
	}
	if err != nil {
		return nil, storageErr(err)
	}

	p.AllowedTools = splitList(tools)
	p.AllowedAgents = splitList(agents)
	p.AllowedSkills = splitList(skills)
	p.FSMode = FSMode(mode)
	p.MaxCostUSD, err = decimal.NewFromString(cost)
	if err != nil {
		return nil, storageErr(err)
	}
	return &p, nil
}
