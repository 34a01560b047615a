// Package policy gates every request: authentication, per-key rate
// limiting, capability validation, resource ceilings, and audit logging.
// The checks run in that order; any failure halts processing, and denials
// are still audited.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortexops/gantry/pkg/registry"
	"github.com/cortexops/gantry/pkg/store"
)

// Identity is an authenticated caller: the key row plus its profile.
type Identity struct {
	Key     *store.APIKey
	Profile *store.PermissionProfile
}

// ProjectID returns the project the key is bound to.
func (id *Identity) ProjectID() string {
	return id.Key.ProjectID
}

// Policy evaluates the per-request checks against the ledger and registry.
type Policy struct {
	store    *store.Store
	registry *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Policy.
func New(st *store.Store, reg *registry.Registry, logger *slog.Logger) *Policy {
	return &Policy{
		store:    st,
		registry: reg,
		logger:   logger.With("component", "policy"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock pins wall time. Tests only.
func (p *Policy) WithClock(now func() time.Time) *Policy {
	p.now = now
	return p
}

// Authenticate looks the bearer token up by opaque-string equality and
// binds it to a project and permission profile. Touches last_used_at on
// success.
func (p *Policy) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrAuthMissing
	}
	key, err := p.store.GetKey(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuthInvalid
	}
	if err != nil {
		return nil, err
	}
	if key.Revoked {
		return nil, ErrAuthRevoked
	}
	if err := p.store.TouchKey(ctx, key.Key, p.now()); err != nil {
		return nil, err
	}
	profile, err := p.store.GetProfile(ctx, key.Key)
	if err != nil {
		return nil, err
	}
	return &Identity{Key: key, Profile: profile}, nil
}

// RateLimit admits one request for the identity's key in the current
// one-minute bucket. A rejection is audited.
func (p *Policy) RateLimit(ctx context.Context, id *Identity) error {
	_, err := p.store.IncrementRateWindow(ctx, id.Key.Key, id.Key.RateLimit, p.now())
	if errors.Is(err, store.ErrRateLimited) {
		p.auditDeny(ctx, "", id, store.AuditRateLimited, store.SeverityWarning,
			map[string]any{"limit_rpm": id.Key.RateLimit})
		return ErrRateLimited
	}
	return err
}

// ValidateCapabilities checks every requested tool, agent, and skill name
// against the profile's allow-lists, and agents/skills against the
// registry. The first miss denies the request and is audited with the
// offending name.
func (p *Policy) ValidateCapabilities(ctx context.Context, id *Identity, tools, agents, skills []string) error {
	for _, tool := range tools {
		if !store.Allows(id.Profile.AllowedTools, tool) {
			return p.denyCapability(ctx, id, "tool", tool)
		}
	}
	for _, agent := range agents {
		if !store.Allows(id.Profile.AllowedAgents, agent) {
			return p.denyCapability(ctx, id, "agent", agent)
		}
	}
	for _, skill := range skills {
		if !store.Allows(id.Profile.AllowedSkills, skill) {
			return p.denyCapability(ctx, id, "skill", skill)
		}
	}
	if missing := p.registry.ValidateAgents(agents); len(missing) > 0 {
		return p.denyCapability(ctx, id, "agent", missing[0])
	}
	if missing := p.registry.ValidateSkills(skills); len(missing) > 0 {
		return p.denyCapability(ctx, id, "skill", missing[0])
	}
	return nil
}

func (p *Policy) denyCapability(ctx context.Context, id *Identity, kind, name string) error {
	p.auditDeny(ctx, "", id, store.AuditPermissionViolation, store.SeverityWarning,
		map[string]any{"requested": name, "kind": kind})
	return &PermissionDeniedError{Kind: kind, Name: name}
}

// Limits are the effective resource ceilings passed downstream after the
// gate: a missing request value defaults to the profile's ceiling.
type Limits struct {
	Timeout time.Duration
	MaxCost decimal.Decimal
}

// ResourceGate rejects requests whose timeout or cost ceiling exceeds the
// profile, and fills in defaults from the profile otherwise.
func (p *Policy) ResourceGate(ctx context.Context, id *Identity, requestedTimeout time.Duration, requestedMaxCost *decimal.Decimal) (*Limits, error) {
	maxWall := time.Duration(id.Profile.MaxWallSeconds) * time.Second
	if requestedTimeout > maxWall {
		p.auditDeny(ctx, "", id, store.AuditPermissionViolation, store.SeverityWarning,
			map[string]any{"requested": requestedTimeout.String(), "kind": "timeout", "max": maxWall.String()})
		return nil, &PermissionDeniedError{Kind: "timeout", Name: fmt.Sprintf("timeout %s exceeds %s", requestedTimeout, maxWall)}
	}
	if requestedMaxCost != nil && requestedMaxCost.GreaterThan(id.Profile.MaxCostUSD) {
		p.auditDeny(ctx, "", id, store.AuditPermissionViolation, store.SeverityWarning,
			map[string]any{"requested": requestedMaxCost.String(), "kind": "max_cost", "max": id.Profile.MaxCostUSD.String()})
		return nil, &PermissionDeniedError{Kind: "max_cost", Name: fmt.Sprintf("max_cost %s exceeds %s", requestedMaxCost, id.Profile.MaxCostUSD)}
	}

	limits := &Limits{Timeout: maxWall, MaxCost: id.Profile.MaxCostUSD}
	if requestedTimeout > 0 {
		limits.Timeout = requestedTimeout
	}
	if requestedMaxCost != nil {
		limits.MaxCost = *requestedMaxCost
	}
	return limits, nil
}

// Audit writes an event for an allowed or completed action. Failures are
// logged, never propagated; audit must not fail the request it records.
func (p *Policy) Audit(ctx context.Context, taskID string, id *Identity, kind, severity string, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	apiKey := ""
	if id != nil {
		apiKey = id.Key.Redacted()
	}
	ev := &store.AuditEvent{
		TaskID:   taskID,
		APIKey:   apiKey,
		Kind:     kind,
		Details:  raw,
		Severity: severity,
	}
	if err := p.store.InsertAudit(ctx, ev); err != nil {
		p.logger.Error("Failed to write audit event", "kind", kind, "error", err)
	}
}

func (p *Policy) auditDeny(ctx context.Context, taskID string, id *Identity, kind, severity string, details map[string]any) {
	p.Audit(ctx, taskID, id, kind, severity, details)
}
