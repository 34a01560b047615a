package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit event kinds.
const (
	AuditToolCall            = "tool_call"
	AuditAgentInvoke         = "agent_invoke"
	AuditSkillInvoke         = "skill_invoke"
	AuditPermissionViolation = "permission_violation"
	AuditRateLimited         = "rate_limited"
	AuditBudgetExceeded      = "budget_exceeded"
	AuditTaskCompleted       = "task_completed"
	AuditTaskFailed          = "task_failed"
	AuditTaskTimedOut        = "task_timed_out"
	AuditTaskCancelled       = "task_cancelled"
	AuditTaskLogParseFailed  = "task_log_parse_failed"
	AuditDebitLost           = "debit_lost"
	AuditOverBudget          = "over_budget"
	AuditArtifactsTruncated  = "artifacts_truncated"
	AuditRequestAllowed      = "request_allowed"
)

// Audit severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AuditEvent is one row in the audit log.
type AuditEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id,omitempty"`
	APIKey    string          `json:"api_key,omitempty"` // redacted form
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Details   json.RawMessage `json:"details"`
	Severity  string          `json:"severity"`
}

// InsertAudit appends an audit event. Details may be nil.
func (s *Store) InsertAudit(ctx context.Context, ev *AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	details := ev.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, task_id, api_key, timestamp, kind, details_json, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TaskID, ev.APIKey, ev.Timestamp.UTC(), ev.Kind, string(details), ev.Severity)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// AuditQuery filters QueryAudit. Zero values are unfiltered.
type AuditQuery struct {
	TaskID string
	APIKey string
	Kind   string
	Limit  int
}

// QueryAudit returns matching events, newest first.
func (s *Store) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEvent, error) {
	query := `SELECT id, task_id, api_key, timestamp, kind, details_json, severity FROM audit_log WHERE 1=1`
	var args []any
	if q.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, q.TaskID)
	}
	if q.APIKey != "" {
		query += ` AND api_key = ?`
		args = append(args, q.APIKey)
	}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, q.Kind)
	}
	query += ` ORDER BY timestamp DESC`
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var details string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.APIKey, &ev.Timestamp, &ev.Kind, &details, &ev.Severity); err != nil {
			return nil, storageErr(err)
		}
		ev.Details = json.RawMessage(details)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return events, nil
}

// PruneAudit deletes events older than the retention horizon.
func (s *Store) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}
