package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortexops/gantry/pkg/usage"
)

// Window is a calendar aggregation window, computed in UTC.
type Window string

const (
	WindowDay   Window = "day"   // since midnight UTC
	WindowWeek  Window = "week"  // since Monday midnight UTC
	WindowMonth Window = "month" // since the 1st midnight UTC
)

// ParseWindow converts a period string to a Window.
func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case WindowDay, WindowWeek, WindowMonth:
		return Window(s), nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// WindowStart returns the UTC start of the window containing now.
func WindowStart(w Window, now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowWeek:
		days := (int(now.Weekday()) + 6) % 7 // Monday = 0
		monday := now.AddDate(0, 0, -days)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Time{}
}

// TierUsage is per-tier aggregated usage within a window.
type TierUsage struct {
	Tokens int64           `json:"tokens"`
	Cost   decimal.Decimal `json:"cost"`
}

// Summary is the aggregated usage of one project over one window.
type Summary struct {
	ProjectID   string                   `json:"project_id"`
	Window      Window                   `json:"period"`
	TotalTokens int64                    `json:"total_tokens"`
	TotalCost   decimal.Decimal          `json:"total_cost"`
	ByModel     map[usage.Tier]TierUsage `json:"by_model"`
	Limit       *int64                   `json:"limit"`     // nil = unlimited
	Remaining   *int64                   `json:"remaining"` // nil = unlimited
}

// Costs are persisted as integer micro-USD so window totals are exact SQL
// sums. The tracker rounds to six places, so the conversion is lossless.
func toMicroUSD(d decimal.Decimal) int64 {
	return d.Shift(6).IntPart()
}

func fromMicroUSD(micro int64) decimal.Decimal {
	return decimal.New(micro, -6)
}

// admissionTTL bounds how long an unreconciled admission keeps budget
// reserved. Runs that die without a debit or release free their
// reservation after this.
const admissionTTL = 10 * time.Minute

// consumeAdmission deletes the oldest pending admission for a project.
// Deletes nothing when no admission is pending.
const consumeAdmission = `
	DELETE FROM admissions WHERE id = (
		SELECT id FROM admissions WHERE project_id = ? ORDER BY created_at, id LIMIT 1
	)`

// Debit appends a usage record and consumes the oldest pending admission
// for the project, so the reservation the estimate held is replaced by
// the committed actuals in the same transaction. Never silently dropped;
// a failure here is escalated by the caller.
func (s *Store) Debit(ctx context.Context, projectID string, tier usage.Tier, inputTokens, outputTokens int64, cost decimal.Decimal, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_log (project_id, model, input_tokens, output_tokens, cost_microusd, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			projectID, string(tier), inputTokens, outputTokens, toMicroUSD(cost), at.UTC()); err != nil {
			return storageErr(err)
		}
		if _, err := tx.ExecContext(ctx, consumeAdmission, projectID); err != nil {
			return storageErr(err)
		}
		return nil
	})
}

// Admit reserves estTokens against the project's monthly ceiling. The
// check and the reservation commit in one write transaction: committed
// usage plus every pending reservation plus estTokens must fit the limit,
// and the inserted reservation row blocks later admits until the paired
// Debit or Release consumes it. Two concurrent admits against the same
// remaining budget therefore cannot both succeed. Unlimited projects
// always pass and reserve nothing.
func (s *Store) Admit(ctx context.Context, projectID string, estTokens int64, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var limit *int64
		err := tx.QueryRowContext(ctx,
			`SELECT monthly_limit FROM projects WHERE id = ?`, projectID).Scan(&limit)
		if err == sql.ErrNoRows {
			// First reference creates the project, unlimited.
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO projects (id, name) VALUES (?, ?)`, projectID, projectID); err != nil {
				return storageErr(err)
			}
			return nil
		}
		if err != nil {
			return storageErr(err)
		}
		if limit == nil {
			return nil
		}

		// Reservations from runs that never reconciled expire here.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM admissions WHERE project_id = ? AND created_at < ?`,
			projectID, now.UTC().Add(-admissionTTL)); err != nil {
			return storageErr(err)
		}

		var used int64
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
			FROM usage_log WHERE project_id = ? AND timestamp >= ?`,
			projectID, WindowStart(WindowMonth, now)).Scan(&used)
		if err != nil {
			return storageErr(err)
		}
		var reserved int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(tokens), 0) FROM admissions WHERE project_id = ?`,
			projectID).Scan(&reserved)
		if err != nil {
			return storageErr(err)
		}

		if used+reserved+estTokens > *limit {
			return &BudgetExceededError{
				ProjectID: projectID,
				Limit:     *limit,
				Used:      used + reserved,
				Estimated: estTokens,
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO admissions (project_id, tokens, created_at) VALUES (?, ?, ?)`,
			projectID, estTokens, now.UTC()); err != nil {
			return storageErr(err)
		}
		return nil
	})
}

// Release drops one pending admission for the project. Paired with Admit
// on paths that end without a debit, so the estimate does not hold budget
// until it expires.
func (s *Store) Release(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, consumeAdmission, projectID); err != nil {
		return storageErr(err)
	}
	return nil
}

// PruneAdmissions deletes reservations older than the admission TTL.
// Admit expires them per project; this sweep catches projects that went
// quiet.
func (s *Store) PruneAdmissions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM admissions WHERE created_at < ?`, now.UTC().Add(-admissionTTL))
	if err != nil {
		return 0, storageErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetUsage aggregates committed debits for the window containing now.
// The budget limit and remaining are always computed against the month
// window regardless of the requested period.
func (s *Store) GetUsage(ctx context.Context, projectID string, w Window, now time.Time) (*Summary, error) {
	sum := &Summary{
		ProjectID: projectID,
		Window:    w,
		TotalCost: decimal.Zero,
		ByModel:   make(map[usage.Tier]TierUsage),
	}

	var limit *int64
	err := s.db.QueryRowContext(ctx,
		`SELECT monthly_limit FROM projects WHERE id = ?`, projectID).Scan(&limit)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	sum.Limit = limit

	rows, err := s.db.QueryContext(ctx, `
		SELECT model,
		       COALESCE(SUM(input_tokens + output_tokens), 0),
		       COALESCE(SUM(cost_microusd), 0)
		FROM usage_log
		WHERE project_id = ? AND timestamp >= ?
		GROUP BY model`,
		projectID, WindowStart(w, now))
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var model string
		var tokens, micro int64
		if err := rows.Scan(&model, &tokens, &micro); err != nil {
			return nil, storageErr(err)
		}
		sum.ByModel[usage.Tier(model)] = TierUsage{Tokens: tokens, Cost: fromMicroUSD(micro)}
		sum.TotalTokens += tokens
		sum.TotalCost = sum.TotalCost.Add(fromMicroUSD(micro))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}

	if limit != nil {
		monthTokens := sum.TotalTokens
		if w != WindowMonth {
			err := s.db.QueryRowContext(ctx, `
				SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
				FROM usage_log WHERE project_id = ? AND timestamp >= ?`,
				projectID, WindowStart(WindowMonth, now)).Scan(&monthTokens)
			if err != nil {
				return nil, storageErr(err)
			}
		}
		remaining := *limit - monthTokens
		if remaining < 0 {
			remaining = 0
		}
		sum.Remaining = &remaining
	}

	return sum, nil
}

// RemainingBudget returns the month-window remaining token budget, or nil
// for unlimited projects. Unknown projects are unlimited until configured.
func (s *Store) RemainingBudget(ctx context.Context, projectID string, now time.Time) (*int64, error) {
	var limit *int64
	err := s.db.QueryRowContext(ctx,
		`SELECT monthly_limit FROM projects WHERE id = ?`, projectID).Scan(&limit)
	if err == sql.ErrNoRows || limit == nil {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}

	var used int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM usage_log WHERE project_id = ? AND timestamp >= ?`,
		projectID, WindowStart(WindowMonth, now)).Scan(&used)
	if err != nil {
		return nil, storageErr(err)
	}

	remaining := *limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &remaining, nil
}
