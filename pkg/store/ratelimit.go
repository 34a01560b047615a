package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrRateLimited is returned by IncrementRateWindow when the key's bucket
// is already at its limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateWindowStart returns the fixed one-minute bucket containing now,
// aligned to the wall clock in UTC.
func RateWindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(time.Minute)
}

// IncrementRateWindow atomically admits one request for key in the current
// minute bucket. The read and the increment share one write transaction,
// so over any bucket the committed count never exceeds limit. Returns the
// bucket start so tests can pin the wall clock.
func (s *Store) IncrementRateWindow(ctx context.Context, key string, limit int, now time.Time) (time.Time, error) {
	windowStart := RateWindowStart(now)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT count FROM rate_limits WHERE api_key = ? AND window_start = ?`,
			key, windowStart).Scan(&count)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return storageErr(err)
		}
		if count >= limit {
			return ErrRateLimited
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_limits (api_key, window_start, count) VALUES (?, ?, 1)
			ON CONFLICT(api_key, window_start) DO UPDATE SET count = count + 1`,
			key, windowStart)
		if err != nil {
			return storageErr(err)
		}
		return nil
	})
	return windowStart, err
}

// PruneRateWindows deletes buckets older than the retention horizon.
// Called from a background loop.
func (s *Store) PruneRateWindows(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_start < ?`, olderThan.UTC())
	if err != nil {
		return 0, storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}
