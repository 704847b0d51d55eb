package storage

import (
	"context"
	"fmt"
	"time"
)

// DayKey formats t as the UTC day used to bucket embedding usage.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextDay returns the start of the UTC day after t, when a spent daily
// budget resets.
func NextDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// ReserveEmbeddingQuota atomically counts one embedding call against the
// user's daily budget. It reports false, without counting, when the budget
// is already spent. A limit of zero or less means unlimited.
func (s *Store) ReserveEmbeddingQuota(ctx context.Context, userID, day string, limit int) (bool, error) {
	if limit <= 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO embedding_usage (user_id, day, count) VALUES (?, ?, 1)
			ON CONFLICT (user_id, day) DO UPDATE SET count = count + 1`,
			userID, day,
		)
		if err != nil {
			return false, fmt.Errorf("recording embedding usage: %w", err)
		}
		return true, nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_usage (user_id, day, count) VALUES (?, ?, 1)
		ON CONFLICT (user_id, day) DO UPDATE SET count = count + 1 WHERE count < ?`,
		userID, day, limit,
	)
	if err != nil {
		return false, fmt.Errorf("reserving embedding quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EmbeddingUsage returns how many embedding calls the user made on day.
func (s *Store) EmbeddingUsage(ctx context.Context, userID, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM embedding_usage WHERE user_id = ? AND day = ?`, userID, day,
	).Scan(&n)
	return n, err
}
