package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const syncLogColumns = `id, feed_id, status, started_at, completed_at, duration_ms, http_status_code,
	articles_found, articles_new, articles_updated, error_message`

// StartSyncLog records the beginning of a sync attempt.
func (s *Store) StartSyncLog(ctx context.Context, id, feedID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, feed_id, status, started_at) VALUES (?, ?, ?, ?)`,
		id, feedID, string(SyncInProgress), formatTime(startedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting sync log for feed %s: %w", feedID, err)
	}
	return nil
}

// CompleteSyncLog moves an in_progress log to its terminal status. A log can
// be completed once; later calls return ErrAlreadyCompleted.
func (s *Store) CompleteSyncLog(ctx context.Context, l SyncLog) error {
	if l.Status != SyncSuccess && l.Status != SyncError {
		return fmt.Errorf("invalid terminal sync status %q", l.Status)
	}
	completedAt := time.Now().UTC()
	if l.CompletedAt != nil {
		completedAt = *l.CompletedAt
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs SET status = ?, completed_at = ?, duration_ms = ?, http_status_code = ?,
			articles_found = ?, articles_new = ?, articles_updated = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		string(l.Status), formatTime(completedAt), l.DurationMs, l.HTTPStatusCode,
		l.ArticlesFound, l.ArticlesNew, l.ArticlesUpdated, l.ErrorMessage,
		l.ID, string(SyncInProgress),
	)
	if err != nil {
		return fmt.Errorf("completing sync log %s: %w", l.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_logs WHERE id = ?`, l.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrAlreadyCompleted
}

func (s *Store) GetSyncLog(ctx context.Context, id string) (SyncLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = ?`, id)
	l, err := scanSyncLog(row)
	if err == sql.ErrNoRows {
		return SyncLog{}, ErrNotFound
	}
	return l, err
}

// ListSyncLogs returns a feed's logs started at or after since, newest first.
func (s *Store) ListSyncLogs(ctx context.Context, feedID string, since time.Time, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncLogColumns+` FROM sync_logs
		WHERE feed_id = ? AND started_at >= ?
		ORDER BY started_at DESC
		LIMIT ?`,
		feedID, formatTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sync logs: %w", err)
	}
	defer rows.Close()

	var logs []SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// SyncStats aggregates the completed logs of a feed started at or after since.
func (s *Store) SyncStats(ctx context.Context, feedID string, since time.Time) (SyncStats, error) {
	var st SyncStats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			AVG(duration_ms)
		FROM sync_logs
		WHERE feed_id = ? AND started_at >= ? AND status <> 'in_progress'`,
		feedID, formatTime(since),
	).Scan(&st.Total, &st.Succeeded, &st.Failed, &avg)
	if err != nil {
		return SyncStats{}, fmt.Errorf("aggregating sync logs for feed %s: %w", feedID, err)
	}
	st.AvgDurationMs = avg.Float64

	var lastSuccess sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT completed_at FROM sync_logs
		WHERE feed_id = ? AND status = 'success'
		ORDER BY started_at DESC LIMIT 1`, feedID,
	).Scan(&lastSuccess)
	if err != nil && err != sql.ErrNoRows {
		return SyncStats{}, err
	}
	if st.LastSuccessAt, err = parseNullTime(lastSuccess); err != nil {
		return SyncStats{}, err
	}

	var lastErrorAt sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT completed_at, error_message FROM sync_logs
		WHERE feed_id = ? AND status = 'error'
		ORDER BY started_at DESC LIMIT 1`, feedID,
	).Scan(&lastErrorAt, &st.LastError)
	if err != nil && err != sql.ErrNoRows {
		return SyncStats{}, err
	}
	if st.LastErrorAt, err = parseNullTime(lastErrorAt); err != nil {
		return SyncStats{}, err
	}
	return st, nil
}

func scanSyncLog(row rowScanner) (SyncLog, error) {
	var l SyncLog
	var status, startedAt string
	var completedAt sql.NullString
	err := row.Scan(&l.ID, &l.FeedID, &status, &startedAt, &completedAt, &l.DurationMs, &l.HTTPStatusCode,
		&l.ArticlesFound, &l.ArticlesNew, &l.ArticlesUpdated, &l.ErrorMessage)
	if err != nil {
		return SyncLog{}, err
	}
	l.Status = SyncStatus(status)
	if l.StartedAt, err = parseTime(startedAt); err != nil {
		return SyncLog{}, fmt.Errorf("parsing started_at for sync log %s: %w", l.ID, err)
	}
	if l.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return SyncLog{}, fmt.Errorf("parsing completed_at for sync log %s: %w", l.ID, err)
	}
	return l, nil
}
