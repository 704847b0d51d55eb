package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const feedColumns = `id, user_id, title, url, status, priority, sync_interval_seconds, interval_override,
	next_sync_at, last_fetched_at, etag, last_modified, consecutive_failures, last_error, created_at, updated_at`

// CreateFeed inserts a new feed. NextSyncAt is normally nil so the feed is due
// immediately.
func (s *Store) CreateFeed(ctx context.Context, f Feed) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.Status == "" {
		f.Status = FeedActive
	}
	if f.Priority == "" {
		f.Priority = PriorityMedium
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feeds (`+feedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Title, f.URL, string(f.Status), string(f.Priority),
		int64(f.SyncInterval/time.Second), boolInt(f.IntervalOverride),
		nullTime(f.NextSyncAt), nullTime(f.LastFetchedAt), f.ETag, f.LastModified,
		f.ConsecutiveFailures, f.LastError, formatTime(f.CreatedAt), formatTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting feed %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) GetFeed(ctx context.Context, id string) (Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	f, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return Feed{}, ErrNotFound
	}
	return f, err
}

// ListFeeds returns every feed, or only userID's feeds when userID is set.
func (s *Store) ListFeeds(ctx context.Context, userID string) ([]Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feeds`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC`
	return s.queryFeeds(ctx, query, args...)
}

// UserFeedIDs returns the ids of all feeds userID is subscribed to.
func (s *Store) UserFeedIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM feeds WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying user feeds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DueFeeds returns active feeds whose next_sync_at is unset or not after now.
// Feeds that never synced come first, then the most overdue.
func (s *Store) DueFeeds(ctx context.Context, now time.Time, limit int) ([]Feed, error) {
	return s.queryFeeds(ctx, `
		SELECT `+feedColumns+` FROM feeds
		WHERE status = ? AND (next_sync_at IS NULL OR next_sync_at <= ?)
		ORDER BY next_sync_at IS NOT NULL, next_sync_at ASC, created_at ASC
		LIMIT ?`,
		string(FeedActive), formatTime(now), limit,
	)
}

// LeaseFeeds pushes next_sync_at of the given feeds to until so the next
// due-set query does not select them again while they are being synced.
func (s *Store) LeaseFeeds(ctx context.Context, ids []string, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{formatTime(until), formatTime(time.Now().UTC())}, stringArgs(ids)...)
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET next_sync_at = ?, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("leasing feeds: %w", err)
	}
	return nil
}

// UpdateFeedSchedule stores the next due time and the interval it was derived from.
func (s *Store) UpdateFeedSchedule(ctx context.Context, id string, next time.Time, interval time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feeds SET next_sync_at = ?, sync_interval_seconds = CASE WHEN interval_override = 1 THEN sync_interval_seconds ELSE ? END, updated_at = ?
		WHERE id = ?`,
		formatTime(next), int64(interval/time.Second), formatTime(time.Now().UTC()), id,
	)
	return expectOne(res, err)
}

// FetchState is what a successful fetch leaves on the feed.
type FetchState struct {
	ETag         string
	LastModified string
	Title        string
	FetchedAt    time.Time
}

// RecordFeedSuccess stores conditional-fetch validators and resets the
// failure streak. Empty validators keep the stored ones (a 304 carries none).
func (s *Store) RecordFeedSuccess(ctx context.Context, id string, st FetchState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feeds SET
			etag = CASE WHEN ? <> '' THEN ? ELSE etag END,
			last_modified = CASE WHEN ? <> '' THEN ? ELSE last_modified END,
			title = CASE WHEN title = '' THEN ? ELSE title END,
			last_fetched_at = ?,
			consecutive_failures = 0,
			last_error = '',
			updated_at = ?
		WHERE id = ?`,
		st.ETag, st.ETag, st.LastModified, st.LastModified, st.Title,
		formatTime(st.FetchedAt), formatTime(st.FetchedAt), id,
	)
	return expectOne(res, err)
}

// RecordFeedFailure increments the failure streak and flips an active feed
// to error once the streak reaches threshold. It returns the new streak and
// whether the status was flipped.
func (s *Store) RecordFeedFailure(ctx context.Context, id, errMsg string, threshold int, at time.Time) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning failure transaction: %w", err)
	}
	defer tx.Rollback()

	var failures int
	var status string
	err = tx.QueryRowContext(ctx, `SELECT consecutive_failures, status FROM feeds WHERE id = ?`, id).Scan(&failures, &status)
	if err == sql.ErrNoRows {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}

	failures++
	flipped := threshold > 0 && failures >= threshold && FeedStatus(status) == FeedActive
	if flipped {
		status = string(FeedError)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE feeds SET consecutive_failures = ?, last_error = ?, status = ?, last_fetched_at = ?, updated_at = ?
		WHERE id = ?`,
		failures, errMsg, status, formatTime(at), formatTime(at), id,
	); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing feed failure: %w", err)
	}
	return failures, flipped, nil
}

// SetFeedPriority changes the priority tier. The stored interval follows the
// tier unless the feed has an explicit override.
func (s *Store) SetFeedPriority(ctx context.Context, id string, p Priority, interval time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feeds SET priority = ?,
			sync_interval_seconds = CASE WHEN interval_override = 1 THEN sync_interval_seconds ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		string(p), int64(interval/time.Second), formatTime(time.Now().UTC()), id,
	)
	return expectOne(res, err)
}

// SetFeedInterval sets the polling interval. override=false clears an
// explicit override and stores the tier-derived interval.
func (s *Store) SetFeedInterval(ctx context.Context, id string, interval time.Duration, override bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE feeds SET sync_interval_seconds = ?, interval_override = ?, updated_at = ? WHERE id = ?`,
		int64(interval/time.Second), boolInt(override), formatTime(time.Now().UTC()), id,
	)
	return expectOne(res, err)
}

// SetFeedStatus changes the status. Re-activating a feed clears its failure
// streak and makes it due immediately.
func (s *Store) SetFeedStatus(ctx context.Context, id string, status FeedStatus) error {
	query := `UPDATE feeds SET status = ?, updated_at = ? WHERE id = ?`
	if status == FeedActive {
		query = `UPDATE feeds SET status = ?, consecutive_failures = 0, next_sync_at = NULL, updated_at = ? WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, string(status), formatTime(time.Now().UTC()), id)
	return expectOne(res, err)
}

// DeleteFeed removes a feed together with its sync logs, articles and their
// queue items.
func (s *Store) DeleteFeed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	return expectOne(res, err)
}

func (s *Store) queryFeeds(ctx context.Context, query string, args ...any) ([]Feed, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying feeds: %w", err)
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func scanFeed(row rowScanner) (Feed, error) {
	var f Feed
	var status, priority, createdAt, updatedAt string
	var intervalSeconds int64
	var override int
	var nextSync, lastFetched sql.NullString
	err := row.Scan(&f.ID, &f.UserID, &f.Title, &f.URL, &status, &priority, &intervalSeconds, &override,
		&nextSync, &lastFetched, &f.ETag, &f.LastModified, &f.ConsecutiveFailures, &f.LastError, &createdAt, &updatedAt)
	if err != nil {
		return Feed{}, err
	}
	f.Status = FeedStatus(status)
	f.Priority = Priority(priority)
	f.SyncInterval = time.Duration(intervalSeconds) * time.Second
	f.IntervalOverride = override == 1
	if f.NextSyncAt, err = parseNullTime(nextSync); err != nil {
		return Feed{}, fmt.Errorf("parsing next_sync_at for feed %s: %w", f.ID, err)
	}
	if f.LastFetchedAt, err = parseNullTime(lastFetched); err != nil {
		return Feed{}, fmt.Errorf("parsing last_fetched_at for feed %s: %w", f.ID, err)
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return Feed{}, fmt.Errorf("parsing created_at for feed %s: %w", f.ID, err)
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Feed{}, fmt.Errorf("parsing updated_at for feed %s: %w", f.ID, err)
	}
	return f, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// expectOne turns a zero-row update into ErrNotFound.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
