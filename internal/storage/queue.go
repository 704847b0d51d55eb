package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const queueColumns = `q.id, q.article_id, f.user_id, q.priority, q.attempts, q.max_attempts, q.status,
	q.first_attempt_at, q.last_attempt_at, q.next_attempt_at, q.error_message, q.created_at, q.updated_at`

const queueFrom = ` FROM embedding_queue q JOIN articles a ON a.id = q.article_id JOIN feeds f ON f.id = a.feed_id`

// EnqueueEmbeddings inserts one pending item per article. Articles that
// already have an outstanding item, or no longer exist, are skipped. It
// returns how many items were actually queued.
func (s *Store) EnqueueEmbeddings(ctx context.Context, articleIDs []string, priority, maxAttempts int) (int, error) {
	if len(articleIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	queued := 0
	for _, id := range articleIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_queue (id, article_id, priority, max_attempts, status, next_attempt_at, created_at, updated_at)
			SELECT ?, ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM articles WHERE id = ?)
			ON CONFLICT (article_id) DO NOTHING`,
			uuid.New().String(), id, priority, maxAttempts, string(QueuePending), now, now, now, id,
		)
		if err != nil {
			return 0, fmt.Errorf("enqueueing article %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		queued += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing enqueue: %w", err)
	}
	return queued, nil
}

// ReleaseStaleQueueItems returns processing items last touched before cutoff
// to pending. Such items were claimed by a pass that never finished.
func (s *Store) ReleaseStaleQueueItems(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_queue SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(QueuePending), formatTime(time.Now().UTC()), string(QueueProcessing), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("releasing stale queue items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClaimQueueItems marks up to limit pending items whose next attempt is due
// as processing and returns them, highest priority first and oldest first
// within a priority.
func (s *Store) ClaimQueueItems(ctx context.Context, now time.Time, limit int) ([]QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+queueColumns+queueFrom+`
		WHERE q.status = ? AND q.next_attempt_at <= ?
		ORDER BY q.priority DESC, q.created_at ASC
		LIMIT ?`,
		string(QueuePending), formatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting queue items: %w", err)
	}
	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stamp := formatTime(now)
	for i := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE embedding_queue SET status = ?, first_attempt_at = COALESCE(first_attempt_at, ?), updated_at = ?
			WHERE id = ?`,
			string(QueueProcessing), stamp, stamp, items[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claiming queue item %s: %w", items[i].ID, err)
		}
		items[i].Status = QueueProcessing
		if items[i].FirstAttemptAt == nil {
			t := now
			items[i].FirstAttemptAt = &t
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return items, nil
}

// CompleteEmbedding stores the vector on the article and removes the queue
// item in one transaction.
func (s *Store) CompleteEmbedding(ctx context.Context, itemID, articleID string, vec []float32, contentHash string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning completion transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE articles SET embedding = ?, embedding_status = ?, content_hash = ?, embedded_at = ?, updated_at = ?
		WHERE id = ?`,
		encodeVector(vec), string(EmbeddingCompleted), contentHash, formatTime(at), formatTime(at), articleID,
	)
	if err := expectOne(res, err); err != nil {
		return fmt.Errorf("storing embedding for article %s: %w", articleID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_queue WHERE id = ?`, itemID); err != nil {
		return fmt.Errorf("removing queue item %s: %w", itemID, err)
	}
	return tx.Commit()
}

// DeferQueueItem puts a claimed item back to pending without counting an
// attempt. A non-zero until also holds the item back from claims until then.
func (s *Store) DeferQueueItem(ctx context.Context, id string, until time.Time) error {
	now := formatTime(time.Now().UTC())
	if until.IsZero() {
		res, err := s.db.ExecContext(ctx, `
			UPDATE embedding_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(QueuePending), now, id,
		)
		return expectOne(res, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_queue SET status = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		string(QueuePending), formatTime(until), now, id,
	)
	return expectOne(res, err)
}

// FailQueueItem records a failed attempt. A permanent failure exhausts the
// remaining attempts at once. When attempts reach max_attempts the item is
// moved to the dead-letter store and its article marked failed, all in one
// transaction; otherwise it returns to pending until f.RetryAt.
func (s *Store) FailQueueItem(ctx context.Context, f QueueFailure) (FailOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailOutcome{}, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var articleID, createdAt string
	var priority, attempts, maxAttempts int
	var firstAttempt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT article_id, priority, attempts, max_attempts, first_attempt_at, created_at
		FROM embedding_queue WHERE id = ?`, f.ItemID,
	).Scan(&articleID, &priority, &attempts, &maxAttempts, &firstAttempt, &createdAt)
	if err == sql.ErrNoRows {
		return FailOutcome{}, ErrNotFound
	}
	if err != nil {
		return FailOutcome{}, err
	}

	attempts++
	if f.Permanent && attempts < maxAttempts {
		attempts = maxAttempts
	}
	at := formatTime(f.At)
	out := FailOutcome{Attempts: attempts}

	if attempts < maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE embedding_queue SET status = ?, attempts = ?, last_attempt_at = ?, next_attempt_at = ?,
				error_message = ?, updated_at = ?
			WHERE id = ?`,
			string(QueuePending), attempts, at, formatTime(f.RetryAt), f.Error, at, f.ItemID,
		)
		if err != nil {
			return FailOutcome{}, fmt.Errorf("recording failed attempt: %w", err)
		}
		return out, tx.Commit()
	}

	payload, err := json.Marshal(EmbedPayload{ArticleID: articleID, Priority: priority})
	if err != nil {
		return FailOutcome{}, err
	}
	first := firstAttempt.String
	if first == "" {
		first = createdAt
	}
	out.DeadLettered = true
	out.DeadLetterID = uuid.New().String()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, operation, provider, payload, error, attempts, first_attempt_at, last_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.DeadLetterID, OperationEmbed, f.Provider, string(payload), f.Error, attempts, first, at, at,
	); err != nil {
		return FailOutcome{}, fmt.Errorf("inserting dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_queue WHERE id = ?`, f.ItemID); err != nil {
		return FailOutcome{}, fmt.Errorf("removing exhausted queue item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE articles SET embedding_status = ?, updated_at = ? WHERE id = ?`,
		string(EmbeddingFailed), at, articleID,
	); err != nil {
		return FailOutcome{}, fmt.Errorf("marking article %s failed: %w", articleID, err)
	}

	if err := tx.Commit(); err != nil {
		return FailOutcome{}, fmt.Errorf("committing dead letter: %w", err)
	}
	return out, nil
}

// GetQueueItemByArticle returns the outstanding item for an article.
func (s *Store) GetQueueItemByArticle(ctx context.Context, articleID string) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+queueFrom+` WHERE q.article_id = ?`, articleID)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return QueueItem{}, ErrNotFound
	}
	return item, err
}

// CountQueue returns the size of the live queue and of the dead-letter store.
func (s *Store) CountQueue(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM dead_letters)
		FROM embedding_queue`,
	).Scan(&c.Pending, &c.Processing, &c.DeadLetter)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("counting queue: %w", err)
	}
	return c, nil
}

// ListDeadLetters returns dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, provider, payload, error, attempts, first_attempt_at, last_attempt_at, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var first, last, created string
		if err := rows.Scan(&d.ID, &d.Operation, &d.Provider, &d.Payload, &d.Error, &d.Attempts, &first, &last, &created); err != nil {
			return nil, err
		}
		if d.FirstAttemptAt, err = parseTime(first); err != nil {
			return nil, err
		}
		if d.LastAttemptAt, err = parseTime(last); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RequeueDeadLetter removes a dead letter and puts its article back on the
// queue with a fresh attempt budget. It returns the article id.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string, maxAttempts int) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning requeue transaction: %w", err)
	}
	defer tx.Rollback()

	var operation, payload string
	err = tx.QueryRowContext(ctx, `SELECT operation, payload FROM dead_letters WHERE id = ?`, id).Scan(&operation, &payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if operation != OperationEmbed {
		return "", fmt.Errorf("dead letter %s has unsupported operation %q", id, operation)
	}
	var p EmbedPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", fmt.Errorf("decoding dead letter payload: %w", err)
	}

	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx, `
		UPDATE articles SET embedding_status = ?, updated_at = ? WHERE id = ?`,
		string(EmbeddingPending), now, p.ArticleID,
	)
	if err := expectOne(res, err); err != nil {
		return "", fmt.Errorf("resetting article %s: %w", p.ArticleID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embedding_queue (id, article_id, priority, max_attempts, status, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (article_id) DO NOTHING`,
		uuid.New().String(), p.ArticleID, p.Priority, maxAttempts, string(QueuePending), now, now, now,
	); err != nil {
		return "", fmt.Errorf("requeueing article %s: %w", p.ArticleID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing requeue: %w", err)
	}
	return p.ArticleID, nil
}

func scanQueueItem(row rowScanner) (QueueItem, error) {
	var q QueueItem
	var status, next, created, updated string
	var first, last sql.NullString
	err := row.Scan(&q.ID, &q.ArticleID, &q.UserID, &q.Priority, &q.Attempts, &q.MaxAttempts, &status,
		&first, &last, &next, &q.ErrorMessage, &created, &updated)
	if err != nil {
		return QueueItem{}, err
	}
	q.Status = QueueStatus(status)
	if q.FirstAttemptAt, err = parseNullTime(first); err != nil {
		return QueueItem{}, err
	}
	if q.LastAttemptAt, err = parseNullTime(last); err != nil {
		return QueueItem{}, err
	}
	if q.NextAttemptAt, err = parseTime(next); err != nil {
		return QueueItem{}, fmt.Errorf("parsing next_attempt_at for queue item %s: %w", q.ID, err)
	}
	if q.CreatedAt, err = parseTime(created); err != nil {
		return QueueItem{}, err
	}
	if q.UpdatedAt, err = parseTime(updated); err != nil {
		return QueueItem{}, err
	}
	return q, nil
}
