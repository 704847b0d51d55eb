package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const articleColumns = `id, feed_id, guid, title, url, content, author, published_at, embedding,
	embedding_status, content_hash, embedded_at, cluster_id, created_at, updated_at`

// UpsertArticle creates the article if (feed_id, guid) is unseen, otherwise
// refreshes its mutable fields in place. Embedding fields are left alone
// except that a text change which no longer matches content_hash resets the
// article to pending.
func (s *Store) UpsertArticle(ctx context.Context, a Article) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	hash := HashText(a.EmbeddingText())

	var id, title, content, storedHash string
	err = tx.QueryRowContext(ctx,
		`SELECT id, title, content, content_hash FROM articles WHERE feed_id = ? AND guid = ?`,
		a.FeedID, a.GUID,
	).Scan(&id, &title, &content, &storedHash)

	var res UpsertResult
	switch {
	case err == sql.ErrNoRows:
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO articles (id, feed_id, guid, title, url, content, author, published_at,
				embedding_status, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.FeedID, a.GUID, a.Title, a.URL, a.Content, a.Author, nullTime(a.PublishedAt),
			string(EmbeddingPending), hash, formatTime(now), formatTime(now),
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("inserting article %s/%s: %w", a.FeedID, a.GUID, err)
		}
		res = UpsertResult{ID: a.ID, Created: true, ContentChanged: true, NeedsEmbedding: true}

	case err != nil:
		return UpsertResult{}, fmt.Errorf("looking up article %s/%s: %w", a.FeedID, a.GUID, err)

	default:
		res = UpsertResult{
			ID:             id,
			ContentChanged: title != a.Title || content != a.Content,
			NeedsEmbedding: hash != storedHash,
		}
		query := `UPDATE articles SET title = ?, url = ?, content = ?, author = ?, published_at = ?, updated_at = ?`
		args := []any{a.Title, a.URL, a.Content, a.Author, nullTime(a.PublishedAt), formatTime(now)}
		if res.NeedsEmbedding {
			query += `, content_hash = ?, embedding_status = ?`
			args = append(args, hash, string(EmbeddingPending))
		}
		query += ` WHERE id = ?`
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return UpsertResult{}, fmt.Errorf("updating article %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("committing article upsert: %w", err)
	}
	return res, nil
}

func (s *Store) GetArticle(ctx context.Context, id string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return Article{}, ErrNotFound
	}
	return a, err
}

// ArticleOwner returns the user whose feed holds the article.
func (s *Store) ArticleOwner(ctx context.Context, articleID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT f.user_id FROM articles a JOIN feeds f ON f.id = a.feed_id WHERE a.id = ?`, articleID,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return userID, err
}

// CountArticles returns how many articles a feed holds.
func (s *Store) CountArticles(ctx context.Context, feedID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles WHERE feed_id = ?`, feedID).Scan(&n)
	return n, err
}

// ListArticles returns articles matching f, newest first. Without Unembedded
// only articles with a completed embedding are returned; with it, only those
// without one.
func (s *Store) ListArticles(ctx context.Context, f ArticleFilter) ([]Article, error) {
	if !f.AllFeeds && len(f.FeedIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + articleColumns + ` FROM articles WHERE `
	var args []any
	if f.Unembedded {
		query += `(embedding_status <> ? OR embedding IS NULL)`
	} else {
		query += `embedding_status = ? AND embedding IS NOT NULL`
	}
	args = append(args, string(EmbeddingCompleted))

	if !f.AllFeeds {
		query += ` AND feed_id IN (` + placeholders(len(f.FeedIDs)) + `)`
		args = append(args, stringArgs(f.FeedIDs)...)
	}
	if !f.Since.IsZero() {
		query += ` AND COALESCE(published_at, created_at) >= ?`
		args = append(args, formatTime(f.Since))
	}
	if f.ExcludeID != "" {
		query += ` AND id <> ?`
		args = append(args, f.ExcludeID)
	}
	query += ` ORDER BY COALESCE(published_at, created_at) DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying articles: %w", err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// ClusterArticles returns the members of a cluster.
func (s *Store) ClusterArticles(ctx context.Context, clusterID string) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+articleColumns+` FROM articles WHERE cluster_id = ?
		ORDER BY COALESCE(published_at, created_at) DESC`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("querying cluster articles: %w", err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

func scanArticle(row rowScanner) (Article, error) {
	var a Article
	var status, createdAt, updatedAt string
	var published, embeddedAt, clusterID sql.NullString
	var blob []byte
	err := row.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.URL, &a.Content, &a.Author, &published, &blob,
		&status, &a.ContentHash, &embeddedAt, &clusterID, &createdAt, &updatedAt)
	if err != nil {
		return Article{}, err
	}
	a.EmbeddingStatus = EmbeddingStatus(status)
	a.ClusterID = clusterID.String
	if a.Embedding, err = decodeVector(blob); err != nil {
		return Article{}, fmt.Errorf("decoding embedding for article %s: %w", a.ID, err)
	}
	if a.PublishedAt, err = parseNullTime(published); err != nil {
		return Article{}, fmt.Errorf("parsing published_at for article %s: %w", a.ID, err)
	}
	if a.EmbeddedAt, err = parseNullTime(embeddedAt); err != nil {
		return Article{}, fmt.Errorf("parsing embedded_at for article %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Article{}, fmt.Errorf("parsing created_at for article %s: %w", a.ID, err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Article{}, fmt.Errorf("parsing updated_at for article %s: %w", a.ID, err)
	}
	return a, nil
}
