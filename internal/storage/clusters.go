package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const clusterColumns = `id, scope, title, summary, article_count, source_feeds, timeframe_start, timeframe_end,
	expires_at, avg_similarity, relevance_score, generation_method, created_at`

// CreateCluster persists a cluster and points its articles at it in one
// transaction, so a cluster is never visible with only some of its members.
func (s *Store) CreateCluster(ctx context.Context, c Cluster, articleIDs []string) error {
	if len(articleIDs) == 0 {
		return fmt.Errorf("cluster %s has no articles", c.ID)
	}
	sources, err := json.Marshal(c.SourceFeeds)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cluster transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clusters (`+clusterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Scope, c.Title, c.Summary, len(articleIDs), string(sources),
		formatTime(c.TimeframeStart), formatTime(c.TimeframeEnd), formatTime(c.ExpiresAt),
		c.AvgSimilarity, c.RelevanceScore, c.GenerationMethod, formatTime(c.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting cluster %s: %w", c.ID, err)
	}

	args := append([]any{c.ID}, stringArgs(articleIDs)...)
	res, err := tx.ExecContext(ctx,
		`UPDATE articles SET cluster_id = ? WHERE id IN (`+placeholders(len(articleIDs))+`)`, args...)
	if err != nil {
		return fmt.Errorf("assigning articles to cluster %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(articleIDs) {
		return fmt.Errorf("assigning articles to cluster %s: %d of %d articles found", c.ID, n, len(articleIDs))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cluster %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetCluster(ctx context.Context, id string) (Cluster, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	c, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return Cluster{}, ErrNotFound
	}
	return c, err
}

// ListClusters returns clusters by descending relevance.
func (s *Store) ListClusters(ctx context.Context, q ClusterQuery) ([]Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE 1 = 1`
	var args []any
	if !q.AllScopes {
		query += ` AND scope = ?`
		args = append(args, q.Scope)
	}
	if !q.IncludeExpired {
		now := q.Now
		if now.IsZero() {
			now = time.Now().UTC()
		}
		query += ` AND expires_at > ?`
		args = append(args, formatTime(now))
	}
	query += ` ORDER BY relevance_score DESC, created_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying clusters: %w", err)
	}
	defer rows.Close()

	var out []Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCluster clears the weak cluster_id reference on member articles and
// deletes the cluster. Articles are never deleted.
func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cluster delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE articles SET cluster_id = NULL WHERE cluster_id = ?`, id); err != nil {
		return fmt.Errorf("clearing cluster %s members: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	if err := expectOne(res, err); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteExpiredClusters deletes every cluster whose expires_at is not after
// now, each in its own transaction, and returns how many were removed.
func (s *Store) DeleteExpiredClusters(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.clusterIDs(ctx, `SELECT id FROM clusters WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return s.deleteClusters(ctx, ids)
}

// DeleteClustersByScope removes all clusters of one scope.
func (s *Store) DeleteClustersByScope(ctx context.Context, scope string) (int, error) {
	ids, err := s.clusterIDs(ctx, `SELECT id FROM clusters WHERE scope = ?`, scope)
	if err != nil {
		return 0, err
	}
	return s.deleteClusters(ctx, ids)
}

func (s *Store) deleteClusters(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		err := s.DeleteCluster(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) clusterIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cluster ids: %w", err)
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

func scanCluster(row rowScanner) (Cluster, error) {
	var c Cluster
	var sources, start, end, expires, created string
	err := row.Scan(&c.ID, &c.Scope, &c.Title, &c.Summary, &c.ArticleCount, &sources, &start, &end,
		&expires, &c.AvgSimilarity, &c.RelevanceScore, &c.GenerationMethod, &created)
	if err != nil {
		return Cluster{}, err
	}
	if err := json.Unmarshal([]byte(sources), &c.SourceFeeds); err != nil {
		return Cluster{}, fmt.Errorf("decoding source_feeds for cluster %s: %w", c.ID, err)
	}
	if c.TimeframeStart, err = parseTime(start); err != nil {
		return Cluster{}, err
	}
	if c.TimeframeEnd, err = parseTime(end); err != nil {
		return Cluster{}, err
	}
	if c.ExpiresAt, err = parseTime(expires); err != nil {
		return Cluster{}, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return Cluster{}, err
	}
	return c, nil
}
