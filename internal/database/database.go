package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryer covers both the pool and an open transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store wraps the pgx connection pool and provides all database operations.
type Store struct {
	Pool *pgxpool.Pool
}

// Open creates a connection pool, verifies connectivity, and bootstraps
// the schema.
func Open(ctx context.Context, connString string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: bootstrap schema: %w", err)
	}

	return &Store{Pool: pool}, nil
}

// Close releases all pool connections.
func (s *Store) Close() {
	s.Pool.Close()
}

// PostRow is one posts insert staged by the writer loop.
type PostRow struct {
	URI       string
	CidRev    string
	RepostURI *string
	CreatedAt time.Time
	Author    string
}

// FollowRow is one follows insert staged by the writer loop or the primer.
type FollowRow struct {
	URI      string
	Follower string
	Followee string
}

// TickPlan is everything one writer tick flushes atomically: the hours
// whose partitions must exist, the staged inserts and deletes, and
// optionally a retention sweep.
type TickPlan struct {
	Hours         []time.Time
	Posts         []PostRow
	PostDeletes   []string
	Follows       []FollowRow
	FollowDeletes []string
	People        []string

	Sweep       bool
	SweepCutoff time.Time
}

// Empty reports whether the plan carries no work at all.
func (p *TickPlan) Empty() bool {
	return len(p.Posts) == 0 && len(p.PostDeletes) == 0 &&
		len(p.Follows) == 0 && len(p.FollowDeletes) == 0 &&
		len(p.People) == 0 && !p.Sweep
}

// ApplyTick flushes a tick plan in a single transaction: partitions are
// ensured first, then inserts and deletes run as one batch, then the
// retention sweep if due. Either everything commits or nothing does.
func (s *Store) ApplyTick(ctx context.Context, plan *TickPlan) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: begin tick: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, hour := range plan.Hours {
		if err := ensurePartition(ctx, tx, hour); err != nil {
			return err
		}
	}

	// Deletes flush before creates: a record created, deleted, and
	// recreated inside one tick window stays present.
	batch := &pgx.Batch{}
	for _, did := range plan.People {
		batch.Queue(
			`INSERT INTO people (did, follows_primed) VALUES ($1, FALSE) ON CONFLICT DO NOTHING`,
			did)
	}
	for _, uri := range plan.PostDeletes {
		batch.Queue(`DELETE FROM posts WHERE uri = $1`, uri)
	}
	for _, post := range plan.Posts {
		batch.Queue(
			`INSERT INTO posts (uri, cid_rev, repost_uri, created_at, author)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			post.URI, post.CidRev, post.RepostURI, post.CreatedAt, post.Author)
	}
	for _, uri := range plan.FollowDeletes {
		batch.Queue(`DELETE FROM follows WHERE uri = $1`, uri)
	}
	for _, follow := range plan.Follows {
		batch.Queue(
			`INSERT INTO follows (uri, follower, followee) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			follow.URI, follow.Follower, follow.Followee)
	}

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("database: flush tick batch: %w", err)
		}
	}

	if plan.Sweep {
		if _, err := sweepPartitions(ctx, tx, plan.SweepCutoff); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("database: commit tick: %w", err)
	}
	return nil
}

// HasFollows reports whether any follow edges exist for the given reader.
func (s *Store) HasFollows(ctx context.Context, did string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM follows WHERE follower = $1)`, did).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("database: check follows for %s: %w", did, err)
	}
	return exists, nil
}

// BulkInsertFollows backfills a reader's follow edges and marks the
// reader primed, all in one transaction. The primed-check trigger is
// disabled for the duration so the backfill itself is not skipped.
func (s *Store) BulkInsertFollows(ctx context.Context, follower string, rows []FollowRow) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("database: begin follow backfill: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`ALTER TABLE follows DISABLE TRIGGER check_follows_primed_trigger`); err != nil {
		return fmt.Errorf("database: disable primed trigger: %w", err)
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(
			`INSERT INTO follows (uri, follower, followee) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			row.URI, row.Follower, row.Followee)
	}
	batch.Queue(
		`INSERT INTO people (did, follows_primed) VALUES ($1, TRUE)
		 ON CONFLICT (did) DO UPDATE SET follows_primed = TRUE`,
		follower)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("database: backfill follows for %s: %w", follower, err)
	}

	if _, err := tx.Exec(ctx,
		`ALTER TABLE follows ENABLE TRIGGER check_follows_primed_trigger`); err != nil {
		return fmt.Errorf("database: enable primed trigger: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("database: commit follow backfill: %w", err)
	}
	return nil
}

// CandidatePost is one row of the feed candidate query.
type CandidatePost struct {
	URI       string
	RepostURI *string
	CidRev    string
}

// CandidatePosts returns up to 1000 posts authored by accounts the
// reader follows, ordered by cid_rev. Reposts are excluded unless
// includeReposts is set.
func (s *Store) CandidatePosts(ctx context.Context, follower string, includeReposts bool) ([]CandidatePost, error) {
	sql := `
		SELECT uri, repost_uri, cid_rev
		FROM posts
		WHERE author IN (SELECT followee FROM follows WHERE follower = $1)`
	if !includeReposts {
		sql += ` AND repost_uri IS NULL`
	}
	sql += ` ORDER BY cid_rev LIMIT 1000`

	rows, err := s.Pool.Query(ctx, sql, follower)
	if err != nil {
		return nil, fmt.Errorf("database: query candidates for %s: %w", follower, err)
	}
	defer rows.Close()

	var posts []CandidatePost
	for rows.Next() {
		var post CandidatePost
		if err := rows.Scan(&post.URI, &post.RepostURI, &post.CidRev); err != nil {
			return nil, fmt.Errorf("database: scan candidate: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: query candidates for %s: %w", follower, err)
	}
	return posts, nil
}
