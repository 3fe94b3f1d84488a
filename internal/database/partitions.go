package database

import (
	"context"
	"fmt"
	"time"
)

// partitionLayout is the reference layout for hourly partition names,
// e.g. posts_y2024m03d07h16.
const partitionLayout = "posts_y2006m01d02h15"

// PartitionName returns the posts child table name covering the hour
// containing t. The hour is taken in UTC.
func PartitionName(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(partitionLayout)
}

// ParsePartitionName parses a posts child table name back into the UTC
// hour it covers.
func ParsePartitionName(name string) (time.Time, error) {
	t, err := time.ParseInLocation(partitionLayout, name, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("database: parse partition name %q: %w", name, err)
	}
	return t, nil
}

// EnsurePartition creates the posts partition covering the hour
// containing t if it does not already exist. Safe to call concurrently
// and repeatedly.
func (s *Store) EnsurePartition(ctx context.Context, t time.Time) error {
	return ensurePartition(ctx, s.Pool, t)
}

func ensurePartition(ctx context.Context, db queryer, t time.Time) error {
	from := t.UTC().Truncate(time.Hour)
	to := from.Add(time.Hour)
	sql := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF posts FOR VALUES FROM ('%s') TO ('%s')`,
		PartitionName(from),
		from.Format(time.RFC3339),
		to.Format(time.RFC3339),
	)
	if _, err := db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("database: ensure partition %s: %w", PartitionName(from), err)
	}
	return nil
}

// ListPostPartitions returns the names of all posts child tables.
func (s *Store) ListPostPartitions(ctx context.Context) ([]string, error) {
	return listPostPartitions(ctx, s.Pool)
}

func listPostPartitions(ctx context.Context, db queryer) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT child.relname
		FROM pg_inherits
		JOIN pg_class parent ON pg_inherits.inhparent = parent.oid
		JOIN pg_class child ON pg_inherits.inhrelid = child.oid
		WHERE parent.relname = 'posts'`)
	if err != nil {
		return nil, fmt.Errorf("database: list post partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("database: scan partition name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: list post partitions: %w", err)
	}
	return names, nil
}

// dropPartition removes a posts child table by name. The name is
// interpolated directly, so it must parse as one of our partition names.
func dropPartition(ctx context.Context, db queryer, name string) error {
	if _, err := ParsePartitionName(name); err != nil {
		return err
	}
	if _, err := db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
		return fmt.Errorf("database: drop partition %s: %w", name, err)
	}
	return nil
}

// expiredPartitions returns the subset of names whose hour is strictly
// older than cutoff. Names that do not parse as posts partitions are
// not ours and are left alone.
func expiredPartitions(names []string, cutoff time.Time) []string {
	var expired []string
	for _, name := range names {
		hour, err := ParsePartitionName(name)
		if err != nil {
			continue
		}
		if hour.Before(cutoff) {
			expired = append(expired, name)
		}
	}
	return expired
}

// sweepPartitions drops every posts partition whose hour is strictly
// older than cutoff. It returns the names of the partitions dropped.
func sweepPartitions(ctx context.Context, db queryer, cutoff time.Time) ([]string, error) {
	names, err := listPostPartitions(ctx, db)
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, name := range expiredPartitions(names, cutoff) {
		if err := dropPartition(ctx, db, name); err != nil {
			return dropped, err
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}
