// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// Schema contains the SQL statements executed idempotently when a
// process connects. Both the ingestion and serving processes run it;
// whichever starts first creates the tables.
const Schema = `
-- people: Every repository DID the ingester has observed, plus readers
-- discovered through the serving path. follows_primed records whether a
-- reader's historical follow list has been backfilled from their PDS.
-- Once set it is never cleared.
CREATE TABLE IF NOT EXISTS people (
    did            VARCHAR(255) PRIMARY KEY,
    follows_primed BOOLEAN NOT NULL DEFAULT FALSE
);

-- posts: Candidate feed items. Originals and reposts share this table;
-- a non-null repost_uri marks the row as a repost of that original.
-- cid_rev is the record CID reversed byte-for-byte: CIDs share structural
-- prefixes, and reversing decorrelates that structure so the column
-- sorts uniformly enough to seed randomization.
--
-- The table is range-partitioned by created_at at hour granularity.
-- Child tables are named posts_y{YYYY}m{MM}d{DD}h{HH} so the retention
-- sweep can parse the hour back out of the name. The primary key must
-- include the partition column; uri alone is unique in practice because
-- an AT-URI never changes its createdAt.
CREATE TABLE IF NOT EXISTS posts (
    uri        VARCHAR(512) NOT NULL,
    cid_rev    VARCHAR(255) NOT NULL,
    repost_uri VARCHAR(512),
    created_at TIMESTAMPTZ NOT NULL,
    author     VARCHAR(255) NOT NULL,
    PRIMARY KEY (uri, created_at)
) PARTITION BY RANGE (created_at);

CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);

-- follows: Follow graph edges. The follower index is the hot path for
-- feed materialization.
CREATE TABLE IF NOT EXISTS follows (
    uri      VARCHAR(512) PRIMARY KEY,
    follower VARCHAR(255) NOT NULL,
    followee VARCHAR(255) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_follows_follower ON follows(follower);

-- check_follows_primed: The ingester records streamed follows only for
-- readers whose backfill has completed; otherwise the streamed edge and
-- the backfill would race and the backfill could be skipped on the
-- strength of a single fresh edge. The primer disables this trigger
-- around its own bulk insert to bootstrap.
CREATE OR REPLACE FUNCTION check_follows_primed() RETURNS trigger AS $$
BEGIN
    IF EXISTS (SELECT 1 FROM people WHERE did = NEW.follower AND follows_primed) THEN
        RETURN NEW;
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM pg_trigger WHERE tgname = 'check_follows_primed_trigger'
    ) THEN
        CREATE TRIGGER check_follows_primed_trigger
            BEFORE INSERT ON follows
            FOR EACH ROW EXECUTE FUNCTION check_follows_primed();
    END IF;
END;
$$;
`
