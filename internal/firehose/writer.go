package firehose

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/chaosfeed/chaosfeed/internal/database"
)

const (
	// tickInterval is the writer flush cadence.
	tickInterval = 2 * time.Second

	// watchdogTimeout is how long the writer tolerates no successful
	// flush before giving up. A stalled stream or database outage is
	// healthier handled by exiting and restarting than by buffering
	// forever.
	watchdogTimeout = 30 * time.Second

	// sweepInterval is how often expired partitions are dropped.
	sweepInterval = 30 * time.Minute

	// retention is how far back posts are kept. Candidates older than
	// this cannot surface in any feed, so their partitions are dropped.
	retention = 13 * time.Hour

	// createdAtSlack tolerates clients whose clocks run slightly ahead.
	createdAtSlack = 10 * time.Minute
)

// Writer drains the queue on a fixed cadence and flushes each batch to
// the database in one transaction.
type Writer struct {
	Store *database.Store
	Queue *Queue

	lastFlush time.Time
	lastSweep time.Time
}

// Run executes the flush loop until the context is canceled or the
// watchdog fires.
func (w *Writer) Run(ctx context.Context) error {
	w.lastFlush = time.Now()
	w.lastSweep = time.Now()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if since := time.Since(w.lastFlush); since >= watchdogTimeout {
				return fmt.Errorf("firehose: no successful flush in %s", since.Truncate(time.Second))
			}
			if err := w.tick(ctx, time.Now()); err != nil {
				log.Printf("firehose: tick failed: %v", err)
			}
		}
	}
}

// tick drains the queue and flushes one plan. Queued events stay lost if
// the flush fails; the watchdog bounds how long failures can accumulate.
func (w *Writer) tick(ctx context.Context, now time.Time) error {
	evts := w.Queue.Drain()
	if len(evts) == 0 {
		return nil
	}

	plan := w.planTick(evts, now)
	if plan.Empty() {
		// Every drained event was filtered out and no sweep is due;
		// nothing to open a transaction for.
		return nil
	}

	if err := w.Store.ApplyTick(ctx, plan); err != nil {
		return err
	}

	w.lastFlush = now
	if plan.Sweep {
		w.lastSweep = now
	}
	log.Printf("firehose: flushed %d posts (+%d deletes), %d follows (+%d deletes)",
		len(plan.Posts), len(plan.PostDeletes), len(plan.Follows), len(plan.FollowDeletes))
	return nil
}

// planTick builds the flush plan for one tick and schedules a retention
// sweep when the last one is more than sweepInterval ago.
func (w *Writer) planTick(evts []*Event, now time.Time) *database.TickPlan {
	plan := buildTick(evts, now)
	if w.lastSweep.Add(sweepInterval).Before(now) {
		plan.Sweep = true
		plan.SweepCutoff = now.Add(-retention)
	}
	return plan
}

// buildTick converts drained events into a flush plan, applying the
// ingest filters: replies are dropped, reposts without a subject are
// dropped, and anything timestamped outside [now-retention,
// now+createdAtSlack] is dropped. Likes are consumed from the stream but
// not persisted.
func buildTick(evts []*Event, now time.Time) *database.TickPlan {
	plan := &database.TickPlan{}
	oldest := now.Add(-retention)
	newest := now.Add(createdAtSlack)
	hours := make(map[time.Time]struct{})
	people := make(map[string]struct{})

	for _, evt := range evts {
		switch {
		case evt.Kind == KindPost && evt.Action == ActionCreate:
			if evt.Post.Reply != nil {
				continue
			}
			createdAt, ok := parseCreatedAt(evt.Post.CreatedAt, oldest, newest)
			if !ok {
				continue
			}
			plan.Posts = append(plan.Posts, database.PostRow{
				URI:       evt.URI,
				CidRev:    reverseString(evt.CID),
				CreatedAt: createdAt,
				Author:    evt.Author,
			})
			hours[createdAt.Truncate(time.Hour)] = struct{}{}
			people[evt.Author] = struct{}{}

		case evt.Kind == KindRepost && evt.Action == ActionCreate:
			if evt.Repost.Subject == nil || evt.Repost.Subject.Uri == "" {
				continue
			}
			createdAt, ok := parseCreatedAt(evt.Repost.CreatedAt, oldest, newest)
			if !ok {
				continue
			}
			subject := evt.Repost.Subject.Uri
			plan.Posts = append(plan.Posts, database.PostRow{
				URI:       evt.URI,
				CidRev:    reverseString(evt.CID),
				RepostURI: &subject,
				CreatedAt: createdAt,
				Author:    evt.Author,
			})
			hours[createdAt.Truncate(time.Hour)] = struct{}{}
			people[evt.Author] = struct{}{}

		case (evt.Kind == KindPost || evt.Kind == KindRepost) && evt.Action == ActionDelete:
			plan.PostDeletes = append(plan.PostDeletes, evt.URI)

		case evt.Kind == KindFollow && evt.Action == ActionCreate:
			plan.Follows = append(plan.Follows, database.FollowRow{
				URI:      evt.URI,
				Follower: evt.Author,
				Followee: evt.Follow.Subject,
			})
			people[evt.Author] = struct{}{}

		case evt.Kind == KindFollow && evt.Action == ActionDelete:
			plan.FollowDeletes = append(plan.FollowDeletes, evt.URI)
		}
	}

	for hour := range hours {
		plan.Hours = append(plan.Hours, hour)
	}
	for did := range people {
		plan.People = append(plan.People, did)
	}
	return plan
}

// parseCreatedAt parses a record's self-reported createdAt and checks it
// against the acceptance window.
func parseCreatedAt(raw string, oldest, newest time.Time) (time.Time, bool) {
	dt, err := syntax.ParseDatetimeLenient(raw)
	if err != nil {
		return time.Time{}, false
	}
	t := dt.Time().UTC()
	if t.Before(oldest) || t.After(newest) {
		return time.Time{}, false
	}
	return t, true
}

// reverseString reverses a record CID byte-for-byte. CIDs share long
// structural prefixes; the reversed form varies from the first byte,
// which keeps the cid_rev ordering spread across candidates.
func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
