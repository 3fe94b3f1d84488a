package feed

import (
	"context"
	"fmt"
	"log"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/chaosfeed/chaosfeed/internal/database"
)

const primePageSize = 100

// Primer backfills a reader's follow graph from their own PDS. The
// firehose only carries follows created while the ingester is running;
// everything older has to be fetched once, directly from the reader's
// repo.
type Primer struct {
	Directory identity.Directory
	Store     *database.Store
}

// NewPrimer creates a Primer using the default identity directory.
func NewPrimer(store *database.Store) *Primer {
	return &Primer{
		Directory: identity.DefaultDirectory(),
		Store:     store,
	}
}

// Prime fetches every app.bsky.graph.follow record from the reader's
// PDS and bulk-inserts the edges, marking the reader primed.
func (p *Primer) Prime(ctx context.Context, did string) error {
	atid, err := syntax.ParseDID(did)
	if err != nil {
		return fmt.Errorf("feed: parse did %q: %w", did, err)
	}
	ident, err := p.Directory.LookupDID(ctx, atid)
	if err != nil {
		return fmt.Errorf("feed: resolve %s: %w", did, err)
	}
	endpoint := ident.PDSEndpoint()
	if endpoint == "" {
		return fmt.Errorf("feed: no pds endpoint for %s", did)
	}

	client := &xrpc.Client{Host: endpoint}
	var rows []database.FollowRow
	cursor := ""
	for {
		resp, err := comatproto.RepoListRecords(ctx, client,
			"app.bsky.graph.follow", cursor, primePageSize, did, false)
		if err != nil {
			return fmt.Errorf("feed: list follows for %s: %w", did, err)
		}
		for _, rec := range resp.Records {
			follow, ok := rec.Value.Val.(*bsky.GraphFollow)
			if !ok {
				continue
			}
			rows = append(rows, database.FollowRow{
				URI:      rec.Uri,
				Follower: did,
				Followee: follow.Subject,
			})
		}
		if resp.Cursor == nil || *resp.Cursor == "" {
			break
		}
		cursor = *resp.Cursor
	}

	if err := p.Store.BulkInsertFollows(ctx, did, rows); err != nil {
		return err
	}
	log.Printf("feed: primed %d follows for %s", len(rows), did)
	return nil
}
