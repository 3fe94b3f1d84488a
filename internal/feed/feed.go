// Package feed materializes feed skeleton pages from candidate posts.
//
// Ordering is not chronological: each reader gets a per-seed random but
// stable permutation of the candidate set, so paging is consistent until
// the reader triggers a full refresh and the seed advances.
package feed

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/chaosfeed/chaosfeed/internal/database"
)

// MaxLimit caps the page size a client may request.
const MaxLimit = 600

// DefaultLimit is used when the client sends no limit parameter.
const DefaultLimit = 20

const reasonRepost = "app.bsky.feed.defs#skeletonReasonRepost"

var (
	// ErrMalformedCursor is returned when a cursor does not parse as
	// {rand_id}::{did}.
	ErrMalformedCursor = errors.New("feed: malformed cursor")

	// ErrCursorMismatch is returned when a cursor's DID is not the
	// authenticated reader's DID.
	ErrCursorMismatch = errors.New("feed: cursor does not belong to requester")
)

// SkeletonReason marks a feed item as a repost.
type SkeletonReason struct {
	Type   string `json:"$type"`
	Repost string `json:"repost"`
}

// SkeletonItem is one entry of the getFeedSkeleton response.
type SkeletonItem struct {
	Post   string          `json:"post"`
	Reason *SkeletonReason `json:"reason,omitempty"`
}

// Page is one materialized skeleton page plus the cursor to fetch the
// next one.
type Page struct {
	Cursor string         `json:"cursor"`
	Feed   []SkeletonItem `json:"feed"`
}

// Seeds tracks the current shuffle seed per reader. Seeds live in
// process memory only; a restart resets every reader to seed zero,
// which just deals everyone a fresh permutation.
type Seeds struct {
	mu    sync.Mutex
	seeds map[string]int64
}

// NewSeeds creates an empty seed registry.
func NewSeeds() *Seeds {
	return &Seeds{seeds: make(map[string]int64)}
}

// Current returns the reader's current seed, zero if never bumped.
func (s *Seeds) Current(did string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeds[did]
}

// Bump advances the reader's seed and returns the new value.
func (s *Seeds) Bump(did string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds[did]++
	return s.seeds[did]
}

// ParseCursor decodes a {rand_id}::{did} cursor and checks it belongs
// to the requester. An empty cursor returns nil.
func ParseCursor(cursor, requesterDID string) (*int64, error) {
	if cursor == "" {
		return nil, nil
	}
	randStr, did, ok := strings.Cut(cursor, "::")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedCursor, cursor)
	}
	randID, err := strconv.ParseInt(randStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedCursor, cursor)
	}
	if did != requesterDID {
		return nil, ErrCursorMismatch
	}
	return &randID, nil
}

type rankedItem struct {
	item   SkeletonItem
	randID int64
}

// BuildPage ranks the candidate set under the given seed and returns
// the page after the cursor position. Reposts surface the original post
// with a repost reason pointing at the repost record.
func BuildPage(cands []database.CandidatePost, seed int64, cursorRand *int64, limit int, requesterDID string) Page {
	rng := rand.New(rand.NewSource(seed))

	ranked := make([]rankedItem, 0, len(cands))
	for _, cand := range cands {
		item := SkeletonItem{Post: cand.URI}
		if cand.RepostURI != nil && *cand.RepostURI != "" {
			item = SkeletonItem{
				Post:   *cand.RepostURI,
				Reason: &SkeletonReason{Type: reasonRepost, Repost: cand.URI},
			}
		}
		ranked = append(ranked, rankedItem{item: item, randID: randID(cand.CidRev, rng)})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].randID < ranked[j].randID })

	position := 0
	if cursorRand != nil {
		position = sort.Search(len(ranked), func(i int) bool {
			return ranked[i].randID > *cursorRand
		})
	}

	end := position + limit
	if end > len(ranked) {
		end = len(ranked)
	}
	slice := ranked[position:end]

	var nextRand int64
	switch {
	case len(slice) > 0:
		nextRand = slice[len(slice)-1].randID
	case cursorRand != nil:
		nextRand = *cursorRand
	}

	page := Page{
		Cursor: fmt.Sprintf("%d::%s", nextRand, requesterDID),
		Feed:   make([]SkeletonItem, 0, len(slice)),
	}
	for _, r := range slice {
		page.Feed = append(page.Feed, r.item)
	}
	return page
}

// randID derives a stable rank for one candidate under the request's
// RNG: the cid_rev characters are shuffled, then hashed. Consuming the
// shared RNG per candidate ties each rank to the candidate's position
// in the cid_rev ordering, which is why the query sorts by cid_rev.
func randID(cidRev string, rng *rand.Rand) int64 {
	b := []byte(cidRev)
	rng.Shuffle(len(b), func(i, j int) {
		b[i], b[j] = b[j], b[i]
	})
	return int64(xxhash.Sum64(b))
}
