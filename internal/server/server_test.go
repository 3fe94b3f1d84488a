package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chaosfeed/chaosfeed/internal/config"
	"github.com/chaosfeed/chaosfeed/internal/database"
)

const testReaderDID = "did:plc:reader"

type fakeVerifier struct {
	did string
}

func (v *fakeVerifier) VerifyServiceAuth(ctx context.Context, token string) (string, error) {
	if token != "good-token" {
		return "", fmt.Errorf("bad token")
	}
	return v.did, nil
}

type fakePrimer struct {
	primed []string
}

func (p *fakePrimer) Prime(ctx context.Context, did string) error {
	p.primed = append(p.primed, did)
	return nil
}

type fakeStore struct {
	hasFollows bool
	cands      []database.CandidatePost

	lastIncludeReposts bool
}

func (s *fakeStore) HasFollows(ctx context.Context, did string) (bool, error) {
	return s.hasFollows, nil
}

func (s *fakeStore) CandidatePosts(ctx context.Context, follower string, includeReposts bool) ([]database.CandidatePost, error) {
	s.lastIncludeReposts = includeReposts
	return s.cands, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Hostname:   "feed.example.com",
		ListenAddr: ":5000",
		Feeds: map[string]config.Feed{
			"shuffle": {RecordName: "shuffle", URI: "at://did:plc:bot/app.bsky.feed.generator/shuffle"},
			"chaos":   {RecordName: "chaos", URI: "at://did:plc:bot/app.bsky.feed.generator/chaos"},
		},
	}
}

func newTestServer(store *fakeStore, primer *fakePrimer) *Server {
	return New(testConfig(), store, &fakeVerifier{did: testReaderDID}, primer)
}

func get(s *Server, path string, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestDIDDocument(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakePrimer{})
	rec := get(s, "/.well-known/did.json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Context []string `json:"@context"`
		ID      string   `json:"id"`
		Service []struct {
			ID              string `json:"id"`
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		} `json:"service"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, []string{"https://www.w3.org/ns/did/v1"}, doc.Context)
	require.Equal(t, "did:web:feed.example.com", doc.ID)
	require.Len(t, doc.Service, 1)
	require.Equal(t, "#bsky_fg", doc.Service[0].ID)
	require.Equal(t, "BskyFeedGenerator", doc.Service[0].Type)
	require.Equal(t, "https://feed.example.com", doc.Service[0].ServiceEndpoint)
}

func TestDescribeFeedGenerator(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakePrimer{})
	rec := get(s, "/xrpc/app.bsky.feed.describeFeedGenerator", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Did   string `json:"did"`
		Feeds []struct {
			URI string `json:"uri"`
		} `json:"feeds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "did:web:feed.example.com", body.Did)
	require.Len(t, body.Feeds, 2)
}

func TestGetFeedSkeletonAuth(t *testing.T) {
	s := newTestServer(&fakeStore{hasFollows: true}, &fakePrimer{})

	rec := get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=x", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=x", "Basic abc")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=x", "Bearer forged")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetFeedSkeletonBadRequests(t *testing.T) {
	s := newTestServer(&fakeStore{hasFollows: true}, &fakePrimer{})

	rec := get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=x&cursor=garbage", "Bearer good-token")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=x&cursor=12::did:plc:other", "Bearer good-token")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=x&limit=zero", "Bearer good-token")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=x&limit=-5", "Bearer good-token")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetFeedSkeletonPage(t *testing.T) {
	store := &fakeStore{
		hasFollows: true,
		cands: []database.CandidatePost{
			{URI: "at://did:plc:a/app.bsky.feed.post/1", CidRev: "1yfab"},
			{URI: "at://did:plc:a/app.bsky.feed.post/2", CidRev: "2yfab"},
			{URI: "at://did:plc:a/app.bsky.feed.post/3", CidRev: "3yfab"},
		},
	}
	primer := &fakePrimer{}
	s := newTestServer(store, primer)

	rec := get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=at://x/shuffle", "Bearer good-token")
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Cursor string `json:"cursor"`
		Feed   []struct {
			Post string `json:"post"`
		} `json:"feed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Feed, 3)
	require.Contains(t, page.Cursor, "::"+testReaderDID)
	require.False(t, store.lastIncludeReposts)
	require.Empty(t, primer.primed, "primed reader should not be re-primed")
}

func TestGetFeedSkeletonChaosVariant(t *testing.T) {
	store := &fakeStore{hasFollows: true}
	s := newTestServer(store, &fakePrimer{})

	rec := get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=at://x/app.bsky.feed.generator/chaos", "Bearer good-token")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, store.lastIncludeReposts)
}

func TestGetFeedSkeletonPrimesNewReader(t *testing.T) {
	primer := &fakePrimer{}
	s := newTestServer(&fakeStore{hasFollows: false}, primer)

	rec := get(s, "/xrpc/app.bsky.feed.getFeedSkeleton?feed=x", "Bearer good-token")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{testReaderDID}, primer.primed)
}

func TestGetFeedSkeletonRefreshReshuffles(t *testing.T) {
	store := &fakeStore{hasFollows: true}
	for i := 0; i < 40; i++ {
		store.cands = append(store.cands, database.CandidatePost{
			URI:    fmt.Sprintf("at://did:plc:a/app.bsky.feed.post/%03d", i),
			CidRev: fmt.Sprintf("ver%03dyfab", i),
		})
	}
	s := newTestServer(store, &fakePrimer{})

	fetch := func(limit int) []string {
		rec := get(s, fmt.Sprintf("/xrpc/app.bsky.feed.getFeedSkeleton?feed=x&limit=%d", limit), "Bearer good-token")
		require.Equal(t, http.StatusOK, rec.Code)
		var page struct {
			Feed []struct {
				Post string `json:"post"`
			} `json:"feed"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		uris := make([]string, 0, len(page.Feed))
		for _, item := range page.Feed {
			uris = append(uris, item.Post)
		}
		return uris
	}

	// Default-sized requests replay the same permutation.
	require.Equal(t, fetch(20), fetch(20))

	// A cursorless oversized request bumps the seed and reorders.
	before := fetch(20)
	after := fetch(40)[:20]
	require.NotEqual(t, before, after)
}
