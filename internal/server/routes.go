package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chaosfeed/chaosfeed/internal/feed"
)

// chaosSuffix on the requested feed URI selects the variant that mixes
// reposts into the deal.
const chaosSuffix = "chaos"

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleIndex)
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/did.json", s.handleDIDDocument)
	s.echo.GET("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	s.echo.GET("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
}

// handleIndex is a liveness page for humans poking at the hostname.
func (s *Server) handleIndex(c echo.Context) error {
	return c.String(http.StatusOK, "Chaos Feed Generator: randomized feeds for Bluesky.")
}

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.1.0",
	})
}

// handleDIDDocument serves the did:web identity document that binds the
// service DID to this hostname.
func (s *Server) handleDIDDocument(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID(),
		"service": []map[string]string{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": "https://" + s.cfg.Hostname,
			},
		},
	})
}

// handleDescribeFeedGenerator lists the feeds this service publishes.
func (s *Server) handleDescribeFeedGenerator(c echo.Context) error {
	feeds := make([]map[string]string, 0, len(s.cfg.Feeds))
	for _, f := range s.cfg.Feeds {
		feeds = append(feeds, map[string]string{"uri": f.URI})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"did":   s.cfg.ServiceDID(),
		"feeds": feeds,
	})
}

// handleGetFeedSkeleton materializes one feed page for the
// authenticated reader.
func (s *Server) handleGetFeedSkeleton(c echo.Context) error {
	ctx := c.Request().Context()
	includeReposts := strings.HasSuffix(c.QueryParam("feed"), chaosSuffix)

	token := extractBearer(c)
	if token == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authorization header with Bearer token is required",
		})
	}
	did, err := s.verifier.VerifyServiceAuth(ctx, token)
	if err != nil {
		log.Printf("server: rejected service token: %v", err)
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "InvalidToken",
			"message": "Invalid service token",
		})
	}

	cursor := c.QueryParam("cursor")
	cursorRand, err := feed.ParseCursor(cursor, did)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": err.Error(),
		})
	}

	limit := feed.DefaultLimit
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "limit must be a positive integer",
			})
		}
	}
	if limit > feed.MaxLimit {
		limit = feed.MaxLimit
	}

	// Backfill the reader's follow graph on first contact. A failed
	// backfill still serves whatever the firehose has picked up.
	hasFollows, err := s.store.HasFollows(ctx, did)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to load follow graph",
		})
	}
	if !hasFollows {
		log.Printf("server: priming follows for %s", did)
		if err := s.primer.Prime(ctx, did); err != nil {
			log.Printf("server: priming follows for %s failed: %v", did, err)
		}
	}

	// No cursor plus an oversized page means the client is doing a full
	// refresh; advance the seed so the whole deck reshuffles.
	seed := s.seeds.Current(did)
	if cursor == "" && limit > feed.DefaultLimit {
		seed = s.seeds.Bump(did)
	}

	cands, err := s.store.CandidatePosts(ctx, did, includeReposts)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to load feed candidates",
		})
	}

	return c.JSON(http.StatusOK, feed.BuildPage(cands, seed, cursorRand, limit, did))
}
