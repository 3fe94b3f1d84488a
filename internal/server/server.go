// Package server provides the HTTP server for the feed generator,
// built on Echo v4. It hosts the feed generator XRPC endpoints and the
// did:web identity document.
package server

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chaosfeed/chaosfeed/internal/config"
	"github.com/chaosfeed/chaosfeed/internal/database"
	"github.com/chaosfeed/chaosfeed/internal/feed"
)

// Verifier validates a service JWT and returns the issuer DID.
type Verifier interface {
	VerifyServiceAuth(ctx context.Context, token string) (string, error)
}

// Primer backfills a reader's follow graph on first contact.
type Primer interface {
	Prime(ctx context.Context, did string) error
}

// FeedStore is the slice of the database the serving path needs.
type FeedStore interface {
	HasFollows(ctx context.Context, did string) (bool, error)
	CandidatePosts(ctx context.Context, follower string, includeReposts bool) ([]database.CandidatePost, error)
}

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	store    FeedStore
	seeds    *feed.Seeds
	verifier Verifier
	primer   Primer
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, store FeedStore, verifier Verifier, primer Primer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		store:    store,
		seeds:    feed.NewSeeds(),
		verifier: verifier,
		primer:   primer,
	}

	s.registerRoutes()
	return s
}

// extractBearer extracts the Bearer token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		return s.echo.Shutdown(context.Background())
	}
}
