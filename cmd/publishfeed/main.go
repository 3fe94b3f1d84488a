// publishfeed publishes the configured app.bsky.feed.generator records
// under the bot account. Run it once after deploying, and again whenever
// a feed's display name, description, or avatar changes.
package main

import (
	"bytes"
	"context"
	"flag"
	"log"
	"os"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/chaosfeed/chaosfeed/internal/config"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	configPath := flag.String("config", "config.yml", "path to config file")
	pdsHost := flag.String("pds", "https://bsky.social", "PDS to log in against")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Handle == "" || cfg.Password == "" {
		log.Fatalf("handle and password are required to publish feeds")
	}

	ctx := context.Background()
	client := &xrpc.Client{Host: *pdsHost}

	session, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: cfg.Handle,
		Password:   cfg.Password,
	})
	if err != nil {
		log.Fatalf("Failed to log in as %s: %v", cfg.Handle, err)
	}
	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Did:        session.Did,
		Handle:     session.Handle,
	}
	log.Printf("Logged in as %s (%s)", session.Handle, session.Did)

	for key, f := range cfg.Feeds {
		var avatar *lexutil.LexBlob
		if f.AvatarPath != "" {
			data, err := os.ReadFile(f.AvatarPath)
			if err != nil {
				log.Fatalf("Failed to read avatar for feed %q: %v", key, err)
			}
			uploaded, err := comatproto.RepoUploadBlob(ctx, client, bytes.NewReader(data))
			if err != nil {
				log.Fatalf("Failed to upload avatar for feed %q: %v", key, err)
			}
			avatar = uploaded.Blob
		}

		displayName := f.DisplayName
		if displayName == "" {
			displayName = f.RecordName
		}
		description := f.Description

		record := &bsky.FeedGenerator{
			Did:         cfg.ServiceDID(),
			DisplayName: displayName,
			Description: &description,
			Avatar:      avatar,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}

		resp, err := comatproto.RepoPutRecord(ctx, client, &comatproto.RepoPutRecord_Input{
			Repo:       session.Did,
			Collection: "app.bsky.feed.generator",
			Rkey:       f.RecordName,
			Record:     &lexutil.LexiconTypeDecoder{Val: record},
		})
		if err != nil {
			log.Fatalf("Failed to publish feed %q: %v", key, err)
		}
		log.Printf("Published feed %q: %s", key, resp.Uri)
	}
}
