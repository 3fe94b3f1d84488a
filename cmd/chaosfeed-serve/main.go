// chaosfeed-serve hosts the feed generator HTTP endpoints: the did:web
// identity document, describeFeedGenerator, and getFeedSkeleton.
//
// It reads configuration from config.yml in the working directory and
// shares its database with the chaosfeed-ingest process.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaosfeed/chaosfeed/internal/auth"
	"github.com/chaosfeed/chaosfeed/internal/config"
	"github.com/chaosfeed/chaosfeed/internal/database"
	"github.com/chaosfeed/chaosfeed/internal/feed"
	"github.com/chaosfeed/chaosfeed/internal/server"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("chaosfeed-serve starting...")

	configPath := flag.String("config", "config.yml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s service=%s)", cfg.ListenAddr, cfg.ServiceDID())

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected, schema bootstrapped")

	verifier := auth.NewVerifier(cfg.ServiceDID())
	primer := feed.NewPrimer(db)

	srv := server.New(cfg, db, verifier, primer)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("chaosfeed-serve stopped")
}
