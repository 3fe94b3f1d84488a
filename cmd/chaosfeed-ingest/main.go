// chaosfeed-ingest consumes the relay firehose and maintains the posts
// and follows tables that feed materialization reads from.
//
// It reads configuration from config.yml in the working directory,
// connects to PostgreSQL, bootstraps the schema, subscribes to the
// relay, and flushes decoded records on a fixed cadence. The process
// exits non-zero when the stream or the database stalls; the supervisor
// is expected to restart it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaosfeed/chaosfeed/internal/config"
	"github.com/chaosfeed/chaosfeed/internal/database"
	"github.com/chaosfeed/chaosfeed/internal/firehose"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("chaosfeed-ingest starting...")

	configPath := flag.String("config", "config.yml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (relay=%s db=%s/%s)", cfg.RelayHost, cfg.DBHost, cfg.DBName)

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

	queue := &firehose.Queue{}
	sub := &firehose.Subscriber{RelayHost: cfg.RelayHost, Queue: queue}
	writer := &firehose.Writer{Store: db, Queue: queue}

	errCh := make(chan error, 2)
	go func() { errCh <- sub.Run(ctx) }()
	go func() { errCh <- writer.Run(ctx) }()

	err = <-errCh
	cancel()
	if err != nil && err != context.Canceled {
		log.Fatalf("Ingest error: %v", err)
	}

	log.Println("chaosfeed-ingest stopped")
}
