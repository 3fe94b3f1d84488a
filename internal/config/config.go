// Package config handles loading and validating the application
// configuration from a config.yml file.
//
// The same file is shared by the ingestion process, the serving process,
// and the publishfeed CLI; each reads only the fields it needs.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Feed describes one feed generator record served by this instance.
type Feed struct {
	// RecordName is the record key under app.bsky.feed.generator.
	RecordName string `yaml:"record_name"`

	// DisplayName is shown in clients browsing the feed.
	DisplayName string `yaml:"display_name"`

	// Description is shown in clients browsing the feed.
	Description string `yaml:"description"`

	// AvatarPath is an optional local path to an avatar image uploaded
	// by the publishfeed CLI.
	AvatarPath string `yaml:"avatar_path"`

	// URI is the full at:// URI of the published feed generator record.
	URI string `yaml:"uri"`
}

// Config holds all application configuration loaded from config.yml.
// The file is read once at startup; changes require a restart.
type Config struct {
	// Handle is the bot account handle. Used by the publishfeed CLI only.
	Handle string `yaml:"handle"`

	// Password is the bot account password. Used by the publishfeed CLI only.
	Password string `yaml:"password"`

	// Hostname is the public hostname of the serving process. The
	// service DID is derived from it as did:web:<hostname>.
	Hostname string `yaml:"hostname"`

	// DBHost is the PostgreSQL host:port (default "db:5432").
	DBHost string `yaml:"db_host"`

	// DBName is the PostgreSQL database name (default "bluesky").
	DBName string `yaml:"db_name"`

	// DBUser is the PostgreSQL username (default "postgres").
	DBUser string `yaml:"db_user"`

	// DBPassword is the PostgreSQL password.
	DBPassword string `yaml:"db_password"`

	// ListenAddr is the HTTP listen address of the serving process
	// (default ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// RelayHost is the websocket URL of the upstream relay the ingestion
	// process subscribes to (default "wss://bsky.network").
	RelayHost string `yaml:"relay_host"`

	// Feeds maps a short key to each feed this instance serves.
	Feeds map[string]Feed `yaml:"feeds"`
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.DBHost == "" {
		cfg.DBHost = "db:5432"
	}
	if cfg.DBName == "" {
		cfg.DBName = "bluesky"
	}
	if cfg.DBUser == "" {
		cfg.DBUser = "postgres"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":5000"
	}
	if cfg.RelayHost == "" {
		cfg.RelayHost = "wss://bsky.network"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.Hostname == "":
		return fmt.Errorf("config: hostname is required")
	case c.DBPassword == "":
		return fmt.Errorf("config: db_password is required")
	case len(c.Feeds) == 0:
		return fmt.Errorf("config: at least one feed is required")
	}
	for key, feed := range c.Feeds {
		if feed.RecordName == "" {
			return fmt.Errorf("config: feed %q: record_name is required", key)
		}
		if feed.URI == "" {
			return fmt.Errorf("config: feed %q: uri is required", key)
		}
	}
	return nil
}

// ServiceDID returns the did:web identifier derived from the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPassword),
		c.DBHost,
		url.QueryEscape(c.DBName),
	)
}
