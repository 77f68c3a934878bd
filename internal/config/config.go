package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	AppName    = "Skimmer"
	AppVersion = "1.2.0"
)

// UserAgent identifies the sync engine to feed origins.
var UserAgent = AppName + "/" + AppVersion + " (+https://github.com/skimmer-app/skimmer)"

type Config struct {
	Addr            string
	DBPath          string
	DataDir         string
	LogLevel        string
	SyncInterval    time.Duration
	MinFeedAge      time.Duration
	MaxItemsPerFeed int
	SyncLanes       int
	RemoteURL       string
	RemoteToken     string
}

func Load() Config {
	dataDir := envOr("SKIMMER_DATA_DIR", "./data")
	dbPath := envOr("SKIMMER_DB_PATH", filepath.Join(dataDir, "skimmer.db"))

	return Config{
		Addr:            envOr("SKIMMER_ADDR", ":8080"),
		DBPath:          filepath.Clean(dbPath),
		DataDir:         filepath.Clean(dataDir),
		LogLevel:        envOr("SKIMMER_LOG_LEVEL", "info"),
		SyncInterval:    envDuration("SKIMMER_SYNC_INTERVAL", 15*time.Minute),
		MinFeedAge:      envDuration("SKIMMER_MIN_FEED_AGE", 15*time.Minute),
		MaxItemsPerFeed: envInt("SKIMMER_MAX_ITEMS_PER_FEED", 100),
		SyncLanes:       envInt("SKIMMER_SYNC_LANES", 2),
		RemoteURL:       os.Getenv("SKIMMER_REMOTE_URL"),
		RemoteToken:     os.Getenv("SKIMMER_REMOTE_TOKEN"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
