package db

import (
	"database/sql"
	"fmt"
)

// Base schema - uses Snowflake IDs (no AUTOINCREMENT)
const baseSchema = `
CREATE TABLE IF NOT EXISTS feeds (
  id INTEGER PRIMARY KEY,
  title TEXT NOT NULL,
  url TEXT NOT NULL UNIQUE,
  tag TEXT,
  image_url TEXT,
  last_sync TEXT,
  retry_after TEXT,
  alternate_id INTEGER NOT NULL DEFAULT 0,
  skip_duplicates INTEGER NOT NULL DEFAULT 0,
  full_text_by_default INTEGER NOT NULL DEFAULT 0,
  currently_syncing INTEGER NOT NULL DEFAULT 0,
  site_fetched TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feeds_tag ON feeds(tag);
CREATE INDEX IF NOT EXISTS idx_feeds_last_sync ON feeds(last_sync);

CREATE TABLE IF NOT EXISTS items (
  id INTEGER PRIMARY KEY,
  feed_id INTEGER NOT NULL,
  guid TEXT NOT NULL,
  title TEXT,
  snippet TEXT,
  thumbnail_url TEXT,
  author TEXT,
  link TEXT,
  pub_date TEXT,
  primary_sort_time TEXT NOT NULL,
  read_time TEXT,
  read_pushed INTEGER NOT NULL DEFAULT 1,
  bookmarked INTEGER NOT NULL DEFAULT 0,
  word_count INTEGER NOT NULL DEFAULT 0,
  full_word_count INTEGER,
  full_text_downloaded INTEGER NOT NULL DEFAULT 0,
  block_time TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY (feed_id) REFERENCES feeds(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_items_feed_guid ON items(feed_id, guid);
CREATE INDEX IF NOT EXISTS idx_items_feed_id ON items(feed_id);
CREATE INDEX IF NOT EXISTS idx_items_sort ON items(feed_id, primary_sort_time DESC, pub_date DESC);
CREATE INDEX IF NOT EXISTS idx_items_title_link ON items(title, link);

CREATE TABLE IF NOT EXISTS read_marks (
  id INTEGER PRIMARY KEY,
  feed_url TEXT NOT NULL,
  item_guid TEXT NOT NULL,
  marked_at TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_read_marks_feed_item ON read_marks(feed_url, item_guid);
`

func Migrate(db *sql.DB) error {
	if _, err := db.Exec(baseSchema); err != nil {
		return fmt.Errorf("migrate base schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func runMigrations(db *sql.DB) error {
	// Migration 1: Add full_word_count for the full-text worker's recomputed metric
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('items') WHERE name = 'full_word_count'
	`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check full_word_count column: %w", err)
	}

	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE items ADD COLUMN full_word_count INTEGER`); err != nil {
			return fmt.Errorf("add full_word_count column: %w", err)
		}
	}

	// Migration 2: Add block_time set by the keyword filter
	err = db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('items') WHERE name = 'block_time'
	`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check block_time column: %w", err)
	}

	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE items ADD COLUMN block_time TEXT`); err != nil {
			return fmt.Errorf("add block_time column: %w", err)
		}
	}

	// Migration 3: Add read_pushed tracking reads not yet delivered to the
	// peer. Existing reads default to delivered so an upgrade does not
	// replay history.
	err = db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('items') WHERE name = 'read_pushed'
	`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check read_pushed column: %w", err)
	}

	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE items ADD COLUMN read_pushed INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("add read_pushed column: %w", err)
		}
	}

	// Indexes are safe to run even if they exist
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_items_full_text ON items(feed_id, full_text_downloaded)`); err != nil {
		return fmt.Errorf("create idx_items_full_text: %w", err)
	}

	return nil
}
