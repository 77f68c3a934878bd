// Package testutil provides an in-memory sqlite database with the full
// schema applied, plus seeding helpers for repository and service tests.
package testutil

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"skimmer/internal/db"
	"skimmer/internal/model"
	"skimmer/internal/snowflake"
)

// Matches the storage layer's fixed-width millisecond timestamp format.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var dbSeq atomic.Int64

func init() {
	// Node id is arbitrary in tests; Init is idempotent enough for reuse.
	_ = snowflake.Init(1)
}

// NewTestDB opens an isolated in-memory database with migrations applied.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// A named memory db keeps each test isolated while allowing the single
	// pooled connection to see one coherent database.
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", dbSeq.Add(1))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// A single connection keeps the shared-cache memory db alive and avoids
	// table-lock flakiness across goroutines.
	conn.SetMaxOpenConns(1)
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SeedFeed inserts a feed row and returns its id.
func SeedFeed(t *testing.T, conn *sql.DB, feed model.Feed) int64 {
	t.Helper()

	if feed.ID == 0 {
		feed.ID = snowflake.NextID()
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := conn.Exec(
		`INSERT INTO feeds (id, title, url, tag, image_url, last_sync, retry_after, alternate_id, skip_duplicates, full_text_by_default, currently_syncing, site_fetched, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feed.ID,
		feed.Title,
		feed.URL,
		nullString(feed.Tag),
		nullString(feed.ImageURL),
		nullTime(feed.LastSync),
		nullTime(feed.RetryAfter),
		b2i(feed.AlternateID),
		b2i(feed.SkipDuplicates),
		b2i(feed.FullTextByDefault),
		b2i(feed.CurrentlySyncing),
		nullTime(feed.SiteFetched),
		now,
		now,
	)
	if err != nil {
		t.Fatalf("seed feed: %v", err)
	}
	return feed.ID
}

// SeedItem inserts an item row and returns its id.
func SeedItem(t *testing.T, conn *sql.DB, item model.FeedItem) int64 {
	t.Helper()

	if item.ID == 0 {
		item.ID = snowflake.NextID()
	}
	if item.GUID == "" {
		item.GUID = "guid-" + time.Now().Format("150405.000000000")
	}
	if item.PrimarySortTime.IsZero() {
		item.PrimarySortTime = time.Now().UTC()
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := conn.Exec(
		`INSERT INTO items (id, feed_id, guid, title, snippet, thumbnail_url, author, link, pub_date, primary_sort_time, read_time, bookmarked, word_count, full_word_count, full_text_downloaded, block_time, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.FeedID,
		item.GUID,
		nullString(item.Title),
		nullString(item.Snippet),
		nullString(item.ThumbnailURL),
		nullString(item.Author),
		nullString(item.Link),
		nullTime(item.PubDate),
		item.PrimarySortTime.UTC().Format(timeLayout),
		nullTime(item.ReadTime),
		b2i(item.Bookmarked),
		item.WordCount,
		nullInt(item.FullWordCount),
		b2i(item.FullTextDownloaded),
		nullTime(item.BlockTime),
		now,
		now,
	)
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return item.ID
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
