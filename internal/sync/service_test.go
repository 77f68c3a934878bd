package sync_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skimmer/internal/blob"
	"skimmer/internal/fetch"
	"skimmer/internal/model"
	"skimmer/internal/remote"
	"skimmer/internal/repository"
	"skimmer/internal/repository/testutil"
	syncsvc "skimmer/internal/sync"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type fixture struct {
	conn      *sql.DB
	feeds     repository.FeedRepository
	items     repository.ItemRepository
	readMarks repository.ReadMarkRepository
	service   *syncsvc.Service
	blobs     *blob.Store
}

func newFixture(t *testing.T, maxItemsPerFeed int, transport roundTripperFunc) *fixture {
	return newRemoteFixture(t, maxItemsPerFeed, transport, nil)
}

// newRemoteFixture wires an optional peer client; both the feed fetcher
// and the peer share the fake transport.
func newRemoteFixture(t *testing.T, maxItemsPerFeed int, transport roundTripperFunc, remoteClient *remote.Client) *fixture {
	conn := testutil.NewTestDB(t)
	feeds := repository.NewFeedRepository(conn)
	items := repository.NewItemRepository(conn)
	readMarks := repository.NewReadMarkRepository(conn)
	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	client := fetch.NewClient(&http.Client{Transport: transport})
	service := syncsvc.NewService(feeds, items, readMarks, blobs, client, remoteClient, nil, maxItemsPerFeed, 2)

	return &fixture{conn: conn, feeds: feeds, items: items, readMarks: readMarks, service: service, blobs: blobs}
}

// rewindLastSync ages a feed out of the staleness window.
func (f *fixture) rewindLastSync(t *testing.T, feedID int64, ago time.Duration) {
	t.Helper()
	stamp := time.Now().Add(-ago).UTC().Format(time.RFC3339)
	_, err := f.conn.Exec(`UPDATE feeds SET last_sync = ? WHERE id = ?`, stamp, feedID)
	require.NoError(t, err)
}

func atomFeed(entries int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom"><title>Feed</title>` + "\n")
	for i := 0; i < entries; i++ {
		updated := time.Now().UTC().Add(-time.Duration(i) * time.Hour).Format(time.RFC3339)
		fmt.Fprintf(&b, `<entry><id>entry-%d</id><title>Entry %d</title>`+
			`<link href="https://example.com/posts/%d"/>`+
			`<updated>%s</updated>`+
			`<content type="html">Body of entry %d</content></entry>`+"\n",
			i, i, i, updated, i)
	}
	b.WriteString(`</feed>`)
	return b.String()
}

func feedTransport(body string, hits *atomic.Int64) roundTripperFunc {
	return func(req *http.Request) (*http.Response, error) {
		if hits != nil {
			hits.Add(1)
		}
		header := make(http.Header)
		header.Set("Content-Type", "application/atom+xml")
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func seedSynced(t *testing.T, f *fixture, url string, ago time.Duration) int64 {
	lastSync := time.Now().Add(-ago)
	image := "https://example.com/icon.png"
	return testutil.SeedFeed(t, f.conn, model.Feed{
		Title:    url,
		URL:      url,
		LastSync: &lastSync,
		ImageURL: &image,
	})
}

func TestSyncFeeds_IdempotentAcrossPasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, feedTransport(atomFeed(15), nil))
	feedID := seedSynced(t, f, "https://example.com/feed.atom", 2*time.Hour)

	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: time.Minute}))

	stored, err := f.items.ListByFeed(ctx, feedID)
	require.NoError(t, err)
	require.Len(t, stored, 15)

	f.rewindLastSync(t, feedID, 2*time.Hour)
	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: time.Minute}))

	stored, err = f.items.ListByFeed(ctx, feedID)
	require.NoError(t, err)
	require.Len(t, stored, 15, "a second pass over the same content must not duplicate items")
}

func TestSyncFeeds_StampsLastSyncAndClearsSyncingFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, feedTransport(atomFeed(1), nil))
	feedID := seedSynced(t, f, "https://example.com/feed.atom", 2*time.Hour)

	before := time.Now().Add(-time.Minute)
	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: time.Minute}))

	feed, err := f.feeds.GetByID(ctx, feedID)
	require.NoError(t, err)
	require.False(t, feed.CurrentlySyncing)
	require.NotNil(t, feed.LastSync)
	require.True(t, feed.LastSync.After(before))
}

func TestSyncFeeds_FreshFeedSkipped(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int64
	f := newFixture(t, 100, feedTransport(atomFeed(1), &hits))
	seedSynced(t, f, "https://example.com/feed.atom", 30*time.Second)

	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: 10 * time.Minute}))
	require.Zero(t, hits.Load())
}

func TestSyncFeeds_ForceShrinksStalenessWindow(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int64
	f := newFixture(t, 100, feedTransport(atomFeed(1), &hits))
	seedSynced(t, f, "https://example.com/feed.atom", 2*time.Minute)

	// Without force, a 10-minute window skips a feed synced 2 minutes ago.
	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: 10 * time.Minute}))
	require.Zero(t, hits.Load())

	// Force drops the window to one minute.
	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: 10 * time.Minute, ForceNetwork: true}))
	require.Equal(t, int64(1), hits.Load())
}

func TestSyncFeeds_RetryAfterSuppressesHost(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int64
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		hits.Add(1)
		header := make(http.Header)
		header.Set("Retry-After", "30")
		// An explicit cache policy keeps the negative cache out of this test.
		header.Set("Cache-Control", "no-store")
		return &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Status:     "429 Too Many Requests",
			Header:     header,
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	})

	f := newFixture(t, 100, transport)
	failingID := seedSynced(t, f, "https://example.com/a.xml", 2*time.Hour)
	siblingID := seedSynced(t, f, "https://www.example.com/b.xml", 10*time.Second)

	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: time.Minute}))
	require.Equal(t, int64(1), hits.Load())

	for _, id := range []int64{failingID, siblingID} {
		feed, err := f.feeds.GetByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, feed.RetryAfter, "feed %d should carry the host cooldown", id)
	}

	// Both feeds stale again, but the cooldown holds: no network traffic.
	f.rewindLastSync(t, failingID, 2*time.Hour)
	f.rewindLastSync(t, siblingID, 2*time.Hour)
	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: time.Minute}))
	require.Equal(t, int64(1), hits.Load())
}

func TestSyncFeeds_PruneKeepsCapAndBookmarks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, feedTransport(atomFeed(2), nil))
	feedID := seedSynced(t, f, "https://example.com/feed.atom", 2*time.Hour)

	var bookmarkedID int64
	for i := 0; i < 5; i++ {
		sort := time.Now().Add(-time.Duration(24+i) * time.Hour)
		id := testutil.SeedItem(t, f.conn, model.FeedItem{
			FeedID:          feedID,
			GUID:            fmt.Sprintf("old-%d", i),
			PrimarySortTime: sort,
			Bookmarked:      i == 4,
		})
		if i == 4 {
			bookmarkedID = id
		}
	}

	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: time.Minute}))

	stored, err := f.items.ListByFeed(ctx, feedID)
	require.NoError(t, err)

	// Cap is max(3, batch of 2) = 3 non-bookmarked items; the bookmarked one
	// is exempt on top.
	require.Len(t, stored, 4)

	kept := make(map[string]bool, len(stored))
	var sawBookmarked bool
	for _, item := range stored {
		kept[item.GUID] = true
		if item.ID == bookmarkedID {
			sawBookmarked = true
		}
	}
	require.True(t, sawBookmarked, "bookmarked items are never pruned")
	require.True(t, kept["entry-0"] && kept["entry-1"], "freshly synced items outrank stale ones")
}

func TestSyncFeeds_ScopeLimitsToSingleFeed(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int64
	f := newFixture(t, 100, feedTransport(atomFeed(1), &hits))
	targetID := seedSynced(t, f, "https://example.com/a.xml", 2*time.Hour)
	seedSynced(t, f, "https://example.com/b.xml", 2*time.Hour)

	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{FeedID: &targetID, MinFeedAge: time.Minute}))
	require.Equal(t, int64(1), hits.Load())
}

// peerTransport fakes the peer sync service: empty collections on GET,
// acceptance on POST. Read-mark posts are captured for inspection.
func peerTransport(readPosts *[][]remote.RemoteReadMark, failReads *atomic.Bool) roundTripperFunc {
	return func(req *http.Request) (*http.Response, error) {
		header := make(http.Header)
		header.Set("Content-Type", "application/json")
		status := http.StatusOK
		body := "[]"
		if req.Method == http.MethodPost {
			body = ""
			if req.URL.Path == "/api/read" {
				if failReads != nil && failReads.Load() {
					status = http.StatusInternalServerError
				} else if readPosts != nil {
					var marks []remote.RemoteReadMark
					data, _ := io.ReadAll(req.Body)
					if err := json.Unmarshal(data, &marks); err == nil {
						*readPosts = append(*readPosts, marks)
					}
				}
			}
		}
		return &http.Response{
			StatusCode: status,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func TestSyncFeeds_RetiresReadMarkForAlreadyReadItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, feedTransport(atomFeed(1), nil))
	feedID := seedSynced(t, f, "https://example.com/feed.atom", 10*time.Second)

	readAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	itemID := testutil.SeedItem(t, f.conn, model.FeedItem{FeedID: feedID, GUID: "g1", ReadTime: &readAt})

	// The same item was read on another device too.
	require.NoError(t, f.readMarks.Upsert(ctx, model.ReadMark{
		FeedURL:  "https://example.com/feed.atom",
		ItemGUID: "g1",
		MarkedAt: time.Now().UTC(),
	}))

	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: 10 * time.Minute}))

	// The mark is consumed instead of being replayed on every pass, and
	// the earlier local read time stands.
	remaining, err := f.readMarks.List(ctx)
	require.NoError(t, err)
	require.Empty(t, remaining)

	item, err := f.items.GetByID(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, readAt, *item.ReadTime)
}

func TestSyncFeeds_PushesQueuedReadsToPeer(t *testing.T) {
	ctx := context.Background()
	var readPosts [][]remote.RemoteReadMark
	transport := peerTransport(&readPosts, nil)
	peer := remote.New("https://peer.example", "", &http.Client{Transport: transport})
	f := newRemoteFixture(t, 100, transport, peer)

	feedID := seedSynced(t, f, "https://example.com/feed.atom", 10*time.Second)
	itemID := testutil.SeedItem(t, f.conn, model.FeedItem{FeedID: feedID, GUID: "g1"})
	require.NoError(t, f.items.MarkRead(ctx, itemID, time.Now().UTC()))

	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: 10 * time.Minute}))

	require.Len(t, readPosts, 1)
	require.Len(t, readPosts[0], 1)
	require.Equal(t, "g1", readPosts[0][0].ItemGUID)
	require.Equal(t, "https://example.com/feed.atom", readPosts[0][0].FeedURL)

	// Acknowledged: a second pass has nothing to push.
	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: 10 * time.Minute}))
	require.Len(t, readPosts, 1)
}

func TestSyncFeeds_ReplaysReadPushAfterPeerOutage(t *testing.T) {
	ctx := context.Background()
	var readPosts [][]remote.RemoteReadMark
	var failReads atomic.Bool
	failReads.Store(true)
	transport := peerTransport(&readPosts, &failReads)
	peer := remote.New("https://peer.example", "", &http.Client{Transport: transport})
	f := newRemoteFixture(t, 100, transport, peer)

	feedID := seedSynced(t, f, "https://example.com/feed.atom", 10*time.Second)
	itemID := testutil.SeedItem(t, f.conn, model.FeedItem{FeedID: feedID, GUID: "g1"})
	require.NoError(t, f.items.MarkRead(ctx, itemID, time.Now().UTC()))

	// Peer down: the mark survives the pass.
	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: 10 * time.Minute}))
	pending, err := f.items.ListUnpushedRead(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Peer back: the next pass delivers it.
	failReads.Store(false)
	require.True(t, f.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: 10 * time.Minute}))
	require.Len(t, readPosts, 1)
	require.Equal(t, "g1", readPosts[0][0].ItemGUID)

	pending, err = f.items.ListUnpushedRead(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

const articlePage = `<html><head><title>An Article</title></head><body><article>
<h1>An Article</h1>
<p>The quick brown fox jumps over the lazy dog while the river keeps moving
past the old mill, carrying leaves and the occasional paper boat downstream
toward the weir at the edge of town where children gather in summer.</p>
<p>Second paragraph with enough prose to satisfy any extractor: a long
meandering description of the valley, its orchards, the gravel road that
climbs toward the ridge, and the slow progress of the afternoon light.</p>
<p>Third paragraph closing the piece with a short reflection on rivers,
roads and the people who walk beside them on quiet evenings.</p>
</article></body></html>`

func TestFullTextPass_ExtractsAndFlagsItems(t *testing.T) {
	ctx := context.Background()
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		header := make(http.Header)
		header.Set("Content-Type", "text/html; charset=utf-8")
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader(articlePage)),
		}, nil
	})

	f := newFixture(t, 100, transport)
	feedID := testutil.SeedFeed(t, f.conn, model.Feed{
		Title:             "Feed",
		URL:               "https://example.com/feed.atom",
		FullTextByDefault: true,
	})
	link := "https://example.com/posts/1"
	itemID := testutil.SeedItem(t, f.conn, model.FeedItem{FeedID: feedID, GUID: "g1", Link: &link})

	f.service.FullTextPass(ctx, "test")

	item, err := f.items.GetByID(ctx, itemID)
	require.NoError(t, err)
	require.True(t, item.FullTextDownloaded)
	require.NotNil(t, item.FullWordCount)
	require.Greater(t, *item.FullWordCount, 50)

	content, err := f.blobs.ReadFullText(itemID)
	require.NoError(t, err)
	require.Contains(t, content, "quick brown fox")
}

func TestFullTextPass_FailedExtractionStillFlagged(t *testing.T) {
	ctx := context.Background()
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		header := make(http.Header)
		header.Set("Cache-Control", "no-store")
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Status:     "404 Not Found",
			Header:     header,
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	})

	f := newFixture(t, 100, transport)
	feedID := testutil.SeedFeed(t, f.conn, model.Feed{
		Title:             "Feed",
		URL:               "https://example.com/feed.atom",
		FullTextByDefault: true,
	})
	link := "https://example.com/posts/dead"
	itemID := testutil.SeedItem(t, f.conn, model.FeedItem{FeedID: feedID, GUID: "g1", Link: &link})

	f.service.FullTextPass(ctx, "test")

	item, err := f.items.GetByID(ctx, itemID)
	require.NoError(t, err)
	require.True(t, item.FullTextDownloaded, "failed attempts must not be retried forever")
	require.Nil(t, item.FullWordCount)
}
