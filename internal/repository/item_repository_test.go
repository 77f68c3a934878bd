package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skimmer/internal/model"
	"skimmer/internal/repository"
	"skimmer/internal/repository/testutil"
)

func str(s string) *string { return &s }

func TestItemRepository_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})

	pub := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	inserted, err := items.Insert(ctx, model.FeedItem{
		FeedID:          feedID,
		GUID:            "g1",
		Title:           str("Hello"),
		Snippet:         str("snippet"),
		Link:            str("https://f.example/1"),
		PubDate:         &pub,
		PrimarySortTime: pub,
		WordCount:       12,
	})
	require.NoError(t, err)
	require.NotZero(t, inserted.ID)

	got, err := items.GetByID(ctx, inserted.ID)
	require.NoError(t, err)
	require.Equal(t, "g1", got.GUID)
	require.Equal(t, "Hello", *got.Title)
	require.Equal(t, pub, *got.PubDate)
	require.Equal(t, pub, got.PrimarySortTime)
	require.Equal(t, 12, got.WordCount)
	require.False(t, got.Read())
	require.False(t, got.FullTextDownloaded)
}

func TestItemRepository_FindByGUID(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})
	testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "g1"})

	found, err := items.FindByGUID(ctx, feedID, "g1")
	require.NoError(t, err)
	require.NotNil(t, found)

	missing, err := items.FindByGUID(ctx, feedID, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestItemRepository_UpdateLeavesReaderStateAlone(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})

	readAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	id := testutil.SeedItem(t, conn, model.FeedItem{
		FeedID:     feedID,
		GUID:       "g1",
		Title:      str("Before"),
		ReadTime:   &readAt,
		Bookmarked: true,
	})

	item, err := items.GetByID(ctx, id)
	require.NoError(t, err)
	item.Title = str("After")
	require.NoError(t, items.Update(ctx, item))

	got, err := items.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "After", *got.Title)
	require.True(t, got.Read(), "read state is reader-owned")
	require.True(t, got.Bookmarked, "bookmark state is reader-owned")
}

func TestItemRepository_ExistsByTitleLink(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})

	testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "g1", Title: str("Story"), Link: str("https://f.example/1")})
	testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "g2", Title: str("No link")})

	exists, err := items.ExistsByTitleLink(ctx, str("Story"), str("https://f.example/1"))
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = items.ExistsByTitleLink(ctx, str("Story"), str("https://f.example/other"))
	require.NoError(t, err)
	require.False(t, exists)

	// NULL link pairs still compare.
	exists, err = items.ExistsByTitleLink(ctx, str("No link"), nil)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestItemRepository_ListPruneCandidates(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})

	now := time.Now().UTC()
	var oldest int64
	for i := 0; i < 5; i++ {
		id := testutil.SeedItem(t, conn, model.FeedItem{
			FeedID:          feedID,
			GUID:            fmt.Sprintf("g%d", i),
			PrimarySortTime: now.Add(-time.Duration(i) * time.Hour),
			Bookmarked:      i == 3,
		})
		if i == 4 {
			oldest = id
		}
	}

	// Cap of 3 over 4 non-bookmarked items leaves one candidate: the oldest.
	ids, err := items.ListPruneCandidates(ctx, feedID, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{oldest}, ids)

	// A cap beyond the population yields nothing.
	ids, err = items.ListPruneCandidates(ctx, feedID, 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestItemRepository_DeleteByIDs(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})

	a := testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "a"})
	b := testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "b"})

	require.NoError(t, items.DeleteByIDs(ctx, nil))
	require.NoError(t, items.DeleteByIDs(ctx, []int64{a, b}))

	remaining, err := items.ListByFeed(ctx, feedID)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestItemRepository_ListPendingFullText(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)

	fullTextFeed := testutil.SeedFeed(t, conn, model.Feed{Title: "ft", URL: "https://ft.example", FullTextByDefault: true})
	plainFeed := testutil.SeedFeed(t, conn, model.Feed{Title: "plain", URL: "https://plain.example"})

	pendingID := testutil.SeedItem(t, conn, model.FeedItem{FeedID: fullTextFeed, GUID: "pending"})
	testutil.SeedItem(t, conn, model.FeedItem{FeedID: fullTextFeed, GUID: "done", FullTextDownloaded: true})
	testutil.SeedItem(t, conn, model.FeedItem{FeedID: plainFeed, GUID: "other"})

	pending, err := items.ListPendingFullText(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, pendingID, pending[0].ID)
}

func TestItemRepository_SetFullTextResult(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})
	id := testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "g1"})

	count := 250
	require.NoError(t, items.SetFullTextResult(ctx, id, &count))

	got, err := items.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, got.FullTextDownloaded)
	require.Equal(t, 250, *got.FullWordCount)

	// A nil result flags the attempt but keeps the previous count.
	require.NoError(t, items.SetFullTextResult(ctx, id, nil))
	got, err = items.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 250, *got.FullWordCount)
}

func TestItemRepository_MarkReadByGUID(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})
	id := testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "g1"})

	at := time.Now().UTC().Truncate(time.Millisecond)

	matched, err := items.MarkReadByGUID(ctx, "https://f.example", "g1", at)
	require.NoError(t, err)
	require.True(t, matched)

	got, err := items.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Read())
	require.Equal(t, at, *got.ReadTime)

	// Already read: still matched so the mark can be retired, but the
	// original read time wins.
	matched, err = items.MarkReadByGUID(ctx, "https://f.example", "g1", at.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, matched)

	got, err = items.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, at, *got.ReadTime)

	// Unknown guid: stays pending.
	matched, err = items.MarkReadByGUID(ctx, "https://f.example", "unknown", at)
	require.NoError(t, err)
	require.False(t, matched)

	// A remote-origin read is already known to the peer; nothing queues.
	pending, err := items.ListUnpushedRead(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestItemRepository_ReadPushQueue(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})
	id := testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "g1"})

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, items.MarkRead(ctx, id, at))

	got, err := items.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, at, *got.ReadTime)

	pending, err := items.ListUnpushedRead(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ItemID)
	require.Equal(t, "https://f.example", pending[0].FeedURL)
	require.Equal(t, "g1", pending[0].ItemGUID)
	require.Equal(t, at, pending[0].ReadTime)

	// Re-reading an already read item keeps the first read time.
	require.NoError(t, items.MarkRead(ctx, id, at.Add(time.Hour)))
	got, err = items.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, at, *got.ReadTime)

	require.NoError(t, items.MarkReadPushed(ctx, []int64{id}))
	pending, err = items.ListUnpushedRead(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// Empty id set is a no-op.
	require.NoError(t, items.MarkReadPushed(ctx, nil))
}

func TestItemRepository_UpdateBookmarked(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	items := repository.NewItemRepository(conn)
	feedID := testutil.SeedFeed(t, conn, model.Feed{Title: "f", URL: "https://f.example"})
	id := testutil.SeedItem(t, conn, model.FeedItem{FeedID: feedID, GUID: "g1"})

	require.NoError(t, items.UpdateBookmarked(ctx, id, true))
	got, err := items.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Bookmarked)
}

func TestReadMarkRepository_UpsertListDelete(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewTestDB(t)
	marks := repository.NewReadMarkRepository(conn)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, marks.Upsert(ctx, model.ReadMark{FeedURL: "https://f.example", ItemGUID: "g1", MarkedAt: at}))
	// Re-delivery of the same mark does not add a row.
	require.NoError(t, marks.Upsert(ctx, model.ReadMark{FeedURL: "https://f.example", ItemGUID: "g1", MarkedAt: at.Add(time.Minute)}))

	listed, err := marks.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, at.Add(time.Minute), listed[0].MarkedAt)

	require.NoError(t, marks.Delete(ctx, listed[0].ID))
	listed, err = marks.List(ctx)
	require.NoError(t, err)
	require.Empty(t, listed)
}
