package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"skimmer/internal/model"
	"skimmer/internal/snowflake"
)

type ItemRepository interface {
	GetByID(ctx context.Context, id int64) (model.FeedItem, error)
	// FindByGUID returns nil when no row matches.
	FindByGUID(ctx context.Context, feedID int64, guid string) (*model.FeedItem, error)
	Insert(ctx context.Context, item model.FeedItem) (model.FeedItem, error)
	// Update rewrites the feed-supplied fields of an existing row. ReadTime,
	// Bookmarked, PrimarySortTime and the full-text fields are owned by other
	// operations and left untouched.
	Update(ctx context.Context, item model.FeedItem) error
	// ExistsByTitleLink reports whether any item in the whole store carries
	// the same (title, link) pair. Used by the skip-duplicates guard.
	ExistsByTitleLink(ctx context.Context, title, link *string) (bool, error)
	ListByFeed(ctx context.Context, feedID int64) ([]model.FeedItem, error)
	// ListPruneCandidates returns ids of non-bookmarked items beyond the cap,
	// ranked by (primarySortTime DESC, pubDate DESC).
	ListPruneCandidates(ctx context.Context, feedID int64, cap int) ([]int64, error)
	DeleteByIDs(ctx context.Context, ids []int64) error
	ListTouchedSince(ctx context.Context, feedID int64, since time.Time) ([]model.FeedItem, error)
	UpdateBlockTime(ctx context.Context, id int64, blockTime *time.Time) error
	// ListPendingFullText returns items of full-text-by-default feeds that
	// have not had a download attempt yet.
	ListPendingFullText(ctx context.Context) ([]model.FeedItem, error)
	// SetFullTextResult records a download attempt. The downloaded flag is
	// always set so a failing page is never retried automatically.
	SetFullTextResult(ctx context.Context, id int64, fullWordCount *int) error
	// MarkReadByGUID applies a remote read mark; reports whether a row matched.
	// An already-read row still matches so the caller can retire the mark.
	MarkReadByGUID(ctx context.Context, feedURL, guid string, at time.Time) (bool, error)
	// MarkRead records a local read and queues it for delivery to the peer.
	MarkRead(ctx context.Context, id int64, at time.Time) error
	// ListUnpushedRead returns locally read items the peer has not
	// acknowledged, oldest read first.
	ListUnpushedRead(ctx context.Context) ([]model.OutboundReadMark, error)
	MarkReadPushed(ctx context.Context, ids []int64) error
	UpdateBookmarked(ctx context.Context, id int64, bookmarked bool) error
}

type itemRepository struct {
	db dbtx
}

func NewItemRepository(db dbtx) ItemRepository {
	return &itemRepository{db: db}
}

const itemColumns = `id, feed_id, guid, title, snippet, thumbnail_url, author, link, pub_date, primary_sort_time, read_time, bookmarked, word_count, full_word_count, full_text_downloaded, block_time, created_at, updated_at`

func (r *itemRepository) GetByID(ctx context.Context, id int64) (model.FeedItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	return scanItem(row)
}

func (r *itemRepository) FindByGUID(ctx context.Context, feedID int64, guid string) (*model.FeedItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE feed_id = ? AND guid = ?`, feedID, guid)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find item: %w", err)
	}
	return &item, nil
}

func (r *itemRepository) Insert(ctx context.Context, item model.FeedItem) (model.FeedItem, error) {
	item.ID = snowflake.NextID()
	now := time.Now().UTC()
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.FeedID,
		item.GUID,
		nullableString(item.Title),
		nullableString(item.Snippet),
		nullableString(item.ThumbnailURL),
		nullableString(item.Author),
		nullableString(item.Link),
		nullableTime(item.PubDate),
		formatTime(item.PrimarySortTime),
		nullableTime(item.ReadTime),
		boolInt(item.Bookmarked),
		item.WordCount,
		nullableInt(item.FullWordCount),
		boolInt(item.FullTextDownloaded),
		nullableTime(item.BlockTime),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return model.FeedItem{}, fmt.Errorf("insert item: %w", err)
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	return item, nil
}

func (r *itemRepository) Update(ctx context.Context, item model.FeedItem) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE items SET title = ?, snippet = ?, thumbnail_url = ?, author = ?, link = ?,
		   pub_date = ?, word_count = ?, updated_at = ?
		 WHERE id = ?`,
		nullableString(item.Title),
		nullableString(item.Snippet),
		nullableString(item.ThumbnailURL),
		nullableString(item.Author),
		nullableString(item.Link),
		nullableTime(item.PubDate),
		item.WordCount,
		formatTime(time.Now()),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func (r *itemRepository) ExistsByTitleLink(ctx context.Context, title, link *string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM items WHERE title IS ? AND link IS ?`,
		nullableString(title),
		nullableString(link),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *itemRepository) ListByFeed(ctx context.Context, feedID int64) ([]model.FeedItem, error) {
	return r.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE feed_id = ?
		 ORDER BY primary_sort_time DESC, pub_date DESC`, feedID)
}

func (r *itemRepository) ListPruneCandidates(ctx context.Context, feedID int64, cap int) ([]int64, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id FROM items WHERE feed_id = ? AND bookmarked = 0
		 ORDER BY primary_sort_time DESC, pub_date DESC
		 LIMIT -1 OFFSET ?`,
		feedID,
		cap,
	)
	if err != nil {
		return nil, fmt.Errorf("list prune candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prune candidates: %w", err)
	}
	return ids, nil
}

func (r *itemRepository) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}

func (r *itemRepository) ListTouchedSince(ctx context.Context, feedID int64, since time.Time) ([]model.FeedItem, error) {
	return r.queryItems(
		ctx,
		`SELECT `+itemColumns+` FROM items WHERE feed_id = ? AND updated_at >= ?`,
		feedID,
		formatTime(since),
	)
}

func (r *itemRepository) UpdateBlockTime(ctx context.Context, id int64, blockTime *time.Time) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE items SET block_time = ? WHERE id = ?`,
		nullableTime(blockTime),
		id,
	)
	return err
}

func (r *itemRepository) ListPendingFullText(ctx context.Context) ([]model.FeedItem, error) {
	return r.queryItems(
		ctx,
		`SELECT `+itemPrefixedColumns+` FROM items i
		 INNER JOIN feeds f ON i.feed_id = f.id
		 WHERE f.full_text_by_default = 1 AND i.full_text_downloaded = 0
		 ORDER BY i.primary_sort_time DESC`,
	)
}

func (r *itemRepository) SetFullTextResult(ctx context.Context, id int64, fullWordCount *int) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE items SET full_text_downloaded = 1, full_word_count = COALESCE(?, full_word_count), updated_at = ?
		 WHERE id = ?`,
		nullableInt(fullWordCount),
		formatTime(time.Now()),
		id,
	)
	return err
}

func (r *itemRepository) MarkReadByGUID(ctx context.Context, feedURL, guid string, at time.Time) (bool, error) {
	// An already-read item still counts as matched so the caller can
	// retire the mark; its original read time is kept. The peer sent the
	// mark, so it needs no push back.
	result, err := r.db.ExecContext(
		ctx,
		`UPDATE items SET read_time = COALESCE(read_time, ?), read_pushed = 1, updated_at = ?
		 WHERE guid = ? AND feed_id IN (SELECT id FROM feeds WHERE url = ?)`,
		formatTime(at),
		formatTime(time.Now()),
		guid,
		feedURL,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *itemRepository) MarkRead(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE items SET read_time = COALESCE(read_time, ?), read_pushed = 0, updated_at = ?
		 WHERE id = ?`,
		formatTime(at),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (r *itemRepository) ListUnpushedRead(ctx context.Context) ([]model.OutboundReadMark, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT i.id, f.url, i.guid, i.read_time
		 FROM items i INNER JOIN feeds f ON i.feed_id = f.id
		 WHERE i.read_time IS NOT NULL AND i.read_pushed = 0
		 ORDER BY i.read_time`,
	)
	if err != nil {
		return nil, fmt.Errorf("list unpushed reads: %w", err)
	}
	defer rows.Close()

	var marks []model.OutboundReadMark
	for rows.Next() {
		var m model.OutboundReadMark
		var readTime string
		if err := rows.Scan(&m.ItemID, &m.FeedURL, &m.ItemGUID, &readTime); err != nil {
			return nil, err
		}
		m.ReadTime, err = parseTime(readTime)
		if err != nil {
			return nil, fmt.Errorf("parse read_time: %w", err)
		}
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unpushed reads: %w", err)
	}
	return marks, nil
}

func (r *itemRepository) MarkReadPushed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE items SET read_pushed = 1 WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("mark reads pushed: %w", err)
	}
	return nil
}

func (r *itemRepository) UpdateBookmarked(ctx context.Context, id int64, bookmarked bool) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE items SET bookmarked = ?, updated_at = ? WHERE id = ?`,
		boolInt(bookmarked),
		formatTime(time.Now()),
		id,
	)
	return err
}

var itemPrefixedColumns = "i." + strings.ReplaceAll(itemColumns, ", ", ", i.")

func (r *itemRepository) queryItems(ctx context.Context, query string, args ...interface{}) ([]model.FeedItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []model.FeedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func scanItem(scanner interface {
	Scan(dest ...interface{}) error
}) (model.FeedItem, error) {
	var item model.FeedItem
	var title, snippet, thumbnail, author, link sql.NullString
	var pubDate, readTime, blockTime sql.NullString
	var primarySort string
	var bookmarked, downloaded int
	var fullWordCount sql.NullInt64
	var createdAt, updatedAt string

	if err := scanner.Scan(
		&item.ID,
		&item.FeedID,
		&item.GUID,
		&title,
		&snippet,
		&thumbnail,
		&author,
		&link,
		&pubDate,
		&primarySort,
		&readTime,
		&bookmarked,
		&item.WordCount,
		&fullWordCount,
		&downloaded,
		&blockTime,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.FeedItem{}, err
	}

	if title.Valid {
		item.Title = &title.String
	}
	if snippet.Valid {
		item.Snippet = &snippet.String
	}
	if thumbnail.Valid {
		item.ThumbnailURL = &thumbnail.String
	}
	if author.Valid {
		item.Author = &author.String
	}
	if link.Valid {
		item.Link = &link.String
	}
	item.PubDate = parseTimePtr(pubDate)
	item.ReadTime = parseTimePtr(readTime)
	item.BlockTime = parseTimePtr(blockTime)
	item.Bookmarked = bookmarked == 1
	item.FullTextDownloaded = downloaded == 1
	if fullWordCount.Valid {
		n := int(fullWordCount.Int64)
		item.FullWordCount = &n
	}

	var err error
	item.PrimarySortTime, err = parseTime(primarySort)
	if err != nil {
		return model.FeedItem{}, fmt.Errorf("parse item primary_sort_time: %w", err)
	}
	item.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return model.FeedItem{}, fmt.Errorf("parse item created_at: %w", err)
	}
	item.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return model.FeedItem{}, fmt.Errorf("parse item updated_at: %w", err)
	}
	return item, nil
}
