package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"skimmer/internal/model"
	"skimmer/internal/snowflake"
)

// SyncScope narrows candidate selection to a single feed or a tag.
// The zero value selects every feed.
type SyncScope struct {
	FeedID *int64
	Tag    *string
}

type FeedRepository interface {
	Create(ctx context.Context, feed model.Feed) (model.Feed, error)
	GetByID(ctx context.Context, id int64) (model.Feed, error)
	FindByURL(ctx context.Context, url string) (*model.Feed, error)
	List(ctx context.Context, tag *string) ([]model.Feed, error)
	// ListToSync returns feeds in scope whose lastSync predates staleBefore
	// and whose retryAfter cooldown has expired as of now.
	ListToSync(ctx context.Context, scope SyncScope, staleBefore, now time.Time) ([]model.Feed, error)
	// SetSyncing toggles the advisory progress flag; when stampLastSync is
	// set, lastSync is updated in the same statement.
	SetSyncing(ctx context.Context, id int64, syncing bool, stampLastSync *time.Time) error
	UpdateImage(ctx context.Context, id int64, imageURL string, siteFetched time.Time) error
	// RaiseRetryAfter moves the feed's cooldown forward. It never rewinds an
	// existing, still-future retryAfter.
	RaiseRetryAfter(ctx context.Context, id int64, until time.Time) error
	// ListByHostMatch returns feeds whose URL contains the given host.
	ListByHostMatch(ctx context.Context, host string) ([]model.Feed, error)
	Update(ctx context.Context, feed model.Feed) (model.Feed, error)
	Delete(ctx context.Context, id int64) error
}

type feedRepository struct {
	db dbtx
}

func NewFeedRepository(db dbtx) FeedRepository {
	return &feedRepository{db: db}
}

const feedColumns = `id, title, url, tag, image_url, last_sync, retry_after, alternate_id, skip_duplicates, full_text_by_default, currently_syncing, site_fetched, created_at, updated_at`

func (r *feedRepository) Create(ctx context.Context, feed model.Feed) (model.Feed, error) {
	feed.ID = snowflake.NextID()
	now := time.Now().UTC()
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO feeds (`+feedColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feed.ID,
		feed.Title,
		feed.URL,
		nullableString(feed.Tag),
		nullableString(feed.ImageURL),
		nullableTime(feed.LastSync),
		nullableTime(feed.RetryAfter),
		boolInt(feed.AlternateID),
		boolInt(feed.SkipDuplicates),
		boolInt(feed.FullTextByDefault),
		boolInt(feed.CurrentlySyncing),
		nullableTime(feed.SiteFetched),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return model.Feed{}, fmt.Errorf("create feed: %w", err)
	}
	feed.CreatedAt = now
	feed.UpdatedAt = now
	return feed, nil
}

func (r *feedRepository) GetByID(ctx context.Context, id int64) (model.Feed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	return scanFeed(row)
}

func (r *feedRepository) FindByURL(ctx context.Context, url string) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url = ?`, url)
	feed, err := scanFeed(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find feed: %w", err)
	}
	return &feed, nil
}

func (r *feedRepository) List(ctx context.Context, tag *string) ([]model.Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feeds ORDER BY title`
	args := []interface{}{}
	if tag != nil {
		query = `SELECT ` + feedColumns + ` FROM feeds WHERE tag = ? ORDER BY title`
		args = append(args, *tag)
	}
	return r.queryFeeds(ctx, query, args...)
}

func (r *feedRepository) ListToSync(ctx context.Context, scope SyncScope, staleBefore, now time.Time) ([]model.Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feeds
		 WHERE (last_sync IS NULL OR last_sync < ?)
		   AND (retry_after IS NULL OR retry_after <= ?)`
	args := []interface{}{formatTime(staleBefore), formatTime(now)}

	if scope.FeedID != nil {
		query += ` AND id = ?`
		args = append(args, *scope.FeedID)
	}
	if scope.Tag != nil {
		query += ` AND tag = ?`
		args = append(args, *scope.Tag)
	}
	query += ` ORDER BY last_sync`

	return r.queryFeeds(ctx, query, args...)
}

func (r *feedRepository) SetSyncing(ctx context.Context, id int64, syncing bool, stampLastSync *time.Time) error {
	if stampLastSync != nil {
		_, err := r.db.ExecContext(
			ctx,
			`UPDATE feeds SET currently_syncing = ?, last_sync = ?, updated_at = ? WHERE id = ?`,
			boolInt(syncing),
			formatTime(*stampLastSync),
			formatTime(time.Now()),
			id,
		)
		return err
	}
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE feeds SET currently_syncing = ?, updated_at = ? WHERE id = ?`,
		boolInt(syncing),
		formatTime(time.Now()),
		id,
	)
	return err
}

func (r *feedRepository) UpdateImage(ctx context.Context, id int64, imageURL string, siteFetched time.Time) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE feeds SET image_url = ?, site_fetched = ?, updated_at = ? WHERE id = ?`,
		imageURL,
		formatTime(siteFetched),
		formatTime(time.Now()),
		id,
	)
	return err
}

func (r *feedRepository) RaiseRetryAfter(ctx context.Context, id int64, until time.Time) error {
	// RFC3339 UTC strings compare lexicographically in time order, so the
	// monotone guard can live in the WHERE clause.
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE feeds SET retry_after = ?, updated_at = ?
		 WHERE id = ? AND (retry_after IS NULL OR retry_after < ?)`,
		formatTime(until),
		formatTime(time.Now()),
		id,
		formatTime(until),
	)
	return err
}

func (r *feedRepository) ListByHostMatch(ctx context.Context, host string) ([]model.Feed, error) {
	if host == "" {
		return nil, nil
	}
	return r.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url LIKE ?`, "%"+host+"%")
}

func (r *feedRepository) Update(ctx context.Context, feed model.Feed) (model.Feed, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE feeds SET title = ?, url = ?, tag = ?, image_url = ?, last_sync = ?, retry_after = ?,
		   alternate_id = ?, skip_duplicates = ?, full_text_by_default = ?, currently_syncing = ?,
		   site_fetched = ?, updated_at = ?
		 WHERE id = ?`,
		feed.Title,
		feed.URL,
		nullableString(feed.Tag),
		nullableString(feed.ImageURL),
		nullableTime(feed.LastSync),
		nullableTime(feed.RetryAfter),
		boolInt(feed.AlternateID),
		boolInt(feed.SkipDuplicates),
		boolInt(feed.FullTextByDefault),
		boolInt(feed.CurrentlySyncing),
		nullableTime(feed.SiteFetched),
		formatTime(now),
		feed.ID,
	)
	if err != nil {
		return model.Feed{}, fmt.Errorf("update feed: %w", err)
	}
	feed.UpdatedAt = now
	return feed, nil
}

func (r *feedRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return nil
}

func (r *feedRepository) queryFeeds(ctx context.Context, query string, args ...interface{}) ([]model.Feed, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}

	return feeds, nil
}

func scanFeed(scanner interface {
	Scan(dest ...interface{}) error
}) (model.Feed, error) {
	var feed model.Feed
	var tag sql.NullString
	var imageURL sql.NullString
	var lastSync sql.NullString
	var retryAfter sql.NullString
	var alternateID, skipDuplicates, fullText, syncing int
	var siteFetched sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&feed.ID,
		&feed.Title,
		&feed.URL,
		&tag,
		&imageURL,
		&lastSync,
		&retryAfter,
		&alternateID,
		&skipDuplicates,
		&fullText,
		&syncing,
		&siteFetched,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.Feed{}, err
	}
	if tag.Valid {
		feed.Tag = &tag.String
	}
	if imageURL.Valid {
		feed.ImageURL = &imageURL.String
	}
	feed.LastSync = parseTimePtr(lastSync)
	feed.RetryAfter = parseTimePtr(retryAfter)
	feed.AlternateID = alternateID == 1
	feed.SkipDuplicates = skipDuplicates == 1
	feed.FullTextByDefault = fullText == 1
	feed.CurrentlySyncing = syncing == 1
	feed.SiteFetched = parseTimePtr(siteFetched)
	var err error
	feed.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return model.Feed{}, fmt.Errorf("parse feed created_at: %w", err)
	}
	feed.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return model.Feed{}, fmt.Errorf("parse feed updated_at: %w", err)
	}
	return feed, nil
}
