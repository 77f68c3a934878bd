package repository

import (
	"context"
	"fmt"
	"time"

	"skimmer/internal/model"
	"skimmer/internal/snowflake"
)

type ReadMarkRepository interface {
	// Upsert stores a pending remote read mark; re-delivery of the same mark
	// is a no-op.
	Upsert(ctx context.Context, mark model.ReadMark) error
	List(ctx context.Context) ([]model.ReadMark, error)
	Delete(ctx context.Context, id int64) error
}

type readMarkRepository struct {
	db dbtx
}

func NewReadMarkRepository(db dbtx) ReadMarkRepository {
	return &readMarkRepository{db: db}
}

func (r *readMarkRepository) Upsert(ctx context.Context, mark model.ReadMark) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO read_marks (id, feed_url, item_guid, marked_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(feed_url, item_guid) DO UPDATE SET marked_at = excluded.marked_at`,
		snowflake.NextID(),
		mark.FeedURL,
		mark.ItemGUID,
		formatTime(mark.MarkedAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert read mark: %w", err)
	}
	return nil
}

func (r *readMarkRepository) List(ctx context.Context) ([]model.ReadMark, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, feed_url, item_guid, marked_at FROM read_marks ORDER BY marked_at`)
	if err != nil {
		return nil, fmt.Errorf("list read marks: %w", err)
	}
	defer rows.Close()

	var marks []model.ReadMark
	for rows.Next() {
		var m model.ReadMark
		var markedAt string
		if err := rows.Scan(&m.ID, &m.FeedURL, &m.ItemGUID, &markedAt); err != nil {
			return nil, err
		}
		m.MarkedAt, err = parseTime(markedAt)
		if err != nil {
			return nil, fmt.Errorf("parse read mark marked_at: %w", err)
		}
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read marks: %w", err)
	}
	return marks, nil
}

func (r *readMarkRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM read_marks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete read mark: %w", err)
	}
	return nil
}
