package model

import "time"

type FeedItem struct {
	ID           int64
	FeedID       int64
	GUID         string
	Title        *string
	Snippet      *string
	ThumbnailURL *string
	Author       *string
	Link         *string
	// PubDate is the feed-supplied publication time. When the source supplies
	// none, the resolver assigns a generated value at first sync.
	PubDate *time.Time
	// PrimarySortTime is fixed at first sync and never revised, so list
	// ordering survives later pubDate edits by the source.
	PrimarySortTime    time.Time
	ReadTime           *time.Time
	Bookmarked         bool
	WordCount          int
	FullWordCount      *int
	FullTextDownloaded bool
	BlockTime          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (i FeedItem) Read() bool {
	return i.ReadTime != nil
}
