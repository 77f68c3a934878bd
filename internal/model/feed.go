package model

import "time"

type Feed struct {
	ID                int64
	Title             string
	URL               string
	Tag               *string
	ImageURL          *string
	LastSync          *time.Time
	RetryAfter        *time.Time
	AlternateID       bool
	SkipDuplicates    bool
	FullTextByDefault bool
	CurrentlySyncing  bool
	SiteFetched       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
