package model

import "time"

// ParsedFeed is the canonical shape every feed dialect (RSS, Atom,
// JSON-feed) is normalized into. It is transient parse output and is
// never persisted directly.
type ParsedFeed struct {
	Title       string
	HomePageURL string
	FeedURL     string
	Icon        string
	Author      string
	Items       []ParsedArticle
}

type ParsedArticle struct {
	ID          string
	Title       string
	ContentHTML string
	ContentText string
	URL         string
	Image       string
	Author      string
	Published   *time.Time
}
