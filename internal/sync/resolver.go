package sync

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode/utf8"

	"skimmer/internal/blob"
	"skimmer/internal/logger"
	"skimmer/internal/model"
	"skimmer/internal/repository"
)

// resolver maps a parsed batch onto stored rows. Feed-provided item ids
// are sometimes duplicated within one fetch or missing entirely, so the
// identity scheme is decided once per batch and applied uniformly, never
// per item.
type resolver struct {
	items repository.ItemRepository
	blobs *blob.Store
}

// alternateID is the locally computed fallback identity: native id plus
// hashes of the content text and title. Items that share a broken native
// id but differ in content stay distinct under it.
func alternateID(article model.ParsedArticle) string {
	return fmt.Sprintf("%s|%s|%s", article.ID, hashOf(article.ContentText), hashOf(article.Title))
}

func hashOf(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum64())
}

// useAlternateIDs is phase one of the per-batch decision: alternate ids
// are used for every item when the feed is flagged for them, or when the
// native ids in this batch are not unique.
func useAlternateIDs(feed model.Feed, articles []model.ParsedArticle) bool {
	if feed.AlternateID {
		return true
	}
	seen := make(map[string]struct{}, len(articles))
	for _, article := range articles {
		seen[article.ID] = struct{}{}
	}
	return len(seen) < len(articles)
}

// persistBatch applies a parsed batch to the store and reports how many
// items the source currently carries (the pruning floor).
//
// Items are walked in reverse feed order so that generated timestamps for
// missing pubDates increase monotonically and preserve the feed's declared
// ordering.
func (r *resolver) persistBatch(ctx context.Context, feed model.Feed, parsed model.ParsedFeed) (int, error) {
	alternate := useAlternateIDs(feed, parsed.Items)

	lastGenerated := time.Time{}
	for i := len(parsed.Items) - 1; i >= 0; i-- {
		article := parsed.Items[i]

		generated := time.Now().UTC()
		if !generated.After(lastGenerated) {
			generated = lastGenerated.Add(time.Millisecond)
		}
		lastGenerated = generated

		if err := r.persistOne(ctx, feed, article, alternate, generated); err != nil {
			return 0, err
		}
	}

	return len(parsed.Items), nil
}

func (r *resolver) persistOne(ctx context.Context, feed model.Feed, article model.ParsedArticle, alternate bool, generated time.Time) error {
	altID := alternateID(article)
	storageKey := altID
	if !alternate && article.ID != "" {
		storageKey = article.ID
	}

	// Lookup order: alternate id first, then the chosen storage key. A feed
	// that flips its id scheme between fetches still finds its rows.
	existing, err := r.items.FindByGUID(ctx, feed.ID, altID)
	if err != nil {
		return err
	}
	if existing == nil && storageKey != altID {
		existing, err = r.items.FindByGUID(ctx, feed.ID, storageKey)
		if err != nil {
			return err
		}
	}

	if existing != nil {
		return r.updateExisting(ctx, *existing, article)
	}

	title := optional(article.Title)
	link := optional(article.URL)

	if feed.SkipDuplicates {
		duplicate, err := r.items.ExistsByTitleLink(ctx, title, link)
		if err != nil {
			return err
		}
		if duplicate {
			logger.Debug("global duplicate discarded",
				"module", "sync", "feed_id", feed.ID, "title", article.Title)
			return nil
		}
	}

	pubDate := article.Published
	if pubDate == nil {
		pubDate = &generated
	}

	item := model.FeedItem{
		FeedID:          feed.ID,
		GUID:            storageKey,
		Title:           title,
		Snippet:         optional(snippetOf(article.ContentText)),
		ThumbnailURL:    optional(article.Image),
		Author:          optional(article.Author),
		Link:            link,
		PubDate:         pubDate,
		PrimarySortTime: primarySortTime(time.Now().UTC(), *pubDate),
		WordCount:       wordCount(article.ContentText),
	}

	inserted, err := r.items.Insert(ctx, item)
	if err != nil {
		return err
	}
	if article.ContentHTML != "" {
		if err := r.blobs.WriteBody(inserted.ID, article.ContentHTML); err != nil {
			logger.Warn("body blob write failed", "module", "sync", "item_id", inserted.ID, "error", err)
		}
	}
	return nil
}

func (r *resolver) updateExisting(ctx context.Context, existing model.FeedItem, article model.ParsedArticle) error {
	existing.Title = optional(article.Title)
	existing.Snippet = optional(snippetOf(article.ContentText))
	existing.ThumbnailURL = optional(article.Image)
	existing.Author = optional(article.Author)
	existing.Link = optional(article.URL)
	existing.WordCount = wordCount(article.ContentText)

	// A generated pubDate sticks until the source supplies a real one.
	if article.Published != nil {
		existing.PubDate = article.Published
	}

	if err := r.items.Update(ctx, existing); err != nil {
		return err
	}
	if article.ContentHTML != "" {
		if err := r.blobs.WriteBody(existing.ID, article.ContentHTML); err != nil {
			logger.Warn("body blob write failed", "module", "sync", "item_id", existing.ID, "error", err)
		}
	}
	return nil
}

// primarySortTime fixes the item's chronological rank at first sync: the
// earlier of now and the pubDate known at that moment.
func primarySortTime(now, pubDate time.Time) time.Time {
	if pubDate.Before(now) {
		return pubDate
	}
	return now
}

const snippetLimit = 280

func snippetOf(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= snippetLimit {
		return text
	}
	// Never split a rune: back off to the last boundary at or before the
	// byte limit, then prefer the last word break if there is one.
	limit := snippetLimit
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	cut := text[:limit]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
