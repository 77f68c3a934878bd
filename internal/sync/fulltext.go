package sync

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"

	"skimmer/internal/fetch"
	"skimmer/internal/logger"
	"skimmer/internal/model"
)

// Pacing for article page fetches; full-text extraction is background
// enrichment and must not hammer origins.
var fullTextLimiter = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)

// Scripts and other interfering elements are stripped before readability
// parsing; structural elements readability relies on are kept.
var articleSanitizer = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("article", "section", "header", "footer", "nav", "aside", "main", "figure", "figcaption")
	p.AllowAttrs("id", "class", "lang", "dir").Globally()
	return p
}()

// scheduleFullText starts the worker as a deferred, independent task. It
// deliberately runs outside the pass guard and its context: a pass
// finishing or being cancelled must not abort extraction already queued.
func (s *Service) scheduleFullText(passID string) {
	if !s.fullTextRunning.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.fullTextRunning.Store(false)
		s.FullTextPass(context.Background(), passID)
	}()
}

// FullTextPass fetches and extracts readable article content for every
// pending item of full-text-by-default feeds. Every item is marked as
// downloaded after its attempt, success or not, so an unparsable page is
// never retried automatically.
func (s *Service) FullTextPass(ctx context.Context, passID string) {
	pending, err := s.items.ListPendingFullText(ctx)
	if err != nil {
		logger.Error("full-text pass failed",
			"module", "sync", "action", "fulltext", "resource", "item", "pass_id", passID,
			"result", "failed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	logger.Info("full-text pass started",
		"module", "sync", "action", "fulltext", "resource", "item", "pass_id", passID,
		"count", len(pending))

	extracted := 0
	for _, item := range pending {
		if err := fullTextLimiter.Wait(ctx); err != nil {
			return
		}

		wordCount, err := s.extractFullText(ctx, item)
		if err != nil {
			logger.Warn("full-text extraction failed",
				"module", "sync", "action", "fulltext", "resource", "item", "pass_id", passID,
				"item_id", item.ID, "error", err)
		} else {
			extracted++
		}

		// Forward progress guarantee: flag the attempt regardless of outcome.
		if err := s.items.SetFullTextResult(ctx, item.ID, wordCount); err != nil {
			logger.Warn("full-text result update failed",
				"module", "sync", "item_id", item.ID, "error", err)
		}
	}

	logger.Info("full-text pass completed",
		"module", "sync", "action", "fulltext", "resource", "item", "pass_id", passID,
		"result", "ok", "extracted", extracted, "attempted", len(pending))
}

func (s *Service) extractFullText(ctx context.Context, item model.FeedItem) (*int, error) {
	if item.Link == nil || *item.Link == "" {
		return nil, fetch.NewNoURLError("", "item has no link")
	}
	articleURL := *item.Link

	resp, err := s.client.Fetch(ctx, articleURL, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := fetch.CheckStatus(resp, articleURL); err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		if mediaType, _, typeErr := mime.ParseMediaType(contentType); typeErr != nil || mediaType != "text/html" {
			return nil, fetch.NewNotHTMLError(articleURL, "not an HTML document: "+contentType)
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	decoded, err := fetch.DecodeHTML(raw, contentType, articleURL)
	if err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(articleURL)
	if err != nil {
		return nil, err
	}

	sanitized := articleSanitizer.Sanitize(decoded)
	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(sanitized), parsedURL)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := article.RenderHTML(&buf); err != nil {
		return nil, err
	}
	content := buf.String()
	if content == "" {
		return nil, fetch.NewNoBodyError(articleURL, "readability produced no content")
	}

	if err := s.blobs.WriteFullText(item.ID, content); err != nil {
		return nil, err
	}

	count := wordCount(fetch.PlainText(content))
	return &count, nil
}
