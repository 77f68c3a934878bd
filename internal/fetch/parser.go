package fetch

import (
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"skimmer/internal/model"
)

var textPolicy = bluemonday.StrictPolicy()

// Parse negotiates the content type of a feed response and normalizes any
// accepted dialect (RSS, Atom, JSON-feed) into the canonical ParsedFeed.
// Relative links are resolved against the feed's own URL; data: scheme
// icons and thumbnails are dropped, never treated as fetchable images.
func Parse(resp *http.Response, feedURL string) (model.ParsedFeed, error) {
	defer resp.Body.Close()

	if err := CheckStatus(resp, feedURL); err != nil {
		return model.ParsedFeed{}, err
	}

	contentType := resp.Header.Get("Content-Type")
	if !acceptableFeedType(contentType) {
		return model.ParsedFeed{}, &UnsupportedContentTypeError{
			feedErr:  newErr(feedURL, "unsupported content type "+contentType, nil),
			MimeType: contentType,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ParsedFeed{}, &FetchError{newErr(feedURL, "read body", err)}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return model.ParsedFeed{}, &NoBodyError{newErr(feedURL, "empty response body", nil)}
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return model.ParsedFeed{}, &RSSParseError{newErr(feedURL, "parse feed", err)}
	}

	base, err := url.Parse(feedURL)
	if err != nil {
		return model.ParsedFeed{}, &NoURLError{newErr(feedURL, "malformed feed url", err)}
	}

	feed := model.ParsedFeed{
		Title:       strings.TrimSpace(parsed.Title),
		HomePageURL: resolveURL(base, parsed.Link),
		FeedURL:     feedURL,
	}
	if parsed.FeedLink != "" {
		feed.FeedURL = resolveURL(base, parsed.FeedLink)
	}
	if parsed.Image != nil {
		feed.Icon = resolveImageURL(base, parsed.Image.URL)
	}
	if len(parsed.Authors) > 0 {
		feed.Author = strings.TrimSpace(parsed.Authors[0].Name)
	}

	feed.Items = make([]model.ParsedArticle, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		feed.Items = append(feed.Items, toArticle(base, item))
	}

	return feed, nil
}

func toArticle(base *url.URL, item *gofeed.Item) model.ParsedArticle {
	article := model.ParsedArticle{
		ID:    strings.TrimSpace(item.GUID),
		Title: strings.TrimSpace(item.Title),
		URL:   resolveURL(base, item.Link),
	}

	content := item.Content
	if content == "" {
		content = item.Description
	}
	article.ContentHTML = content
	article.ContentText = PlainText(content)

	if item.Image != nil {
		article.Image = resolveImageURL(base, item.Image.URL)
	}
	if len(item.Authors) > 0 {
		article.Author = strings.TrimSpace(item.Authors[0].Name)
	}

	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		article.Published = &t
	} else if item.UpdatedParsed != nil {
		t := item.UpdatedParsed.UTC()
		article.Published = &t
	}

	return article
}

// acceptableFeedType matches by subtype: text/*, any */xml flavor and any
// */json flavor are parseable; everything else is rejected up front.
func acceptableFeedType(contentType string) bool {
	if contentType == "" {
		// Plenty of feeds omit the header entirely; let the parser decide.
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	parts := strings.SplitN(mediaType, "/", 2)
	if len(parts) != 2 {
		return false
	}
	mainType, subType := parts[0], parts[1]
	if mainType == "text" {
		return true
	}
	if subType == "xml" || strings.HasSuffix(subType, "+xml") {
		return true
	}
	if subType == "json" || strings.HasSuffix(subType, "+json") {
		return true
	}
	return false
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}

// resolveImageURL additionally rejects inline data: URLs, which must never
// reach the image cache.
func resolveImageURL(base *url.URL, ref string) string {
	if strings.HasPrefix(strings.TrimSpace(strings.ToLower(ref)), "data:") {
		return ""
	}
	return resolveURL(base, ref)
}

// PlainText strips all markup and entity-escapes from an HTML fragment.
func PlainText(htmlContent string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(htmlContent)))
}
