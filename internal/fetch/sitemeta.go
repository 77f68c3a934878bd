package fetch

import (
	"bytes"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SiteMetaData is what feed discovery recovers from an HTML page: the
// alternate feed links declared in its head, and the best icon.
type SiteMetaData struct {
	FeedURLs []string
	Icon     string
}

// Feed link types accepted from rel=alternate declarations. Plain JSON is
// included because some video platforms declare their feeds that way.
var alternateTypes = map[string]bool{
	"application/rss+xml":  true,
	"application/atom+xml": true,
	"application/json":     true,
}

// Icon rels in priority order.
var iconRels = []string{"apple-touch-icon", "icon", "shortcut icon"}

var youtubeChannelID = regexp.MustCompile(`"channelId"\s*:\s*"(UC[0-9A-Za-z_-]{10,})"`)

// GetSiteMetaData parses an HTML document for alternate feed links and a
// site icon. When the page declares no feeds but belongs to a known
// video-sharing host, a channel feed URL is derived from the embedded
// channel identifier. Returns NoAlternateFeedsError when nothing is found.
func GetSiteMetaData(resp *http.Response, pageURL string) (SiteMetaData, error) {
	defer resp.Body.Close()

	if err := CheckStatus(resp, pageURL); err != nil {
		return SiteMetaData{}, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || (mediaType != "text/html" && mediaType != "application/xhtml+xml") {
			return SiteMetaData{}, &NotHTMLError{newErr(pageURL, "not an HTML document: "+contentType, nil)}
		}
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return SiteMetaData{}, &FetchError{newErr(pageURL, "read body", err)}
	}

	return ParseSiteMetaData(pageURL, buf.Bytes())
}

// ParseSiteMetaData is the pure parsing half of GetSiteMetaData, split out
// for tests.
func ParseSiteMetaData(pageURL string, body []byte) (SiteMetaData, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return SiteMetaData{}, &NoURLError{newErr(pageURL, "malformed page url", err)}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return SiteMetaData{}, &MetaDataParseError{newErr(pageURL, "parse HTML head", err)}
	}

	meta := SiteMetaData{Icon: findIcon(doc, base)}

	doc.Find("head link[rel='alternate']").Each(func(_ int, sel *goquery.Selection) {
		linkType, _ := sel.Attr("type")
		if !alternateTypes[strings.ToLower(strings.TrimSpace(linkType))] {
			return
		}
		href, _ := sel.Attr("href")
		resolved := resolveURL(base, href)
		if !isWellFormed(resolved) {
			return
		}
		meta.FeedURLs = append(meta.FeedURLs, resolved)
	})

	if len(meta.FeedURLs) == 0 && isVideoHost(base.Host) {
		if feedURL := youtubeFallback(body); feedURL != "" {
			meta.FeedURLs = append(meta.FeedURLs, feedURL)
		}
	}

	if len(meta.FeedURLs) == 0 {
		return meta, &NoAlternateFeedsError{newErr(pageURL, "no alternate feed links found", nil)}
	}

	return meta, nil
}

func findIcon(doc *goquery.Document, base *url.URL) string {
	for _, rel := range iconRels {
		icon := ""
		doc.Find("head link[rel='" + rel + "']").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			href, _ := sel.Attr("href")
			resolved := resolveImageURL(base, href)
			if resolved == "" {
				return true
			}
			icon = resolved
			return false
		})
		if icon != "" {
			return icon
		}
	}
	return ""
}

func isVideoHost(host string) bool {
	host = strings.ToLower(host)
	return host == "youtube.com" || strings.HasSuffix(host, ".youtube.com") || host == "youtu.be"
}

// youtubeFallback derives a channel feed URL from the channelId embedded
// in a channel or video page body.
func youtubeFallback(body []byte) string {
	match := youtubeChannelID.FindSubmatch(body)
	if match == nil {
		return ""
	}
	return "https://www.youtube.com/feeds/videos.xml?channel_id=" + string(match[1])
}

func isWellFormed(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
