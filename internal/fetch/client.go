package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"skimmer/internal/config"
	"skimmer/internal/logger"
)

const (
	fetchTimeout = 30 * time.Second
	// 4xx responses from origins that send no cache policy are remembered
	// for this long, so a dead favicon or removed feed is not hammered on
	// every pass.
	negativeCacheWindow = time.Hour
)

// Client wraps an http.Client with the fetch policies the sync engine
// needs: basic auth from URL user-info, a force-network mode, and a
// negative cache for uncacheable 4xx responses.
type Client struct {
	http      *http.Client
	userAgent string

	mu       sync.Mutex
	negative map[string]negativeEntry
}

type negativeEntry struct {
	status int
	until  time.Time
}

func NewClient(httpClient *http.Client) *Client {
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Client{
		http:      client,
		userAgent: config.UserAgent,
		negative:  make(map[string]negativeEntry),
	}
}

// Fetch performs a GET against rawURL. Credentials embedded in the URL's
// user-info are stripped from the request URL and attached as Basic auth
// only after the origin challenges with 401 or 407, and only once.
// forceNetwork bypasses the negative cache and asks intermediaries to
// revalidate.
func (c *Client) Fetch(ctx context.Context, rawURL string, forceNetwork bool) (*http.Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, &NoURLError{newErr(rawURL, "missing or malformed url", err)}
	}

	var username, password string
	hasAuth := false
	if parsed.User != nil {
		username = parsed.User.Username()
		password, _ = parsed.User.Password()
		hasAuth = username != ""
		parsed.User = nil
	}
	cleanURL := parsed.String()

	if !forceNetwork {
		if entry, ok := c.cachedNegative(cleanURL); ok {
			logger.Debug("negative cache hit", "url", cleanURL, "status", entry.status)
			return syntheticResponse(entry.status), nil
		}
	}

	resp, err := c.do(ctx, cleanURL, forceNetwork, "", "")
	if err != nil {
		return nil, &FetchError{newErr(rawURL, "request failed", err)}
	}

	// One authenticated retry on a challenge, never more.
	if hasAuth && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired) {
		_ = resp.Body.Close()
		resp, err = c.do(ctx, cleanURL, forceNetwork, username, password)
		if err != nil {
			return nil, &FetchError{newErr(rawURL, "authenticated request failed", err)}
		}
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.Header.Get("Cache-Control") == "" {
		c.storeNegative(cleanURL, resp.StatusCode)
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, fetchURL string, forceNetwork bool, username, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if forceNetwork {
		req.Header.Set("Cache-Control", "no-cache")
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	return c.http.Do(req)
}

func (c *Client) cachedNegative(url string) (negativeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.negative[url]
	if !ok {
		return negativeEntry{}, false
	}
	if time.Now().After(entry.until) {
		delete(c.negative, url)
		return negativeEntry{}, false
	}
	return entry, true
}

func (c *Client) storeNegative(url string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[url] = negativeEntry{status: status, until: time.Now().Add(negativeCacheWindow)}
}

func syntheticResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

// CheckStatus converts a non-success response into an HTTPError carrying
// any retry directive the origin supplied.
func CheckStatus(resp *http.Response, url string) error {
	if resp.StatusCode < 400 {
		return nil
	}
	httpErr := &HTTPError{
		feedErr: newErr(url, fmt.Sprintf("HTTP %d", resp.StatusCode), nil),
		Code:    resp.StatusCode,
		Message: resp.Status,
	}
	if header := resp.Header.Get("Retry-After"); header != "" {
		seconds := 3600
		if n, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && n >= 0 {
			seconds = n
		}
		httpErr.RetryAfterSeconds = &seconds
	}
	return httpErr
}
