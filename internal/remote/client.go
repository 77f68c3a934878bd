// Package remote talks to the optional peer synchronization service. Every
// call is best-effort: the sync pass logs failures and carries on.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"skimmer/internal/config"
)

const (
	requestTimeout = 15 * time.Second
	maxAttempts    = 3
)

// RemoteFeed is a feed subscription as known to the remote service.
type RemoteFeed struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Tag   string `json:"tag,omitempty"`
}

// RemoteReadMark is a read state recorded on another device.
type RemoteReadMark struct {
	FeedURL  string    `json:"feedUrl"`
	ItemGUID string    `json:"itemGuid"`
	MarkedAt time.Time `json:"markedAt"`
}

// Device identifies a peer known to the remote service.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"lastSeen"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns nil when no base URL is configured, which disables the
// remote step entirely.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		return nil
	}
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
	}
}

func (c *Client) GetFeeds(ctx context.Context) ([]RemoteFeed, error) {
	var feeds []RemoteFeed
	if err := c.getJSON(ctx, "/api/feeds", &feeds); err != nil {
		return nil, err
	}
	return feeds, nil
}

func (c *Client) GetRead(ctx context.Context) ([]RemoteReadMark, error) {
	var marks []RemoteReadMark
	if err := c.getJSON(ctx, "/api/read", &marks); err != nil {
		return nil, err
	}
	return marks, nil
}

func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.getJSON(ctx, "/api/devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) SendUpdatedFeeds(ctx context.Context, feeds []RemoteFeed) error {
	return c.postJSON(ctx, "/api/feeds", feeds)
}

func (c *Client) MarkAsRead(ctx context.Context, marks []RemoteReadMark) error {
	return c.postJSON(ctx, "/api/read", marks)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			c.setHeaders(req)

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("remote %s: HTTP %d", path, resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("remote %s: decode: %w", path, err))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			c.setHeaders(req)
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 300 {
				return fmt.Errorf("remote %s: HTTP %d", path, resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", config.UserAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
