package sync

import (
	"context"
	"net/url"
	"strings"
	"time"

	"skimmer/internal/logger"
	"skimmer/internal/model"
	"skimmer/internal/repository"
)

// defaultRetryAfter is applied when an origin sends a Retry-After header
// the engine cannot interpret.
const defaultRetryAfter = 3600 * time.Second

// RetryLedger records host-scoped backoff state on feed rows. Multiple
// feeds commonly share one backend, so a retry directive from one feed is
// fanned out to every feed on a matching host. Updates are monotone: a
// still-future cooldown is never rewound.
type RetryLedger struct {
	feeds repository.FeedRepository
}

func NewRetryLedger(feeds repository.FeedRepository) *RetryLedger {
	return &RetryLedger{feeds: feeds}
}

// Apply sets retryAfter = now + seconds on the failing feed and on every
// other feed whose URL host contains the failing feed's host.
func (l *RetryLedger) Apply(ctx context.Context, failing model.Feed, seconds int) {
	// Zero is a valid directive (retry immediately); only a negative value
	// is nonsense. Unparsable headers already got the default upstream.
	if seconds < 0 {
		seconds = int(defaultRetryAfter / time.Second)
	}
	until := time.Now().Add(time.Duration(seconds) * time.Second)

	host := hostOf(failing.URL)
	applied := 0
	if host != "" {
		siblings, err := l.feeds.ListByHostMatch(ctx, host)
		if err != nil {
			logger.Warn("retry ledger sibling lookup failed", "module", "sync", "host", host, "error", err)
		}
		for _, sibling := range siblings {
			if sibling.ID == failing.ID {
				continue
			}
			if !strings.Contains(hostOf(sibling.URL), host) {
				continue
			}
			if err := l.feeds.RaiseRetryAfter(ctx, sibling.ID, until); err != nil {
				logger.Warn("retry ledger update failed", "module", "sync", "feed_id", sibling.ID, "error", err)
				continue
			}
			applied++
		}
	}

	if err := l.feeds.RaiseRetryAfter(ctx, failing.ID, until); err != nil {
		logger.Warn("retry ledger update failed", "module", "sync", "feed_id", failing.ID, "error", err)
		return
	}

	logger.Info("retry-after recorded",
		"module", "sync", "action", "backoff", "resource", "feed",
		"feed_id", failing.ID, "host", host, "seconds", seconds, "siblings", applied)
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
