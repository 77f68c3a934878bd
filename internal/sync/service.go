// Package sync implements the feed synchronization engine: the pass
// orchestrator, the identity resolver, retention pruning, the retry-after
// ledger and the deferred full-text worker.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"skimmer/internal/blob"
	"skimmer/internal/fetch"
	"skimmer/internal/logger"
	"skimmer/internal/model"
	"skimmer/internal/remote"
	"skimmer/internal/repository"
)

var ErrSyncInProgress = errors.New("sync already in progress")

// Options scopes a sync pass.
type Options struct {
	FeedID       *int64
	Tag          *string
	ForceNetwork bool
	// MinFeedAge is the staleness window; feeds synced more recently are
	// skipped unless ForceNetwork is set.
	MinFeedAge time.Duration
}

// BlockFilter decides whether a newly synced item should be blocked from
// lists. The rules live outside this engine; a nil filter disables the step.
type BlockFilter interface {
	Matches(item model.FeedItem) bool
}

type Service struct {
	feeds     repository.FeedRepository
	items     repository.ItemRepository
	readMarks repository.ReadMarkRepository
	blobs     *blob.Store
	client    *fetch.Client
	remote    *remote.Client
	ledger    *RetryLedger
	resolver  *resolver
	filter    BlockFilter

	maxItemsPerFeed int
	lanes           int

	// passMu serializes whole passes; every feed-row mutation in a pass
	// happens under it, which is what makes the lastSync/retryAfter/
	// currentlySyncing updates race-free without per-row locking.
	passMu  sync.Mutex
	stateMu sync.Mutex
	syncing bool

	fullTextRunning atomic.Bool
}

// Collaborators not listed here are optional: remoteClient and filter may
// be nil.
func NewService(
	feeds repository.FeedRepository,
	items repository.ItemRepository,
	readMarks repository.ReadMarkRepository,
	blobs *blob.Store,
	client *fetch.Client,
	remoteClient *remote.Client,
	filter BlockFilter,
	maxItemsPerFeed int,
	lanes int,
) *Service {
	if lanes < 1 {
		lanes = 2
	}
	return &Service{
		feeds:           feeds,
		items:           items,
		readMarks:       readMarks,
		blobs:           blobs,
		client:          client,
		remote:          remoteClient,
		ledger:          NewRetryLedger(feeds),
		resolver:        &resolver{items: items, blobs: blobs},
		filter:          filter,
		maxItemsPerFeed: maxItemsPerFeed,
		lanes:           lanes,
	}
}

func (s *Service) IsSyncing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.syncing
}

// SyncFeeds runs one full pass: remote exchange, candidate selection,
// fan-out across lanes, read-mark application and full-text scheduling.
// Passes are strictly serialized; a second caller blocks until the first
// finishes. The return value reports only whether the supervisory scope
// completed - individual feed failures never make it false.
func (s *Service) SyncFeeds(ctx context.Context, opts Options) bool {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.setSyncing(true)
	defer s.setSyncing(false)

	passID := uuid.NewString()[:8]
	started := time.Now()
	logger.Info("sync pass started",
		"module", "sync", "action", "pass", "resource", "feed", "pass_id", passID,
		"force", opts.ForceNetwork)

	s.remoteExchange(ctx, passID)

	now := time.Now()
	staleBefore := now.Add(-staleWindow(opts))
	candidates, err := s.feeds.ListToSync(ctx, repository.SyncScope{FeedID: opts.FeedID, Tag: opts.Tag}, staleBefore, now)
	if err != nil {
		logger.Error("sync pass failed",
			"module", "sync", "action", "pass", "resource", "feed", "pass_id", passID,
			"result", "failed", "error", err)
		return false
	}

	needFullText := s.runLanes(ctx, passID, candidates, opts.ForceNetwork)

	s.applyReadMarks(ctx, passID)

	if needFullText {
		s.scheduleFullText(passID)
	}

	logger.Info("sync pass completed",
		"module", "sync", "action", "pass", "resource", "feed", "pass_id", passID,
		"result", "ok", "feeds", len(candidates), "elapsed_ms", time.Since(started).Milliseconds())
	return true
}

// staleWindow computes the selection threshold: one minute under force,
// otherwise the requested window floored at one minute.
func staleWindow(opts Options) time.Duration {
	if opts.ForceNetwork {
		return time.Minute
	}
	if opts.MinFeedAge < time.Minute {
		return time.Minute
	}
	return opts.MinFeedAge
}

// runLanes partitions candidates round-robin across a small fixed number
// of lanes and joins them all. Reports whether any synced feed wants
// default full-text extraction.
func (s *Service) runLanes(ctx context.Context, passID string, candidates []model.Feed, force bool) bool {
	if len(candidates) == 0 {
		return false
	}

	laneFeeds := make([][]model.Feed, s.lanes)
	for i, feed := range candidates {
		lane := i % s.lanes
		laneFeeds[lane] = append(laneFeeds[lane], feed)
	}

	var needFullText atomic.Bool
	group, groupCtx := errgroup.WithContext(ctx)
	for lane, feeds := range laneFeeds {
		group.Go(func() error {
			for _, feed := range feeds {
				if groupCtx.Err() != nil {
					return nil
				}
				if err := s.syncFeed(groupCtx, feed, force); err != nil {
					logger.Warn("feed sync failed",
						"module", "sync", "action", "sync", "resource", "feed", "pass_id", passID,
						"lane", lane, "feed_id", feed.ID, "url", feed.URL, "error", err)
					continue
				}
				if feed.FullTextByDefault {
					needFullText.Store(true)
				}
			}
			// Lane errors never surface; feed failures are isolated above.
			return nil
		})
	}
	_ = group.Wait()

	return needFullText.Load()
}

// syncFeed handles one feed end to end: fetch, parse, resolve, prune.
// lastSync is stamped before the fetch so a persistently failing feed
// still ages out of the staleness window instead of being retried on
// every pass; this throttling is deliberate and distinct from the
// explicit retry-after mechanism.
func (s *Service) syncFeed(ctx context.Context, feed model.Feed, force bool) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()

	// Belt and suspenders: a sibling lane may have recorded a retry-after
	// for this host after selection, so re-check right before fetching.
	fresh, err := s.feeds.GetByID(ctx, feed.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	if fresh.RetryAfter != nil && fresh.RetryAfter.After(now) {
		logger.Debug("feed skipped by retry-after", "module", "sync", "feed_id", feed.ID, "until", fresh.RetryAfter)
		return nil
	}

	syncStart := now.UTC()
	if err := s.feeds.SetSyncing(ctx, feed.ID, true, &syncStart); err != nil {
		return err
	}
	defer func() {
		// Advisory flag; cleared regardless of outcome.
		if clearErr := s.feeds.SetSyncing(ctx, feed.ID, false, nil); clearErr != nil {
			logger.Warn("clear syncing flag failed", "module", "sync", "feed_id", feed.ID, "error", clearErr)
		}
	}()

	resp, err := s.client.Fetch(ctx, feed.URL, force)
	if err != nil {
		return err
	}

	parsed, err := fetch.Parse(resp, feed.URL)
	if err != nil {
		var httpErr *fetch.HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfterSeconds != nil {
			s.ledger.Apply(ctx, feed, *httpErr.RetryAfterSeconds)
		}
		return err
	}

	batchSize, err := s.resolver.persistBatch(ctx, feed, parsed)
	if err != nil {
		return err
	}

	if err := s.prune(ctx, feed, batchSize); err != nil {
		return err
	}

	s.applyBlockFilter(ctx, feed, syncStart)
	s.refreshSiteMetadata(ctx, feed, parsed)

	return nil
}

// prune converges the feed toward the retention cap. The cap never drops
// below what the source currently reports, and bookmarked items are
// exempt.
func (s *Service) prune(ctx context.Context, feed model.Feed, batchSize int) error {
	cap := s.maxItemsPerFeed
	if batchSize > cap {
		cap = batchSize
	}

	ids, err := s.items.ListPruneCandidates(ctx, feed.ID, cap)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := s.items.DeleteByIDs(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.blobs.DeleteBody(id); err != nil {
			logger.Warn("body blob delete failed", "module", "sync", "item_id", id, "error", err)
		}
		if err := s.blobs.DeleteFullText(id); err != nil {
			logger.Warn("full-text blob delete failed", "module", "sync", "item_id", id, "error", err)
		}
	}

	logger.Debug("pruned items", "module", "sync", "feed_id", feed.ID, "count", len(ids), "cap", cap)
	return nil
}

func (s *Service) applyBlockFilter(ctx context.Context, feed model.Feed, since time.Time) {
	if s.filter == nil {
		return
	}
	touched, err := s.items.ListTouchedSince(ctx, feed.ID, since)
	if err != nil {
		logger.Warn("block filter lookup failed", "module", "sync", "feed_id", feed.ID, "error", err)
		return
	}
	now := time.Now().UTC()
	for _, item := range touched {
		if item.BlockTime != nil || !s.filter.Matches(item) {
			continue
		}
		if err := s.items.UpdateBlockTime(ctx, item.ID, &now); err != nil {
			logger.Warn("block time update failed", "module", "sync", "item_id", item.ID, "error", err)
		}
	}
}

const siteMetadataMaxAge = 7 * 24 * time.Hour

// refreshSiteMetadata backfills the feed's image from the parsed feed
// icon. Best-effort; skipped while a recent attempt is on record.
func (s *Service) refreshSiteMetadata(ctx context.Context, feed model.Feed, parsed model.ParsedFeed) {
	if feed.ImageURL != nil && *feed.ImageURL != "" {
		return
	}
	if feed.SiteFetched != nil && time.Since(*feed.SiteFetched) < siteMetadataMaxAge {
		return
	}

	icon := parsed.Icon
	if icon == "" && parsed.HomePageURL != "" {
		icon = s.discoverSiteIcon(ctx, parsed.HomePageURL)
	}
	if icon == "" {
		return
	}
	if err := s.feeds.UpdateImage(ctx, feed.ID, icon, time.Now().UTC()); err != nil {
		logger.Warn("feed image update failed", "module", "sync", "feed_id", feed.ID, "error", err)
	}
}

func (s *Service) discoverSiteIcon(ctx context.Context, homePageURL string) string {
	resp, err := s.client.Fetch(ctx, homePageURL, false)
	if err != nil {
		return ""
	}
	meta, err := fetch.GetSiteMetaData(resp, homePageURL)
	if err != nil && meta.Icon == "" {
		return ""
	}
	return meta.Icon
}

// remoteExchange performs the once-per-pass best-effort calls to the peer
// sync service. Any failure is logged and never aborts the pass.
func (s *Service) remoteExchange(ctx context.Context, passID string) {
	if s.remote == nil {
		return
	}

	if feeds, err := s.remote.GetFeeds(ctx); err != nil {
		logger.Warn("remote getFeeds failed", "module", "sync", "pass_id", passID, "error", err)
	} else {
		s.mergeRemoteFeeds(ctx, feeds)
	}

	if marks, err := s.remote.GetRead(ctx); err != nil {
		logger.Warn("remote getRead failed", "module", "sync", "pass_id", passID, "error", err)
	} else {
		for _, mark := range marks {
			pending := model.ReadMark{FeedURL: mark.FeedURL, ItemGUID: mark.ItemGUID, MarkedAt: mark.MarkedAt}
			if err := s.readMarks.Upsert(ctx, pending); err != nil {
				logger.Warn("read mark store failed", "module", "sync", "pass_id", passID, "error", err)
			}
		}
	}

	s.pushReadMarks(ctx, passID)

	if devices, err := s.remote.GetDevices(ctx); err != nil {
		logger.Warn("remote getDevices failed", "module", "sync", "pass_id", passID, "error", err)
	} else {
		logger.Debug("remote devices", "module", "sync", "pass_id", passID, "count", len(devices))
	}

	local, err := s.feeds.List(ctx, nil)
	if err != nil {
		logger.Warn("local feed list failed", "module", "sync", "pass_id", passID, "error", err)
		return
	}
	payload := make([]remote.RemoteFeed, 0, len(local))
	for _, feed := range local {
		rf := remote.RemoteFeed{URL: feed.URL, Title: feed.Title}
		if feed.Tag != nil {
			rf.Tag = *feed.Tag
		}
		payload = append(payload, rf)
	}
	if err := s.remote.SendUpdatedFeeds(ctx, payload); err != nil {
		logger.Warn("remote sendUpdatedFeeds failed", "module", "sync", "pass_id", passID, "error", err)
	}
}

// pushReadMarks delivers locally recorded reads the peer has not seen.
// A mark stays queued until a push succeeds, so reads recorded while the
// peer was unreachable are replayed on a later pass.
func (s *Service) pushReadMarks(ctx context.Context, passID string) {
	pending, err := s.items.ListUnpushedRead(ctx)
	if err != nil {
		logger.Warn("unpushed read lookup failed", "module", "sync", "pass_id", passID, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	marks := make([]remote.RemoteReadMark, 0, len(pending))
	ids := make([]int64, 0, len(pending))
	for _, p := range pending {
		marks = append(marks, remote.RemoteReadMark{FeedURL: p.FeedURL, ItemGUID: p.ItemGUID, MarkedAt: p.ReadTime})
		ids = append(ids, p.ItemID)
	}
	if err := s.remote.MarkAsRead(ctx, marks); err != nil {
		logger.Warn("remote markAsRead failed", "module", "sync", "pass_id", passID, "error", err)
		return
	}
	if err := s.items.MarkReadPushed(ctx, ids); err != nil {
		logger.Warn("read push record failed", "module", "sync", "pass_id", passID, "error", err)
		return
	}
	logger.Info("read marks pushed", "module", "sync", "pass_id", passID, "count", len(ids))
}

func (s *Service) mergeRemoteFeeds(ctx context.Context, feeds []remote.RemoteFeed) {
	for _, rf := range feeds {
		existing, err := s.feeds.FindByURL(ctx, rf.URL)
		if err != nil || existing != nil {
			continue
		}
		feed := model.Feed{Title: rf.Title, URL: rf.URL}
		if feed.Title == "" {
			feed.Title = rf.URL
		}
		if rf.Tag != "" {
			tag := rf.Tag
			feed.Tag = &tag
		}
		if _, err := s.feeds.Create(ctx, feed); err != nil {
			logger.Warn("remote feed create failed", "module", "sync", "url", rf.URL, "error", err)
		}
	}
}

// applyReadMarks replays pending remote read marks against local items.
// Marks whose item has not been synced yet stay queued for a later pass.
func (s *Service) applyReadMarks(ctx context.Context, passID string) {
	marks, err := s.readMarks.List(ctx)
	if err != nil {
		logger.Warn("read mark list failed", "module", "sync", "pass_id", passID, "error", err)
		return
	}
	applied := 0
	for _, mark := range marks {
		matched, err := s.items.MarkReadByGUID(ctx, mark.FeedURL, mark.ItemGUID, mark.MarkedAt)
		if err != nil {
			logger.Warn("read mark apply failed", "module", "sync", "pass_id", passID, "error", err)
			continue
		}
		if matched {
			applied++
			if err := s.readMarks.Delete(ctx, mark.ID); err != nil {
				logger.Warn("read mark delete failed", "module", "sync", "pass_id", passID, "error", err)
			}
		}
	}
	if applied > 0 {
		logger.Info("remote read marks applied", "module", "sync", "pass_id", passID, "count", applied)
	}
}

func (s *Service) setSyncing(v bool) {
	s.stateMu.Lock()
	s.syncing = v
	s.stateMu.Unlock()
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("feed handling panicked: %v", e.value)
}
