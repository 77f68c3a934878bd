package scheduler

import (
	"context"
	"sync"
	"time"

	"skimmer/internal/logger"
	syncsvc "skimmer/internal/sync"
)

// Scheduler triggers a sync pass on a fixed interval. Pass mechanics
// (serialization, lanes, staleness) live in the sync service; this only
// supplies the timer.
type Scheduler struct {
	service    *syncsvc.Service
	interval   time.Duration
	minFeedAge time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
	mu         sync.Mutex // protects cancelFunc
}

func New(service *syncsvc.Service, interval, minFeedAge time.Duration) *Scheduler {
	return &Scheduler{
		service:    service,
		interval:   interval,
		minFeedAge: minFeedAge,
		stopCh:     make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	logger.Info("scheduler started", "module", "scheduler", "action", "sync", "resource", "feed", "result", "ok", "interval_ms", s.interval.Milliseconds())
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logger.Info("scheduler stopped", "module", "scheduler", "action", "sync", "resource", "feed", "result", "ok")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.trigger()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.trigger()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) trigger() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)

	s.mu.Lock()
	s.cancelFunc = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelFunc = nil
		s.mu.Unlock()
	}()

	ok := s.service.SyncFeeds(ctx, syncsvc.Options{MinFeedAge: s.minFeedAge})
	if !ok {
		if ctx.Err() != nil {
			logger.Warn("scheduled sync cancelled", "module", "scheduler", "action", "sync", "resource", "feed", "result", "cancelled")
			return
		}
		logger.Error("scheduled sync failed", "module", "scheduler", "action", "sync", "resource", "feed", "result", "failed")
	}
}
