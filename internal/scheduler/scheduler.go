// Package scheduler drives periodic work: RSS polls per source
// cadence, a daily web sweep, and weekly index maintenance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/crawler"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/executor"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/ingest"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/store"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/vector"
)

// Defaults for the scheduler.
const (
	DefaultTick        = time.Minute
	DefaultSweepHour   = 3 // local time, low-traffic window
	DefaultLongRunWarn = 5 * time.Minute

	// maxBackoffFactor caps the failure backoff at 16x the cadence.
	maxBackoffFactor = 16
)

// Config tunes the scheduler.
type Config struct {
	// Tick is how often due-ness is evaluated.
	Tick time.Duration

	// SweepHour is the local hour of the daily web-source sweep.
	SweepHour int

	// MaintenanceWeekday is when the weekly compaction pass runs,
	// during the sweep hour.
	MaintenanceWeekday time.Weekday

	// LongRunWarn logs a warning when one source's poll exceeds it.
	LongRunWarn time.Duration
}

// Compactor is the slice of the vector manager maintenance needs.
type Compactor interface {
	Compact(ctx context.Context, userID int64) error
	Stats(ctx context.Context, userID int64) (vector.Meta, error)
}

// Scheduler polls sources on their cadence. A source still being
// polled when its next slot arrives is skipped, not stacked.
type Scheduler struct {
	config  Config
	store   *store.Store
	rss     *crawler.RSSCrawler
	scraper *crawler.Scraper
	coord   *ingest.Coordinator
	pool    *executor.Pool
	vectors Compactor
	logger  *slog.Logger

	mu          sync.Mutex
	inFlight    map[int64]bool // source id -> poll running
	lastSweep   time.Time
	lastMaint   time.Time
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler.
func New(cfg Config, st *store.Store, rss *crawler.RSSCrawler, scraper *crawler.Scraper,
	coord *ingest.Coordinator, pool *executor.Pool, vectors Compactor, logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.SweepHour < 0 || cfg.SweepHour > 23 {
		cfg.SweepHour = DefaultSweepHour
	}
	if cfg.LongRunWarn <= 0 {
		cfg.LongRunWarn = DefaultLongRunWarn
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   cfg,
		store:    st,
		rss:      rss,
		scraper:  scraper,
		coord:    coord,
		pool:     pool,
		vectors:  vectors,
		logger:   logger.With("component", "scheduler"),
		inFlight: make(map[int64]bool),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.config.Tick)
		defer ticker.Stop()

		s.logger.Info("scheduler started",
			"tick", s.config.Tick, "sweep_hour", s.config.SweepHour)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the loop. Polls already submitted to the executor drain
// with the pool.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("scheduler stopped")
}

// tick evaluates due sources and the daily/weekly jobs. A missed slot
// (process down, long poll) coalesces into a single run at the next
// tick rather than stacking catch-up polls.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	sources, err := s.store.ListActiveSources(ctx, model.SourceKindRSS)
	if err != nil {
		s.logger.Error("list rss sources", "error", err)
	} else {
		for _, src := range sources {
			if s.due(src, now) {
				s.submitPoll(src)
			}
		}
	}

	if now.Hour() == s.config.SweepHour {
		if !sameDay(s.lastSweepTime(), now) {
			s.markSweep(now)
			s.submitWebSweep()
		}
		if now.Weekday() == s.config.MaintenanceWeekday && !sameDay(s.lastMaintTime(), now) {
			s.markMaint(now)
			s.submitMaintenance()
		}
	}
}

// due applies the cadence with exponential failure backoff: after n
// consecutive failures the effective interval is cadence*2^n, capped
// at 16x.
func (s *Scheduler) due(src *model.Source, now time.Time) bool {
	s.mu.Lock()
	running := s.inFlight[src.ID]
	s.mu.Unlock()
	if running {
		return false
	}

	if src.LastFetchedAt == nil {
		return true
	}

	factor := 1
	for i := 0; i < src.FailureCount && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	interval := time.Duration(src.CadenceSeconds*factor) * time.Second
	return now.Sub(*src.LastFetchedAt) >= interval
}

func (s *Scheduler) submitPoll(src *model.Source) error {
	s.mu.Lock()
	if s.inFlight[src.ID] {
		s.mu.Unlock()
		return nil
	}
	s.inFlight[src.ID] = true
	s.mu.Unlock()

	err := s.pool.Submit(executor.Task{
		UserID: src.UserID,
		Kind:   executor.KindSchedulerJob,
		Run: func(ctx context.Context) error {
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, src.ID)
				s.mu.Unlock()
			}()
			return s.PollSource(ctx, src)
		},
	})
	if err != nil {
		s.mu.Lock()
		delete(s.inFlight, src.ID)
		s.mu.Unlock()
		s.logger.Warn("poll not scheduled", "source_id", src.ID, "error", err)
	}
	return err
}

// EnqueuePoll submits a one-off poll for the source, the same task the
// cadence loop schedules. A poll already running for the source
// coalesces into it; a full queue surfaces as a backpressure error.
func (s *Scheduler) EnqueuePoll(src *model.Source) error {
	return s.submitPoll(src)
}

// PollSource fetches one source and ingests its new articles. Also
// used by the manual refresh endpoint.
func (s *Scheduler) PollSource(ctx context.Context, src *model.Source) error {
	start := s.now()

	var since time.Time
	if src.LastFetchedAt != nil {
		since = *src.LastFetchedAt
	}

	var articles []model.Article
	var err error
	switch src.Kind {
	case model.SourceKindRSS:
		articles, err = s.rss.Fetch(ctx, src.URL, since)
	case model.SourceKindWeb:
		var article *model.Article
		article, err = s.scraper.Scrape(ctx, src.URL)
		if article != nil {
			articles = []model.Article{*article}
		}
	default:
		err = fmt.Errorf("unknown source kind %q", src.Kind)
	}

	elapsed := s.now().Sub(start)
	if elapsed > s.config.LongRunWarn {
		s.logger.Warn("slow source poll",
			"source_id", src.ID, "url", src.URL, "elapsed", elapsed)
	}

	if err != nil {
		if recErr := s.store.RecordPoll(ctx, src.ID, start, err.Error()); recErr != nil {
			s.logger.Error("record poll failure", "source_id", src.ID, "error", recErr)
		}
		return err
	}

	created, skipped, failures := s.coord.IngestBatch(ctx, src.UserID, articles,
		model.SourceType(src.Kind), src.AutoTags)

	pollErr := ""
	if len(failures) > 0 {
		pollErr = fmt.Sprintf("%d of %d articles failed", len(failures), len(articles))
	}
	if recErr := s.store.RecordPoll(ctx, src.ID, start, pollErr); recErr != nil {
		s.logger.Error("record poll", "source_id", src.ID, "error", recErr)
	}

	s.logger.Info("source polled",
		"source_id", src.ID, "kind", src.Kind,
		"created", len(created), "skipped", skipped,
		"failed", len(failures), "elapsed", elapsed)
	return nil
}

// submitWebSweep scrapes every active web source once.
func (s *Scheduler) submitWebSweep() {
	ctx := context.Background()
	sources, err := s.store.ListActiveSources(ctx, model.SourceKindWeb)
	if err != nil {
		s.logger.Error("list web sources", "error", err)
		return
	}

	s.logger.Info("web sweep starting", "sources", len(sources))
	for _, src := range sources {
		s.submitPoll(src)
	}
}

// submitMaintenance compacts the indices carrying deletion debt.
// Users whose index has no lazily deleted vectors are skipped; a
// rebuild would only churn disk for them.
func (s *Scheduler) submitMaintenance() {
	ctx := context.Background()
	userIDs, err := s.store.ListUserIDs(ctx)
	if err != nil {
		s.logger.Error("list users for maintenance", "error", err)
		return
	}

	s.logger.Info("maintenance starting", "users", len(userIDs))
	for _, userID := range userIDs {
		userID := userID
		meta, err := s.vectors.Stats(ctx, userID)
		if err != nil {
			s.logger.Warn("maintenance stats unavailable", "user_id", userID, "error", err)
			continue
		}
		if meta.DeletedCount == 0 {
			continue
		}
		err = s.pool.Submit(executor.Task{
			UserID: userID,
			Kind:   executor.KindCompactIndex,
			Run: func(taskCtx context.Context) error {
				return s.vectors.Compact(taskCtx, userID)
			},
		})
		if err != nil {
			s.logger.Warn("maintenance not scheduled", "user_id", userID, "error", err)
		}
	}
}

func (s *Scheduler) lastSweepTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

func (s *Scheduler) markSweep(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSweep = t
}

func (s *Scheduler) lastMaintTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMaint
}

func (s *Scheduler) markMaint(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMaint = t
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
