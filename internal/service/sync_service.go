package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/metrics"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
	"github.com/fulcrologic/datomic-cloud-backup/internal/store"
)

// SyncStatus is the terminal state of a continuous restore run.
type SyncStatus int

const (
	// SyncCancelled means the run observed cancellation and drained cleanly.
	SyncCancelled SyncStatus = iota + 1
	// SyncChannelClosed means the prefetcher closed the pipeline.
	SyncChannelClosed
	// SyncFailed means an invariant violation terminated the pipeline.
	SyncFailed
)

// String renders the status for logs.
func (s SyncStatus) String() string {
	switch s {
	case SyncCancelled:
		return "cancelled"
	case SyncChannelClosed:
		return "channel-closed"
	case SyncFailed:
		return "failed"
	}
	return "unknown"
}

// SyncConfig holds continuous restore configuration
type SyncConfig struct {
	PollInterval      time.Duration
	PrefetchBuffer    int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// syncItem is what the prefetcher hands the consumer: a loaded segment, a
// caught-up marker, or an error marker.
type syncItem struct {
	seg      *model.Segment
	caughtUp bool
	err      error
}

// SyncService keeps a replica current: a prefetcher loads segments ahead of a
// consumer that applies them, the two coupled by a bounded channel whose
// backpressure paces the pipeline. One single-shot consumer serves the whole
// run, fed one prefetched segment at a time through a staging store, so
// replay state that must span segments (the composite-tuple carryover,
// accumulated idents) survives.
type SyncService struct {
	store   store.SegmentStore
	target  database.Target
	db      string
	staging *store.MemoryStore
	restore *RestoreService
	config  *SyncConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	// nextStartT is owned by the prefetcher after startup; the consumer
	// reconciles it only from durable target state.
	nextStartT atomic.Int64
}

// NewSyncService creates a continuous restore driver.
func NewSyncService(
	segStore store.SegmentStore,
	target database.Target,
	db string,
	idCache *cache.IDCache,
	replay ReplayOptions,
	cfg *SyncConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *SyncService {
	if cfg == nil {
		cfg = &SyncConfig{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PrefetchBuffer <= 0 {
		cfg.PrefetchBuffer = 5
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Minute
	}
	staging := store.NewMemoryStore()
	return &SyncService{
		store:   segStore,
		target:  target,
		db:      db,
		staging: staging,
		restore: NewRestoreService(staging, target, db, idCache, replay, logger, m),
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
}

// Run drives the pipeline until the context is cancelled or an invariant
// violation terminates it. Blocking.
func (s *SyncService) Run(ctx context.Context) (SyncStatus, error) {
	tLast, _, err := s.target.CursorT(ctx)
	if err != nil {
		return SyncFailed, err
	}
	s.nextStartT.Store(tLast + 1)

	ch := make(chan syncItem, s.config.PrefetchBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		s.prefetch(gctx, ch)
		return nil
	})

	var status SyncStatus
	g.Go(func() error {
		var err error
		status, err = s.consume(gctx, ch)
		return err
	})

	if err := g.Wait(); err != nil {
		if status == 0 {
			status = SyncFailed
		}
		return status, err
	}
	if status == 0 {
		status = SyncCancelled
	}
	return status, nil
}

// prefetch resolves and loads segments ahead of the consumer, pushing markers
// when it reaches the store tip or hits an error.
func (s *SyncService) prefetch(ctx context.Context, ch chan<- syncItem) {
	for {
		if ctx.Err() != nil {
			return
		}

		next := s.nextStartT.Load()
		seg, err := s.loadCovering(ctx, next)

		var item syncItem
		switch {
		case err != nil:
			item = syncItem{err: err}
		case seg == nil:
			item = syncItem{caughtUp: true}
		default:
			item = syncItem{seg: seg}
		}

		select {
		case <-ctx.Done():
			return
		case ch <- item:
			s.metrics.PrefetchQueueDepth.Set(float64(len(ch)))
		}

		if item.seg != nil {
			// Optimistic advance; the consumer resyncs from the target after
			// each applied segment in case this overshoots a partial apply.
			s.nextStartT.Store(item.seg.EndT + 1)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.PollInterval):
		}
	}
}

// loadCovering returns the loaded segment covering next or, when none covers
// it, the first segment starting after next; nil when the store has nothing
// at or past it.
func (s *SyncService) loadCovering(ctx context.Context, next int64) (*model.Segment, error) {
	last, err := s.store.Last(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if last == nil || last.EndT < next {
		return nil, nil
	}

	infos, err := s.store.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Covers(next) || info.StartT >= next {
			return s.store.LoadRange(ctx, s.db, info.StartT, info.EndT)
		}
	}
	return nil, nil
}

// consume applies prefetched segments in order, with exponential backoff on
// errors and a poll sleep when caught up.
func (s *SyncService) consume(ctx context.Context, ch <-chan syncItem) (SyncStatus, error) {
	retryDelay := s.config.InitialRetryDelay

	backoff := func() {
		s.metrics.SyncBackoffSeconds.Set(retryDelay.Seconds())
		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > s.config.MaxRetryDelay {
			retryDelay = s.config.MaxRetryDelay
		}
	}
	resetBackoff := func() {
		retryDelay = s.config.InitialRetryDelay
		s.metrics.SyncBackoffSeconds.Set(0)
	}

	for {
		select {
		case <-ctx.Done():
			return SyncCancelled, nil

		case item, ok := <-ch:
			if !ok {
				return SyncChannelClosed, nil
			}
			s.metrics.PrefetchQueueDepth.Set(float64(len(ch)))

			switch {
			case item.err != nil:
				s.metrics.SyncErrorsTotal.Inc()
				s.logger.Warn("Prefetch error",
					zap.String("db", s.db),
					zap.Duration("retry_delay", retryDelay),
					zap.Error(item.err))
				backoff()

			case item.caughtUp:
				s.metrics.SyncCaughtUpTotal.Inc()
				resetBackoff()
				select {
				case <-ctx.Done():
					return SyncCancelled, nil
				case <-time.After(s.config.PollInterval):
				}

			default:
				if err := s.applySegment(ctx, item.seg); err != nil {
					if dcberrors.IsInvariantViolation(err) {
						s.logger.Error("Invariant violation, terminating pipeline",
							zap.String("db", s.db),
							zap.Error(err))
						return SyncFailed, err
					}
					s.metrics.SyncErrorsTotal.Inc()
					s.logger.Warn("Segment apply failed",
						zap.String("db", s.db),
						zap.Duration("retry_delay", retryDelay),
						zap.Error(err))
					backoff()
				} else {
					resetBackoff()
				}
				// The durable cursor is authoritative; the prefetcher's
				// optimistic advance may have overshot a partial apply.
				if tLast, _, err := s.target.CursorT(ctx); err == nil {
					s.nextStartT.Store(tLast + 1)
				}
			}
		}
	}
}

// applySegment feeds one loaded segment to the run's consumer as the sole
// segment of the staging store.
func (s *SyncService) applySegment(ctx context.Context, seg *model.Segment) error {
	s.staging.Reset()
	if err := s.staging.Save(ctx, s.db, seg); err != nil {
		return err
	}
	res, err := s.restore.RestoreSegment(ctx)
	switch res {
	case RestoredSegment, NothingNewAvailable:
		return nil
	case PartialSegment:
		return dcberrors.Misaligned(s.db, seg.StartT)
	default:
		return err
	}
}
