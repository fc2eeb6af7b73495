package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/metrics"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
	"github.com/fulcrologic/datomic-cloud-backup/internal/store"
	"github.com/fulcrologic/datomic-cloud-backup/internal/util/workerpool"
)

// Gap is a missing stretch of the log between two stored segments, as a
// half-open range suitable for BackupSegment.
type Gap struct {
	StartT int64
	EndT   int64
}

// BackupConfig holds segment producer configuration
type BackupConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	Workers    int
}

// BackupService slices the source transaction log into numbered, durably
// stored segments with resumable, gap-repairable semantics.
type BackupService struct {
	log     database.Log
	store   store.SegmentStore
	db      string
	config  *BackupConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBackupService creates a new segment producer
func NewBackupService(
	log database.Log,
	segStore store.SegmentStore,
	db string,
	cfg *BackupConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *BackupService {
	if cfg == nil {
		cfg = &BackupConfig{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &BackupService{
		log:     log,
		store:   segStore,
		db:      db,
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
}

// BackupSegment reads the source log in the half-open range [startT, endT)
// and writes one segment bounded by the actual observed positions, which may
// be narrower when the range is sparse. Idempotent per range. Returns nil
// when the range holds no transactions.
func (s *BackupService) BackupSegment(ctx context.Context, startT, endT int64) (*model.SegmentInfo, error) {
	info, _, err := s.backupRange(ctx, startT, endT)
	return info, err
}

func (s *BackupService) backupRange(ctx context.Context, startT, endT int64) (*model.SegmentInfo, int, error) {
	txs, err := s.log.TxRange(ctx, startT, endT)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read source log: %w", err)
	}
	if len(txs) == 0 {
		return nil, 0, nil
	}

	refs, err := s.log.RefAttrs(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read ref attributes: %w", err)
	}
	idents, err := s.log.BaseIdents(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read base idents: %w", err)
	}

	seg := &model.Segment{
		StartT:       txs[0].T,
		EndT:         txs[len(txs)-1].T,
		Refs:         refs,
		IDToAttr:     idents,
		Transactions: txs,
	}

	start := time.Now()
	if err := s.store.Save(ctx, s.db, seg); err != nil {
		return nil, 0, fmt.Errorf("failed to save segment [%d,%d]: %w", seg.StartT, seg.EndT, err)
	}
	s.metrics.SegmentsWritten.Inc()
	s.metrics.SegmentWriteDuration.Observe(time.Since(start).Seconds())

	s.logger.Info("Backed up segment",
		zap.String("db", s.db),
		zap.Int64("start_t", seg.StartT),
		zap.Int64("end_t", seg.EndT),
		zap.Int("transactions", len(txs)))

	info := seg.Info()
	return &info, len(txs), nil
}

// BackupNext continues from the last stored segment, writing at most maxTxns
// transactions. Returns the number written; zero when already at the tip.
// Safe to call from a periodic driver.
func (s *BackupService) BackupNext(ctx context.Context, maxTxns int64) (int, error) {
	last, err := s.store.Last(ctx, s.db)
	if err != nil {
		return 0, fmt.Errorf("failed to read last segment info: %w", err)
	}

	start := int64(1)
	if last != nil {
		start = last.EndT + 1
	}

	_, n, err := s.backupRange(ctx, start, start+maxTxns)
	return n, err
}

// BackupBulk backs up from (startingSegment x txnsPerSegment) through the
// current source tip in equal-sized ranges, optionally fanning out across a
// worker pool. Each segment is retried on transient failure; exhausting the
// retries poisons the run and fails the whole operation with the offending
// range.
func (s *BackupService) BackupBulk(ctx context.Context, txnsPerSegment, startingSegment int64, parallel bool) error {
	if txnsPerSegment <= 0 {
		return dcberrors.Configuration("txns_per_segment must be positive", nil)
	}

	latest, err := s.log.LatestT(ctx)
	if err != nil {
		return fmt.Errorf("failed to read source tip: %w", err)
	}

	segStart := func(i int64) int64 { return i*txnsPerSegment + 1 }

	var ranges []Gap
	for i := startingSegment; segStart(i) <= latest; i++ {
		ranges = append(ranges, Gap{StartT: segStart(i), EndT: segStart(i + 1)})
	}
	if len(ranges) == 0 {
		return nil
	}

	var poisoned atomic.Bool
	var failedMu sync.Mutex
	var failed *Gap

	run := func(ctx context.Context, r Gap) error {
		if poisoned.Load() {
			return nil
		}
		err := s.backupWithRetry(ctx, r)
		if err != nil {
			poisoned.Store(true)
			failedMu.Lock()
			if failed == nil {
				failed = &r
			}
			failedMu.Unlock()
		}
		return err
	}

	if !parallel {
		for _, r := range ranges {
			if err := run(ctx, r); err != nil {
				return dcberrors.BackupFailed(r.StartT, r.EndT, err)
			}
		}
		return nil
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "bulk-backup",
		MaxWorkers: s.config.Workers,
		QueueSize:  len(ranges),
		Logger:     s.logger,
	})

	var wg sync.WaitGroup
	for _, r := range ranges {
		r := r
		wg.Add(1)
		task := workerpool.Task{
			ID: fmt.Sprintf("%s.%d-%d", s.db, r.StartT, r.EndT),
			Fn: func(taskCtx context.Context) error {
				defer wg.Done()
				return run(ctx, r)
			},
		}
		if err := pool.SubmitWithContext(ctx, task); err != nil {
			wg.Done()
			poisoned.Store(true)
		}
	}
	wg.Wait()

	stats := pool.Stats()
	if err := pool.Stop(30 * time.Second); err != nil {
		s.logger.Warn("Worker pool did not stop cleanly", zap.Error(err))
	}
	s.logger.Info("Bulk backup finished",
		zap.String("db", s.db),
		zap.Uint64("completed", stats.CompletedTasks),
		zap.Uint64("failed", stats.FailedTasks))

	if poisoned.Load() {
		failedMu.Lock()
		defer failedMu.Unlock()
		if failed != nil {
			return dcberrors.BackupFailed(failed.StartT, failed.EndT, nil)
		}
		return dcberrors.BackupFailed(0, 0, ctx.Err())
	}
	return nil
}

func (s *BackupService) backupWithRetry(ctx context.Context, r Gap) error {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.BackupRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.RetryDelay):
			}
		}
		_, _, lastErr = s.backupRange(ctx, r.StartT, r.EndT)
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("Segment backup attempt failed",
			zap.String("db", s.db),
			zap.Int64("start_t", r.StartT),
			zap.Int64("end_t", r.EndT),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return lastErr
}

// Gaps inspects the stored segment sequence and returns the missing ranges.
// Overlapping segments are logged but never repaired automatically.
func (s *BackupService) Gaps(ctx context.Context) ([]Gap, error) {
	infos, err := s.store.List(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}

	var gaps []Gap
	for i := 1; i < len(infos); i++ {
		prev, next := infos[i-1], infos[i]
		if next.StartT <= prev.EndT {
			s.logger.Warn("Overlapping segments",
				zap.String("db", s.db),
				zap.Int64("prev_start", prev.StartT),
				zap.Int64("prev_end", prev.EndT),
				zap.Int64("next_start", next.StartT),
				zap.Int64("next_end", next.EndT))
			continue
		}
		if next.StartT > prev.EndT+1 {
			gaps = append(gaps, Gap{StartT: prev.EndT + 1, EndT: next.StartT})
		}
	}
	return gaps, nil
}

// Repair fills every gap by backing up its range, restoring the invariant
// that the stored segments form a contiguous sequence.
func (s *BackupService) Repair(ctx context.Context) error {
	gaps, err := s.Gaps(ctx)
	if err != nil {
		return err
	}
	for _, g := range gaps {
		if _, err := s.BackupSegment(ctx, g.StartT, g.EndT); err != nil {
			return fmt.Errorf("failed to repair gap [%d,%d): %w", g.StartT, g.EndT, err)
		}
		s.metrics.GapsRepairedTotal.Inc()
		s.logger.Info("Repaired gap",
			zap.String("db", s.db),
			zap.Int64("start_t", g.StartT),
			zap.Int64("end_t", g.EndT))
	}
	return nil
}
