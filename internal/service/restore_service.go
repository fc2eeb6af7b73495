package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	"github.com/fulcrologic/datomic-cloud-backup/internal/metrics"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
	"github.com/fulcrologic/datomic-cloud-backup/internal/store"
)

// RestoreResult is the outcome of one RestoreSegment call.
type RestoreResult int

const (
	// RestoredSegment means one segment was applied completely.
	RestoredSegment RestoreResult = iota + 1
	// NothingNewAvailable means the store holds nothing past the cursor.
	NothingNewAvailable
	// TransactionFailed means a target transaction was rejected; the cursor
	// did not advance past the failure.
	TransactionFailed
	// PartialSegment means no stored segment covers the resume point; the
	// caller may repair gaps and retry.
	PartialSegment
)

// String renders the result for logs.
func (r RestoreResult) String() string {
	switch r {
	case RestoredSegment:
		return "restored-segment"
	case NothingNewAvailable:
		return "nothing-new-available"
	case TransactionFailed:
		return "transaction-failed"
	case PartialSegment:
		return "partial-segment"
	}
	return "unknown"
}

// RestoreService is the single-shot segment consumer: it locates the resume
// point in the target, loads the covering segment, and applies its
// transactions in order through the replay engine. The replay engine lives
// for the whole consumer, not one segment: its carryover buffer and
// accumulated ident knowledge must survive segment boundaries.
type RestoreService struct {
	store   store.SegmentStore
	target  database.Target
	db      string
	cache   *cache.IDCache
	replay  *ReplayService
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRestoreService creates a consumer for one source database name.
func NewRestoreService(
	segStore store.SegmentStore,
	target database.Target,
	db string,
	idCache *cache.IDCache,
	opts ReplayOptions,
	logger *zap.Logger,
	m *metrics.Metrics,
) *RestoreService {
	return &RestoreService{
		store:   segStore,
		target:  target,
		db:      db,
		cache:   idCache,
		replay:  NewReplayService(db, target, idCache, opts, logger, m),
		logger:  logger,
		metrics: m,
	}
}

// RestoreSegment applies the next unapplied segment, if any. The returned
// error carries detail when the result is TransactionFailed.
func (s *RestoreService) RestoreSegment(ctx context.Context) (RestoreResult, error) {
	tLast, _, err := s.target.CursorT(ctx)
	if err != nil {
		return TransactionFailed, fmt.Errorf("failed to read target cursor: %w", err)
	}
	desired := tLast + 1

	// A cold cache with a non-empty target means this process restarted;
	// reseed the watermark so prior mappings resolve by probe instead of
	// being minted again.
	if tLast > 0 && s.cache.Watermark() == 0 {
		maxSrc, found, err := s.target.MaxOriginalID(ctx)
		if err != nil {
			return TransactionFailed, fmt.Errorf("failed to read max original-id: %w", err)
		}
		if found {
			s.cache.SeedWatermark(model.EntityIndex(maxSrc))
		}
	}

	last, err := s.store.Last(ctx, s.db)
	if err != nil {
		return TransactionFailed, fmt.Errorf("failed to read last segment info: %w", err)
	}
	if last == nil || last.EndT < desired {
		return NothingNewAvailable, nil
	}

	if desired < 2 {
		if err := database.EnsureBookkeeping(ctx, s.target); err != nil {
			return TransactionFailed, err
		}
	}

	infos, err := s.store.List(ctx, s.db)
	if err != nil {
		return TransactionFailed, fmt.Errorf("failed to list segments: %w", err)
	}
	var covering *int64
	for _, info := range infos {
		if info.Covers(desired) {
			start := info.StartT
			covering = &start
			break
		}
	}
	if covering == nil {
		// Segments exist past the cursor but none covers the resume point:
		// the sequence has a gap the producer should repair.
		s.logger.Warn("No segment covers resume point",
			zap.String("db", s.db),
			zap.Int64("desired_start", desired))
		return PartialSegment, nil
	}

	seg, err := s.store.Load(ctx, s.db, *covering)
	if err != nil {
		return TransactionFailed, fmt.Errorf("failed to load segment: %w", err)
	}
	s.metrics.SegmentsLoaded.Inc()

	if seg.LastT() < desired {
		return PartialSegment, nil
	}

	s.replay.SetCursor(tLast)
	s.replay.BeginSegment(seg)
	if err := s.replay.RefreshSchema(ctx); err != nil {
		return TransactionFailed, err
	}

	for _, tx := range seg.Transactions {
		if tx.T <= tLast {
			continue
		}
		schemaChanged, err := s.replay.ApplyTransaction(ctx, tx)
		if err != nil {
			s.logger.Error("Transaction replay failed",
				zap.String("db", s.db),
				zap.Int64("t", tx.T),
				zap.Error(err))
			return TransactionFailed, err
		}
		if schemaChanged {
			if err := s.replay.RefreshSchema(ctx); err != nil {
				return TransactionFailed, err
			}
		}
	}

	s.logger.Info("Restored segment",
		zap.String("db", s.db),
		zap.Int64("start_t", seg.StartT),
		zap.Int64("end_t", seg.EndT))
	return RestoredSegment, nil
}

// RestoreAll applies segments until the store is exhausted. Returns the last
// non-progress result.
func (s *RestoreService) RestoreAll(ctx context.Context) (RestoreResult, error) {
	for {
		res, err := s.RestoreSegment(ctx)
		if res != RestoredSegment {
			return res, err
		}
	}
}
