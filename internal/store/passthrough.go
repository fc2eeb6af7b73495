package store

import (
	"context"

	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// PassthroughStore presents a live source connection as a virtual read-only
// segment store, slicing the log into fixed-size virtual segments on demand.
// Nothing is persisted; Save always fails.
type PassthroughStore struct {
	log         database.Log
	segmentSize int64
}

// NewPassthroughStore wraps a live source log. segmentSize is the virtual
// segment length in transactions.
func NewPassthroughStore(log database.Log, segmentSize int64) *PassthroughStore {
	if segmentSize <= 0 {
		segmentSize = 1000
	}
	return &PassthroughStore{log: log, segmentSize: segmentSize}
}

// Save implements SegmentStore; the passthrough has no write side.
func (s *PassthroughStore) Save(ctx context.Context, db string, seg *model.Segment) error {
	return dcberrors.StoreReadOnly("passthrough")
}

// List implements SegmentStore by synthesizing virtual segment bounds from
// the log's current tip.
func (s *PassthroughStore) List(ctx context.Context, db string) ([]model.SegmentInfo, error) {
	latest, err := s.log.LatestT(ctx)
	if err != nil {
		return nil, err
	}
	var infos []model.SegmentInfo
	for start := int64(1); start <= latest; start += s.segmentSize {
		end := start + s.segmentSize - 1
		if end > latest {
			end = latest
		}
		infos = append(infos, model.SegmentInfo{StartT: start, EndT: end})
	}
	return infos, nil
}

// Last implements SegmentStore.
func (s *PassthroughStore) Last(ctx context.Context, db string) (*model.SegmentInfo, error) {
	infos, err := s.List(ctx, db)
	if err != nil || len(infos) == 0 {
		return nil, err
	}
	last := infos[len(infos)-1]
	return &last, nil
}

// Load implements SegmentStore by reading the virtual segment's range
// straight from the log.
func (s *PassthroughStore) Load(ctx context.Context, db string, startT int64) (*model.Segment, error) {
	if startT == 0 {
		startT = 1
	}
	infos, err := s.List(ctx, db)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.StartT == startT {
			return s.materialize(ctx, db, info)
		}
	}
	return nil, dcberrors.SegmentNotFound(db, startT)
}

// LoadRange implements SegmentStore.
func (s *PassthroughStore) LoadRange(ctx context.Context, db string, startT, endT int64) (*model.Segment, error) {
	seg, err := s.Load(ctx, db, startT)
	if err != nil {
		return nil, err
	}
	if seg.EndT != endT {
		return nil, dcberrors.SegmentNotFound(db, startT)
	}
	return seg, nil
}

func (s *PassthroughStore) materialize(ctx context.Context, db string, info model.SegmentInfo) (*model.Segment, error) {
	txs, err := s.log.TxRange(ctx, info.StartT, info.EndT+1)
	if err != nil {
		return nil, err
	}
	refs, err := s.log.RefAttrs(ctx)
	if err != nil {
		return nil, err
	}
	idents, err := s.log.BaseIdents(ctx)
	if err != nil {
		return nil, err
	}
	return &model.Segment{
		StartT:       info.StartT,
		EndT:         info.EndT,
		Refs:         refs,
		IDToAttr:     idents,
		Transactions: txs,
	}, nil
}
