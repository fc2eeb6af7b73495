package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fulcrologic/datomic-cloud-backup/internal/codec"
	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// MemoryStore keeps encoded segments in a map indexed by start. Intended for
// tests and dry runs; encoding on Save keeps its round-trip behavior
// identical to the durable backends.
type MemoryStore struct {
	mu   sync.RWMutex
	dbs  map[string]map[int64][]byte
	ends map[string]map[int64]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dbs:  make(map[string]map[int64][]byte),
		ends: make(map[string]map[int64]int64),
	}
}

// Reset discards every stored segment. The continuous driver uses a memory
// store as a single-segment staging area and clears it between segments.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs = make(map[string]map[int64][]byte)
	s.ends = make(map[string]map[int64]int64)
}

// Save implements SegmentStore.
func (s *MemoryStore) Save(ctx context.Context, db string, seg *model.Segment) error {
	data, err := codec.Encode(seg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dbs[db] == nil {
		s.dbs[db] = make(map[int64][]byte)
		s.ends[db] = make(map[int64]int64)
	}
	s.dbs[db][seg.StartT] = data
	s.ends[db][seg.StartT] = seg.EndT
	return nil
}

// List implements SegmentStore.
func (s *MemoryStore) List(ctx context.Context, db string) ([]model.SegmentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []model.SegmentInfo
	for start, end := range s.ends[db] {
		infos = append(infos, model.SegmentInfo{StartT: start, EndT: end})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartT < infos[j].StartT })
	return infos, nil
}

// Last implements SegmentStore.
func (s *MemoryStore) Last(ctx context.Context, db string) (*model.SegmentInfo, error) {
	infos, err := s.List(ctx, db)
	if err != nil || len(infos) == 0 {
		return nil, err
	}
	last := infos[len(infos)-1]
	return &last, nil
}

// Load implements SegmentStore.
func (s *MemoryStore) Load(ctx context.Context, db string, startT int64) (*model.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if startT == 0 {
		min := int64(-1)
		for start := range s.dbs[db] {
			if min < 0 || start < min {
				min = start
			}
		}
		if min < 0 {
			return nil, dcberrors.SegmentNotFound(db, startT)
		}
		startT = min
	}

	data, ok := s.dbs[db][startT]
	if !ok {
		return nil, dcberrors.SegmentNotFound(db, startT)
	}
	return codec.Decode(data)
}

// LoadRange implements SegmentStore.
func (s *MemoryStore) LoadRange(ctx context.Context, db string, startT, endT int64) (*model.Segment, error) {
	s.mu.RLock()
	end, ok := s.ends[db][startT]
	s.mu.RUnlock()
	if !ok || end != endT {
		return nil, dcberrors.SegmentNotFound(db, startT)
	}
	return s.Load(ctx, db, startT)
}
