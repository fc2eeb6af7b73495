// Package store persists segments in key-addressed blob stores. A store maps
// a database name to an ordered, gap-free sequence of segments keyed by
// (start_t, end_t).
package store

import (
	"context"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// SegmentStore is the capability set the replication core consumes.
type SegmentStore interface {
	// Save atomically publishes one segment. Overwriting the same range is
	// idempotent.
	Save(ctx context.Context, db string, seg *model.Segment) error

	// List returns the infos of every stored segment, sorted by StartT.
	List(ctx context.Context, db string) ([]model.SegmentInfo, error)

	// Last cheaply returns the newest segment's info, or nil when the store
	// holds none. Must agree with List when both are available.
	Last(ctx context.Context, db string) (*model.SegmentInfo, error)

	// Load returns the segment whose StartT matches exactly. A startT of 0
	// means "the first segment".
	Load(ctx context.Context, db string, startT int64) (*model.Segment, error)

	// LoadRange returns the segment matching both bounds exactly.
	LoadRange(ctx context.Context, db string, startT, endT int64) (*model.Segment, error)
}
