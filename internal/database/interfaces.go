// Package database defines the contracts this replicator consumes from the
// source and target database clients, which remain external collaborators.
// Queries, index probes and transactions are consumed as opaque operations.
package database

import (
	"context"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// DefaultTransactTimeout bounds a single target transaction.
const DefaultTransactTimeout = 10 * time.Minute

// Cardinality of an attribute on the target.
type Cardinality int

const (
	CardinalityOne Cardinality = iota + 1
	CardinalityMany
)

// TxResult is the outcome of a committed target transaction.
type TxResult struct {
	// TxEID is the target's EID for the transaction entity.
	TxEID int64
	// TempIDs maps each tempid submitted in the transaction to the EID the
	// target assigned it.
	TempIDs map[string]int64
}

// Log reads the source database's ordered transaction log.
type Log interface {
	// TxRange returns the log entries in the half-open range [startT, endT).
	// An endT of 0 means "through the current tip".
	TxRange(ctx context.Context, startT, endT int64) ([]model.TxLogEntry, error)

	// LatestT returns the log position of the newest transaction, or 0 for an
	// empty database.
	LatestT(ctx context.Context) (int64, error)

	// RefAttrs returns the source EIDs of reference-typed attributes.
	RefAttrs(ctx context.Context) (map[int64]struct{}, error)

	// BaseIdents returns the source's base-schema EID-to-ident mapping,
	// as of a time before any user schema was installed.
	BaseIdents(ctx context.Context) (map[int64]model.Keyword, error)
}

// Target writes to the replica database and answers the probes replay needs.
type Target interface {
	// Transact submits one transaction. The operation list is applied
	// atomically; a CAS mismatch rejects the whole transaction.
	Transact(ctx context.Context, ops []model.Op, timeout time.Duration) (*TxResult, error)

	// CursorT reads the last-source-transaction cursor. ok is false when the
	// bookkeeping schema has not been installed yet.
	CursorT(ctx context.Context) (t int64, ok bool, err error)

	// EIDByOriginalID probes the original-id index for a source EID.
	EIDByOriginalID(ctx context.Context, srcEID int64) (eid int64, found bool, err error)

	// MaxOriginalID returns the largest source EID recorded on the target,
	// or found=false on a fresh target. Used to reseed the ID cache's
	// watermark after a process restart.
	MaxOriginalID(ctx context.Context) (srcEID int64, found bool, err error)

	// RefAttrs returns the idents of reference-typed attributes currently
	// installed on the target.
	RefAttrs(ctx context.Context) (map[model.Keyword]struct{}, error)

	// Cardinalities returns the cardinality of every installed attribute.
	Cardinalities(ctx context.Context) (map[model.Keyword]Cardinality, error)

	// CompositeAttrs returns the idents of composite tuple attributes, whose
	// values the target derives itself.
	CompositeAttrs(ctx context.Context) (map[model.Keyword]struct{}, error)

	// HasBookkeeping reports whether the bookkeeping idents are installed.
	HasBookkeeping(ctx context.Context) (bool, error)

	// BookkeepingEIDs returns the target EIDs of the original-id attribute
	// and the cursor entity, or zeros when not installed. Replay uses them to
	// recognize bookkeeping datoms arriving from a chained source.
	BookkeepingEIDs(ctx context.Context) (originalID, cursor int64, err error)
}
