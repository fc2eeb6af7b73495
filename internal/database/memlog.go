package database

import (
	"context"
	"sync"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// Partitions used by the in-memory source when allocating EIDs.
const (
	PartDB   int64 = 0
	PartTx   int64 = 3
	PartUser int64 = 4
)

// MemLog is an in-memory source database log. It hands out EIDs with a
// globally-monotonic entity index, the way a real source does, and exposes
// helpers for building histories in tests and simulations.
type MemLog struct {
	mu         sync.RWMutex
	txs        []model.TxLogEntry
	refAttrs   map[int64]struct{}
	baseIdents map[int64]model.Keyword
	nextIdx    int64
}

// NewMemLog creates an empty in-memory source with the base-schema attributes
// pre-allocated.
func NewMemLog() *MemLog {
	l := &MemLog{
		refAttrs:   make(map[int64]struct{}),
		baseIdents: make(map[int64]model.Keyword),
	}
	for _, kw := range []model.Keyword{
		DBIdent, DBValueType, DBCardinality, DBUnique, DBNoHistory,
		DBTupleAttrs, DBTxInstant, DBInstallAttribute,
	} {
		l.baseIdents[l.NewEID(PartDB)] = kw
	}
	return l
}

// NewEID allocates a fresh EID in the given partition. Entity indexes are
// monotonic across all partitions.
func (l *MemLog) NewEID(partition int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextIdx++
	return partition<<model.EntityIndexBits | l.nextIdx
}

// BaseAttrEID returns the EID of a base-schema attribute.
func (l *MemLog) BaseAttrEID(kw model.Keyword) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for eid, k := range l.baseIdents {
		if k == kw {
			return eid
		}
	}
	return 0
}

// MarkRef records that an attribute EID is reference-typed.
func (l *MemLog) MarkRef(attrEID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refAttrs[attrEID] = struct{}{}
}

// AppendTx appends one transaction to the log. The transaction entity EID is
// allocated here; every datom's Tx field is stamped with it. When instant is
// nonzero a txInstant datom is prepended, as the source itself would.
// Returns the new log position.
func (l *MemLog) AppendTx(instant time.Time, datoms []model.Datom) (t int64, txEID int64) {
	return l.AppendTxWith(instant, func(int64) []model.Datom { return datoms })
}

// AppendTxWith is AppendTx for transactions whose datoms reference the
// transaction entity itself (installs, tx annotations): build receives the
// allocated tx EID.
func (l *MemLog) AppendTxWith(instant time.Time, build func(txEID int64) []model.Datom) (t int64, txEID int64) {
	txEID = l.NewEID(PartTx)
	datoms := build(txEID)

	l.mu.Lock()
	defer l.mu.Unlock()

	t = int64(len(l.txs)) + 1
	entry := model.TxLogEntry{T: t}
	if !instant.IsZero() {
		entry.Datoms = append(entry.Datoms, model.Datom{
			E: txEID, A: l.attrEIDLocked(DBTxInstant), V: model.InstantValue(instant), Tx: txEID, Added: true,
		})
	}
	for _, d := range datoms {
		d.Tx = txEID
		entry.Datoms = append(entry.Datoms, d)
	}
	l.txs = append(l.txs, entry)
	return t, txEID
}

// AppendEmptyTx appends a transaction with no datoms at all, standing in for
// source-internal preamble the replayer skips over.
func (l *MemLog) AppendEmptyTx() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := int64(len(l.txs)) + 1
	l.txs = append(l.txs, model.TxLogEntry{T: t})
	return t
}

func (l *MemLog) attrEIDLocked(kw model.Keyword) int64 {
	for eid, k := range l.baseIdents {
		if k == kw {
			return eid
		}
	}
	return 0
}

// TxRange implements Log.
func (l *MemLog) TxRange(ctx context.Context, startT, endT int64) ([]model.TxLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.TxLogEntry
	for _, tx := range l.txs {
		if tx.T < startT {
			continue
		}
		if endT > 0 && tx.T >= endT {
			break
		}
		out = append(out, tx)
	}
	return out, nil
}

// LatestT implements Log.
func (l *MemLog) LatestT(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.txs) == 0 {
		return 0, nil
	}
	return l.txs[len(l.txs)-1].T, nil
}

// RefAttrs implements Log.
func (l *MemLog) RefAttrs(ctx context.Context) (map[int64]struct{}, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int64]struct{}, len(l.refAttrs))
	for eid := range l.refAttrs {
		out[eid] = struct{}{}
	}
	return out, nil
}

// BaseIdents implements Log.
func (l *MemLog) BaseIdents(ctx context.Context) (map[int64]model.Keyword, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int64]model.Keyword, len(l.baseIdents))
	for eid, kw := range l.baseIdents {
		out[eid] = kw
	}
	return out, nil
}
