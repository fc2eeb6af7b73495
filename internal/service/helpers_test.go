package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	"github.com/fulcrologic/datomic-cloud-backup/internal/metrics"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
	"github.com/fulcrologic/datomic-cloud-backup/internal/service"
	"github.com/fulcrologic/datomic-cloud-backup/internal/store"
)

var (
	kwPersonID   = model.Keyword{Namespace: "person", Name: "id"}
	kwPersonName = model.Keyword{Namespace: "person", Name: "name"}
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry(), "test")
}

func newTestCache(t *testing.T) *cache.IDCache {
	c, err := cache.New(4096)
	require.NoError(t, err)
	return c
}

// fixture is a synthetic source database with a person schema.
type fixture struct {
	log *database.MemLog

	ident, valueType, card, install, tupleAttrs, txInstant int64

	personID     int64
	personName   int64
	personRefEID int64
	schemaT      int64
}

// newPersonSource builds a source whose history is: preamble empty
// transactions, then one schema-installation transaction.
func newPersonSource(t *testing.T, preamble int) *fixture {
	f := &fixture{log: database.NewMemLog()}
	f.ident = f.log.BaseAttrEID(database.DBIdent)
	f.valueType = f.log.BaseAttrEID(database.DBValueType)
	f.card = f.log.BaseAttrEID(database.DBCardinality)
	f.install = f.log.BaseAttrEID(database.DBInstallAttribute)
	f.tupleAttrs = f.log.BaseAttrEID(database.DBTupleAttrs)
	f.txInstant = f.log.BaseAttrEID(database.DBTxInstant)
	require.NotZero(t, f.ident)

	for i := 0; i < preamble; i++ {
		f.log.AppendEmptyTx()
	}

	f.personID = f.log.NewEID(database.PartUser)
	f.personName = f.log.NewEID(database.PartUser)
	f.schemaT, _ = f.log.AppendTxWith(txTime(0), func(tx int64) []model.Datom {
		datoms := f.attrDatoms(f.personID, kwPersonID, "uuid", tx)
		return append(datoms, f.attrDatoms(f.personName, kwPersonName, "string", tx)...)
	})
	return f
}

func txTime(n int) time.Time {
	return time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Second)
}

func (f *fixture) attrDatoms(e int64, ident model.Keyword, valueType string, tx int64) []model.Datom {
	return []model.Datom{
		{E: e, A: f.ident, V: model.KeywordValue(ident), Added: true},
		{E: e, A: f.valueType, V: model.KeywordValue(model.Keyword{Namespace: "db.type", Name: valueType}), Added: true},
		{E: e, A: f.card, V: model.KeywordValue(model.Keyword{Namespace: "db.cardinality", Name: "one"}), Added: true},
		{E: tx, A: f.install, V: model.Int64Value(e), Added: true},
	}
}

// addPerson appends one transaction asserting a new person.
func (f *fixture) addPerson(name string) (eid, t int64) {
	eid = f.log.NewEID(database.PartUser)
	t, _ = f.log.AppendTx(txTime(int(eid)%1000+1), []model.Datom{
		{E: eid, A: f.personID, V: model.UUIDValue(uuid.New()), Added: true},
		{E: eid, A: f.personName, V: model.StringValue(name), Added: true},
	})
	return eid, t
}

// backupAll writes the whole source into the store in one pass.
func backupAll(t *testing.T, f *fixture, st store.SegmentStore, db string, txnsPerSegment int64) {
	t.Helper()
	svc := service.NewBackupService(f.log, st, db, nil, zap.NewNop(), newTestMetrics())
	require.NoError(t, svc.BackupBulk(context.Background(), txnsPerSegment, 0, false))
}

// restoreAll replays everything available in the store into the target.
func restoreAll(t *testing.T, st store.SegmentStore, target database.Target, db string, c *cache.IDCache) service.RestoreResult {
	t.Helper()
	svc := service.NewRestoreService(st, target, db, c, service.ReplayOptions{}, zap.NewNop(), newTestMetrics())
	res, err := svc.RestoreAll(context.Background())
	require.NoError(t, err)
	return res
}

// cursorOf reads the target's durable cursor.
func cursorOf(t *testing.T, target database.Target) int64 {
	t.Helper()
	v, _, err := target.CursorT(context.Background())
	require.NoError(t, err)
	return v
}

// cursorVal is cursorOf without test plumbing, for polling loops.
func cursorVal(target database.Target) int64 {
	v, _, _ := target.CursorT(context.Background())
	return v
}
