package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

var (
	kwColor = model.Keyword{Namespace: "widget", Name: "color"}
	kwOwner = model.Keyword{Namespace: "widget", Name: "owner"}
)

func installColorAttr(t *testing.T, tgt *MemTarget) {
	t.Helper()
	_, err := tgt.Transact(context.Background(), []model.Op{
		model.Add(model.TempIDRef("color"), model.IdentRef(DBIdent), model.KeywordValue(kwColor)),
		model.Add(model.TempIDRef("color"), model.IdentRef(DBValueType), model.KeywordValue(model.Keyword{Namespace: "db.type", Name: "string"})),
		model.Add(model.TempIDRef("color"), model.IdentRef(DBCardinality), model.KeywordValue(CardinalityOneK)),
	}, DefaultTransactTimeout)
	require.NoError(t, err)
}

func TestTransactResolvesTempIDs(t *testing.T) {
	tgt := NewMemTarget()
	installColorAttr(t, tgt)

	res, err := tgt.Transact(context.Background(), []model.Op{
		model.Add(model.TempIDRef("w1"), model.IdentRef(kwColor), model.StringValue("red")),
		model.Add(model.TempIDRef("w2"), model.IdentRef(kwColor), model.StringValue("blue")),
	}, DefaultTransactTimeout)
	require.NoError(t, err)

	assert.Len(t, res.TempIDs, 2)
	assert.NotEqual(t, res.TempIDs["w1"], res.TempIDs["w2"])

	v, ok := tgt.EntityValue(res.TempIDs["w1"], kwColor)
	require.True(t, ok)
	assert.Equal(t, "red", v.Str)
}

func TestTransactCASMismatchAtomic(t *testing.T) {
	tgt := NewMemTarget()
	require.NoError(t, EnsureBookkeeping(context.Background(), tgt))
	installColorAttr(t, tgt)

	_, err := tgt.Transact(context.Background(), []model.Op{
		model.CAS(model.IdentRef(LastSourceTransaction), model.IdentRef(LastSourceTransaction),
			model.Int64Value(5), model.Int64Value(6)),
		model.Add(model.TempIDRef("w"), model.IdentRef(kwColor), model.StringValue("red")),
	}, DefaultTransactTimeout)
	require.Error(t, err)

	// Nothing from the failed transaction landed.
	_, found := tgt.FindByValue(kwColor, model.StringValue("red"))
	assert.False(t, found)
	cur, ok, err := tgt.CursorT(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), cur)
}

func TestTransactCursorAdvance(t *testing.T) {
	tgt := NewMemTarget()
	ctx := context.Background()
	require.NoError(t, EnsureBookkeeping(ctx, tgt))

	for i := int64(1); i <= 3; i++ {
		_, err := tgt.Transact(ctx, []model.Op{
			model.CAS(model.IdentRef(LastSourceTransaction), model.IdentRef(LastSourceTransaction),
				model.Int64Value(i-1), model.Int64Value(i)),
		}, DefaultTransactTimeout)
		require.NoError(t, err)
	}

	cur, ok, err := tgt.CursorT(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), cur)
}

func TestTransactCardinalityOneConflict(t *testing.T) {
	tgt := NewMemTarget()
	installColorAttr(t, tgt)
	ctx := context.Background()

	_, err := tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("w"), model.IdentRef(kwColor), model.StringValue("red")),
		model.Add(model.TempIDRef("w"), model.IdentRef(kwColor), model.StringValue("blue")),
	}, DefaultTransactTimeout)
	require.Error(t, err)

	_, err = tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("w"), model.IdentRef(kwColor), model.StringValue("red")),
		model.Retract(model.TempIDRef("w"), model.IdentRef(kwColor), model.StringValue("red")),
	}, DefaultTransactTimeout)
	require.Error(t, err)
}

func TestTransactOriginalIDUnique(t *testing.T) {
	tgt := NewMemTarget()
	ctx := context.Background()
	require.NoError(t, EnsureBookkeeping(ctx, tgt))

	_, err := tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("a"), model.IdentRef(OriginalID), model.Int64Value(777)),
	}, DefaultTransactTimeout)
	require.NoError(t, err)

	_, err = tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("b"), model.IdentRef(OriginalID), model.Int64Value(777)),
	}, DefaultTransactTimeout)
	require.Error(t, err)

	eid, found, err := tgt.EIDByOriginalID(ctx, 777)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotZero(t, eid)

	max, found, err := tgt.MaxOriginalID(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(777), max)
}

func TestTransactIdentUpserts(t *testing.T) {
	tgt := NewMemTarget()
	installColorAttr(t, tgt)
	ctx := context.Background()

	before, ok := tgt.EIDByIdent(kwColor)
	require.True(t, ok)

	// Re-asserting an existing ident with a tempid resolves to the existing
	// entity instead of minting a new one.
	res, err := tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("again"), model.IdentRef(DBIdent), model.KeywordValue(kwColor)),
		model.Add(model.TempIDRef("again"), model.IdentRef(DBValueType), model.KeywordValue(model.Keyword{Namespace: "db.type", Name: "string"})),
	}, DefaultTransactTimeout)
	require.NoError(t, err)
	assert.Equal(t, before, res.TempIDs["again"])

	after, _ := tgt.EIDByIdent(kwColor)
	assert.Equal(t, before, after)
}

func TestTransactRefValueResolution(t *testing.T) {
	tgt := NewMemTarget()
	ctx := context.Background()

	_, err := tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("owner"), model.IdentRef(DBIdent), model.KeywordValue(kwOwner)),
		model.Add(model.TempIDRef("owner"), model.IdentRef(DBValueType), model.KeywordValue(TypeRef)),
		model.Add(model.TempIDRef("owner"), model.IdentRef(DBCardinality), model.KeywordValue(CardinalityOneK)),
	}, DefaultTransactTimeout)
	require.NoError(t, err)
	installColorAttr(t, tgt)

	res, err := tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("w"), model.IdentRef(kwColor), model.StringValue("red")),
		model.Add(model.TempIDRef("b"), model.IdentRef(kwOwner), model.StringValue("w")),
	}, DefaultTransactTimeout)
	require.NoError(t, err)

	owner, ok := tgt.EntityValue(res.TempIDs["b"], kwOwner)
	require.True(t, ok)
	assert.Equal(t, res.TempIDs["w"], owner.Int)

	// A tempid nothing defines cannot be a ref value.
	_, err = tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("x"), model.IdentRef(kwOwner), model.StringValue("nobody")),
	}, DefaultTransactTimeout)
	require.Error(t, err)
}

func TestTransactRecordsOwnLog(t *testing.T) {
	tgt := NewMemTarget()
	installColorAttr(t, tgt)
	ctx := context.Background()

	_, err := tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("w"), model.IdentRef(kwColor), model.StringValue("red")),
	}, DefaultTransactTimeout)
	require.NoError(t, err)

	log := tgt.AsLog()
	latest, err := log.LatestT(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	txs, err := log.TxRange(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.NotEmpty(t, txs[0].Datoms)
	// Every datom carries the transaction entity and an instant exists.
	txEID := txs[0].TxEID()
	foundInstant := false
	for _, d := range txs[0].Datoms {
		assert.Equal(t, txEID, d.Tx)
		if d.E == txEID && d.V.Kind == model.ValueInstant {
			foundInstant = true
		}
	}
	assert.True(t, foundInstant)

	idents, err := log.BaseIdents(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, idents)
}

func TestEnsureBookkeepingIdempotent(t *testing.T) {
	tgt := NewMemTarget()
	ctx := context.Background()

	has, err := tgt.HasBookkeeping(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, EnsureBookkeeping(ctx, tgt))
	require.NoError(t, EnsureBookkeeping(ctx, tgt))

	has, err = tgt.HasBookkeeping(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	origEID, cursorEID, err := tgt.BookkeepingEIDs(ctx)
	require.NoError(t, err)
	assert.NotZero(t, origEID)
	assert.NotZero(t, cursorEID)

	cur, ok, err := tgt.CursorT(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), cur)

	cards, err := tgt.Cardinalities(ctx)
	require.NoError(t, err)
	assert.Equal(t, CardinalityOne, cards[OriginalID])
}

func TestFailNextTransacts(t *testing.T) {
	tgt := NewMemTarget()
	ctx := context.Background()
	tgt.FailNextTransacts(1, assert.AnError)

	_, err := tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("x"), model.IdentRef(DBIdent), model.KeywordValue(kwColor)),
	}, time.Second)
	require.ErrorIs(t, err, assert.AnError)

	_, err = tgt.Transact(ctx, []model.Op{
		model.Add(model.TempIDRef("x"), model.IdentRef(DBIdent), model.KeywordValue(kwColor)),
	}, time.Second)
	require.NoError(t, err)
}
