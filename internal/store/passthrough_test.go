package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

func populatedMemLog(t *testing.T, txCount int) *database.MemLog {
	log := database.NewMemLog()
	attr := log.BaseAttrEID(database.DBIdent)
	require.NotZero(t, attr)
	for i := 0; i < txCount; i++ {
		e := log.NewEID(database.PartUser)
		log.AppendTx(time.Date(2022, 1, 1, 0, 0, i, 0, time.UTC), []model.Datom{
			{E: e, A: attr, V: model.KeywordValue(model.Keyword{Namespace: "x", Name: "y"}), Added: true},
		})
	}
	return log
}

func TestPassthroughVirtualSegments(t *testing.T) {
	ctx := context.Background()
	log := populatedMemLog(t, 25)
	s := NewPassthroughStore(log, 10)

	infos, err := s.List(ctx, "live")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, model.SegmentInfo{StartT: 1, EndT: 10}, infos[0])
	assert.Equal(t, model.SegmentInfo{StartT: 11, EndT: 20}, infos[1])
	assert.Equal(t, model.SegmentInfo{StartT: 21, EndT: 25}, infos[2])

	last, err := s.Last(ctx, "live")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, infos[2], *last)

	seg, err := s.Load(ctx, "live", 11)
	require.NoError(t, err)
	assert.Equal(t, int64(20), seg.EndT)
	assert.Len(t, seg.Transactions, 10)
	assert.NotEmpty(t, seg.IDToAttr)

	_, err = s.LoadRange(ctx, "live", 11, 15)
	require.Error(t, err)
}

func TestPassthroughRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewPassthroughStore(populatedMemLog(t, 3), 10)

	err := s.Save(ctx, "live", testSegment(1, 2))
	require.Error(t, err)
	assert.Equal(t, dcberrors.ErrCodeStoreReadOnly, dcberrors.GetCode(err))
}

func TestPassthroughEmptySource(t *testing.T) {
	ctx := context.Background()
	s := NewPassthroughStore(database.NewMemLog(), 10)

	infos, err := s.List(ctx, "live")
	require.NoError(t, err)
	assert.Empty(t, infos)

	last, err := s.Last(ctx, "live")
	require.NoError(t, err)
	assert.Nil(t, last)
}
