package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "accounts", testSegment(3, 7)))
	require.NoError(t, s.Save(ctx, "accounts", testSegment(8, 12)))

	infos, err := s.List(ctx, "accounts")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, int64(3), infos[0].StartT)

	last, err := s.Last(ctx, "accounts")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, model.SegmentInfo{StartT: 8, EndT: 12}, *last)

	seg, err := s.Load(ctx, "accounts", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seg.EndT)

	seg, err = s.Load(ctx, "accounts", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seg.StartT)

	_, err = s.Load(ctx, "accounts", 4)
	require.Error(t, err)

	_, err = s.LoadRange(ctx, "accounts", 3, 9)
	require.Error(t, err)
}

func TestMemoryStoreIsolatedPerDatabase(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "a", testSegment(1, 2)))

	infos, err := s.List(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, infos)
}
