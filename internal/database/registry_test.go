package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
)

func TestOpenMemDrivers(t *testing.T) {
	ctx := context.Background()

	log, err := OpenLog(ctx, "mem://registry-test")
	require.NoError(t, err)
	require.NotNil(t, log)

	// Same name resolves to the same instance.
	again, err := OpenLog(ctx, "mem://registry-test")
	require.NoError(t, err)
	assert.Same(t, log, again)

	tgt, err := OpenTarget(ctx, "mem://registry-test")
	require.NoError(t, err)
	require.NotNil(t, tgt)
}

func TestOpenUnknownScheme(t *testing.T) {
	ctx := context.Background()

	_, err := OpenLog(ctx, "bogus://x")
	require.Error(t, err)
	assert.Equal(t, dcberrors.ErrCodeConfiguration, dcberrors.GetCode(err))

	_, err = OpenTarget(ctx, "no-scheme-at-all")
	require.Error(t, err)
	assert.Equal(t, dcberrors.ErrCodeConfiguration, dcberrors.GetCode(err))
}

func TestMemLogEIDsAreMonotonic(t *testing.T) {
	log := NewMemLog()
	a := log.NewEID(PartUser)
	b := log.NewEID(PartDB)
	c := log.NewEID(PartTx)

	ia := a & ((1 << 42) - 1)
	ib := b & ((1 << 42) - 1)
	ic := c & ((1 << 42) - 1)
	assert.Less(t, ia, ib)
	assert.Less(t, ib, ic)
}
