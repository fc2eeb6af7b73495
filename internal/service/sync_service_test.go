package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/database"
	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
	"github.com/fulcrologic/datomic-cloud-backup/internal/service"
	"github.com/fulcrologic/datomic-cloud-backup/internal/store"
)

func newSync(st store.SegmentStore, target database.Target, c *cache.IDCache) *service.SyncService {
	return service.NewSyncService(st, target, "accounts", c, service.ReplayOptions{},
		&service.SyncConfig{
			PollInterval:      10 * time.Millisecond,
			PrefetchBuffer:    5,
			InitialRetryDelay: 5 * time.Millisecond,
			MaxRetryDelay:     50 * time.Millisecond,
		}, zap.NewNop(), newTestMetrics())
}

func runSync(t *testing.T, svc *service.SyncService, ctx context.Context) (
	wait func() (service.SyncStatus, error),
) {
	t.Helper()
	var (
		wg     sync.WaitGroup
		status service.SyncStatus
		err    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		status, err = svc.Run(ctx)
	}()
	return func() (service.SyncStatus, error) {
		wg.Wait()
		return status, err
	}
}

func TestSyncCatchesUpAndFollows(t *testing.T) {
	f := newPersonSource(t, 0)
	f.addPerson("Ann")

	st := store.NewMemoryStore()
	backup := service.NewBackupService(f.log, st, "accounts", nil, zap.NewNop(), newTestMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, backup.BackupBulk(ctx, 2, 0, false))

	target := database.NewMemTarget()
	svc := newSync(st, target, newTestCache(t))
	wait := runSync(t, svc, ctx)

	// Initial catch-up.
	require.Eventually(t, func() bool {
		return cursorVal(target) == 2
	}, 5*time.Second, 5*time.Millisecond)

	// The source keeps growing while the producer ships new segments; the
	// driver stays within reach of the tip.
	for i := 0; i < 5; i++ {
		f.addPerson("p")
		_, err := backup.BackupNext(ctx, 2)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}
	latest, err := f.log.LatestT(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return cursorVal(target) == latest
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	status, err := wait()
	require.NoError(t, err)
	assert.Equal(t, service.SyncCancelled, status)
}

func TestSyncRestartResumesWithoutLossOrDuplication(t *testing.T) {
	f := newPersonSource(t, 0)
	ann, _ := f.addPerson("Ann")

	st := store.NewMemoryStore()
	backup := service.NewBackupService(f.log, st, "accounts", nil, zap.NewNop(), newTestMetrics())
	bg := context.Background()
	require.NoError(t, backup.BackupBulk(bg, 10, 0, false))

	target := database.NewMemTarget()

	// First run catches up, then is killed.
	ctx1, cancel1 := context.WithCancel(bg)
	svc1 := newSync(st, target, newTestCache(t))
	wait1 := runSync(t, svc1, ctx1)
	require.Eventually(t, func() bool {
		return cursorVal(target) == 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel1()
	status, err := wait1()
	require.NoError(t, err)
	require.Equal(t, service.SyncCancelled, status)

	// More history arrives while the consumer is down.
	f.log.AppendTx(txTime(30), []model.Datom{
		{E: ann, A: f.personName, V: model.StringValue("Ann B."), Added: true},
		{E: ann, A: f.personName, V: model.StringValue("Ann"), Added: false},
	})
	require.NoError(t, backup.BackupBulk(bg, 10, 0, false))

	// A fresh process (new cache, new driver) resumes at the durable cursor.
	ctx2, cancel2 := context.WithCancel(bg)
	svc2 := newSync(st, target, newTestCache(t))
	wait2 := runSync(t, svc2, ctx2)
	require.Eventually(t, func() bool {
		return cursorVal(target) == 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel2()
	_, err = wait2()
	require.NoError(t, err)

	// No duplicate Ann: the rename applied to the original entity.
	annEntities := target.EntitiesWithAttr(kwPersonName)
	require.Len(t, annEntities, 1)
	name, ok := target.EntityValue(annEntities[0], kwPersonName)
	require.True(t, ok)
	assert.Equal(t, "Ann B.", name.Str)
}

func TestSyncBacksOffOnStoreErrors(t *testing.T) {
	target := database.NewMemTarget()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := service.NewSyncService(erroringStore{}, target, "accounts",
		newTestCache(t), service.ReplayOptions{},
		&service.SyncConfig{
			PollInterval:      5 * time.Millisecond,
			PrefetchBuffer:    2,
			InitialRetryDelay: time.Millisecond,
			MaxRetryDelay:     10 * time.Millisecond,
		}, zap.NewNop(), newTestMetrics())
	wait := runSync(t, svc, ctx)

	// The driver must keep running through store errors.
	time.Sleep(50 * time.Millisecond)
	cancel()
	status, err := wait()
	require.NoError(t, err)
	assert.Equal(t, service.SyncCancelled, status)
}

// erroringStore fails every read.
type erroringStore struct{}

func (erroringStore) Save(ctx context.Context, db string, seg *model.Segment) error {
	return assert.AnError
}
func (erroringStore) List(ctx context.Context, db string) ([]model.SegmentInfo, error) {
	return nil, assert.AnError
}
func (erroringStore) Last(ctx context.Context, db string) (*model.SegmentInfo, error) {
	return nil, assert.AnError
}
func (erroringStore) Load(ctx context.Context, db string, startT int64) (*model.Segment, error) {
	return nil, assert.AnError
}
func (erroringStore) LoadRange(ctx context.Context, db string, startT, endT int64) (*model.Segment, error) {
	return nil, assert.AnError
}
