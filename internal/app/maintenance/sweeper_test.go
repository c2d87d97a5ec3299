package maintenance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/app/maintenance"
	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/database/testutil"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/queue"
	"github.com/driftline/driftline/internal/store"
)

func newFixtures(t *testing.T) (*cache.Manager, *queue.Service, *store.Store) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st, err := store.New(db)
	require.NoError(t, err)

	mgr, err := cache.NewManager(st, map[string]cache.TableConfig{
		"api": {MaxAge: time.Minute},
	})
	require.NoError(t, err)

	svc, err := queue.NewService(st, 3)
	require.NoError(t, err)
	return mgr, svc, st
}

func TestRunOnce(t *testing.T) {
	mgr, svc, st := newFixtures(t)
	ctx := context.Background()

	now := time.Now()
	mgr.WithNow(func() time.Time { return now })
	require.NoError(t, mgr.Write(ctx, "api", "k", []byte("v"), nil))

	item, err := svc.Enqueue(ctx, queue.EnqueueInput{Type: models.ActionSendMessage})
	require.NoError(t, err)
	_, err = st.TransitionQueueItem(ctx, item.ID, func(it *models.QueueItem) bool {
		it.Status = models.QueueStatusSyncing
		return true
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	sweeper := maintenance.NewSweeper(mgr, svc)
	require.NoError(t, sweeper.RunOnce(ctx))

	count, err := st.CacheEntryCount(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	stored, err := st.QueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.QueueStatusPending, stored.Status)
}

func TestRunOnceWithNilDependencies(t *testing.T) {
	sweeper := maintenance.NewSweeper(nil, nil)
	require.NoError(t, sweeper.RunOnce(context.Background()))
}

func TestStartAndStop(t *testing.T) {
	mgr, svc, _ := newFixtures(t)

	sweeper := maintenance.NewSweeper(mgr, svc, maintenance.WithSweepSchedule("@every 1h"))
	require.NoError(t, sweeper.Start())

	done := sweeper.Stop()
	select {
	case <-done.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStartSchedulesStrandedRecovery(t *testing.T) {
	mgr, svc, st := newFixtures(t)
	ctx := context.Background()

	item, err := svc.Enqueue(ctx, queue.EnqueueInput{Type: models.ActionSendMessage})
	require.NoError(t, err)
	_, err = st.TransitionQueueItem(ctx, item.ID, func(it *models.QueueItem) bool {
		it.Status = models.QueueStatusSyncing
		return true
	})
	require.NoError(t, err)

	sweeper := maintenance.NewSweeper(mgr, svc, maintenance.WithSweepSchedule("@every 50ms"))
	require.NoError(t, sweeper.Start())
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		stored, err := st.QueueItem(ctx, item.ID)
		return err == nil && stored != nil && stored.Status == models.QueueStatusPending
	}, 3*time.Second, 20*time.Millisecond, "scheduled recovery never reset the stranded item")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	mgr, svc, _ := newFixtures(t)

	sweeper := maintenance.NewSweeper(mgr, svc, maintenance.WithSweepSchedule("not-a-spec"))
	require.Error(t, sweeper.Start())
}
