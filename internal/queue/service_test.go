package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/database/testutil"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/queue"
	"github.com/driftline/driftline/internal/store"
	apperrors "github.com/driftline/driftline/pkg/errors"
)

func newTestService(t *testing.T, maxRetries int) (*queue.Service, *store.Store) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st, err := store.New(db)
	require.NoError(t, err)

	svc, err := queue.NewService(st, maxRetries)
	require.NoError(t, err)
	return svc, st
}

func TestEnqueue(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	item, err := svc.Enqueue(ctx, queue.EnqueueInput{
		Type:    models.ActionSendMessage,
		Payload: []byte(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, queue.DefaultMaxRetries, item.MaxRetries)
	assert.False(t, item.Timestamp.IsZero())

	count, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEnqueueRejectsUnknownActionType(t *testing.T) {
	svc, _ := newTestService(t, 0)

	_, err := svc.Enqueue(context.Background(), queue.EnqueueInput{Type: "message.fly"})
	require.ErrorIs(t, err, apperrors.ErrConfig)

	_, err = svc.Enqueue(context.Background(), queue.EnqueueInput{})
	require.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestUpdateKeepsRetryInvariant(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()

	item, err := svc.Enqueue(ctx, queue.EnqueueInput{Type: models.ActionSendMessage})
	require.NoError(t, err)

	item.RetryCount = 5
	err = svc.Update(ctx, item)
	require.ErrorIs(t, err, apperrors.ErrConfig)

	err = svc.Update(ctx, nil)
	require.ErrorIs(t, err, apperrors.ErrConfig)

	item.RetryCount = 2
	item.LastError = "timeout"
	require.NoError(t, svc.Update(ctx, item))
}

func TestRetryResetsFailedItem(t *testing.T) {
	svc, st := newTestService(t, 3)
	ctx := context.Background()

	item, err := svc.Enqueue(ctx, queue.EnqueueInput{Type: models.ActionSendMessage})
	require.NoError(t, err)

	_, err = st.TransitionQueueItem(ctx, item.ID, func(it *models.QueueItem) bool {
		it.Status = models.QueueStatusFailed
		it.RetryCount = 3
		it.LastError = "gave up"
		return true
	})
	require.NoError(t, err)

	reset, err := svc.Retry(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, reset.Status)
	assert.Equal(t, 0, reset.RetryCount)
	assert.Empty(t, reset.LastError)
}

func TestRetryIgnoresNonFailedItem(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()

	item, err := svc.Enqueue(ctx, queue.EnqueueInput{Type: models.ActionSendMessage})
	require.NoError(t, err)

	got, err := svc.Retry(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)

	_, err = svc.Retry(ctx, "no-such-id")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRemoveAndClear(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, queue.EnqueueInput{Type: models.ActionSendMessage})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, queue.EnqueueInput{Type: models.ActionDeleteMessage})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(ctx, first.ID))

	items, err := svc.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, svc.Clear(ctx))

	items, err = svc.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRecoverStranded(t *testing.T) {
	svc, st := newTestService(t, 3)
	ctx := context.Background()

	item, err := svc.Enqueue(ctx, queue.EnqueueInput{Type: models.ActionSendMessage})
	require.NoError(t, err)

	_, err = st.TransitionQueueItem(ctx, item.ID, func(it *models.QueueItem) bool {
		it.Status = models.QueueStatusSyncing
		return true
	})
	require.NoError(t, err)

	recovered, err := svc.RecoverStranded(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	stored, err := st.QueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, stored.Status)
}
