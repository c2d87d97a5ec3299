package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/database"
	"github.com/driftline/driftline/internal/store"
	apperrors "github.com/driftline/driftline/pkg/errors"
)

func TestManagerOpenIsSingleton(t *testing.T) {
	mgr := store.NewManager(database.Config{Driver: "sqlite"})
	t.Cleanup(func() { _ = mgr.Close() })

	ctx := context.Background()

	_, err := mgr.Current()
	require.ErrorIs(t, err, apperrors.ErrStoreNotReady)

	first, err := mgr.Open(ctx)
	require.NoError(t, err)

	second, err := mgr.Open(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)

	current, err := mgr.Current()
	require.NoError(t, err)
	assert.Same(t, first, current)
}

func TestManagerOpenFailureIsRetryable(t *testing.T) {
	mgr := store.NewManager(database.Config{Driver: "bogus"})

	_, err := mgr.Open(context.Background())
	require.ErrorIs(t, err, apperrors.ErrStoreNotReady)

	// The failure is not cached: the next call attempts initialisation again.
	_, err = mgr.Open(context.Background())
	require.ErrorIs(t, err, apperrors.ErrStoreNotReady)

	_, err = mgr.Current()
	require.ErrorIs(t, err, apperrors.ErrStoreNotReady)
}
