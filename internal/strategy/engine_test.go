package strategy_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/database/testutil"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/strategy"
	apperrors "github.com/driftline/driftline/pkg/errors"
)

// fakeFetcher scripts network behaviour per test.
type fakeFetcher struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, req *strategy.Request) (*strategy.Response, error)
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *strategy.Request) (*strategy.Response, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResponse(body string) *strategy.Response {
	return &strategy.Response{
		Status:  200,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(body),
	}
}

func newTestEngine(t *testing.T, fetcher strategy.Fetcher, rules []strategy.Rule, opts ...strategy.Option) (*strategy.Engine, *cache.Manager) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st, err := store.New(db)
	require.NoError(t, err)

	mgr, err := cache.NewManager(st, map[string]cache.TableConfig{
		"api":    {MaxEntries: 100, MaxAge: time.Hour},
		"static": {MaxEntries: 100},
	})
	require.NoError(t, err)

	fallback := strategy.Rule{Strategy: strategy.KindCacheFirst, Table: "static"}
	engine, err := strategy.New(mgr, fetcher, rules, fallback, opts...)
	require.NoError(t, err)
	return engine, mgr
}

func apiRule(kind strategy.Kind) []strategy.Rule {
	return []strategy.Rule{
		{Pattern: regexp.MustCompile(`/api/`), Strategy: kind, Table: "api"},
	}
}

func TestCacheFirstMissFetchesAndCaches(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(`{"n":1}`), nil
	}}
	engine, _ := newTestEngine(t, fetcher, apiRule(strategy.KindCacheFirst))
	ctx := context.Background()
	req := &strategy.Request{Method: "GET", URL: "https://x.test/api/items"}

	resp, err := engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, []byte(`{"n":1}`), resp.Body)

	// Second execution is answered from the cache without a network call.
	resp, err = engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
	assert.Equal(t, 1, fetcher.callCount())
}

func TestCacheFirstStaleFallbackOnNetworkFailure(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(`v1`), nil
	}}
	engine, mgr := newTestEngine(t, fetcher, apiRule(strategy.KindCacheFirst))
	ctx := context.Background()
	req := &strategy.Request{Method: "GET", URL: "https://x.test/api/items"}

	_, err := engine.Execute(ctx, req)
	require.NoError(t, err)

	// Age the entry past the freshness window, then kill the network.
	now := time.Now()
	mgr.WithNow(func() time.Time { return now.Add(2 * time.Hour) })
	fetcher.mu.Lock()
	fetcher.fn = func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return nil, errors.New("connection refused")
	}
	fetcher.mu.Unlock()

	resp, err := engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, []byte(`v1`), resp.Body)
}

func TestCacheFirstNetworkErrorWithoutCache(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return nil, errors.New("connection refused")
	}}
	engine, _ := newTestEngine(t, fetcher, apiRule(strategy.KindCacheFirst))

	_, err := engine.Execute(context.Background(), &strategy.Request{Method: "GET", URL: "https://x.test/api/items"})
	require.ErrorIs(t, err, apperrors.ErrNetwork)
}

func TestNonSuccessResponsesAreNotCached(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return &strategy.Response{Status: 404, Body: []byte("nope")}, nil
	}}
	engine, _ := newTestEngine(t, fetcher, apiRule(strategy.KindCacheFirst))
	ctx := context.Background()
	req := &strategy.Request{Method: "GET", URL: "https://x.test/api/items"}

	resp, err := engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)

	// The miss repeats: nothing was cached.
	_, err = engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestNetworkFirstFastResponseWins(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(`fresh`), nil
	}}
	engine, mgr := newTestEngine(t, fetcher, apiRule(strategy.KindNetworkFirst))
	ctx := context.Background()

	resp, err := engine.Execute(ctx, &strategy.Request{Method: "GET", URL: "https://x.test/api/chat"})
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, []byte(`fresh`), resp.Body)

	// The winning response was cached.
	key := cache.Key("GET", "https://x.test/api/chat")
	_, found, err := mgr.Read(ctx, "api", key, false)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestNetworkFirstTimeoutFallsBackToCache(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(`v1`), nil
	}}
	engine, _ := newTestEngine(t, fetcher, apiRule(strategy.KindNetworkFirst),
		strategy.WithNetworkTimeout(30*time.Millisecond))
	ctx := context.Background()
	req := &strategy.Request{Method: "GET", URL: "https://x.test/api/chat"}

	_, err := engine.Execute(ctx, req)
	require.NoError(t, err)

	// Slow network: the fetch parks until released, well past the timeout.
	fetcher.mu.Lock()
	fetcher.fn = func(context.Context, *strategy.Request) (*strategy.Response, error) {
		<-release
		return okResponse(`v2`), nil
	}
	fetcher.mu.Unlock()

	resp, err := engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, []byte(`v1`), resp.Body)

	// The losing fetch still lands in the cache once it settles.
	close(release)
	engine.WaitBackground()

	resp, err = engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []byte(`v2`), resp.Body)
}

func TestNetworkFirstWithoutCacheWaitsForNetwork(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		time.Sleep(60 * time.Millisecond)
		return okResponse(`late`), nil
	}}
	engine, _ := newTestEngine(t, fetcher, apiRule(strategy.KindNetworkFirst),
		strategy.WithNetworkTimeout(10*time.Millisecond))

	resp, err := engine.Execute(context.Background(), &strategy.Request{Method: "GET", URL: "https://x.test/api/chat"})
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, []byte(`late`), resp.Body)
}

func TestNetworkFirstErrorFallsBackToCache(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(`v1`), nil
	}}
	engine, _ := newTestEngine(t, fetcher, apiRule(strategy.KindNetworkFirst))
	ctx := context.Background()
	req := &strategy.Request{Method: "GET", URL: "https://x.test/api/chat"}

	_, err := engine.Execute(ctx, req)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.fn = func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return nil, errors.New("connection refused")
	}
	fetcher.mu.Unlock()

	resp, err := engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, []byte(`v1`), resp.Body)
}

func TestStaleWhileRevalidateServesCacheAndRefreshes(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(`v1`), nil
	}}
	engine, _ := newTestEngine(t, fetcher, apiRule(strategy.KindStaleWhileRevalidate))
	ctx := context.Background()
	req := &strategy.Request{Method: "GET", URL: "https://x.test/api/models"}

	// First execution is a miss resolved synchronously.
	resp, err := engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)

	fetcher.mu.Lock()
	fetcher.fn = func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(`v2`), nil
	}
	fetcher.mu.Unlock()

	// Second execution answers from the cache and revalidates behind it.
	resp, err = engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, []byte(`v1`), resp.Body)

	engine.WaitBackground()

	resp, err = engine.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []byte(`v2`), resp.Body)
}

func TestExecuteNilRequest(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(``), nil
	}}
	engine, _ := newTestEngine(t, fetcher, nil)

	_, err := engine.Execute(context.Background(), nil)
	require.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestNewRejectsUnregisteredDefaultTable(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st, err := store.New(db)
	require.NoError(t, err)

	mgr, err := cache.NewManager(st, map[string]cache.TableConfig{"api": {}})
	require.NoError(t, err)

	fetcher := &fakeFetcher{fn: func(context.Context, *strategy.Request) (*strategy.Response, error) {
		return okResponse(``), nil
	}}
	_, err = strategy.New(mgr, fetcher, nil, strategy.Rule{Strategy: strategy.KindCacheFirst, Table: "zzz"})
	require.ErrorIs(t, err, apperrors.ErrConfig)
}
