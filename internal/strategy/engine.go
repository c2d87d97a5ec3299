package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/models"
	apperrors "github.com/driftline/driftline/pkg/errors"
	"github.com/driftline/driftline/pkg/logger"
	"github.com/driftline/driftline/pkg/metrics"
)

// DefaultNetworkTimeout bounds the network leg of the network-first race.
const DefaultNetworkTimeout = 3 * time.Second

// storedMeta is the portion of a response persisted alongside the body.
type storedMeta struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Engine classifies requests against an ordered rule set and resolves each
// one with the matched strategy.
type Engine struct {
	cache          *cache.Manager
	fetcher        Fetcher
	rules          []Rule
	fallback       Rule
	networkTimeout time.Duration
	log            *zap.Logger

	// background tracks detached refreshes so tests and shutdown can wait
	// for them.
	background sync.WaitGroup
}

// Option customises the Engine.
type Option func(*Engine)

// WithNetworkTimeout overrides the network-first race timeout.
func WithNetworkTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.networkTimeout = timeout
		}
	}
}

// New builds an Engine. Every rule, and the default, must reference a
// registered cache table and a known strategy kind.
func New(cacheMgr *cache.Manager, fetcher Fetcher, rules []Rule, fallback Rule, opts ...Option) (*Engine, error) {
	if cacheMgr == nil {
		return nil, errors.New("strategy engine: cache manager is required")
	}
	if fetcher == nil {
		return nil, errors.New("strategy engine: fetcher is required")
	}

	registered := func(name string) bool {
		_, ok := cacheMgr.Table(name)
		return ok
	}

	for _, rule := range rules {
		if err := validateRule(rule, registered); err != nil {
			return nil, err
		}
	}
	if !KnownKind(fallback.Strategy) {
		return nil, apperrors.NewConfig("default strategy is unknown")
	}
	if fallback.Table == "" || !registered(fallback.Table) {
		return nil, apperrors.NewConfig("default strategy requires a registered cache table")
	}

	engine := &Engine{
		cache:          cacheMgr,
		fetcher:        fetcher,
		rules:          rules,
		fallback:       fallback,
		networkTimeout: DefaultNetworkTimeout,
		log:            logger.WithComponent("strategy"),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Execute resolves a request with the first matching rule's strategy.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, apperrors.NewConfig("request is required")
	}

	rule := classify(e.rules, e.fallback, req.Method, req.URL)
	key := cache.Key(req.Method, req.URL)

	switch rule.Strategy {
	case KindNetworkFirst:
		return e.networkFirst(ctx, rule.Table, key, req)
	case KindStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, rule.Table, key, req)
	default:
		return e.cacheFirst(ctx, rule.Table, key, req)
	}
}

// WaitBackground blocks until in-flight background refreshes finish.
func (e *Engine) WaitBackground() {
	e.background.Wait()
}

// Cache-first

func (e *Engine) cacheFirst(ctx context.Context, table, key string, req *Request) (*Response, error) {
	entry, found, err := e.cache.Read(ctx, table, key, false)
	if err != nil {
		return nil, err
	}
	if found {
		metrics.StrategyExecutions.WithLabelValues(string(KindCacheFirst), "cache").Inc()
		return entryResponse(entry), nil
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		// Network down: a stale entry beats no answer at all.
		stale, haveStale, cacheErr := e.cache.Read(ctx, table, key, true)
		if cacheErr == nil && haveStale {
			metrics.StrategyExecutions.WithLabelValues(string(KindCacheFirst), "fallback").Inc()
			return entryResponse(stale), nil
		}
		metrics.StrategyExecutions.WithLabelValues(string(KindCacheFirst), "error").Inc()
		return nil, apperrors.NewNetwork(err)
	}

	if err := e.cacheResponse(ctx, table, key, resp); err != nil {
		return nil, err
	}
	metrics.StrategyExecutions.WithLabelValues(string(KindCacheFirst), "network").Inc()
	return resp, nil
}

// Network-first with timeout

type fetchOutcome struct {
	resp *Response
	err  error
}

func (e *Engine) networkFirst(ctx context.Context, table, key string, req *Request) (*Response, error) {
	// The fetch runs on a detached context: a late response is still used
	// to refresh the cache after the race is lost.
	fetchCtx := context.WithoutCancel(ctx)
	outcome := make(chan fetchOutcome, 1)
	go func() {
		resp, err := e.fetcher.Fetch(fetchCtx, req)
		outcome <- fetchOutcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(e.networkTimeout)
	defer timer.Stop()

	select {
	case result := <-outcome:
		return e.networkFirstSettled(ctx, table, key, result)

	case <-ctx.Done():
		e.refreshLater(table, key, outcome)
		return nil, ctx.Err()

	case <-timer.C:
		entry, found, err := e.cache.Read(ctx, table, key, true)
		if err == nil && found {
			// Losing fetch keeps running; its result refreshes the
			// cache but is not returned to this caller.
			e.refreshLater(table, key, outcome)
			metrics.StrategyExecutions.WithLabelValues(string(KindNetworkFirst), "fallback").Inc()
			return entryResponse(entry), nil
		}
		if err != nil {
			e.log.Warn("cache fallback read failed", zap.String("table", table), zap.Error(err))
		}

		// No cache to fall back on: wait out the network.
		select {
		case result := <-outcome:
			return e.networkFirstSettled(ctx, table, key, result)
		case <-ctx.Done():
			e.refreshLater(table, key, outcome)
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) networkFirstSettled(ctx context.Context, table, key string, result fetchOutcome) (*Response, error) {
	if result.err != nil {
		entry, found, cacheErr := e.cache.Read(ctx, table, key, true)
		if cacheErr == nil && found {
			metrics.StrategyExecutions.WithLabelValues(string(KindNetworkFirst), "fallback").Inc()
			return entryResponse(entry), nil
		}
		metrics.StrategyExecutions.WithLabelValues(string(KindNetworkFirst), "error").Inc()
		if errors.Is(result.err, context.DeadlineExceeded) {
			return nil, apperrors.ErrNetworkTimeout.WithInternal(result.err)
		}
		return nil, apperrors.NewNetwork(result.err)
	}

	if err := e.cacheResponse(ctx, table, key, result.resp); err != nil {
		return nil, err
	}
	metrics.StrategyExecutions.WithLabelValues(string(KindNetworkFirst), "network").Inc()
	return result.resp, nil
}

// refreshLater consumes the losing fetch outcome and applies a best-effort
// cache refresh. The caller has already been answered.
func (e *Engine) refreshLater(table, key string, outcome <-chan fetchOutcome) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()

		result := <-outcome
		if result.err != nil {
			e.log.Debug("late network response failed",
				zap.String("table", table), zap.Error(result.err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.cacheResponse(ctx, table, key, result.resp); err != nil {
			e.log.Warn("late cache refresh failed",
				zap.String("table", table), zap.Error(err))
		}
	}()
}

// Stale-while-revalidate

func (e *Engine) staleWhileRevalidate(ctx context.Context, table, key string, req *Request) (*Response, error) {
	entry, found, err := e.cache.Read(ctx, table, key, false)
	if err != nil {
		return nil, err
	}
	if found {
		e.revalidate(ctx, table, key, req)
		metrics.StrategyExecutions.WithLabelValues(string(KindStaleWhileRevalidate), "cache").Inc()
		return entryResponse(entry), nil
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		stale, haveStale, cacheErr := e.cache.Read(ctx, table, key, true)
		if cacheErr == nil && haveStale {
			metrics.StrategyExecutions.WithLabelValues(string(KindStaleWhileRevalidate), "fallback").Inc()
			return entryResponse(stale), nil
		}
		metrics.StrategyExecutions.WithLabelValues(string(KindStaleWhileRevalidate), "error").Inc()
		return nil, apperrors.NewNetwork(err)
	}

	if err := e.cacheResponse(ctx, table, key, resp); err != nil {
		return nil, err
	}
	metrics.StrategyExecutions.WithLabelValues(string(KindStaleWhileRevalidate), "network").Inc()
	return resp, nil
}

// revalidate refreshes the entry without blocking the caller. Failures are
// logged and otherwise ignored.
func (e *Engine) revalidate(ctx context.Context, table, key string, req *Request) {
	refreshCtx := context.WithoutCancel(ctx)

	e.background.Add(1)
	go func() {
		defer e.background.Done()

		resp, err := e.fetcher.Fetch(refreshCtx, req)
		if err != nil {
			e.log.Debug("background revalidation failed",
				zap.String("table", table), zap.Error(err))
			return
		}
		if err := e.cacheResponse(refreshCtx, table, key, resp); err != nil {
			e.log.Warn("background revalidation write failed",
				zap.String("table", table), zap.Error(err))
		}
	}()
}

// Shared helpers

// cacheResponse persists a successful response: the capture timestamp is
// stamped by the cache manager and overflow eviction runs after the write.
// Non-2xx responses pass through uncached.
func (e *Engine) cacheResponse(ctx context.Context, table, key string, resp *Response) error {
	if !resp.OK() {
		return nil
	}

	meta, err := json.Marshal(storedMeta{Status: resp.Status, Headers: resp.Headers})
	if err != nil {
		return err
	}
	return e.cache.Write(ctx, table, key, resp.Body, meta)
}

func entryResponse(entry *models.CacheEntry) *Response {
	resp := &Response{
		Body:      entry.Body,
		FromCache: true,
		CachedAt:  entry.CachedAt,
	}

	var meta storedMeta
	if len(entry.Headers) > 0 && json.Unmarshal(entry.Headers, &meta) == nil {
		resp.Status = meta.Status
		resp.Headers = meta.Headers
	}
	if resp.Status == 0 {
		resp.Status = 200
	}
	return resp
}
