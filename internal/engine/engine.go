package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/queue"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/strategy"
	apperrors "github.com/driftline/driftline/pkg/errors"
	"github.com/driftline/driftline/pkg/logger"
)

// Config wires the engine's collaborators and tunables. Stores, tables, and
// rules are fixed for the engine's lifetime.
type Config struct {
	Stores         *store.Manager
	Tables         map[string]cache.TableConfig
	Rules          []strategy.Rule
	DefaultRule    strategy.Rule
	NetworkTimeout time.Duration
	Fetcher        strategy.Fetcher
	Executor       queue.Executor
	MaxRetries     int
	DrainWorkers   int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Precache       []string
}

// Engine is the host-facing facade over the persistent store, cache tables,
// strategy engine, and offline sync queue. Hosts wire its lifecycle hooks
// (OnInstall, OnActivate, OnIntercept, OnMessage) to whatever runtime events
// they have; the engine itself assumes no particular event model.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	parts    *components
	online   bool
	closed   bool
	draining sync.WaitGroup
}

// components are built once the store opens successfully.
type components struct {
	store    *store.Store
	cache    *cache.Manager
	strategy *strategy.Engine
	queue    *queue.Service
	drainer  *queue.Drainer
}

// New validates the configuration and constructs an Engine. The persistent
// store is not opened until the first operation needs it.
func New(cfg Config) (*Engine, error) {
	if cfg.Stores == nil {
		return nil, errors.New("engine: store manager is required")
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = strategy.NewHTTPFetcher(nil)
	}
	if cfg.Executor == nil {
		return nil, errors.New("engine: queue executor is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, apperrors.NewConfig("at least one cache table must be configured")
	}

	return &Engine{
		cfg: cfg,
		log: logger.WithComponent("engine"),
	}, nil
}

// ensure opens the store (a process-wide singleton) and builds the dependent
// components exactly once. A failed open leaves the engine not ready; the
// next call retries initialisation.
func (e *Engine) ensure(ctx context.Context) (*components, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.parts != nil {
		return e.parts, nil
	}

	st, err := e.cfg.Stores.Open(ctx)
	if err != nil {
		return nil, err
	}

	cacheMgr, err := cache.NewManager(st, e.cfg.Tables)
	if err != nil {
		return nil, err
	}

	var strategyOpts []strategy.Option
	if e.cfg.NetworkTimeout > 0 {
		strategyOpts = append(strategyOpts, strategy.WithNetworkTimeout(e.cfg.NetworkTimeout))
	}
	strategyEngine, err := strategy.New(cacheMgr, e.cfg.Fetcher, e.cfg.Rules, e.cfg.DefaultRule, strategyOpts...)
	if err != nil {
		return nil, err
	}

	queueSvc, err := queue.NewService(st, e.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	drainer, err := queue.NewDrainer(st, e.cfg.Executor,
		queue.WithWorkers(e.cfg.DrainWorkers),
		queue.WithBackoff(e.cfg.BackoffBase, e.cfg.BackoffMax))
	if err != nil {
		return nil, err
	}

	e.parts = &components{
		store:    st,
		cache:    cacheMgr,
		strategy: strategyEngine,
		queue:    queueSvc,
		drainer:  drainer,
	}
	e.closed = false
	return e.parts, nil
}

// spawnDrain runs fn on a tracked goroutine. Once Shutdown has begun no new
// drains start, so its wait covers every goroutine ever added.
func (e *Engine) spawnDrain(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.draining.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.draining.Done()
		fn()
	}()
}

// Lifecycle hooks

// OnInstall initialises the store and warms the configured precache URLs.
// Warming is best-effort: individual failures are logged and skipped.
func (e *Engine) OnInstall(ctx context.Context) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}
	e.warm(ctx, parts, e.cfg.Precache)
	return nil
}

// OnActivate supersedes any previous engine instance: stranded syncing items
// become pending again and a cache sweep removes expired entries plus tables
// dropped from the configuration.
func (e *Engine) OnActivate(ctx context.Context) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}

	if _, err := parts.queue.RecoverStranded(ctx); err != nil {
		return err
	}
	if _, err := parts.cache.Sweep(ctx); err != nil {
		return err
	}
	return nil
}

// OnIntercept resolves an outgoing request through the matched strategy.
func (e *Engine) OnIntercept(ctx context.Context, req *strategy.Request) (*strategy.Response, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return parts.strategy.Execute(ctx, req)
}

// Command is a cache-control message from the host.
type Command struct {
	Name string   `json:"name"`
	URLs []string `json:"urls,omitempty"`
}

// Host command names.
const (
	CmdActivate = "activate"
	CmdCleanup  = "cleanup"
	CmdWarm     = "warm"
	CmdStatus   = "status"
)

// OnMessage dispatches a host control message. Status requests return a
// *Status; other commands return nil on success.
func (e *Engine) OnMessage(ctx context.Context, cmd Command) (*Status, error) {
	switch strings.ToLower(strings.TrimSpace(cmd.Name)) {
	case CmdActivate:
		return nil, e.OnActivate(ctx)
	case CmdCleanup:
		parts, err := e.ensure(ctx)
		if err != nil {
			return nil, err
		}
		_, err = parts.cache.Sweep(ctx)
		return nil, err
	case CmdWarm:
		parts, err := e.ensure(ctx)
		if err != nil {
			return nil, err
		}
		e.warm(ctx, parts, cmd.URLs)
		return nil, nil
	case CmdStatus:
		return e.Status(ctx)
	default:
		return nil, apperrors.NewConfig("unknown command " + strings.TrimSpace(cmd.Name))
	}
}

// warm primes cache tables by executing a GET for each URL through the
// strategy engine.
func (e *Engine) warm(ctx context.Context, parts *components, urls []string) {
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		if _, err := parts.strategy.Execute(ctx, &strategy.Request{Method: "GET", URL: url}); err != nil {
			e.log.Warn("cache warm failed", zap.String("url", url), zap.Error(err))
		}
	}
}

// Connectivity

// SetOnline records a connectivity transition. Going online triggers an
// asynchronous drain of the offline queue.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()

	if !changed {
		return
	}

	if online {
		e.log.Info("connectivity restored, draining queue")
		e.spawnDrain(func() {
			if err := e.Drain(context.Background()); err != nil {
				e.log.Warn("drain after reconnect failed", zap.Error(err))
			}
		})
	} else {
		e.log.Info("connectivity lost")
	}
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Drain processes pending queue items now, independent of connectivity
// signals.
func (e *Engine) Drain(ctx context.Context) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}
	return parts.drainer.Drain(ctx)
}

// Conversation surface

// StoreConversation persists a conversation snapshot. A missing sync status
// defaults to pending so an offline edit is never mistaken for synced; the
// host marks conversations synced after a successful push.
func (e *Engine) StoreConversation(ctx context.Context, conv *models.Conversation) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}

	if conv != nil {
		if conv.SyncStatus == "" {
			conv.SyncStatus = models.SyncStatusPending
		}
		if conv.LastModified.IsZero() {
			conv.LastModified = time.Now()
		}
	}
	return parts.store.PutConversation(ctx, conv)
}

// MarkConversationPending flags a stored conversation as carrying local
// changes that have not reached the server yet.
func (e *Engine) MarkConversationPending(ctx context.Context, id string) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}

	conv, err := parts.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return apperrors.ErrNotFound
	}

	conv.SyncStatus = models.SyncStatusPending
	conv.LastModified = time.Now()
	return parts.store.PutConversation(ctx, conv)
}

// GetConversation returns the conversation with the given id, or nil when
// unknown. A missing id is never an error.
func (e *Engine) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return parts.store.GetConversation(ctx, id)
}

// GetAllConversations returns every cached conversation, most recent first.
func (e *Engine) GetAllConversations(ctx context.Context) ([]models.Conversation, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return parts.store.Conversations(ctx)
}

// DeleteConversation removes a conversation snapshot.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}
	return parts.store.DeleteConversation(ctx, id)
}

// Queue surface

// AddToQueue records an action for later sync. When the engine believes it
// is online, a drain starts immediately.
func (e *Engine) AddToQueue(ctx context.Context, input queue.EnqueueInput) (*models.QueueItem, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}

	item, err := parts.queue.Enqueue(ctx, input)
	if err != nil {
		return nil, err
	}

	if e.Online() {
		e.spawnDrain(func() {
			if err := parts.drainer.Drain(context.Background()); err != nil {
				e.log.Warn("opportunistic drain failed", zap.Error(err))
			}
		})
	}
	return item, nil
}

// GetQueuedActions lists every queued action in FIFO order.
func (e *Engine) GetQueuedActions(ctx context.Context) ([]models.QueueItem, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return parts.queue.Items(ctx)
}

// UpdateQueueItem persists host-driven mutations of a queued action.
func (e *Engine) UpdateQueueItem(ctx context.Context, item *models.QueueItem) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}
	return parts.queue.Update(ctx, item)
}

// RetryQueueItem resets a failed action for another round of drains.
func (e *Engine) RetryQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return parts.queue.Retry(ctx, id)
}

// RemoveFromQueue deletes a queued action regardless of its state.
func (e *Engine) RemoveFromQueue(ctx context.Context, id string) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}
	return parts.queue.Remove(ctx, id)
}

// ClearQueue deletes every queued action.
func (e *Engine) ClearQueue(ctx context.Context) error {
	parts, err := e.ensure(ctx)
	if err != nil {
		return err
	}
	return parts.queue.Clear(ctx)
}

// Introspection

// StorageUsage reports the store's device footprint. Unsupported backends
// yield zeros rather than an error.
func (e *Engine) StorageUsage(ctx context.Context) (store.Usage, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return store.Usage{}, err
	}
	return parts.store.StorageUsage(ctx), nil
}

// Status summarises the engine for an offline-status UI.
type Status struct {
	Online         bool                     `json:"online"`
	Tables         []store.CacheTableStatus `json:"tables"`
	PendingActions int64                    `json:"pending_actions"`
	Usage          store.Usage              `json:"usage"`
}

// Caches exposes the cache table manager, opening the store if needed.
// Intended for background maintenance wiring.
func (e *Engine) Caches(ctx context.Context) (*cache.Manager, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return parts.cache, nil
}

// Queue exposes the sync queue service, opening the store if needed.
func (e *Engine) Queue(ctx context.Context) (*queue.Service, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return parts.queue, nil
}

// Status reports per-table cache footprint, queue depth, and storage usage.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	parts, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}

	tables, err := parts.cache.Status(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := parts.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		Online:         e.Online(),
		Tables:         tables,
		PendingActions: pending,
		Usage:          parts.store.StorageUsage(ctx),
	}, nil
}

// Shutdown waits for background refreshes and drains, bounded by ctx, then
// closes the store. The next operation after Shutdown reinitialises from
// scratch.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	parts := e.parts
	e.parts = nil
	e.closed = true
	e.mu.Unlock()

	settled := make(chan struct{})
	go func() {
		defer close(settled)
		e.draining.Wait()
		if parts != nil {
			parts.strategy.WaitBackground()
		}
	}()

	select {
	case <-settled:
		return e.cfg.Stores.Close()
	case <-ctx.Done():
		return multierr.Append(ctx.Err(), e.cfg.Stores.Close())
	}
}
