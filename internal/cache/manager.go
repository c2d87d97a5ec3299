package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/store"
	apperrors "github.com/driftline/driftline/pkg/errors"
	"github.com/driftline/driftline/pkg/logger"
	"github.com/driftline/driftline/pkg/metrics"
)

// TableConfig fixes one named cache table's bookkeeping rules for its
// lifetime.
type TableConfig struct {
	// MaxEntries caps the table's row count; zero means unbounded.
	MaxEntries int
	// MaxAge is the logical freshness window; zero means entries never
	// expire by time.
	MaxAge time.Duration
}

// Manager performs per-table bookkeeping over the persistent store: reads
// that treat expired entries as absent, writes followed by FIFO overflow
// eviction, and a bulk sweep that physically deletes what expiry only hid.
//
// The set of table names passed at construction is the complete registry:
// the sweep drops any stored table that is not registered, so stale tables
// from older configurations disappear without name-pattern guessing.
type Manager struct {
	store  *store.Store
	tables map[string]TableConfig
	now    func() time.Time
	log    *zap.Logger
}

// NewManager constructs a Manager over the given store and table registry.
func NewManager(st *store.Store, tables map[string]TableConfig) (*Manager, error) {
	if st == nil {
		return nil, errors.New("cache manager: store is required")
	}
	if len(tables) == 0 {
		return nil, apperrors.NewConfig("at least one cache table must be configured")
	}
	for name, cfg := range tables {
		if name == "" {
			return nil, apperrors.NewConfig("cache table name must not be empty")
		}
		if cfg.MaxEntries < 0 {
			return nil, apperrors.NewConfig(fmt.Sprintf("cache table %q has negative max entries", name))
		}
		if cfg.MaxAge < 0 {
			return nil, apperrors.NewConfig(fmt.Sprintf("cache table %q has negative max age", name))
		}
	}

	registry := make(map[string]TableConfig, len(tables))
	for name, cfg := range tables {
		registry[name] = cfg
	}

	return &Manager{
		store:  st,
		tables: registry,
		now:    time.Now,
		log:    logger.WithComponent("cache"),
	}, nil
}

// WithNow overrides the clock, primarily for tests. It mutates the manager
// without locking and must be called before the manager is shared between
// goroutines; after that the clock is read-only.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// Tables returns the registered table names in stable order.
func (m *Manager) Tables() []string {
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the configuration of a registered table.
func (m *Manager) Table(name string) (TableConfig, bool) {
	cfg, ok := m.tables[name]
	return cfg, ok
}

// Read returns the entry for key in the named table. Expired entries are
// treated as absent but left in place for a later sweep; allowStale retrieves
// them anyway so strategies can fall back to stale data on network failure.
func (m *Manager) Read(ctx context.Context, table, key string, allowStale bool) (*models.CacheEntry, bool, error) {
	cfg, ok := m.tables[table]
	if !ok {
		return nil, false, apperrors.NewConfig(fmt.Sprintf("cache table %q is not registered", table))
	}

	entry, found, err := m.store.GetCacheEntry(ctx, table, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		metrics.CacheReads.WithLabelValues(table, "miss").Inc()
		return nil, false, nil
	}

	if m.expired(entry, cfg) {
		metrics.CacheReads.WithLabelValues(table, "stale").Inc()
		if allowStale {
			return entry, true, nil
		}
		return nil, false, nil
	}

	metrics.CacheReads.WithLabelValues(table, "hit").Inc()
	return entry, true, nil
}

// Write stamps the entry with its capture time, replaces any prior entry for
// the same key atomically, then evicts overflow.
func (m *Manager) Write(ctx context.Context, table, key string, body []byte, headers []byte) error {
	if _, ok := m.tables[table]; !ok {
		return apperrors.NewConfig(fmt.Sprintf("cache table %q is not registered", table))
	}

	entry := &models.CacheEntry{
		TableName: table,
		Key:       key,
		Body:      body,
		Headers:   datatypes.JSON(headers),
		CachedAt:  m.now(),
	}
	if err := m.store.UpsertCacheEntry(ctx, entry); err != nil {
		return err
	}

	return m.EvictOverflow(ctx, table)
}

// IsExpired reports whether the entry's age exceeds the table's freshness
// window. Tables without a configured max age never expire entries by time.
func (m *Manager) IsExpired(entry *models.CacheEntry, table string) bool {
	cfg, ok := m.tables[table]
	if !ok {
		return false
	}
	return m.expired(entry, cfg)
}

func (m *Manager) expired(entry *models.CacheEntry, cfg TableConfig) bool {
	if cfg.MaxAge <= 0 {
		return false
	}
	return m.now().Sub(entry.CachedAt) > cfg.MaxAge
}

// EvictOverflow deletes the oldest entries by insertion order until the
// table's count is back within its cap. Eviction is pure FIFO.
func (m *Manager) EvictOverflow(ctx context.Context, table string) error {
	cfg, ok := m.tables[table]
	if !ok {
		return apperrors.NewConfig(fmt.Sprintf("cache table %q is not registered", table))
	}
	if cfg.MaxEntries <= 0 {
		return nil
	}

	count, err := m.store.CacheEntryCount(ctx, table)
	if err != nil {
		return err
	}

	excess := int(count) - cfg.MaxEntries
	if excess <= 0 {
		return nil
	}

	ids, err := m.store.OldestCacheEntries(ctx, table, excess)
	if err != nil {
		return err
	}
	if err := m.store.DeleteCacheEntries(ctx, ids); err != nil {
		return err
	}

	metrics.CacheEvictions.WithLabelValues(table).Add(float64(len(ids)))
	m.log.Debug("evicted overflow entries",
		zap.String("table", table),
		zap.Int("evicted", len(ids)))
	return nil
}

// SweepResult summarises one cleanup pass.
type SweepResult struct {
	ExpiredRemoved int64
	TablesDropped  int
}

// Sweep physically deletes expired entries in every registered table and
// drops stored tables absent from the registry.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   error
	)

	for name, cfg := range m.tables {
		if cfg.MaxAge <= 0 {
			continue
		}
		cutoff := m.now().Add(-cfg.MaxAge)
		removed, err := m.store.DeleteExpiredCacheEntries(ctx, name, cutoff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sweep table %q: %w", name, err))
			continue
		}
		result.ExpiredRemoved += removed
	}

	stored, err := m.store.CacheTableNames(ctx)
	if err != nil {
		return result, multierr.Append(errs, err)
	}
	for _, name := range stored {
		if _, ok := m.tables[name]; ok {
			continue
		}
		if _, err := m.store.DropCacheTable(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("drop table %q: %w", name, err))
			continue
		}
		result.TablesDropped++
	}

	if result.ExpiredRemoved > 0 || result.TablesDropped > 0 {
		m.log.Info("cache sweep completed",
			zap.Int64("expired_removed", result.ExpiredRemoved),
			zap.Int("tables_dropped", result.TablesDropped))
	}
	return result, errs
}

// Status reports entry count and approximate byte size per registered table.
// Registered tables without rows appear with zero counts.
func (m *Manager) Status(ctx context.Context) ([]store.CacheTableStatus, error) {
	stored, err := m.store.CacheTableStatuses(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]store.CacheTableStatus, len(stored))
	for _, status := range stored {
		byName[status.Table] = status
	}

	out := make([]store.CacheTableStatus, 0, len(m.tables))
	for _, name := range m.Tables() {
		if status, ok := byName[name]; ok {
			out = append(out, status)
			continue
		}
		out = append(out, store.CacheTableStatus{Table: name})
	}
	return out, nil
}
