package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/driftline/driftline/internal/models"
	apperrors "github.com/driftline/driftline/pkg/errors"
)

// Store exposes the engine's durable collections (conversations, queue items,
// cache entries) over a single gorm handle. All methods honour the supplied
// context and surface failures as store-class EngineErrors.
type Store struct {
	db *gorm.DB
}

// New wraps an opened database handle. Most callers should go through a
// Manager so the schema is initialised exactly once per process.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for maintenance jobs.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapStoreErr(err)
	}
	return sqlDB.Close()
}

// Conversations

// PutConversation inserts or replaces a conversation snapshot.
func (s *Store) PutConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || strings.TrimSpace(conv.ID) == "" {
		return apperrors.NewConfig("conversation id is required")
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "snapshot", "sync_status", "last_modified", "updated_at",
			}),
		}).Create(conv).Error
	return wrapStoreErr(err)
}

// GetConversation returns the conversation with the given id, or nil when the
// id is unknown. A missing row is not an error.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Take(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return &conv, nil
}

// Conversations returns all cached conversations ordered by recency.
func (s *Store) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var rows []models.Conversation
	err := s.db.WithContext(ctx).Order("last_modified DESC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return rows, nil
}

// DeleteConversation removes a conversation snapshot. Deleting an unknown id
// is a no-op.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return wrapStoreErr(s.db.WithContext(ctx).Delete(&models.Conversation{}, "id = ?", id).Error)
}

// Queue items

// CreateQueueItem persists a new queue item.
func (s *Store) CreateQueueItem(ctx context.Context, item *models.QueueItem) error {
	return wrapStoreErr(s.db.WithContext(ctx).Create(item).Error)
}

// QueueItem returns the item with the given id, or nil when unknown.
func (s *Store) QueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.WithContext(ctx).Take(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return &item, nil
}

// QueueItems returns every queued action in FIFO order.
func (s *Store) QueueItems(ctx context.Context) ([]models.QueueItem, error) {
	var rows []models.QueueItem
	err := s.db.WithContext(ctx).Order("timestamp ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return rows, nil
}

// PendingQueueItems returns items eligible for draining in FIFO order.
func (s *Store) PendingQueueItems(ctx context.Context, limit int) ([]models.QueueItem, error) {
	query := s.db.WithContext(ctx).
		Where("status = ?", models.QueueStatusPending).
		Order("timestamp ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.QueueItem
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreErr(err)
	}
	return rows, nil
}

// SaveQueueItem persists mutations of an existing item.
func (s *Store) SaveQueueItem(ctx context.Context, item *models.QueueItem) error {
	return wrapStoreErr(s.db.WithContext(ctx).Save(item).Error)
}

// TransitionQueueItem applies mutate to the item under a row-level lock so
// read-modify-write cycles are atomic with respect to other writers of the
// same id. The mutate callback may return false to abandon the transition.
func (s *Store) TransitionQueueItem(ctx context.Context, id string, mutate func(*models.QueueItem) bool) (*models.QueueItem, error) {
	var out *models.QueueItem

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		read := tx
		// SQLite serialises writers at the database level and rejects
		// FOR UPDATE outright.
		if tx.Dialector.Name() != "sqlite" {
			read = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var item models.QueueItem
		err := read.Take(&item, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return err
		}

		if !mutate(&item) {
			out = &item
			return nil
		}

		if err := tx.Save(&item).Error; err != nil {
			return err
		}
		out = &item
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out, nil
}

// DeleteQueueItem removes an item regardless of its status.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	return wrapStoreErr(s.db.WithContext(ctx).Delete(&models.QueueItem{}, "id = ?", id).Error)
}

// ClearQueue removes every queue item.
func (s *Store) ClearQueue(ctx context.Context) error {
	return wrapStoreErr(s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.QueueItem{}).Error)
}

// PendingCount reports how many items are awaiting drain.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("status = ?", models.QueueStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return count, nil
}

// ResetSyncingItems flips items stranded in the syncing state back to pending.
// A crash mid-sync leaves rows syncing; re-running them gives at-least-once
// delivery.
func (s *Store) ResetSyncingItems(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("status = ?", models.QueueStatusSyncing).
		Update("status", models.QueueStatusPending)
	if result.Error != nil {
		return 0, wrapStoreErr(result.Error)
	}
	return result.RowsAffected, nil
}

// Cache entries

// UpsertCacheEntry writes an entry, replacing any prior row for the same
// (table, key) pair atomically. The row keeps its original auto-increment id
// on replacement, preserving its slot in the FIFO eviction order.
func (s *Store) UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "table_name"}, {Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"body", "headers", "cached_at", "updated_at",
			}),
		}).Create(entry).Error
	return wrapStoreErr(err)
}

// GetCacheEntry retrieves an entry by table and key. Absence is signalled by
// ok == false, never by an error.
func (s *Store) GetCacheEntry(ctx context.Context, table, key string) (*models.CacheEntry, bool, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Take(&entry, "table_name = ? AND cache_key = ?", table, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStoreErr(err)
	}
	return &entry, true, nil
}

// CacheEntryCount reports the number of rows held by a table.
func (s *Store) CacheEntryCount(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("table_name = ?", table).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return count, nil
}

// OldestCacheEntries returns the ids of the n oldest rows in a table by
// insertion order.
func (s *Store) OldestCacheEntries(ctx context.Context, table string, n int) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("table_name = ?", table).
		Order("id ASC").
		Limit(n).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return ids, nil
}

// DeleteCacheEntries removes rows by id.
func (s *Store) DeleteCacheEntries(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return wrapStoreErr(s.db.WithContext(ctx).
		Delete(&models.CacheEntry{}, "id IN ?", ids).Error)
}

// DeleteExpiredCacheEntries physically removes rows in a table whose capture
// time predates the cutoff. Returns the number of rows removed.
func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("table_name = ? AND cached_at < ?", table, cutoff).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, wrapStoreErr(result.Error)
	}
	return result.RowsAffected, nil
}

// DropCacheTable removes every row belonging to a table.
func (s *Store) DropCacheTable(ctx context.Context, table string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("table_name = ?", table).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, wrapStoreErr(result.Error)
	}
	return result.RowsAffected, nil
}

// CacheTableNames lists the distinct table names that currently hold rows.
func (s *Store) CacheTableNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Distinct("table_name").
		Order("table_name ASC").
		Pluck("table_name", &names).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return names, nil
}

// CacheTableStatus summarises one table's footprint.
type CacheTableStatus struct {
	Table       string `gorm:"column:table_name" json:"table"`
	Entries     int64  `gorm:"column:entries" json:"entries"`
	ApproxBytes int64  `gorm:"column:approx_bytes" json:"approx_bytes"`
}

// CacheTableStatuses reports the entry count and approximate byte size of each
// table currently holding rows.
func (s *Store) CacheTableStatuses(ctx context.Context) ([]CacheTableStatus, error) {
	var statuses []CacheTableStatus
	err := s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Select("table_name, COUNT(*) AS entries, COALESCE(SUM(LENGTH(cache_key) + LENGTH(body) + LENGTH(headers)), 0) AS approx_bytes").
		Group("table_name").
		Order("table_name ASC").
		Scan(&statuses).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return statuses, nil
}

// Error mapping

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}

	var engineErr *apperrors.EngineError
	if errors.As(err, &engineErr) {
		return err
	}

	if isQuotaErr(err) {
		return apperrors.ErrQuotaExceeded.WithInternal(err)
	}
	return apperrors.NewStore(err)
}

// isQuotaErr recognises the SQLite full-disk failure so callers can
// distinguish quota exhaustion from corruption or closed connections.
func isQuotaErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "disk full")
}
