package models

import (
	"time"

	"gorm.io/datatypes"
)

// CacheEntry represents one cached response owned by a named cache table.
//
// Rows are keyed by (table_name, key); the auto-increment ID preserves
// insertion order for FIFO overflow eviction and survives upserts, so a
// rewritten key keeps its original slot in the eviction order.
type CacheEntry struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	TableName string         `gorm:"size:128;uniqueIndex:idx_cache_table_key;index"`
	Key       string         `gorm:"column:cache_key;size:512;uniqueIndex:idx_cache_table_key"`
	Body      []byte         `gorm:"type:blob"`
	Headers   datatypes.JSON `gorm:"type:json"`
	CachedAt  time.Time      `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApproxSize reports the entry's contribution to a table's byte size estimate.
func (e *CacheEntry) ApproxSize() int64 {
	return int64(len(e.Key) + len(e.Body) + len(e.Headers))
}
