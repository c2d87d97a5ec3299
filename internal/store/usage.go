package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/driftline/driftline/pkg/logger"
)

// Usage reports the store's device footprint in bytes. Zero values mean the
// backend cannot report usage.
type Usage struct {
	Used  int64 `json:"used"`
	Quota int64 `json:"quota"`
}

// StorageUsage introspects the database's size. The operation is best-effort:
// backends without size pragmas, and any introspection failure, degrade to a
// zeroed result instead of an error.
func (s *Store) StorageUsage(ctx context.Context) Usage {
	if s.db.Dialector.Name() != "sqlite" {
		return Usage{}
	}

	log := logger.WithComponent("store")

	var pageCount, pageSize, maxPageCount int64
	for pragma, dest := range map[string]*int64{
		"page_count":     &pageCount,
		"page_size":      &pageSize,
		"max_page_count": &maxPageCount,
	} {
		if err := s.db.WithContext(ctx).Raw("PRAGMA " + pragma).Scan(dest).Error; err != nil {
			log.Warn("storage usage introspection failed", zap.String("pragma", pragma), zap.Error(err))
			return Usage{}
		}
	}

	return Usage{
		Used:  pageCount * pageSize,
		Quota: maxPageCount * pageSize,
	}
}
