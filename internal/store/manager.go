package store

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/driftline/driftline/internal/database"
	apperrors "github.com/driftline/driftline/pkg/errors"
)

// Manager owns the process-wide store handle. Opening is a singleton
// operation: concurrent callers before the first successful open all wait on
// the same in-flight initialisation instead of racing separate opens. A
// failed open is not cached, so a later call retries initialisation.
type Manager struct {
	cfg   database.Config
	group singleflight.Group

	mu    sync.RWMutex
	store *Store
}

// NewManager builds a Manager for the given database configuration.
func NewManager(cfg database.Config) *Manager {
	return &Manager{cfg: cfg}
}

// Open returns the shared store, initialising the schema on first use.
func (m *Manager) Open(ctx context.Context) (*Store, error) {
	m.mu.RLock()
	if m.store != nil {
		defer m.mu.RUnlock()
		return m.store, nil
	}
	m.mu.RUnlock()

	result, err, _ := m.group.Do("open", func() (any, error) {
		m.mu.RLock()
		if m.store != nil {
			defer m.mu.RUnlock()
			return m.store, nil
		}
		m.mu.RUnlock()

		db, err := database.Open(m.cfg)
		if err != nil {
			return nil, apperrors.ErrStoreNotReady.WithInternal(fmt.Errorf("open database: %w", err))
		}

		if err := database.AutoMigrate(db); err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, apperrors.ErrStoreNotReady.WithInternal(fmt.Errorf("migrate schema: %w", err))
		}

		st, err := New(db)
		if err != nil {
			return nil, apperrors.ErrStoreNotReady.WithInternal(err)
		}

		m.mu.Lock()
		m.store = st
		m.mu.Unlock()
		return st, nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return result.(*Store), nil
}

// Current returns the store if it has been opened successfully, or a
// distinguishable not-ready error otherwise.
func (m *Manager) Current() (*Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.store == nil {
		return nil, apperrors.ErrStoreNotReady
	}
	return m.store, nil
}

// Close shuts the store down. A subsequent Open performs a fresh
// initialisation.
func (m *Manager) Close() error {
	m.mu.Lock()
	st := m.store
	m.store = nil
	m.mu.Unlock()

	if st == nil {
		return nil
	}
	return st.Close()
}
