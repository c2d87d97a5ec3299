package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/store"
	apperrors "github.com/driftline/driftline/pkg/errors"
	"github.com/driftline/driftline/pkg/logger"
	"github.com/driftline/driftline/pkg/metrics"
)

// DefaultMaxRetries bounds automatic retries per queued action.
const DefaultMaxRetries = 3

// Service manages the durable queue of user actions deferred for lack of
// connectivity.
type Service struct {
	store      *store.Store
	maxRetries int
	log        *zap.Logger
}

// NewService constructs a queue Service. maxRetries <= 0 selects the default.
func NewService(st *store.Store, maxRetries int) (*Service, error) {
	if st == nil {
		return nil, errors.New("queue service: store is required")
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{
		store:      st,
		maxRetries: maxRetries,
		log:        logger.WithComponent("queue"),
	}, nil
}

// EnqueueInput describes a new offline action.
type EnqueueInput struct {
	Type       string
	Payload    []byte
	MaxRetries int // zero selects the service default
}

// Enqueue persists a new action with status pending and a zero retry count.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*models.QueueItem, error) {
	kind := strings.TrimSpace(input.Type)
	if !models.KnownActionType(kind) {
		return nil, apperrors.NewConfig(fmt.Sprintf("unknown action type %q", input.Type))
	}

	maxRetries := input.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}

	item := &models.QueueItem{
		Type:       kind,
		Payload:    datatypes.JSON(input.Payload),
		Timestamp:  time.Now(),
		RetryCount: 0,
		MaxRetries: maxRetries,
		Status:     models.QueueStatusPending,
	}
	if err := s.store.CreateQueueItem(ctx, item); err != nil {
		return nil, err
	}

	s.log.Debug("queued offline action", zap.String("id", item.ID), zap.String("type", kind))
	s.publishDepth(ctx)
	return item, nil
}

// Items returns every queued action in FIFO order.
func (s *Service) Items(ctx context.Context) ([]models.QueueItem, error) {
	return s.store.QueueItems(ctx)
}

// Update persists caller-driven mutations of an existing item, keeping the
// retry invariant intact.
func (s *Service) Update(ctx context.Context, item *models.QueueItem) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return apperrors.NewConfig("queue item id is required")
	}
	if item.RetryCount > item.MaxRetries {
		return apperrors.NewConfig("retry count must not exceed max retries")
	}
	return s.store.SaveQueueItem(ctx, item)
}

// Retry resets a failed item for another round of drain attempts.
func (s *Service) Retry(ctx context.Context, id string) (*models.QueueItem, error) {
	item, err := s.store.TransitionQueueItem(ctx, id, func(item *models.QueueItem) bool {
		if item.Status != models.QueueStatusFailed {
			return false
		}
		item.Status = models.QueueStatusPending
		item.RetryCount = 0
		item.LastError = ""
		return true
	})
	if err != nil {
		return nil, err
	}
	s.publishDepth(ctx)
	return item, nil
}

// Remove deletes an item regardless of state, bypassing retry bookkeeping.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteQueueItem(ctx, id); err != nil {
		return err
	}
	s.publishDepth(ctx)
	return nil
}

// Clear deletes every queued action.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.store.ClearQueue(ctx); err != nil {
		return err
	}
	metrics.QueueDepth.Set(0)
	return nil
}

// PendingCount reports how many actions await drain.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.store.PendingCount(ctx)
}

// RecoverStranded flips items left syncing by an interrupted drain back to
// pending so they are reprocessed at least once.
func (s *Service) RecoverStranded(ctx context.Context) (int64, error) {
	recovered, err := s.store.ResetSyncingItems(ctx)
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		s.log.Info("recovered stranded queue items", zap.Int64("count", recovered))
	}
	s.publishDepth(ctx)
	return recovered, nil
}

func (s *Service) publishDepth(ctx context.Context) {
	count, err := s.store.PendingCount(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(count))
}
