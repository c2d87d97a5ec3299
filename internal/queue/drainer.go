package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/driftline/internal/models"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/pkg/logger"
	"github.com/driftline/driftline/pkg/metrics"
)

// Drain tunables.
const (
	DefaultWorkers     = 3
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
)

// Executor performs the network execution of one queued action.
type Executor interface {
	Do(ctx context.Context, item *models.QueueItem) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, item *models.QueueItem) error

func (f ExecutorFunc) Do(ctx context.Context, item *models.QueueItem) error {
	return f(ctx, item)
}

// Drainer processes pending queue items against the network with a bounded
// worker pool. Items are claimed individually, so no two workers ever handle
// the same id; a single item's retries stay sequential across passes.
type Drainer struct {
	store       *store.Store
	exec        Executor
	workers     int
	backoffBase time.Duration
	backoffMax  time.Duration
	log         *zap.Logger

	mu       sync.Mutex
	draining bool
	inflight map[string]struct{}
}

// DrainerOption customises the Drainer.
type DrainerOption func(*Drainer)

// WithWorkers bounds drain concurrency.
func WithWorkers(n int) DrainerOption {
	return func(d *Drainer) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithBackoff overrides the retry backoff curve. The wait before attempt n+1
// is base doubled per prior retry, capped at max.
func WithBackoff(base, max time.Duration) DrainerOption {
	return func(d *Drainer) {
		if base > 0 {
			d.backoffBase = base
		}
		if max > 0 {
			d.backoffMax = max
		}
	}
}

// NewDrainer constructs a Drainer.
func NewDrainer(st *store.Store, exec Executor, opts ...DrainerOption) (*Drainer, error) {
	if st == nil {
		return nil, errors.New("drainer: store is required")
	}
	if exec == nil {
		return nil, errors.New("drainer: executor is required")
	}

	drainer := &Drainer{
		store:       st,
		exec:        exec,
		workers:     DefaultWorkers,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		log:         logger.WithComponent("drainer"),
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(drainer)
	}
	return drainer, nil
}

// Drain processes pending items until the queue has no more work or the
// context is cancelled. Only one drain runs at a time; a second call while
// one is active returns immediately. Cancellation stops after in-flight
// items complete, never mid-item.
func (d *Drainer) Drain(ctx context.Context) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil
	}
	d.draining = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.draining = false
		d.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, err := d.store.PendingQueueItems(ctx, d.workers*4)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		var (
			group     errgroup.Group
			processed int
			progress  sync.Mutex
		)
		group.SetLimit(d.workers)

		for i := range items {
			item := items[i]
			if !d.claim(item.ID) {
				continue
			}

			group.Go(func() error {
				defer d.release(item.ID)

				if d.processItem(ctx, item.ID) {
					progress.Lock()
					processed++
					progress.Unlock()
				}
				return nil
			})
		}
		_ = group.Wait()

		if processed == 0 {
			// Everything pending is claimed elsewhere or mid-backoff
			// cancellation; stop instead of spinning.
			return ctx.Err()
		}
	}
}

func (d *Drainer) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.inflight[id]; taken {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Drainer) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

// processItem runs one attempt for one item. Returns true when the item made
// a state transition (completed, rescheduled, or failed).
func (d *Drainer) processItem(ctx context.Context, id string) bool {
	item, err := d.store.TransitionQueueItem(ctx, id, func(item *models.QueueItem) bool {
		if item.Status != models.QueueStatusPending {
			return false
		}
		item.Status = models.QueueStatusSyncing
		return true
	})
	if err != nil {
		d.log.Warn("claim transition failed", zap.String("id", id), zap.Error(err))
		return false
	}
	if item.Status != models.QueueStatusSyncing {
		// Another writer got there first.
		return false
	}

	if item.RetryCount > 0 {
		if !d.waitBackoff(ctx, item.RetryCount) {
			// Cancelled mid-backoff: put the item back without burning
			// a retry.
			_, _ = d.store.TransitionQueueItem(context.WithoutCancel(ctx), id, func(item *models.QueueItem) bool {
				item.Status = models.QueueStatusPending
				return true
			})
			return false
		}
	}

	execErr := d.exec.Do(ctx, item)
	if execErr == nil {
		// Completed items are removed, not marked.
		if err := d.store.DeleteQueueItem(ctx, id); err != nil {
			d.log.Error("completed item removal failed", zap.String("id", id), zap.Error(err))
			return false
		}
		metrics.DrainResults.WithLabelValues("completed").Inc()
		d.log.Debug("queue item completed", zap.String("id", id), zap.String("type", item.Type))
		return true
	}

	updated, err := d.store.TransitionQueueItem(context.WithoutCancel(ctx), id, func(item *models.QueueItem) bool {
		if item.Status != models.QueueStatusSyncing {
			return false
		}
		item.RetryCount++
		item.LastError = execErr.Error()
		if item.RetryCount >= item.MaxRetries {
			item.Status = models.QueueStatusFailed
		} else {
			item.Status = models.QueueStatusPending
		}
		return true
	})
	if err != nil {
		d.log.Error("failure transition failed", zap.String("id", id), zap.Error(err))
		return false
	}

	if updated.Status == models.QueueStatusFailed {
		metrics.DrainResults.WithLabelValues("failed").Inc()
		d.log.Warn("queue item exhausted retries",
			zap.String("id", id),
			zap.String("type", updated.Type),
			zap.Int("retry_count", updated.RetryCount),
			zap.String("error", updated.LastError))
	} else {
		metrics.DrainResults.WithLabelValues("retried").Inc()
		d.log.Debug("queue item rescheduled",
			zap.String("id", id),
			zap.Int("retry_count", updated.RetryCount))
	}
	return true
}

// waitBackoff sleeps for the retry interval, which doubles per prior retry
// and is capped, so it is monotonically non-decreasing in the retry count.
// Returns false when the context is cancelled first.
func (d *Drainer) waitBackoff(ctx context.Context, retryCount int) bool {
	timer := time.NewTimer(d.backoffFor(retryCount))
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Drainer) backoffFor(retryCount int) time.Duration {
	backoff := d.backoffBase
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= d.backoffMax {
			return d.backoffMax
		}
	}
	if backoff > d.backoffMax {
		return d.backoffMax
	}
	return backoff
}
