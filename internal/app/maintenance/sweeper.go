package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/queue"
	"github.com/driftline/driftline/pkg/logger"
)

const defaultSweepSpec = "@hourly"

// Sweeper coordinates background maintenance: physically deleting expired
// cache entries (and tables dropped from the configuration) and recovering
// queue items stranded in the syncing state.
type Sweeper struct {
	cache *cache.Manager
	queue *queue.Service
	cron  *cron.Cron
	log   *zap.Logger

	sweepSchedule string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(sweeper *Sweeper) {
		if c != nil {
			sweeper.cron = c
		}
	}
}

// WithSweepSchedule overrides the cron specification for the cache sweep.
func WithSweepSchedule(spec string) Option {
	return func(sweeper *Sweeper) {
		if spec != "" {
			sweeper.sweepSchedule = spec
		}
	}
}

// NewSweeper constructs a Sweeper. A nil dependency skips the corresponding job.
func NewSweeper(cacheMgr *cache.Manager, queueSvc *queue.Service, opts ...Option) *Sweeper {
	sweeper := &Sweeper{
		cache:         cacheMgr,
		queue:         queueSvc,
		sweepSchedule: defaultSweepSpec,
		log:           logger.WithComponent("maintenance"),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return sweeper
}

// Start registers the maintenance jobs with the cron scheduler and launches
// it. Any item left syncing by a crashed drain stays invisible to drains
// until recovered, so recovery runs on the same schedule as the sweep.
func (s *Sweeper) Start() error {
	if s.cache != nil {
		if _, err := s.cron.AddFunc(s.sweepSchedule, func() {
			ctx := context.Background()
			if _, err := s.cache.Sweep(ctx); err != nil {
				s.log.Warn("cache sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.queue != nil {
		if _, err := s.cron.AddFunc(s.sweepSchedule, func() {
			ctx := context.Background()
			if _, err := s.queue.RecoverStranded(ctx); err != nil {
				s.log.Warn("stranded item recovery failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running jobs to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes all maintenance routines sequentially. Used in tests and
// during graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if s.cache != nil {
		if _, err := s.cache.Sweep(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.queue != nil {
		if _, err := s.queue.RecoverStranded(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
