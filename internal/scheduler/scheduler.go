package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/cache"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

// Scheduler runs the service's background jobs: cache sweeping and cache warming.
type Scheduler struct {
	sched  gocron.Scheduler
	logger *zap.Logger
}

// New creates a stopped scheduler. opts are passed to gocron (e.g. gocron.WithClock in tests).
func New(logger *zap.Logger, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{sched: sched, logger: logger}, nil
}

// Every registers task to run every interval. A run still in progress when the next
// is due is rescheduled rather than overlapped. With immediate set the first run
// happens as soon as the scheduler starts.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, immediate bool, task func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %v", name, interval)
	}
	opts := []gocron.JobOption{
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(name),
	}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	_, err := s.sched.NewJob(gocron.DurationJob(interval), gocron.NewTask(task), opts...)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	s.logger.Info("job scheduled", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// Start begins running registered jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown stops the scheduler and waits for running jobs to return.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// SweepTask returns a task that drops expired entries from each sweeper.
func SweepTask(logger *zap.Logger, sweepers ...cache.Sweeper) func(context.Context) {
	return func(context.Context) {
		removed := 0
		for _, sw := range sweepers {
			removed += sw.Sweep()
		}
		observability.CacheSweptTotal.Add(float64(removed))
		if removed > 0 {
			logger.Debug("cache sweep", zap.Int("removed", removed))
		}
	}
}

// WarmTask returns a task that refreshes the cache for cities.
func WarmTask(logger *zap.Logger, warmer *cache.CacheWarmer, cities []string) func(context.Context) {
	return func(ctx context.Context) {
		if err := warmer.Warm(ctx, cities); err != nil {
			logger.Warn("cache warming incomplete", zap.Error(err))
		}
	}
}
