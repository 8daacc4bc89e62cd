// Package maintenance runs the periodic housekeeping jobs: WAL checkpoints
// and symbol cache warmup.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/marketdata/internal/database"
	"github.com/aristath/marketdata/internal/symbolcache"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background maintenance jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with a cron schedule
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		} else {
			s.log.Debug().Str("job", job.Name()).Msg("Job completed")
		}
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// WALCheckpointJob truncates the WAL file so long ingestion sessions don't
// let it grow unbounded.
type WALCheckpointJob struct {
	DB *database.DB
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string { return "wal_checkpoint" }

// Run performs the checkpoint
func (j *WALCheckpointJob) Run() error {
	return j.DB.WALCheckpoint("TRUNCATE")
}

// CacheWarmJob refreshes the symbol index so the first request after a TTL
// expiry doesn't pay the aggregation cost.
type CacheWarmJob struct {
	Cache *symbolcache.Cache
}

// Name returns the job name
func (j *CacheWarmJob) Name() string { return "symbol_cache_warm" }

// Run refreshes the cache
func (j *CacheWarmJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := j.Cache.Get(ctx)
	return err
}
