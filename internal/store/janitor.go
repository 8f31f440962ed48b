package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobJanitor periodically removes terminal import jobs from the store. Jobs
// are ephemeral progress records; only a recent history is worth keeping.
type JobJanitor struct {
	store     Store
	logger    zerolog.Logger
	retention time.Duration
	period    time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu           sync.RWMutex
	totalDeleted int64
	lastCleanup  time.Time
}

// JobJanitorConfig holds configuration for the janitor.
type JobJanitorConfig struct {
	Retention     time.Duration // How long to keep terminal jobs (default: 7 days)
	CleanupPeriod time.Duration // How often to run cleanup (default: 1 hour)
}

// NewJobJanitor creates and starts a janitor.
func NewJobJanitor(store Store, config JobJanitorConfig, logger zerolog.Logger) *JobJanitor {
	retention := config.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	period := config.CleanupPeriod
	if period <= 0 {
		period = 1 * time.Hour
	}

	j := &JobJanitor{
		store:     store,
		logger:    logger,
		retention: retention,
		period:    period,
		stopChan:  make(chan struct{}),
	}

	j.wg.Add(1)
	go j.cleanupLoop()

	logger.Info().
		Dur("retention", retention).
		Dur("cleanup_period", period).
		Msg("JobJanitor started")

	return j
}

func (j *JobJanitor) cleanupLoop() {
	defer j.wg.Done()

	// Run initial cleanup
	j.runCleanup()

	ticker := time.NewTicker(j.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.runCleanup()
		case <-j.stopChan:
			j.logger.Info().Msg("JobJanitor stopped")
			return
		}
	}
}

func (j *JobJanitor) runCleanup() {
	cutoff := time.Now().UTC().Add(-j.retention)
	deleted, err := j.store.DeleteTerminalJobsBefore(context.Background(), cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("Job cleanup failed")
		return
	}

	j.mu.Lock()
	j.totalDeleted += deleted
	j.lastCleanup = time.Now()
	j.mu.Unlock()

	if deleted > 0 {
		j.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Deleted old import jobs")
	}
}

// Stop shuts the janitor down, waiting for any in-flight cleanup.
func (j *JobJanitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopChan)
	})
	j.wg.Wait()
}

// TotalDeleted returns how many jobs the janitor has removed since start.
func (j *JobJanitor) TotalDeleted() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.totalDeleted
}
