package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/store"
)

const (
	// Progress writes are throttled so a large import does not flood the
	// store with near-continuous small updates.
	minWriteInterval = 1500 * time.Millisecond
	minRowDelta      = 250
)

// throttle is the explicit write-throttle state carried alongside the job.
type throttle struct {
	lastWrite time.Time
	lastRows  int
}

// Tracker manages the progress record of one import run. The job always
// reaches a terminal state; Fail is safe to call after any partial progress.
type Tracker struct {
	store  store.Store
	logger zerolog.Logger
	job    *models.ImportJob
	thr    throttle

	// now is swappable for tests.
	now func() time.Time
}

// Start creates a running job for the scope and writes it immediately.
func Start(ctx context.Context, st store.Store, scope string, totalFiles, totalRows int, logger zerolog.Logger) (*Tracker, error) {
	t := &Tracker{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
	now := t.now().UTC()
	t.job = &models.ImportJob{
		ID:         uuid.NewString(),
		Scope:      scope,
		Status:     models.JobRunning,
		Stage:      "starting",
		TotalFiles: totalFiles,
		TotalRows:  totalRows,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.PutJob(ctx, t.job); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	t.thr = throttle{lastWrite: now}

	logger.Info().
		Str("job", t.job.ID).
		Str("scope", scope).
		Int("files", totalFiles).
		Int("rows", totalRows).
		Msg("Import job started")
	return t, nil
}

// Job returns the current in-memory job record.
func (t *Tracker) Job() *models.ImportJob {
	return t.job
}

// ID returns the job identifier.
func (t *Tracker) ID() string {
	return t.job.ID
}

// SetStage records a stage transition. Stage changes always write.
func (t *Tracker) SetStage(ctx context.Context, stage string) error {
	t.job.Stage = stage
	return t.write(ctx, true)
}

// Advance applies a progress mutation. The write is skipped unless enough
// wall-clock time AND enough rows have passed since the last write, or force
// is set.
func (t *Tracker) Advance(ctx context.Context, mutate func(*models.ImportJob), force bool) error {
	mutate(t.job)
	return t.write(ctx, force)
}

// Complete marks the job completed. Always writes.
func (t *Tracker) Complete(ctx context.Context) error {
	t.job.Status = models.JobCompleted
	t.job.Stage = "done"
	t.job.CurrentFile = ""
	if err := t.write(ctx, true); err != nil {
		return err
	}
	t.logger.Info().Str("job", t.job.ID).Msg("Import job completed")
	return nil
}

// Fail marks the job failed with the given summary and detail lines. The job
// is never left dangling in running; even a failing final write is only
// logged.
func (t *Tracker) Fail(ctx context.Context, summary string, detail []string) {
	t.job.Status = models.JobFailed
	t.job.ErrorSummary = summary
	t.job.ErrorDetail = detail
	if err := t.write(ctx, true); err != nil {
		t.logger.Error().Err(err).Str("job", t.job.ID).Msg("Failed to persist job failure")
	}
	t.logger.Error().
		Str("job", t.job.ID).
		Str("summary", summary).
		Msg("Import job failed")
}

func (t *Tracker) write(ctx context.Context, force bool) error {
	now := t.now().UTC()
	if !force {
		elapsed := now.Sub(t.thr.lastWrite)
		rowDelta := t.job.ProcessedRows - t.thr.lastRows
		if elapsed < minWriteInterval || rowDelta < minRowDelta {
			return nil
		}
	}

	t.job.UpdatedAt = now
	if err := t.store.PutJob(ctx, t.job); err != nil {
		return fmt.Errorf("write job %s: %w", t.job.ID, err)
	}
	t.thr.lastWrite = now
	t.thr.lastRows = t.job.ProcessedRows
	return nil
}
