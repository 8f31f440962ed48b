package store

import (
	"context"
	"testing"
	"time"

	"github.com/calden/roomtemp/internal/models"
)

func TestJobJanitor_CleansTerminalJobs(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	seed := []*models.ImportJob{
		{ID: "old-done", Scope: "main", Status: models.JobCompleted, UpdatedAt: old},
		{ID: "old-running", Scope: "main", Status: models.JobRunning, UpdatedAt: old},
		{ID: "fresh-done", Scope: "main", Status: models.JobCompleted, UpdatedAt: time.Now().UTC()},
	}
	for _, j := range seed {
		if err := store.PutJob(ctx, j); err != nil {
			t.Fatalf("PutJob failed: %v", err)
		}
	}

	janitor := NewJobJanitor(store, JobJanitorConfig{
		Retention:     24 * time.Hour,
		CleanupPeriod: time.Hour,
	}, testLogger())
	defer janitor.Stop()

	// The initial cleanup runs asynchronously right after start.
	deadline := time.Now().Add(2 * time.Second)
	for janitor.TotalDeleted() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := janitor.TotalDeleted(); got != 1 {
		t.Fatalf("Expected 1 deleted job, got %d", got)
	}

	for id, want := range map[string]bool{
		"old-done":    false,
		"old-running": true,
		"fresh-done":  true,
	} {
		job, err := store.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if (job != nil) != want {
			t.Errorf("Job %s: expected present=%v, got %v", id, want, job != nil)
		}
	}
}

func TestJobJanitor_StopIsIdempotent(t *testing.T) {
	store := setupTestDB(t)

	janitor := NewJobJanitor(store, JobJanitorConfig{}, testLogger())
	janitor.Stop()
	janitor.Stop()
}
