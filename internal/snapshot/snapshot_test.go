package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/config"
	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/store"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.WarnLevel)
}

func setupComputer(t *testing.T) (*Computer, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewComputer(st, testLogger()), st
}

func daySamples(temps map[int]float64) map[int]models.Sample {
	out := make(map[int]models.Sample, len(temps))
	for minute, f := range temps {
		out[minute] = models.Sample{
			TimestampLocal: "2026-03-02 00:00:00",
			TemperatureF:   models.Float64Ptr(f),
		}
	}
	return out
}

func TestSlotID(t *testing.T) {
	if got := SlotID(config.SlotConfig{Label: "Morning Check", Minutes: 510}); got != "morning-check" {
		t.Errorf("Expected morning-check, got %q", got)
	}
	if got := SlotID(config.SlotConfig{Minutes: 510}); got != "m0510" {
		t.Errorf("Expected m0510, got %q", got)
	}
}

func TestPickSample(t *testing.T) {
	samples := daySamples(map[int]float64{800: 70, 830: 72})

	tests := []struct {
		name       string
		target     int
		tolerance  int
		wantMinute int
		wantOK     bool
	}{
		{"exact hit", 830, 15, 830, true},
		{"exact hit zero tolerance", 800, 0, 800, true},
		{"within tolerance", 845, 15, 830, true},
		{"outside tolerance", 900, 5, 0, false},
		{"tie resolves to earlier minute", 815, 15, 800, true},
		{"earlier side probed first", 835, 10, 830, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minute, _, ok := PickSample(samples, tt.target, tt.tolerance)
			if ok != tt.wantOK {
				t.Fatalf("Expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok && minute != tt.wantMinute {
				t.Errorf("Expected minute %d, got %d", tt.wantMinute, minute)
			}
		})
	}
}

func TestPickSample_DayBounds(t *testing.T) {
	samples := daySamples(map[int]float64{2: 68})
	minute, _, ok := PickSample(samples, 0, 5)
	if !ok || minute != 2 {
		t.Errorf("Expected minute 2 near day start, got %d ok=%v", minute, ok)
	}
}

func TestBuildSnapshot(t *testing.T) {
	samples := daySamples(map[int]float64{800: 70, 830: 72})

	snap := BuildSnapshot("main-101", "2026-03-02", config.SlotConfig{
		Label: "Afternoon", Minutes: 845, ToleranceMinutes: 15,
	}, samples)
	if snap.Status != models.SnapshotOK {
		t.Fatalf("Expected ok status, got %s", snap.Status)
	}
	if *snap.TemperatureF != 72 {
		t.Errorf("Expected 72F, got %v", *snap.TemperatureF)
	}
	if snap.DeltaMinutes != 15 {
		t.Errorf("Expected delta 15, got %d", snap.DeltaMinutes)
	}

	missing := BuildSnapshot("main-101", "2026-03-02", config.SlotConfig{
		Label: "Evening", Minutes: 900, ToleranceMinutes: 5,
	}, samples)
	if missing.Status != models.SnapshotMissing {
		t.Errorf("Expected missing status, got %s", missing.Status)
	}
	if missing.TemperatureF != nil {
		t.Error("Missing snapshot must carry no values")
	}
}

func TestRecomputeDay_Idempotent(t *testing.T) {
	c, st := setupComputer(t)
	ctx := context.Background()

	samples := daySamples(map[int]float64{800: 70, 830: 72})
	slots := []config.SlotConfig{
		{Label: "Morning", Minutes: 830, ToleranceMinutes: 15},
		{Label: "Evening", Minutes: 1200, ToleranceMinutes: 5},
	}

	written, err := c.RecomputeDay(ctx, "main-101", "2026-03-02", samples, slots)
	if err != nil {
		t.Fatalf("RecomputeDay failed: %v", err)
	}
	if written != 2 {
		t.Errorf("Expected 2 writes on first pass, got %d", written)
	}

	// Unchanged input: no writes at all.
	written, err = c.RecomputeDay(ctx, "main-101", "2026-03-02", samples, slots)
	if err != nil {
		t.Fatalf("Second RecomputeDay failed: %v", err)
	}
	if written != 0 {
		t.Errorf("Expected 0 writes on recompute, got %d", written)
	}

	snap, err := st.GetSnapshot(ctx, "main-101", "2026-03-02", "morning")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap == nil || snap.Status != models.SnapshotOK || *snap.TemperatureF != 72 {
		t.Fatalf("Stored snapshot wrong: %+v", snap)
	}

	evening, err := st.GetSnapshot(ctx, "main-101", "2026-03-02", "evening")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if evening == nil || evening.Status != models.SnapshotMissing {
		t.Fatalf("Expected stored missing snapshot, got %+v", evening)
	}
}

func TestRecomputeDay_WritesOnlyChangedSlots(t *testing.T) {
	c, _ := setupComputer(t)
	ctx := context.Background()

	slots := []config.SlotConfig{
		{Label: "Morning", Minutes: 830, ToleranceMinutes: 15},
		{Label: "Evening", Minutes: 1200, ToleranceMinutes: 15},
	}
	samples := daySamples(map[int]float64{830: 72})

	if _, err := c.RecomputeDay(ctx, "main-101", "2026-03-02", samples, slots); err != nil {
		t.Fatalf("RecomputeDay failed: %v", err)
	}

	// A late evening reading arrives; only the evening slot changes.
	samples[1200] = models.Sample{TimestampLocal: "2026-03-02 20:00:00", TemperatureF: models.Float64Ptr(69)}
	written, err := c.RecomputeDay(ctx, "main-101", "2026-03-02", samples, slots)
	if err != nil {
		t.Fatalf("RecomputeDay failed: %v", err)
	}
	if written != 1 {
		t.Errorf("Expected 1 write, got %d", written)
	}
}
