package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/store"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.WarnLevel)
}

func setupMerger(t *testing.T) (*Merger, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewMerger(st, 0.01, testLogger()), st
}

func testDevice() *models.Device {
	return &models.Device{
		ID:    "main-conference-101",
		Scope: "main",
		Label: "Conference 101",
		Mapping: models.RoomMapping{
			RoomKey: "main-101", Method: models.MapMethodAuto, Confidence: 0.95,
		},
	}
}

func sampleAt(local string, tempF float64) models.Sample {
	return models.Sample{
		TimestampLocal: local,
		TemperatureF:   models.Float64Ptr(tempF),
		TemperatureC:   models.Float64Ptr(models.FahrenheitToCelsius(tempF)),
	}
}

func TestMergeDevice_NewSamples(t *testing.T) {
	m, st := setupMerger(t)
	ctx := context.Background()
	dev := testDevice()

	samples := []models.Sample{
		sampleAt("2026-03-02 08:00:00", 70),
		sampleAt("2026-03-02 08:30:00", 71),
		sampleAt("2026-03-03 09:00:00", 72),
	}

	res, err := m.MergeDevice(ctx, dev, true, samples, time.UTC)
	if err != nil {
		t.Fatalf("MergeDevice failed: %v", err)
	}
	if res.NewReadings != 3 || res.Conflicts != 0 {
		t.Errorf("Expected 3 new / 0 conflicts, got %d / %d", res.NewReadings, res.Conflicts)
	}
	if len(res.DatesTouched) != 2 {
		t.Errorf("Expected 2 dates touched, got %v", res.DatesTouched)
	}
	if !res.DeviceDirty {
		t.Error("Expected device write")
	}

	doc, err := st.GetDayReadings(ctx, dev.ID, "2026-03-02")
	if err != nil {
		t.Fatalf("GetDayReadings failed: %v", err)
	}
	if doc == nil || len(doc.Samples) != 2 {
		t.Fatalf("Expected 2 samples on first day, got %+v", doc)
	}
	if doc.Samples[480].TimestampUTC == nil {
		t.Error("Expected resolved UTC timestamp on stored sample")
	}
}

func TestMergeDevice_ReimportIsNoOp(t *testing.T) {
	m, st := setupMerger(t)
	ctx := context.Background()
	dev := testDevice()

	samples := []models.Sample{
		sampleAt("2026-03-02 08:00:00", 70),
		sampleAt("2026-03-02 08:30:00", 71),
	}
	if _, err := m.MergeDevice(ctx, dev, true, samples, time.UTC); err != nil {
		t.Fatalf("First merge failed: %v", err)
	}

	doc, _ := st.GetDayReadings(ctx, dev.ID, "2026-03-02")
	revBefore := doc.Rev

	res, err := m.MergeDevice(ctx, dev, false, samples, time.UTC)
	if err != nil {
		t.Fatalf("Second merge failed: %v", err)
	}
	if res.NewReadings != 0 || res.Conflicts != 0 {
		t.Errorf("Re-import must be a no-op, got %d new / %d conflicts", res.NewReadings, res.Conflicts)
	}
	if res.DeviceDirty {
		t.Error("Re-import must not rewrite the device")
	}

	// No document write either: the revision must not move.
	doc, _ = st.GetDayReadings(ctx, dev.ID, "2026-03-02")
	if doc.Rev != revBefore {
		t.Errorf("Expected rev %d unchanged, got %d", revBefore, doc.Rev)
	}
}

func TestMergeDevice_ConflictsPreserveFirstValue(t *testing.T) {
	m, st := setupMerger(t)
	ctx := context.Background()
	dev := testDevice()

	first := []models.Sample{
		sampleAt("2026-03-02 08:00:00", 70),
		sampleAt("2026-03-02 08:30:00", 71),
	}
	if _, err := m.MergeDevice(ctx, dev, true, first, time.UTC); err != nil {
		t.Fatalf("First merge failed: %v", err)
	}

	// Same minutes, different values, plus one new minute.
	second := []models.Sample{
		sampleAt("2026-03-02 08:00:00", 75),
		sampleAt("2026-03-02 08:30:00", 76),
		sampleAt("2026-03-02 09:00:00", 72),
	}
	res, err := m.MergeDevice(ctx, dev, false, second, time.UTC)
	if err != nil {
		t.Fatalf("Second merge failed: %v", err)
	}
	if res.NewReadings != 1 {
		t.Errorf("Expected 1 new reading, got %d", res.NewReadings)
	}
	if res.Conflicts != 2 {
		t.Errorf("Expected 2 conflicts, got %d", res.Conflicts)
	}

	doc, _ := st.GetDayReadings(ctx, dev.ID, "2026-03-02")
	if got := *doc.Samples[480].TemperatureF; got != 70 {
		t.Errorf("First value must win, got %v", got)
	}
}

func TestMergeDevice_EpsilonTolerance(t *testing.T) {
	m, _ := setupMerger(t)
	ctx := context.Background()
	dev := testDevice()

	if _, err := m.MergeDevice(ctx, dev, true,
		[]models.Sample{sampleAt("2026-03-02 08:00:00", 70)}, time.UTC); err != nil {
		t.Fatalf("First merge failed: %v", err)
	}

	// Within the 0.01 tolerance: not a conflict.
	near := models.Sample{
		TimestampLocal: "2026-03-02 08:00:00",
		TemperatureF:   models.Float64Ptr(70.005),
		TemperatureC:   models.Float64Ptr(models.FahrenheitToCelsius(70)),
	}
	res, err := m.MergeDevice(ctx, dev, false, []models.Sample{near}, time.UTC)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.Conflicts != 0 {
		t.Errorf("Value within epsilon must not conflict, got %d", res.Conflicts)
	}
}

func TestMergeDevice_Watermarks(t *testing.T) {
	m, st := setupMerger(t)
	ctx := context.Background()
	dev := testDevice()

	if _, err := m.MergeDevice(ctx, dev, true,
		[]models.Sample{sampleAt("2026-03-02 08:00:00", 70)}, time.UTC); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if dev.EarliestLocal != "2026-03-02 08:00:00" || dev.LatestLocal != "2026-03-02 08:00:00" {
		t.Fatalf("Watermarks not set: %q / %q", dev.EarliestLocal, dev.LatestLocal)
	}

	res, err := m.MergeDevice(ctx, dev, false, []models.Sample{
		sampleAt("2026-03-01 23:00:00", 68),
		sampleAt("2026-03-03 07:00:00", 69),
	}, time.UTC)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !res.DeviceDirty {
		t.Error("Moved watermarks must rewrite the device")
	}

	stored, err := st.GetDevice(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if stored.EarliestLocal != "2026-03-01 23:00:00" {
		t.Errorf("Earliest watermark wrong: %q", stored.EarliestLocal)
	}
	if stored.LatestLocal != "2026-03-03 07:00:00" {
		t.Errorf("Latest watermark wrong: %q", stored.LatestLocal)
	}
}

func TestResolveUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation failed: %v", err)
	}

	// EST is UTC-5 in early March.
	got, err := ResolveUTC("2026-03-02 08:00:00", loc)
	if err != nil {
		t.Fatalf("ResolveUTC failed: %v", err)
	}
	want := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
