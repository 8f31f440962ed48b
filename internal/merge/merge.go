package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/store"
)

// Result summarizes what one device merge changed.
type Result struct {
	NewReadings  int
	Conflicts    int
	DatesTouched []string
	DeviceDirty  bool
}

// Merger folds batches of parsed samples into per-device-per-day documents.
// Per minute the first stored value wins: identical re-imports are ignored,
// differing values are counted as conflicts and never overwritten.
type Merger struct {
	store   store.Store
	logger  zerolog.Logger
	epsilon float64
}

// NewMerger returns a merger using the given value-equality tolerance.
func NewMerger(st store.Store, epsilon float64, logger zerolog.Logger) *Merger {
	if epsilon <= 0 {
		epsilon = 1e-9
	}
	return &Merger{store: st, logger: logger, epsilon: epsilon}
}

// MergeDevice merges a batch of samples for one device, grouped by local
// date. Each date's merge is a single atomic document write; failure on one
// date leaves other dates untouched. The device record is rewritten only when
// readings were added, watermarks moved, or the mapping changed.
func (m *Merger) MergeDevice(ctx context.Context, dev *models.Device, mappingChanged bool, samples []models.Sample, loc *time.Location) (Result, error) {
	var res Result

	byDate := make(map[string][]models.Sample)
	for _, s := range samples {
		date, err := s.DateLocal()
		if err != nil {
			// Ingest already validated timestamps; a bad one here is a bug.
			return res, fmt.Errorf("merge %s: %w", dev.ID, err)
		}
		byDate[date] = append(byDate[date], s)
	}

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	watermarksMoved := false
	for _, date := range dates {
		added, conflicts, moved, err := m.mergeDate(ctx, dev, date, byDate[date], loc)
		if err != nil {
			return res, err
		}
		res.NewReadings += added
		res.Conflicts += conflicts
		watermarksMoved = watermarksMoved || moved
		if added > 0 {
			res.DatesTouched = append(res.DatesTouched, date)
		}
	}

	res.DeviceDirty = res.NewReadings > 0 || watermarksMoved || mappingChanged
	if res.DeviceDirty {
		if err := m.store.PutDevice(ctx, dev); err != nil {
			return res, fmt.Errorf("merge %s: write device: %w", dev.ID, err)
		}
	}

	m.logger.Debug().
		Str("device", dev.ID).
		Int("new_readings", res.NewReadings).
		Int("conflicts", res.Conflicts).
		Int("dates", len(dates)).
		Msg("Device merge finished")

	return res, nil
}

// mergeDate merges one date's samples. On a revision conflict the document is
// re-read and the merge re-applied once; two writers racing on the same day
// otherwise resolve to whichever committed first, per minute.
func (m *Merger) mergeDate(ctx context.Context, dev *models.Device, date string, samples []models.Sample, loc *time.Location) (added, conflicts int, watermarksMoved bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := m.store.GetDayReadings(ctx, dev.ID, date)
		if err != nil {
			return 0, 0, false, err
		}
		if doc == nil {
			doc = models.NewDayReadings(dev.ID, date)
		}

		added, conflicts = 0, 0
		watermarksMoved = false
		for _, s := range samples {
			minute, err := s.MinuteOfDay()
			if err != nil {
				return 0, 0, false, fmt.Errorf("merge %s/%s: %w", dev.ID, date, err)
			}

			if existing, ok := doc.Samples[minute]; ok {
				if !existing.EqualWithin(&s, m.epsilon) {
					conflicts++
				}
				continue
			}

			withUTC := s
			if utc, err := resolveUTC(s.TimestampLocal, loc); err == nil {
				withUTC.TimestampUTC = &utc
				if dev.ExtendWatermarks(s.TimestampLocal, utc) {
					watermarksMoved = true
				}
			}
			doc.Samples[minute] = withUTC
			added++
		}

		if added == 0 {
			// Nothing new for this date; skip the write but keep the
			// conflict count.
			return added, conflicts, watermarksMoved, nil
		}

		err = m.store.PutDayReadings(ctx, doc)
		if err == nil {
			return added, conflicts, watermarksMoved, nil
		}
		if !errors.Is(err, store.ErrRevConflict) {
			return 0, 0, false, fmt.Errorf("merge %s/%s: %w", dev.ID, date, err)
		}
		m.logger.Warn().
			Str("device", dev.ID).
			Str("date", date).
			Msg("Day readings revision conflict, re-merging")
	}
	return 0, 0, false, fmt.Errorf("merge %s/%s: %w", dev.ID, date, store.ErrRevConflict)
}

func resolveUTC(local string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(models.LocalTimestampLayout, local, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ResolveUTC converts a local sensor timestamp to an absolute instant using
// the scope's timezone. The query layer uses the same rule as ingestion so
// bucket boundaries line up.
func ResolveUTC(local string, loc *time.Location) (time.Time, error) {
	return resolveUTC(local, loc)
}
