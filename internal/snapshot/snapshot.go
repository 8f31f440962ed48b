package snapshot

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/config"
	"github.com/calden/roomtemp/internal/match"
	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/store"
)

// SlotID derives the stable identity of a configured snapshot slot.
func SlotID(slot config.SlotConfig) string {
	if slot.Label != "" {
		return match.Slugify(slot.Label)
	}
	return fmt.Sprintf("m%04d", slot.Minutes)
}

// PickSample searches outward from the target minute by increasing delta,
// probing target-delta before target+delta at each distance, and returns the
// first minute holding a sample. Equal-distance ties therefore resolve toward
// the earlier minute.
func PickSample(samples map[int]models.Sample, target, tolerance int) (minute int, sample models.Sample, ok bool) {
	for delta := 0; delta <= tolerance; delta++ {
		if m := target - delta; m >= 0 && m <= 1439 {
			if s, found := samples[m]; found {
				return m, s, true
			}
		}
		if delta == 0 {
			continue
		}
		if m := target + delta; m >= 0 && m <= 1439 {
			if s, found := samples[m]; found {
				return m, s, true
			}
		}
	}
	return 0, models.Sample{}, false
}

// BuildSnapshot computes the point-in-time record for one room/day/slot from
// the day's merged samples.
func BuildSnapshot(roomKey, dateLocal string, slot config.SlotConfig, samples map[int]models.Sample) *models.RoomSnapshot {
	snap := &models.RoomSnapshot{
		RoomKey:   roomKey,
		DateLocal: dateLocal,
		SlotID:    SlotID(slot),
	}

	minute, sample, ok := PickSample(samples, slot.Minutes, slot.ToleranceMinutes)
	if !ok {
		snap.Status = models.SnapshotMissing
		return snap
	}

	delta := minute - slot.Minutes
	if delta < 0 {
		delta = -delta
	}
	snap.Status = models.SnapshotOK
	snap.DeltaMinutes = delta
	snap.SourceLocal = sample.TimestampLocal
	snap.TemperatureF = sample.TemperatureF
	snap.TemperatureC = sample.TemperatureC
	snap.Humidity = sample.Humidity
	return snap
}

// Computer recomputes and persists room snapshots. Writes are idempotent:
// recomputing from unchanged raw data produces zero writes.
type Computer struct {
	store  store.Store
	logger zerolog.Logger
}

// NewComputer returns a snapshot computer over the given store.
func NewComputer(st store.Store, logger zerolog.Logger) *Computer {
	return &Computer{store: st, logger: logger}
}

// RecomputeDay recomputes every configured slot for one room/day from the
// given minute map. Returns how many snapshots were actually written.
func (c *Computer) RecomputeDay(ctx context.Context, roomKey, dateLocal string, samples map[int]models.Sample, slots []config.SlotConfig) (int, error) {
	written := 0
	for _, slot := range slots {
		snap := BuildSnapshot(roomKey, dateLocal, slot, samples)

		current, err := c.store.GetSnapshot(ctx, roomKey, dateLocal, snap.SlotID)
		if err != nil {
			return written, fmt.Errorf("snapshot %s/%s/%s: %w", roomKey, dateLocal, snap.SlotID, err)
		}
		if current != nil && snap.EqualValues(current) {
			continue
		}

		if err := c.store.PutSnapshot(ctx, snap); err != nil {
			return written, fmt.Errorf("snapshot %s/%s/%s: %w", roomKey, dateLocal, snap.SlotID, err)
		}
		written++
	}

	if written > 0 {
		c.logger.Debug().
			Str("room", roomKey).
			Str("date", dateLocal).
			Int("written", written).
			Msg("Snapshots recomputed")
	}
	return written, nil
}
