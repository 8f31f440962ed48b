package aggregate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/store"
)

// accumulator tracks count/sum/min/max for one measure.
type accumulator struct {
	count int
	sum   float64
	min   float64
	max   float64
}

func (a *accumulator) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.count++
}

// finalize produces a Stat, or nil when no samples landed in the period so
// "no data" stays distinguishable from "measured zero".
func (a *accumulator) finalize() *models.Stat {
	if a.count == 0 {
		return nil
	}
	return &models.Stat{
		Count: a.count,
		Min:   a.min,
		Max:   a.max,
		Avg:   a.sum / float64(a.count),
	}
}

// bucketAcc accumulates every measure of one bucket independently; a period
// may carry F data, C data, or both, depending on source units.
type bucketAcc struct {
	tempF accumulator
	tempC accumulator
	hum   accumulator
}

func (b *bucketAcc) add(s models.Sample) {
	if s.TemperatureF != nil {
		b.tempF.add(*s.TemperatureF)
	}
	if s.TemperatureC != nil {
		b.tempC.add(*s.TemperatureC)
	}
	if s.Humidity != nil {
		b.hum.add(*s.Humidity)
	}
}

func (b *bucketAcc) finalize() *models.Bucket {
	bucket := &models.Bucket{
		TemperatureF: b.tempF.finalize(),
		TemperatureC: b.tempC.finalize(),
		Humidity:     b.hum.finalize(),
	}
	if bucket.TemperatureF == nil && bucket.TemperatureC == nil && bucket.Humidity == nil {
		return nil
	}
	return bucket
}

// BuildDay folds a full day's minute map into 24 hourly buckets and one daily
// bucket. Always run on the complete day, never incrementally, so historical
// re-imports rebuild correct aggregates.
func BuildDay(samples map[int]models.Sample) ([24]*models.Bucket, *models.Bucket) {
	var hours [24]bucketAcc
	var day bucketAcc

	for minute, s := range samples {
		h := minute / 60
		if h < 0 || h > 23 {
			continue
		}
		hours[h].add(s)
		day.add(s)
	}

	var hourly [24]*models.Bucket
	for h := range hours {
		hourly[h] = hours[h].finalize()
	}
	return hourly, day.finalize()
}

// Builder recomputes and persists room/day aggregates.
type Builder struct {
	store  store.Store
	logger zerolog.Logger
}

// NewBuilder returns an aggregation builder over the given store.
func NewBuilder(st store.Store, logger zerolog.Logger) *Builder {
	return &Builder{store: st, logger: logger}
}

// RecomputeDay rebuilds the aggregate for one room/day wholesale from the
// given minute map and writes it.
func (b *Builder) RecomputeDay(ctx context.Context, roomKey, dateLocal string, samples map[int]models.Sample) error {
	hourly, daily := BuildDay(samples)
	agg := &models.RoomAggregate{
		RoomKey:   roomKey,
		DateLocal: dateLocal,
		Hourly:    hourly,
		Daily:     daily,
	}
	if err := b.store.PutAggregate(ctx, agg); err != nil {
		return fmt.Errorf("aggregate %s/%s: %w", roomKey, dateLocal, err)
	}

	b.logger.Debug().
		Str("room", roomKey).
		Str("date", dateLocal).
		Msg("Aggregate rebuilt")
	return nil
}
