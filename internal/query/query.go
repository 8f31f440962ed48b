package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/match"
	"github.com/calden/roomtemp/internal/merge"
	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/store"
)

// Granularity is the resolution a time series is served at.
type Granularity string

const (
	GranularityAuto   Granularity = ""
	GranularityRaw    Granularity = "raw"
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

const (
	rawSpanLimit    = 48 * time.Hour
	hourlySpanLimit = 45 * 24 * time.Hour
)

// ResolveGranularity picks the serving resolution from the requested span
// unless the caller forces one.
func ResolveGranularity(from, to time.Time, forced Granularity) Granularity {
	if forced != GranularityAuto {
		return forced
	}
	span := to.Sub(from)
	switch {
	case span <= rawSpanLimit:
		return GranularityRaw
	case span <= hourlySpanLimit:
		return GranularityHourly
	default:
		return GranularityDaily
	}
}

// Series is one room's chart-ready point series.
type Series struct {
	RoomKey     string      `json:"room_key"`
	RoomName    string      `json:"room_name"`
	Granularity Granularity `json:"granularity"`
	Points      []Point     `json:"points"`
}

// Service answers multi-room time-series requests against the store.
type Service struct {
	store     store.Store
	resolver  match.RoomResolver
	maxPoints int
	logger    zerolog.Logger
}

// NewService returns a query service with the given downsampling budget.
func NewService(st store.Store, resolver match.RoomResolver, maxPoints int, logger zerolog.Logger) *Service {
	if maxPoints <= 0 {
		maxPoints = 1400
	}
	return &Service{store: st, resolver: resolver, maxPoints: maxPoints, logger: logger}
}

// Request describes one series query.
type Request struct {
	Scope    string
	RoomKeys []string
	From     time.Time
	To       time.Time
	Forced   Granularity
}

// Series resolves granularity, fans out the storage reads, reassembles
// per-room series and downsamples each one independently.
func (s *Service) Series(ctx context.Context, req Request, loc *time.Location) ([]Series, error) {
	if loc == nil {
		loc = time.UTC
	}
	gran := ResolveGranularity(req.From, req.To, req.Forced)

	var (
		series []Series
		err    error
	)
	if gran == GranularityRaw {
		series, err = s.rawSeries(ctx, req, loc)
	} else {
		series, err = s.bucketSeries(ctx, req, gran, loc)
	}
	if err != nil {
		return nil, err
	}

	for i := range series {
		sort.Slice(series[i].Points, func(a, b int) bool {
			return series[i].Points[a].Timestamp.Before(series[i].Points[b].Timestamp)
		})
		series[i].Points = Downsample(series[i].Points, s.maxPoints)
	}
	return series, nil
}

// rawSeries serves per-minute samples: requested rooms are resolved to their
// mapped devices, day documents fetched in ID batches, and samples filtered
// to the requested UTC window.
func (s *Service) rawSeries(ctx context.Context, req Request, loc *time.Location) ([]Series, error) {
	fromDate := req.From.In(loc).Format(models.DateLayout)
	toDate := req.To.In(loc).Format(models.DateLayout)

	out := make([]Series, 0, len(req.RoomKeys))
	for _, roomKey := range req.RoomKeys {
		devices, err := s.store.DevicesForRoom(ctx, req.Scope, roomKey)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", roomKey, err)
		}

		ids := make([]string, 0, len(devices))
		for _, dev := range devices {
			ids = append(ids, dev.ID)
		}

		ser := Series{
			RoomKey:     roomKey,
			RoomName:    s.resolver.DisplayName(roomKey),
			Granularity: GranularityRaw,
		}

		if len(ids) > 0 {
			docs, err := s.store.DayReadingsInRange(ctx, ids, fromDate, toDate)
			if err != nil {
				return nil, fmt.Errorf("series %s: %w", roomKey, err)
			}
			for _, doc := range docs {
				for _, sample := range doc.Samples {
					ts, err := merge.ResolveUTC(sample.TimestampLocal, loc)
					if err != nil {
						continue
					}
					if ts.Before(req.From) || ts.After(req.To) {
						continue
					}
					ser.Points = append(ser.Points, Point{
						Timestamp:    ts,
						TemperatureF: sample.TemperatureF,
						TemperatureC: sample.TemperatureC,
						Humidity:     sample.Humidity,
					})
				}
			}
		}
		out = append(out, ser)
	}
	return out, nil
}

// bucketSeries serves hourly or daily aggregates, expanding each day's
// non-empty buckets into timestamped points. Bucket boundaries are converted
// from the scope's local timezone into absolute instants with the same rule
// ingestion uses.
func (s *Service) bucketSeries(ctx context.Context, req Request, gran Granularity, loc *time.Location) ([]Series, error) {
	fromDate := req.From.In(loc).Format(models.DateLayout)
	toDate := req.To.In(loc).Format(models.DateLayout)

	byRoom := make(map[string][]*models.RoomAggregate, len(req.RoomKeys))
	aggs, err := s.store.AggregatesInRange(ctx, req.RoomKeys, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("series aggregates: %w", err)
	}
	for _, agg := range aggs {
		byRoom[agg.RoomKey] = append(byRoom[agg.RoomKey], agg)
	}

	out := make([]Series, 0, len(req.RoomKeys))
	for _, roomKey := range req.RoomKeys {
		ser := Series{
			RoomKey:     roomKey,
			RoomName:    s.resolver.DisplayName(roomKey),
			Granularity: gran,
		}
		for _, agg := range byRoom[roomKey] {
			day, err := time.ParseInLocation(models.DateLayout, agg.DateLocal, loc)
			if err != nil {
				s.logger.Warn().Str("date", agg.DateLocal).Msg("Skipping aggregate with bad date")
				continue
			}

			if gran == GranularityDaily {
				if p, ok := bucketPoint(agg.Daily, day.UTC()); ok {
					if !p.Timestamp.Before(req.From) && !p.Timestamp.After(req.To) {
						ser.Points = append(ser.Points, p)
					}
				}
				continue
			}

			for h, bucket := range agg.Hourly {
				// Local wall-clock hour, not offset arithmetic, so DST days
				// resolve the same way ingestion resolved them.
				ts := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, loc).UTC()
				if p, ok := bucketPoint(bucket, ts); ok {
					if !p.Timestamp.Before(req.From) && !p.Timestamp.After(req.To) {
						ser.Points = append(ser.Points, p)
					}
				}
			}
		}
		out = append(out, ser)
	}
	return out, nil
}

func bucketPoint(bucket *models.Bucket, ts time.Time) (Point, bool) {
	if bucket == nil {
		return Point{}, false
	}
	p := Point{Timestamp: ts}
	if bucket.TemperatureF != nil {
		p.TemperatureF = models.Float64Ptr(bucket.TemperatureF.Avg)
	}
	if bucket.TemperatureC != nil {
		p.TemperatureC = models.Float64Ptr(bucket.TemperatureC.Avg)
	}
	if bucket.Humidity != nil {
		p.Humidity = models.Float64Ptr(bucket.Humidity.Avg)
	}
	return p, true
}
