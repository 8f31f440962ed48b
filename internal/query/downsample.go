package query

import "time"

// Point is one chart-ready value in a room's series.
type Point struct {
	Timestamp    time.Time `json:"ts"`
	TemperatureF *float64  `json:"temp_f,omitempty"`
	TemperatureC *float64  `json:"temp_c,omitempty"`
	Humidity     *float64  `json:"humidity,omitempty"`
}

// Downsample reduces a sorted series to at most budget points by averaging
// fixed-size contiguous buckets. The representative timestamp is the bucket's
// temporal midpoint, which keeps the trend's shape while bounding what a
// chart has to render.
func Downsample(points []Point, budget int) []Point {
	if budget < 1 || len(points) <= budget {
		return points
	}

	bucketSize := (len(points) + budget - 1) / budget
	out := make([]Point, 0, budget)

	for start := 0; start < len(points); start += bucketSize {
		end := start + bucketSize
		if end > len(points) {
			end = len(points)
		}
		out = append(out, averageBucket(points[start:end]))
	}
	return out
}

func averageBucket(bucket []Point) Point {
	first := bucket[0].Timestamp
	last := bucket[len(bucket)-1].Timestamp
	mid := first.Add(last.Sub(first) / 2)

	p := Point{Timestamp: mid}
	p.TemperatureF = averageField(bucket, func(pt Point) *float64 { return pt.TemperatureF })
	p.TemperatureC = averageField(bucket, func(pt Point) *float64 { return pt.TemperatureC })
	p.Humidity = averageField(bucket, func(pt Point) *float64 { return pt.Humidity })
	return p
}

func averageField(bucket []Point, get func(Point) *float64) *float64 {
	sum := 0.0
	count := 0
	for _, pt := range bucket {
		if v := get(pt); v != nil {
			sum += *v
			count++
		}
	}
	if count == 0 {
		return nil
	}
	avg := sum / float64(count)
	return &avg
}
