package models

import (
	"fmt"
	"math"
	"time"
)

// LocalTimestampLayout is the only timestamp format accepted from sensor
// exports. Anything else is rejected rather than guessed at.
const LocalTimestampLayout = "2006-01-02 15:04:05"

// DateLayout is the local calendar-date key used by day documents.
const DateLayout = "2006-01-02"

// Sample is one timestamped temperature/humidity reading from a sensor.
// Both temperature units are stored; exactly one came from the source file
// and the other is derived via the exact linear conversion.
type Sample struct {
	TimestampLocal string     `json:"ts_local"`
	TimestampUTC   *time.Time `json:"ts_utc,omitempty"`
	TemperatureF   *float64   `json:"temp_f,omitempty"`
	TemperatureC   *float64   `json:"temp_c,omitempty"`
	Humidity       *float64   `json:"humidity,omitempty"`
}

// CelsiusToFahrenheit converts a temperature using the exact linear formula.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// FahrenheitToCelsius converts a temperature using the exact linear formula.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

// MinuteOfDay returns the sample's minute key (0-1439) within its local day.
func (s *Sample) MinuteOfDay() (int, error) {
	t, err := time.Parse(LocalTimestampLayout, s.TimestampLocal)
	if err != nil {
		return 0, fmt.Errorf("invalid local timestamp %q: %w", s.TimestampLocal, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// DateLocal returns the local calendar date portion of the sample timestamp.
func (s *Sample) DateLocal() (string, error) {
	if len(s.TimestampLocal) < len(DateLayout) {
		return "", fmt.Errorf("invalid local timestamp %q", s.TimestampLocal)
	}
	if _, err := time.Parse(LocalTimestampLayout, s.TimestampLocal); err != nil {
		return "", fmt.Errorf("invalid local timestamp %q: %w", s.TimestampLocal, err)
	}
	return s.TimestampLocal[:len(DateLayout)], nil
}

// EqualWithin reports whether two samples carry the same values, comparing
// floats with the given tolerance so unit round-tripping does not turn a pure
// re-import into a conflict.
func (s *Sample) EqualWithin(other *Sample, eps float64) bool {
	if other == nil {
		return false
	}
	if s.TimestampLocal != other.TimestampLocal {
		return false
	}
	return floatPtrEqual(s.TemperatureF, other.TemperatureF, eps) &&
		floatPtrEqual(s.TemperatureC, other.TemperatureC, eps) &&
		floatPtrEqual(s.Humidity, other.Humidity, eps)
}

func (s *Sample) String() string {
	temp := "n/a"
	if s.TemperatureF != nil {
		temp = fmt.Sprintf("%.1f°F", *s.TemperatureF)
	}
	hum := "n/a"
	if s.Humidity != nil {
		hum = fmt.Sprintf("%.1f%%", *s.Humidity)
	}
	return fmt.Sprintf("Sample{%s temp=%s humidity=%s}", s.TimestampLocal, temp, hum)
}

func floatPtrEqual(a, b *float64, eps float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Abs(*a-*b) < eps
}

// Float64Ptr is a small helper for building optional values.
func Float64Ptr(v float64) *float64 { return &v }
