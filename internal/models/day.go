package models

// DayReadings is the canonical raw store: one document per device per local
// day, mapping minute-of-day (0-1439) to the sample recorded at that minute.
// Snapshots and aggregates are derived caches and must be reproducible by
// replaying these documents.
type DayReadings struct {
	DeviceID  string         `json:"device_id"`
	DateLocal string         `json:"date_local"`
	Samples   map[int]Sample `json:"samples"`

	// Rev is the optimistic-concurrency counter used by conditional upserts.
	// Zero means the document has never been written.
	Rev int64 `json:"rev"`
}

// NewDayReadings returns an empty document for the given device and date.
func NewDayReadings(deviceID, dateLocal string) *DayReadings {
	return &DayReadings{
		DeviceID:  deviceID,
		DateLocal: dateLocal,
		Samples:   make(map[int]Sample),
	}
}

// SnapshotStatus marks whether a snapshot slot found a sample inside its
// tolerance window.
type SnapshotStatus string

const (
	SnapshotOK      SnapshotStatus = "ok"
	SnapshotMissing SnapshotStatus = "missing"
)

// RoomSnapshot is one point-in-time record per room/day/slot, derived from
// DayReadings and safely recomputable at any time.
type RoomSnapshot struct {
	RoomKey   string `json:"room_key"`
	DateLocal string `json:"date_local"`
	SlotID    string `json:"slot_id"`

	Status       SnapshotStatus `json:"status"`
	TemperatureF *float64       `json:"temp_f,omitempty"`
	TemperatureC *float64       `json:"temp_c,omitempty"`
	Humidity     *float64       `json:"humidity,omitempty"`
	DeltaMinutes int            `json:"delta_minutes"`
	SourceLocal  string         `json:"source_local,omitempty"`
}

// EqualValues reports whether two snapshots carry the same derived fields.
// Used to skip no-op writes when snapshots are recomputed.
func (rs *RoomSnapshot) EqualValues(other *RoomSnapshot) bool {
	if other == nil {
		return false
	}
	const eps = 1e-9
	return rs.Status == other.Status &&
		rs.DeltaMinutes == other.DeltaMinutes &&
		rs.SourceLocal == other.SourceLocal &&
		floatPtrEqual(rs.TemperatureF, other.TemperatureF, eps) &&
		floatPtrEqual(rs.TemperatureC, other.TemperatureC, eps) &&
		floatPtrEqual(rs.Humidity, other.Humidity, eps)
}

// Stat is an aggregated count/min/max/avg over one measure.
type Stat struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Bucket aggregates one fixed period (an hour or a whole day). Each measure is
// tracked independently; a nil Stat means no data for that measure, which is
// distinct from a measured zero.
type Bucket struct {
	TemperatureF *Stat `json:"temp_f,omitempty"`
	TemperatureC *Stat `json:"temp_c,omitempty"`
	Humidity     *Stat `json:"humidity,omitempty"`
}

// RoomAggregate holds the derived hourly and daily buckets for one room/day.
// A nil bucket means the period had no samples.
type RoomAggregate struct {
	RoomKey   string      `json:"room_key"`
	DateLocal string      `json:"date_local"`
	Hourly    [24]*Bucket `json:"hourly"`
	Daily     *Bucket     `json:"daily"`
}
