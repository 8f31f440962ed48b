package models

import "time"

// MapMethod records how a device-to-room mapping was established.
type MapMethod string

const (
	MapMethodAuto     MapMethod = "auto"
	MapMethodManual   MapMethod = "manual"
	MapMethodExisting MapMethod = "existing"
)

// RoomMapping links a device to a physical room. A manual mapping always wins
// over an automatic suggestion going forward.
type RoomMapping struct {
	RoomKey    string    `json:"room_key"`
	Method     MapMethod `json:"method"`
	Confidence float64   `json:"confidence"`
	Rule       string    `json:"rule,omitempty"`
}

// Device is a physical sensor, identified by the label parsed from its export
// filename. Watermark timestamps track the range of readings already seen so
// imports can avoid rescanning known ranges.
type Device struct {
	ID      string      `json:"id"`
	Scope   string      `json:"scope"`
	Label   string      `json:"label"`
	Mapping RoomMapping `json:"mapping"`

	EarliestLocal string     `json:"earliest_local,omitempty"`
	LatestLocal   string     `json:"latest_local,omitempty"`
	EarliestUTC   *time.Time `json:"earliest_utc,omitempty"`
	LatestUTC     *time.Time `json:"latest_utc,omitempty"`
}

// ExtendWatermarks widens the device's seen-range to include the given local
// timestamp and its UTC resolution. Returns true when either bound moved.
func (d *Device) ExtendWatermarks(local string, utc time.Time) bool {
	moved := false
	if d.EarliestLocal == "" || local < d.EarliestLocal {
		d.EarliestLocal = local
		moved = true
	}
	if d.LatestLocal == "" || local > d.LatestLocal {
		d.LatestLocal = local
		moved = true
	}
	if d.EarliestUTC == nil || utc.Before(*d.EarliestUTC) {
		ts := utc
		d.EarliestUTC = &ts
		moved = true
	}
	if d.LatestUTC == nil || utc.After(*d.LatestUTC) {
		ts := utc
		d.LatestUTC = &ts
		moved = true
	}
	return moved
}
