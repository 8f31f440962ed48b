package store

import (
	"context"
	"errors"
	"time"

	"github.com/calden/roomtemp/internal/models"
)

// ErrRevConflict is returned by PutDayReadings when the document's revision
// no longer matches the stored one, i.e. another writer got there first.
var ErrRevConflict = errors.New("day readings revision conflict")

// InChunkSize is the storage layer's limit on identifiers per batched "IN"
// filter. Larger sets are split and merged client-side.
const InChunkSize = 10

// Store defines the document-store contract the pipeline needs: get/upsert by
// key, equality and date-range queries on indexed fields, and batched IN
// filters over device IDs.
type Store interface {
	Close() error
	Migrate() error

	GetDevice(ctx context.Context, id string) (*models.Device, error)
	PutDevice(ctx context.Context, dev *models.Device) error
	ListDevices(ctx context.Context, scope string) ([]*models.Device, error)
	DevicesForRoom(ctx context.Context, scope, roomKey string) ([]*models.Device, error)

	GetDayReadings(ctx context.Context, deviceID, dateLocal string) (*models.DayReadings, error)
	PutDayReadings(ctx context.Context, doc *models.DayReadings) error
	DayReadingsInRange(ctx context.Context, deviceIDs []string, fromDate, toDate string) ([]*models.DayReadings, error)

	GetImportRecord(ctx context.Context, scope, fingerprint string) (*models.ImportRecord, error)
	PutImportRecord(ctx context.Context, rec *models.ImportRecord) error

	GetSnapshot(ctx context.Context, roomKey, dateLocal, slotID string) (*models.RoomSnapshot, error)
	PutSnapshot(ctx context.Context, snap *models.RoomSnapshot) error
	SnapshotsInRange(ctx context.Context, roomKeys []string, fromDate, toDate string) ([]*models.RoomSnapshot, error)

	GetAggregate(ctx context.Context, roomKey, dateLocal string) (*models.RoomAggregate, error)
	PutAggregate(ctx context.Context, agg *models.RoomAggregate) error
	AggregatesInRange(ctx context.Context, roomKeys []string, fromDate, toDate string) ([]*models.RoomAggregate, error)

	GetJob(ctx context.Context, id string) (*models.ImportJob, error)
	PutJob(ctx context.Context, job *models.ImportJob) error
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// chunkIDs splits a set of identifiers into IN-filter sized groups.
func chunkIDs(ids []string) [][]string {
	var chunks [][]string
	for len(ids) > InChunkSize {
		chunks = append(chunks, ids[:InChunkSize])
		ids = ids[InChunkSize:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
