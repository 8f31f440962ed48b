package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/models"
)

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps every collection as rows of indexed key columns plus a
// JSON document column, which matches the document-store contract the
// pipeline was written against.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the store at the given path.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// SQLite is a single-writer store
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("SQLite store initialized")

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the collections if they don't exist.
func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		room_key TEXT NOT NULL DEFAULT '',
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_scope ON devices(scope);
	CREATE INDEX IF NOT EXISTS idx_devices_room ON devices(scope, room_key);

	CREATE TABLE IF NOT EXISTS day_readings (
		device_id TEXT NOT NULL,
		date_local TEXT NOT NULL,
		rev INTEGER NOT NULL,
		samples TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (device_id, date_local)
	);
	CREATE INDEX IF NOT EXISTS idx_day_readings_date ON day_readings(date_local);

	CREATE TABLE IF NOT EXISTS import_records (
		scope TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		filename TEXT NOT NULL,
		imported_at DATETIME NOT NULL,
		PRIMARY KEY (scope, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_key TEXT NOT NULL,
		date_local TEXT NOT NULL,
		slot_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (room_key, date_local, slot_id)
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_date ON room_snapshots(date_local);

	CREATE TABLE IF NOT EXISTS room_aggregates (
		room_key TEXT NOT NULL,
		date_local TEXT NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (room_key, date_local)
	);
	CREATE INDEX IF NOT EXISTS idx_aggregates_date ON room_aggregates(date_local);

	CREATE TABLE IF NOT EXISTS import_jobs (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON import_jobs(status, updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// GetDevice returns a device by ID, or nil when absent.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, "SELECT doc FROM devices WHERE id = ?", id)
	var doc string
	if err := row.Scan(&doc); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}

	var dev models.Device
	if err := json.Unmarshal([]byte(doc), &dev); err != nil {
		return nil, fmt.Errorf("failed to decode device %s: %w", id, err)
	}
	return &dev, nil
}

// PutDevice upserts a device document.
func (s *SQLiteStore) PutDevice(ctx context.Context, dev *models.Device) error {
	doc, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("failed to encode device %s: %w", dev.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, scope, room_key, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET scope = excluded.scope,
			room_key = excluded.room_key, doc = excluded.doc
	`, dev.ID, dev.Scope, dev.Mapping.RoomKey, string(doc))
	if err != nil {
		return fmt.Errorf("failed to put device %s: %w", dev.ID, err)
	}
	return nil
}

// ListDevices returns all devices in a scope.
func (s *SQLiteStore) ListDevices(ctx context.Context, scope string) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT doc FROM devices WHERE scope = ? ORDER BY id", scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	return scanDevices(rows)
}

// DevicesForRoom returns the devices mapped to a room within a scope.
func (s *SQLiteStore) DevicesForRoom(ctx context.Context, scope, roomKey string) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT doc FROM devices WHERE scope = ? AND room_key = ? ORDER BY id", scope, roomKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices for room %s: %w", roomKey, err)
	}
	defer rows.Close()

	return scanDevices(rows)
}

func scanDevices(rows *sql.Rows) ([]*models.Device, error) {
	var devices []*models.Device
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		var dev models.Device
		if err := json.Unmarshal([]byte(doc), &dev); err != nil {
			return nil, fmt.Errorf("failed to decode device: %w", err)
		}
		devices = append(devices, &dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// GetDayReadings returns a day document, or nil when the device has no
// readings for that date yet.
func (s *SQLiteStore) GetDayReadings(ctx context.Context, deviceID, dateLocal string) (*models.DayReadings, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT rev, samples FROM day_readings WHERE device_id = ? AND date_local = ?",
		deviceID, dateLocal)

	var rev int64
	var samples string
	if err := row.Scan(&rev, &samples); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get day readings %s/%s: %w", deviceID, dateLocal, err)
	}

	doc := models.NewDayReadings(deviceID, dateLocal)
	doc.Rev = rev
	if err := json.Unmarshal([]byte(samples), &doc.Samples); err != nil {
		return nil, fmt.Errorf("failed to decode day readings %s/%s: %w", deviceID, dateLocal, err)
	}
	return doc, nil
}

// PutDayReadings writes a day document as one atomic row, conditional on the
// revision it was read at. A zero revision means "create"; a mismatch either
// way returns ErrRevConflict so the caller can re-read and re-merge.
func (s *SQLiteStore) PutDayReadings(ctx context.Context, doc *models.DayReadings) error {
	samples, err := json.Marshal(doc.Samples)
	if err != nil {
		return fmt.Errorf("failed to encode day readings %s/%s: %w", doc.DeviceID, doc.DateLocal, err)
	}
	now := time.Now().UTC().Format(models.LocalTimestampLayout)

	if doc.Rev == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO day_readings (device_id, date_local, rev, samples, updated_at)
			VALUES (?, ?, 1, ?, ?)
		`, doc.DeviceID, doc.DateLocal, string(samples), now)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrRevConflict
			}
			return fmt.Errorf("failed to insert day readings %s/%s: %w", doc.DeviceID, doc.DateLocal, err)
		}
		doc.Rev = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE day_readings SET samples = ?, rev = rev + 1, updated_at = ?
		WHERE device_id = ? AND date_local = ? AND rev = ?
	`, string(samples), now, doc.DeviceID, doc.DateLocal, doc.Rev)
	if err != nil {
		return fmt.Errorf("failed to update day readings %s/%s: %w", doc.DeviceID, doc.DateLocal, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRevConflict
	}
	doc.Rev++
	return nil
}

// DayReadingsInRange fetches day documents for a set of devices over a local
// date range. Device IDs are batched into IN-filter chunks and the results
// merged client-side.
func (s *SQLiteStore) DayReadingsInRange(ctx context.Context, deviceIDs []string, fromDate, toDate string) ([]*models.DayReadings, error) {
	var out []*models.DayReadings
	for _, chunk := range chunkIDs(deviceIDs) {
		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]interface{}, 0, len(chunk)+2)
		for _, id := range chunk {
			args = append(args, id)
		}
		args = append(args, fromDate, toDate)

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT device_id, date_local, rev, samples FROM day_readings
			WHERE device_id IN (%s) AND date_local BETWEEN ? AND ?
			ORDER BY device_id, date_local
		`, placeholders), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query day readings: %w", err)
		}

		docs, err := scanDayReadings(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	return out, nil
}

func scanDayReadings(rows *sql.Rows) ([]*models.DayReadings, error) {
	var docs []*models.DayReadings
	for rows.Next() {
		var deviceID, dateLocal, samples string
		var rev int64
		if err := rows.Scan(&deviceID, &dateLocal, &rev, &samples); err != nil {
			return nil, fmt.Errorf("failed to scan day readings: %w", err)
		}
		doc := models.NewDayReadings(deviceID, dateLocal)
		doc.Rev = rev
		if err := json.Unmarshal([]byte(samples), &doc.Samples); err != nil {
			return nil, fmt.Errorf("failed to decode day readings %s/%s: %w", deviceID, dateLocal, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating day readings: %w", err)
	}
	return docs, nil
}

// GetImportRecord looks up a file fingerprint within a scope, nil when new.
func (s *SQLiteStore) GetImportRecord(ctx context.Context, scope, fingerprint string) (*models.ImportRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT filename, imported_at FROM import_records
		WHERE scope = ? AND fingerprint = ?
	`, scope, fingerprint)

	rec := &models.ImportRecord{Scope: scope, Fingerprint: fingerprint}
	var importedAt string
	if err := row.Scan(&rec.Filename, &importedAt); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get import record: %w", err)
	}

	ts, err := parseStoredTime(importedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse imported_at: %w", err)
	}
	rec.ImportedAt = ts
	return rec, nil
}

// PutImportRecord records a file fingerprint as imported.
func (s *SQLiteStore) PutImportRecord(ctx context.Context, rec *models.ImportRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_records (scope, fingerprint, filename, imported_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, fingerprint) DO UPDATE SET filename = excluded.filename
	`, rec.Scope, rec.Fingerprint, rec.Filename,
		rec.ImportedAt.UTC().Format(models.LocalTimestampLayout))
	if err != nil {
		return fmt.Errorf("failed to put import record: %w", err)
	}
	return nil
}

// GetSnapshot returns one room snapshot, or nil when absent.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, roomKey, dateLocal, slotID string) (*models.RoomSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM room_snapshots
		WHERE room_key = ? AND date_local = ? AND slot_id = ?
	`, roomKey, dateLocal, slotID)

	var doc string
	if err := row.Scan(&doc); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap models.RoomSnapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// PutSnapshot upserts a room snapshot document.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *models.RoomSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_key, date_local, slot_id, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_key, date_local, slot_id) DO UPDATE SET doc = excluded.doc
	`, snap.RoomKey, snap.DateLocal, snap.SlotID, string(doc))
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

// SnapshotsInRange fetches snapshots for rooms over a local date range.
func (s *SQLiteStore) SnapshotsInRange(ctx context.Context, roomKeys []string, fromDate, toDate string) ([]*models.RoomSnapshot, error) {
	var out []*models.RoomSnapshot
	for _, chunk := range chunkIDs(roomKeys) {
		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]interface{}, 0, len(chunk)+2)
		for _, key := range chunk {
			args = append(args, key)
		}
		args = append(args, fromDate, toDate)

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT doc FROM room_snapshots
			WHERE room_key IN (%s) AND date_local BETWEEN ? AND ?
			ORDER BY room_key, date_local, slot_id
		`, placeholders), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query snapshots: %w", err)
		}

		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan snapshot: %w", err)
			}
			var snap models.RoomSnapshot
			if err := json.Unmarshal([]byte(doc), &snap); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode snapshot: %w", err)
			}
			out = append(out, &snap)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating snapshots: %w", err)
		}
	}
	return out, nil
}

// GetAggregate returns one room/day aggregate, or nil when absent.
func (s *SQLiteStore) GetAggregate(ctx context.Context, roomKey, dateLocal string) (*models.RoomAggregate, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT doc FROM room_aggregates WHERE room_key = ? AND date_local = ?",
		roomKey, dateLocal)

	var doc string
	if err := row.Scan(&doc); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get aggregate: %w", err)
	}

	var agg models.RoomAggregate
	if err := json.Unmarshal([]byte(doc), &agg); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate: %w", err)
	}
	return &agg, nil
}

// PutAggregate upserts a room/day aggregate document.
func (s *SQLiteStore) PutAggregate(ctx context.Context, agg *models.RoomAggregate) error {
	doc, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to encode aggregate: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_aggregates (room_key, date_local, doc) VALUES (?, ?, ?)
		ON CONFLICT(room_key, date_local) DO UPDATE SET doc = excluded.doc
	`, agg.RoomKey, agg.DateLocal, string(doc))
	if err != nil {
		return fmt.Errorf("failed to put aggregate: %w", err)
	}
	return nil
}

// AggregatesInRange fetches aggregates for rooms over a local date range.
func (s *SQLiteStore) AggregatesInRange(ctx context.Context, roomKeys []string, fromDate, toDate string) ([]*models.RoomAggregate, error) {
	var out []*models.RoomAggregate
	for _, chunk := range chunkIDs(roomKeys) {
		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]interface{}, 0, len(chunk)+2)
		for _, key := range chunk {
			args = append(args, key)
		}
		args = append(args, fromDate, toDate)

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT doc FROM room_aggregates
			WHERE room_key IN (%s) AND date_local BETWEEN ? AND ?
			ORDER BY room_key, date_local
		`, placeholders), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query aggregates: %w", err)
		}

		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan aggregate: %w", err)
			}
			var agg models.RoomAggregate
			if err := json.Unmarshal([]byte(doc), &agg); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode aggregate: %w", err)
			}
			out = append(out, &agg)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating aggregates: %w", err)
		}
	}
	return out, nil
}

// GetJob returns an import job by ID, or nil when unknown.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.ImportJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT doc FROM import_jobs WHERE id = ?", id)
	var doc string
	if err := row.Scan(&doc); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var job models.ImportJob
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// PutJob upserts an import job record.
func (s *SQLiteStore) PutJob(ctx context.Context, job *models.ImportJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO import_jobs (id, scope, status, updated_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status,
			updated_at = excluded.updated_at, doc = excluded.doc
	`, job.ID, job.Scope, string(job.Status),
		job.UpdatedAt.UTC().Format(models.LocalTimestampLayout), string(doc))
	if err != nil {
		return fmt.Errorf("failed to put job %s: %w", job.ID, err)
	}
	return nil
}

// DeleteTerminalJobsBefore removes completed and failed jobs last updated
// before the cutoff. Running jobs are never touched.
func (s *SQLiteStore) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM import_jobs
		WHERE status IN (?, ?) AND updated_at < ?
	`, string(models.JobCompleted), string(models.JobFailed),
		cutoff.UTC().Format(models.LocalTimestampLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// parseStoredTime tries the formats SQLite may hand back for a DATETIME.
func parseStoredTime(ts string) (time.Time, error) {
	formats := []string{
		models.LocalTimestampLayout,
		"2006-01-02T15:04:05Z07:00",
		time.RFC3339,
		time.RFC3339Nano,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", ts)
}
