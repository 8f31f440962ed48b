package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/aggregate"
	"github.com/calden/roomtemp/internal/config"
	"github.com/calden/roomtemp/internal/ingest"
	"github.com/calden/roomtemp/internal/job"
	"github.com/calden/roomtemp/internal/match"
	"github.com/calden/roomtemp/internal/merge"
	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/snapshot"
	"github.com/calden/roomtemp/internal/store"
)

// InputFile is one uploaded sensor export. Zip expansion happens at the
// caller; the pipeline only ever sees individual files.
type InputFile struct {
	Name string
	Data []byte
}

// Options configure one preview or commit run.
type Options struct {
	Scope string
	// Overrides maps device labels to room keys. A manual override always
	// takes precedence over any computed suggestion.
	Overrides map[string]string
}

// Importer runs the full ingestion pipeline: parse, resolve, merge, then
// derive aggregates and snapshots, strictly device by device and date by
// date within one run.
type Importer struct {
	store    store.Store
	resolver match.RoomResolver
	cfg      *config.Config
	parser   *ingest.Parser
	logger   zerolog.Logger
}

// New wires an importer from its collaborators.
func New(st store.Store, resolver match.RoomResolver, cfg *config.Config, logger zerolog.Logger) *Importer {
	return &Importer{
		store:    st,
		resolver: resolver,
		cfg:      cfg,
		parser:   ingest.NewParser(cfg.Import.MaxRowErrors),
		logger:   logger,
	}
}

// filePlan is the parse/mapping outcome for one file, shared between preview
// and commit so both report identical statuses.
type filePlan struct {
	preview models.FilePreview
	parsed  *ingest.ParsedFile
	label   string
}

// Preview parses and classifies the files without writing any samples, so
// the operator can resolve mappings and commit intentionally.
func (imp *Importer) Preview(ctx context.Context, files []InputFile, opts Options) (*models.PreviewSummary, error) {
	if _, err := imp.cfg.Scope(opts.Scope); err != nil {
		return nil, err
	}

	plans, err := imp.plan(ctx, files, opts)
	if err != nil {
		return nil, err
	}

	summary := &models.PreviewSummary{FileCount: len(plans)}
	devices := make(map[string]bool)
	for _, p := range plans {
		summary.Files = append(summary.Files, p.preview)
		summary.TotalRows += p.preview.TotalRows
		summary.ParsedRows += p.preview.ParsedRows
		switch p.preview.Status {
		case models.FileReady:
			summary.ReadyCount++
			devices[p.preview.DeviceID] = true
		case models.FileDuplicate:
			summary.DuplicateCount++
		case models.FileError:
			summary.ErrorCount++
		}
	}
	summary.DeviceCount = len(devices)
	return summary, nil
}

// plan runs the shared parse/classify pass.
func (imp *Importer) plan(ctx context.Context, files []InputFile, opts Options) ([]filePlan, error) {
	plans := make([]filePlan, 0, len(files))
	for _, f := range files {
		p := filePlan{preview: models.FilePreview{Filename: f.Name}}

		parsed, err := imp.parser.ParseFile(f.Name, f.Data)
		p.parsed = parsed
		p.preview.Fingerprint = parsed.Fingerprint
		p.preview.TotalRows = parsed.TotalRows
		p.preview.ParsedRows = parsed.ParsedRows
		p.preview.ErrorRows = parsed.ErrorRows
		p.preview.FirstLocal = parsed.FirstLocal
		p.preview.LastLocal = parsed.LastLocal

		if err != nil {
			// One bad file must not abort the batch; it is classified and
			// reported alongside the others.
			p.preview.Status = models.FileError
			p.preview.Error = err.Error()
			plans = append(plans, p)
			continue
		}

		rec, err := imp.store.GetImportRecord(ctx, opts.Scope, parsed.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("check import record for %s: %w", f.Name, err)
		}

		p.label = match.DeviceLabel(f.Name)
		p.preview.Label = p.label
		p.preview.DeviceID = match.DeviceID(opts.Scope, p.label)

		mapping, err := imp.resolveMapping(ctx, p.preview.DeviceID, p.label, opts)
		if err != nil {
			return nil, err
		}
		p.preview.RoomKey = mapping.RoomKey
		p.preview.Confidence = mapping.Confidence
		p.preview.Method = string(mapping.Method)
		if mapping.RoomKey != "" {
			p.preview.RoomName = imp.resolver.DisplayName(mapping.RoomKey)
		}

		if rec != nil {
			p.preview.Status = models.FileDuplicate
		} else {
			p.preview.Status = models.FileReady
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// resolveMapping applies the precedence order: manual override, then the
// device's stored mapping, then a fresh confidence-scored match.
func (imp *Importer) resolveMapping(ctx context.Context, deviceID, label string, opts Options) (models.RoomMapping, error) {
	if roomKey, ok := opts.Overrides[label]; ok {
		return models.RoomMapping{
			RoomKey:    roomKey,
			Method:     models.MapMethodManual,
			Confidence: 1,
		}, nil
	}

	dev, err := imp.store.GetDevice(ctx, deviceID)
	if err != nil {
		return models.RoomMapping{}, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}
	if dev != nil && dev.Mapping.RoomKey != "" {
		mapping := dev.Mapping
		mapping.Method = models.MapMethodExisting
		if dev.Mapping.Method == models.MapMethodManual {
			mapping.Confidence = 1
		}
		return mapping, nil
	}

	result := match.MatchRoom(imp.resolver, opts.Scope, label)
	return models.RoomMapping{
		RoomKey:    result.RoomKey,
		Method:     models.MapMethodAuto,
		Confidence: result.Confidence,
		Rule:       result.Rule,
	}, nil
}

// devicePlan groups the ready files of one device for the commit pass.
type devicePlan struct {
	deviceID string
	label    string
	mapping  models.RoomMapping
	files    []filePlan
	rows     int
}

// Commit runs the import. Devices are processed strictly one after another;
// a device's day documents are fully merged before its aggregates and
// snapshots are recomputed, so a completed job implies derived data is
// consistent with the just-merged raw data.
func (imp *Importer) Commit(ctx context.Context, files []InputFile, opts Options) (*models.CommitResult, error) {
	scopeCfg, err := imp.cfg.Scope(opts.Scope)
	if err != nil {
		return nil, err
	}
	loc, err := scopeCfg.Location()
	if err != nil {
		return nil, err
	}

	plans, err := imp.plan(ctx, files, opts)
	if err != nil {
		return nil, err
	}

	var detail []string
	byDevice := make(map[string]*devicePlan)
	totalFiles, totalRows := 0, 0
	for _, p := range plans {
		switch p.preview.Status {
		case models.FileDuplicate:
			continue
		case models.FileError:
			detail = append(detail, fmt.Sprintf("%s: %s", p.preview.Filename, p.preview.Error))
			continue
		}
		if p.preview.RoomKey == "" {
			// Mapping gaps block only this file's import, not the batch.
			detail = append(detail, fmt.Sprintf("%s: no room mapping for device %q", p.preview.Filename, p.label))
			continue
		}

		dp, ok := byDevice[p.preview.DeviceID]
		if !ok {
			dp = &devicePlan{
				deviceID: p.preview.DeviceID,
				label:    p.label,
				mapping: models.RoomMapping{
					RoomKey:    p.preview.RoomKey,
					Method:     models.MapMethod(p.preview.Method),
					Confidence: p.preview.Confidence,
				},
			}
			byDevice[p.preview.DeviceID] = dp
		}
		dp.files = append(dp.files, p)
		dp.rows = dp.rows + p.parsed.ParsedRows
		totalFiles++
		totalRows += p.parsed.ParsedRows
	}

	tracker, err := job.Start(ctx, imp.store, opts.Scope, totalFiles, totalRows, imp.logger)
	if err != nil {
		return nil, err
	}
	if len(detail) > 0 {
		if err := tracker.Advance(ctx, func(j *models.ImportJob) {
			j.ErrorDetail = detail
		}, true); err != nil {
			imp.logger.Warn().Err(err).Msg("Failed to record preflight detail")
		}
	}

	result := &models.CommitResult{JobID: tracker.ID()}

	deviceIDs := make([]string, 0, len(byDevice))
	for id := range byDevice {
		deviceIDs = append(deviceIDs, id)
	}
	sort.Strings(deviceIDs)

	merger := merge.NewMerger(imp.store, imp.cfg.Import.ValueEpsilon, imp.logger)
	aggBuilder := aggregate.NewBuilder(imp.store, imp.logger)
	snapComputer := snapshot.NewComputer(imp.store, imp.logger)

	for _, id := range deviceIDs {
		dp := byDevice[id]

		dev, mappingChanged, err := imp.prepareDevice(ctx, dp, opts.Scope)
		if err != nil {
			tracker.Fail(ctx, err.Error(), detail)
			return result, err
		}

		var samples []models.Sample
		for _, fp := range dp.files {
			samples = append(samples, fp.parsed.Samples...)
		}

		if err := tracker.SetStage(ctx, "merging"); err != nil {
			imp.logger.Warn().Err(err).Msg("Failed to write job stage")
		}
		if err := tracker.Advance(ctx, func(j *models.ImportJob) {
			j.CurrentFile = dp.files[0].preview.Filename
		}, false); err != nil {
			imp.logger.Warn().Err(err).Msg("Failed to write job progress")
		}

		mergeRes, err := merger.MergeDevice(ctx, dev, mappingChanged, samples, loc)
		if err != nil {
			tracker.Fail(ctx, fmt.Sprintf("merge device %s: %v", dev.ID, err), detail)
			return result, err
		}
		result.NewReadings += mergeRes.NewReadings
		result.Conflicts += mergeRes.Conflicts

		if err := tracker.SetStage(ctx, "deriving"); err != nil {
			imp.logger.Warn().Err(err).Msg("Failed to write job stage")
		}
		for _, date := range mergeRes.DatesTouched {
			if err := imp.deriveRoomDay(ctx, opts.Scope, dev.Mapping.RoomKey, date, scopeCfg.Slots, aggBuilder, snapComputer); err != nil {
				tracker.Fail(ctx, fmt.Sprintf("derive %s/%s: %v", dev.Mapping.RoomKey, date, err), detail)
				return result, err
			}
		}

		for _, fp := range dp.files {
			rec := &models.ImportRecord{
				Scope:       opts.Scope,
				Fingerprint: fp.parsed.Fingerprint,
				Filename:    fp.preview.Filename,
				ImportedAt:  time.Now().UTC(),
			}
			if err := imp.store.PutImportRecord(ctx, rec); err != nil {
				tracker.Fail(ctx, fmt.Sprintf("record import of %s: %v", fp.preview.Filename, err), detail)
				return result, err
			}
		}

		if err := tracker.Advance(ctx, func(j *models.ImportJob) {
			j.ProcessedFiles += len(dp.files)
			j.ProcessedRows += dp.rows
		}, false); err != nil {
			imp.logger.Warn().Err(err).Msg("Failed to write job progress")
		}
	}

	if err := tracker.Complete(ctx); err != nil {
		return result, err
	}

	imp.logger.Info().
		Str("scope", opts.Scope).
		Int("new_readings", result.NewReadings).
		Int("conflicts", result.Conflicts).
		Msg("Import committed")
	return result, nil
}

// prepareDevice loads or creates the device and applies the planned mapping.
// A stored manual mapping is only displaced by a fresh manual override.
func (imp *Importer) prepareDevice(ctx context.Context, dp *devicePlan, scope string) (*models.Device, bool, error) {
	dev, err := imp.store.GetDevice(ctx, dp.deviceID)
	if err != nil {
		return nil, false, fmt.Errorf("load device %s: %w", dp.deviceID, err)
	}
	if dev == nil {
		dev = &models.Device{ID: dp.deviceID, Scope: scope, Label: dp.label}
	}

	mapping := dp.mapping
	if mapping.Method == models.MapMethodExisting {
		return dev, false, nil
	}
	if dev.Mapping.Method == models.MapMethodManual && mapping.Method != models.MapMethodManual {
		return dev, false, nil
	}

	changed := dev.Mapping != mapping
	dev.Mapping = mapping
	return dev, changed, nil
}

// deriveRoomDay rebuilds a room's aggregate and snapshots for one date from
// the combined day documents of every device mapped to the room.
func (imp *Importer) deriveRoomDay(ctx context.Context, scope, roomKey, date string, slots []config.SlotConfig, aggBuilder *aggregate.Builder, snapComputer *snapshot.Computer) error {
	combined, err := imp.roomSamples(ctx, scope, roomKey, date)
	if err != nil {
		return err
	}
	if err := aggBuilder.RecomputeDay(ctx, roomKey, date, combined); err != nil {
		return err
	}
	if _, err := snapComputer.RecomputeDay(ctx, roomKey, date, combined, slots); err != nil {
		return err
	}
	return nil
}

// roomSamples combines the minute maps of all devices mapped to a room for
// one date. Devices are visited in ID order and the first device keeps a
// contested minute, mirroring the merge engine's first-write-wins rule.
func (imp *Importer) roomSamples(ctx context.Context, scope, roomKey, date string) (map[int]models.Sample, error) {
	devices, err := imp.store.DevicesForRoom(ctx, scope, roomKey)
	if err != nil {
		return nil, fmt.Errorf("devices for room %s: %w", roomKey, err)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	combined := make(map[int]models.Sample)
	for _, dev := range devices {
		doc, err := imp.store.GetDayReadings(ctx, dev.ID, date)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		for minute, sample := range doc.Samples {
			if _, taken := combined[minute]; !taken {
				combined[minute] = sample
			}
		}
	}
	return combined, nil
}

// RecomputeRange replays aggregates and snapshots for rooms over a local
// date range from the raw day documents. Safe to run at any time; unchanged
// snapshots produce no writes.
func (imp *Importer) RecomputeRange(ctx context.Context, scope string, roomKeys []string, fromDate, toDate string) error {
	scopeCfg, err := imp.cfg.Scope(scope)
	if err != nil {
		return err
	}
	if len(roomKeys) == 0 {
		for _, room := range imp.resolver.ListRooms(scope) {
			roomKeys = append(roomKeys, room.Key)
		}
	}

	from, err := time.Parse(models.DateLayout, fromDate)
	if err != nil {
		return fmt.Errorf("invalid from date %q: %w", fromDate, err)
	}
	to, err := time.Parse(models.DateLayout, toDate)
	if err != nil {
		return fmt.Errorf("invalid to date %q: %w", toDate, err)
	}
	if to.Before(from) {
		return fmt.Errorf("date range %s..%s is inverted", fromDate, toDate)
	}

	aggBuilder := aggregate.NewBuilder(imp.store, imp.logger)
	snapComputer := snapshot.NewComputer(imp.store, imp.logger)

	for _, roomKey := range roomKeys {
		for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
			date := day.Format(models.DateLayout)
			if err := imp.deriveRoomDay(ctx, scope, roomKey, date, scopeCfg.Slots, aggBuilder, snapComputer); err != nil {
				return err
			}
		}
	}

	imp.logger.Info().
		Str("scope", scope).
		Int("rooms", len(roomKeys)).
		Str("from", fromDate).
		Str("to", toDate).
		Msg("Recompute finished")
	return nil
}
