package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/calden/roomtemp/internal/models"
)

// ErrMissingColumns is returned when a file has no detectable timestamp or
// temperature column. It is reported per-file, never raised as a batch abort.
var ErrMissingColumns = errors.New("missing required columns")

// TempUnit identifies the temperature unit a file's column carries.
type TempUnit string

const (
	UnitFahrenheit TempUnit = "fahrenheit"
	UnitCelsius    TempUnit = "celsius"
)

// ColumnMap records which header columns were detected. Indexes are -1 when
// the column is absent.
type ColumnMap struct {
	Timestamp   int
	Temperature int
	Humidity    int
	Unit        TempUnit
}

// ParsedFile is the outcome of parsing one sensor export.
type ParsedFile struct {
	Filename    string
	Fingerprint string
	Columns     ColumnMap

	Samples    []models.Sample
	TotalRows  int
	ParsedRows int
	ErrorRows  int
	RowErrors  []string

	FirstLocal string
	LastLocal  string
}

// Parser turns raw sensor export files into typed samples.
type Parser struct {
	// MaxRowErrors caps how many row error details are kept per file.
	MaxRowErrors int
}

// NewParser returns a parser with the given row-error detail cap.
func NewParser(maxRowErrors int) *Parser {
	if maxRowErrors <= 0 {
		maxRowErrors = 20
	}
	return &Parser{MaxRowErrors: maxRowErrors}
}

// Fingerprint computes the content-addressed identity of a file. Renaming a
// file does not change it; changing a single byte does.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseFile parses a header row plus data rows. Malformed rows are counted,
// not fatal; only a missing timestamp or temperature column fails the file.
func (p *Parser) ParseFile(name string, data []byte) (*ParsedFile, error) {
	out := &ParsedFile{
		Filename:    name,
		Fingerprint: Fingerprint(data),
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return out, fmt.Errorf("%w: unreadable header: %v", ErrMissingColumns, err)
	}

	cols, err := detectColumns(header)
	if err != nil {
		return out, err
	}
	out.Columns = cols

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.TotalRows++
			p.rowError(out, out.TotalRows, fmt.Sprintf("unreadable row: %v", err))
			continue
		}
		out.TotalRows++

		sample, rowErr := parseRow(record, cols)
		if rowErr != nil {
			p.rowError(out, out.TotalRows, rowErr.Error())
			continue
		}

		out.Samples = append(out.Samples, sample)
		out.ParsedRows++
		if out.FirstLocal == "" || sample.TimestampLocal < out.FirstLocal {
			out.FirstLocal = sample.TimestampLocal
		}
		if sample.TimestampLocal > out.LastLocal {
			out.LastLocal = sample.TimestampLocal
		}
	}

	return out, nil
}

func (p *Parser) rowError(f *ParsedFile, row int, msg string) {
	f.ErrorRows++
	if len(f.RowErrors) < p.MaxRowErrors {
		f.RowErrors = append(f.RowErrors, fmt.Sprintf("row %d: %s", row, msg))
	}
}

// detectColumns scans normalized header cells for known substrings. Column
// detection is heuristic, not positional, because export tools vary the
// layout from version to version.
func detectColumns(header []string) (ColumnMap, error) {
	cols := ColumnMap{Timestamp: -1, Temperature: -1, Humidity: -1, Unit: UnitFahrenheit}
	timeFallback := -1

	for i, cell := range header {
		norm := normalizeHeader(cell)
		switch {
		case strings.Contains(norm, "timestamp"):
			if cols.Timestamp == -1 {
				cols.Timestamp = i
			}
		case strings.Contains(norm, "time"):
			if timeFallback == -1 {
				timeFallback = i
			}
		}
		if strings.Contains(norm, "temperature") && cols.Temperature == -1 {
			cols.Temperature = i
			if strings.Contains(norm, "celsius") {
				cols.Unit = UnitCelsius
			} else if strings.Contains(norm, "fahrenheit") {
				cols.Unit = UnitFahrenheit
			}
		}
		if strings.Contains(norm, "humidity") && cols.Humidity == -1 {
			cols.Humidity = i
		}
	}

	if cols.Timestamp == -1 {
		cols.Timestamp = timeFallback
	}

	var missing []string
	if cols.Timestamp == -1 {
		missing = append(missing, "timestamp")
	}
	if cols.Temperature == -1 {
		missing = append(missing, "temperature")
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return cols, nil
}

func normalizeHeader(cell string) string {
	return strings.ToLower(strings.Join(strings.Fields(cell), " "))
}

// parseRow converts a data row into a Sample. The timestamp must match the
// strict local layout; anything else is a row error so ambiguous date formats
// are never silently misread.
func parseRow(record []string, cols ColumnMap) (models.Sample, error) {
	var sample models.Sample

	if cols.Timestamp >= len(record) {
		return sample, fmt.Errorf("timestamp column out of range")
	}
	ts := strings.TrimSpace(record[cols.Timestamp])
	if _, err := time.Parse(models.LocalTimestampLayout, ts); err != nil {
		return sample, fmt.Errorf("invalid timestamp %q", ts)
	}
	sample.TimestampLocal = ts

	if cols.Temperature >= len(record) {
		return sample, fmt.Errorf("temperature column out of range")
	}
	temp, err := strconv.ParseFloat(strings.TrimSpace(record[cols.Temperature]), 64)
	if err != nil {
		return sample, fmt.Errorf("invalid temperature %q", record[cols.Temperature])
	}
	if cols.Unit == UnitCelsius {
		sample.TemperatureC = models.Float64Ptr(temp)
		sample.TemperatureF = models.Float64Ptr(models.CelsiusToFahrenheit(temp))
	} else {
		sample.TemperatureF = models.Float64Ptr(temp)
		sample.TemperatureC = models.Float64Ptr(models.FahrenheitToCelsius(temp))
	}

	if cols.Humidity >= 0 && cols.Humidity < len(record) {
		raw := strings.TrimSpace(record[cols.Humidity])
		if raw != "" {
			if hum, err := strconv.ParseFloat(raw, 64); err == nil {
				sample.Humidity = models.Float64Ptr(hum)
			}
		}
	}

	return sample, nil
}
