package models

import "time"

// JobStatus is the lifecycle state of an import job. Running is the only
// non-terminal state; a job is never left dangling in it.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ImportJob is the ephemeral progress record for one ingestion run.
type ImportJob struct {
	ID    string    `json:"id"`
	Scope string    `json:"scope"`
	Stage string    `json:"stage"`

	Status         JobStatus `json:"status"`
	ProcessedFiles int       `json:"processed_files"`
	TotalFiles     int       `json:"total_files"`
	ProcessedRows  int       `json:"processed_rows"`
	TotalRows      int       `json:"total_rows"`
	CurrentFile    string    `json:"current_file,omitempty"`
	ErrorSummary   string    `json:"error_summary,omitempty"`
	ErrorDetail    []string  `json:"error_detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImportRecord marks one unique file fingerprint as already imported within a
// scope. Used purely for duplicate-file detection; re-uploading the same bytes
// is a reported no-op, not an error.
type ImportRecord struct {
	Scope       string    `json:"scope"`
	Fingerprint string    `json:"fingerprint"`
	Filename    string    `json:"filename"`
	ImportedAt  time.Time `json:"imported_at"`
}

// FileStatus classifies a file in an import preview.
type FileStatus string

const (
	FileReady     FileStatus = "ready"
	FileDuplicate FileStatus = "duplicate"
	FileError     FileStatus = "error"
)

// FilePreview is the per-file outcome of a preview pass.
type FilePreview struct {
	Filename    string     `json:"filename"`
	Status      FileStatus `json:"status"`
	Fingerprint string     `json:"fingerprint,omitempty"`

	DeviceID   string  `json:"device_id,omitempty"`
	Label      string  `json:"label,omitempty"`
	RoomKey    string  `json:"room_key,omitempty"`
	RoomName   string  `json:"room_name,omitempty"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method,omitempty"`

	TotalRows  int    `json:"total_rows"`
	ParsedRows int    `json:"parsed_rows"`
	ErrorRows  int    `json:"error_rows"`
	FirstLocal string `json:"first_local,omitempty"`
	LastLocal  string `json:"last_local,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PreviewSummary is returned before any write occurs so the operator commits
// intentionally.
type PreviewSummary struct {
	FileCount      int           `json:"file_count"`
	DeviceCount    int           `json:"device_count"`
	TotalRows      int           `json:"total_rows"`
	ParsedRows     int           `json:"parsed_rows"`
	DuplicateCount int           `json:"duplicate_count"`
	ErrorCount     int           `json:"error_count"`
	ReadyCount     int           `json:"ready_count"`
	Files          []FilePreview `json:"files"`
}

// CommitResult summarizes what an import run actually changed.
type CommitResult struct {
	JobID       string `json:"job_id"`
	NewReadings int    `json:"new_readings"`
	Conflicts   int    `json:"conflicts"`
}
