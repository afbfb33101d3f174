package model

import "time"

// TimeRange is a half-open interval [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// LastHours returns the range covering the hours before now.
func LastHours(now time.Time, hours int) TimeRange {
	return TimeRange{From: now.Add(-time.Duration(hours) * time.Hour), To: now}
}

// Contains reports whether t falls within the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// HourCount is the number of calls starting in one UTC hour.
type HourCount struct {
	Hour   time.Time `json:"hour"`
	Total  int       `json:"total"`
	Failed int       `json:"failed"`
}

// CauseCount is the number of failed calls per effective cause code.
type CauseCount struct {
	Cause       int    `json:"cause"`
	Description string `json:"description"`
	Reason      Reason `json:"reason"`
	Count       int    `json:"count"`
}

// KeyCount is a ranked count for a caller, destination or device.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Summary is the aggregate view of stored calls over a time range.
type Summary struct {
	Range           TimeRange      `json:"range"`
	TotalCalls      int            `json:"total_calls"`
	FailedCalls     int            `json:"failed_calls"`
	CountsByReason  map[Reason]int `json:"counts_by_reason"`
	CountsByHour    []HourCount    `json:"counts_by_hour"`
	CountsByCause   []CauseCount   `json:"counts_by_cause"`
	TopCallers      []KeyCount     `json:"top_callers"`
	TopDestinations []KeyCount     `json:"top_destinations"`
	TopDevices      []KeyCount     `json:"top_devices"`
}

// FailureRate returns FailedCalls/TotalCalls, or 0 with no calls.
func (s *Summary) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// FileStatus is the per-file outcome of an ingestion run.
type FileStatus string

const (
	FileIngested        FileStatus = "ingested"
	FileAlreadyIngested FileStatus = "already_ingested"
	FileSchemaError     FileStatus = "schema_error"
	FileAbandoned       FileStatus = "abandoned"
	FileReadError       FileStatus = "read_error"
	FileStoreError      FileStatus = "store_error"
	FileCancelled       FileStatus = "cancelled"
)

// FileResult is the per-file line of a run report.
type FileResult struct {
	File        FileIdentity `json:"file"`
	Status      FileStatus   `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	DataLines   int          `json:"data_lines"`
	BadLines    int          `json:"bad_lines"`
	NonCallRows int          `json:"non_call_rows"`
	Ignored     int          `json:"ignored"`
	Classified  int          `json:"classified"`
	Failed      int          `json:"failed"`
	Inserted    int          `json:"inserted"`
	Duplicates  int          `json:"duplicates"`
}

// RunReport summarizes one ingestion run. A run always produces a report, even
// when individual files fail.
type RunReport struct {
	RunID             string       `json:"run_id"`
	StartedAt         time.Time    `json:"started_at"`
	CompletedAt       time.Time    `json:"completed_at"`
	FilesSeen         int          `json:"files_seen"`
	FilesIngested     int          `json:"files_ingested"`
	FilesAlready      int          `json:"files_already_ingested"`
	FilesSkipped      int          `json:"files_skipped"`
	RecordsClassified int          `json:"records_classified"`
	RecordsFailed     int          `json:"records_failed"`
	RecordsStored     int          `json:"records_stored"`
	BadLines          int          `json:"bad_lines"`
	Files             []FileResult `json:"files"`
}

// Add folds a file result into the run totals.
func (r *RunReport) Add(fr FileResult) {
	r.Files = append(r.Files, fr)
	r.BadLines += fr.BadLines
	switch fr.Status {
	case FileIngested:
		r.FilesIngested++
		r.RecordsClassified += fr.Classified
		r.RecordsFailed += fr.Failed
		r.RecordsStored += fr.Inserted
	case FileAlreadyIngested:
		r.FilesAlready++
	default:
		r.FilesSkipped++
	}
}
