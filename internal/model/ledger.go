package model

import (
	"path/filepath"
	"time"
)

// RawFile is a CDR file observed on local disk.
type RawFile struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	Checksum string    `json:"checksum"`
}

// Identity returns the dedup identity of the file. ModTime is not part of it.
func (f RawFile) Identity() FileIdentity {
	return FileIdentity{
		Name:     filepath.Base(f.Path),
		Size:     f.Size,
		Checksum: f.Checksum,
	}
}

// FileIdentity identifies a source file for at-most-once ingestion.
type FileIdentity struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// LedgerEntry is the durable record of one ingested file.
type LedgerEntry struct {
	ID          int64        `json:"id"`
	File        FileIdentity `json:"file"`
	IngestedAt  time.Time    `json:"ingested_at"`
	RecordCount int          `json:"record_count"`
	FailedCount int          `json:"failed_count"`
}

// InsertResult is the outcome of committing one file's records.
type InsertResult struct {
	FileID     int64 `json:"file_id"`
	Inserted   int   `json:"inserted"`
	Duplicates int   `json:"duplicates"` // records already stored under the same call id and start time
	Failed     int   `json:"failed"`
}

// PurgeResult is the outcome of a retention purge.
type PurgeResult struct {
	Cutoff         time.Time `json:"cutoff"`
	RecordsDeleted int64     `json:"records_deleted"`
	FilesReleased  int64     `json:"files_released"` // ledger entries removed
}
