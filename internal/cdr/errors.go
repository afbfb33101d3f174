package cdr

import (
	"fmt"
	"strings"
)

// SchemaError means a file's header cannot be used. The file is skipped and
// the run continues.
type SchemaError struct {
	Missing []string // logical fields absent from the header
	Reason  string   // set when there is no usable header at all
}

func (e *SchemaError) Error() string {
	if len(e.Missing) > 0 {
		return "cdr: header missing mandatory fields: " + strings.Join(e.Missing, ", ")
	}
	return "cdr: " + e.Reason
}

// RecordParseError describes one skipped data line.
type RecordParseError struct {
	Line   int
	Reason string
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("cdr: line %d: %s", e.Line, e.Reason)
}

// AbandonedError means too many lines failed to parse for the file to be
// trusted; none of its records are committed.
type AbandonedError struct {
	BadLines  int
	DataLines int
	Threshold float64
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("cdr: file abandoned: %d of %d lines malformed (threshold %.2f)",
		e.BadLines, e.DataLines, e.Threshold)
}
