// Package cdr resolves per-file CDR header schemas and parses flat-file rows
// into call records.
package cdr

import (
	"regexp"
	"strings"
)

// Field is a logical CDR attribute, independent of column position.
type Field int

const (
	FieldRecordType Field = iota
	FieldCallManagerID
	FieldCallID
	FieldStartTime
	FieldConnectTime
	FieldDisconnectTime
	FieldCallingNumber
	FieldOriginalCalled
	FieldFinalCalled
	FieldLastRedirect
	FieldDuration
	FieldOrigCause
	FieldDestCause
	FieldOrigDevice
	FieldDestDevice
	FieldOrigIP
	FieldDestIP
	FieldHuntPilot
	FieldOrigVideoCodec
	FieldDestVideoCodec
	numFields
)

var fieldNames = [numFields]string{
	"record_type", "call_manager_id", "call_id", "start_time", "connect_time",
	"disconnect_time", "calling_number", "original_called_number", "final_called_number",
	"last_redirect", "duration", "orig_cause", "dest_cause", "orig_device", "dest_device",
	"orig_ip", "dest_ip", "hunt_pilot", "orig_video_codec", "dest_video_codec",
}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "unknown"
	}
	return fieldNames[f]
}

// MandatoryFields must be present in every header.
var MandatoryFields = []Field{FieldCallID, FieldDuration, FieldOrigCause}

// Header spellings seen across CUCM releases and exports.
var fieldAliases = map[Field][]string{
	FieldRecordType:     {"cdrRecordType", "recordType"},
	FieldCallManagerID:  {"globalCallID_callManagerId", "callManagerId"},
	FieldCallID:         {"globalCallID_callId", "callId", "call_id", "globalCallId"},
	FieldStartTime:      {"dateTimeOrigination", "startTime", "start_time", "originationTime"},
	FieldConnectTime:    {"dateTimeConnect", "connectTime"},
	FieldDisconnectTime: {"dateTimeDisconnect", "disconnectTime", "endTime"},
	FieldCallingNumber:  {"callingPartyNumber", "callingNumber", "caller"},
	FieldOriginalCalled: {"originalCalledPartyNumber", "originalCalledNumber"},
	FieldFinalCalled:    {"finalCalledPartyNumber", "calledNumber", "called"},
	FieldLastRedirect:   {"lastRedirectDn"},
	FieldDuration:       {"duration", "durationSecs"},
	FieldOrigCause:      {"origCause_value", "origCause", "cause", "causeCode"},
	FieldDestCause:      {"destCause_value", "destCause"},
	FieldOrigDevice:     {"origDeviceName", "origDevice"},
	FieldDestDevice:     {"destDeviceName", "destDevice"},
	FieldOrigIP:         {"origIpAddr", "origIp"},
	FieldDestIP:         {"destIpAddr", "destIp"},
	FieldHuntPilot:      {"huntPilotDN", "huntPilot"},
	FieldOrigVideoCodec: {"origVideoCap_Codec"},
	FieldDestVideoCodec: {"destVideoCap_Codec"},
}

var aliasIndex = func() map[string]Field {
	m := make(map[string]Field)
	for f, names := range fieldAliases {
		for _, n := range names {
			m[normalizeName(n)] = f
		}
	}
	return m
}()

// normalizeName folds a header cell to its lookup key.
func normalizeName(s string) string {
	s = strings.Trim(s, " \t\"'\ufeff")
	s = strings.ToLower(s)
	return strings.NewReplacer("_", "", "-", "").Replace(s)
}

// FieldSchema maps one file's header columns to logical fields.
type FieldSchema struct {
	Columns []string // raw header names by position; a data row must match its length
	index   [numFields]int
}

// ResolveSchema builds the schema for a header row. Unknown columns are kept
// positionally and ignored. When a field appears twice the first column wins.
func ResolveSchema(header []string) (*FieldSchema, error) {
	s := &FieldSchema{Columns: append([]string(nil), header...)}
	for i := range s.index {
		s.index[i] = -1
	}
	for pos, name := range header {
		f, ok := aliasIndex[normalizeName(name)]
		if ok && s.index[f] < 0 {
			s.index[f] = pos
		}
	}

	var missing []string
	for _, f := range MandatoryFields {
		pos := s.index[f]
		if pos < 0 {
			missing = append(missing, f.String())
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}
	return s, nil
}

// Has reports whether the header carries the field.
func (s *FieldSchema) Has(f Field) bool {
	return s.index[f] >= 0
}

// Index returns the column position of f, or -1.
func (s *FieldSchema) Index(f Field) int {
	return s.index[f]
}

// Value returns the cell for f, or empty when the field is not in the header.
func (s *FieldSchema) Value(row []string, f Field) string {
	pos := s.index[f]
	if pos < 0 || pos >= len(row) {
		return ""
	}
	return row[pos]
}

// Mapped lists the logical fields present, keyed by name, for diagnostics.
func (s *FieldSchema) Mapped() map[string]string {
	out := make(map[string]string)
	for f := Field(0); f < numFields; f++ {
		if pos := s.index[f]; pos >= 0 {
			out[f.String()] = s.Columns[pos]
		}
	}
	return out
}

var columnType = regexp.MustCompile(`(?i)^(integer|bigint|smallint|uniqueidentifier|datetime|(var)?char\(\d+\))$`)

// IsTypeRow reports whether a row is the column-type line CUCM writes
// directly under the header.
func IsTypeRow(fields []string) bool {
	seen := false
	for _, v := range fields {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !columnType.MatchString(v) {
			return false
		}
		seen = true
	}
	return seen
}
