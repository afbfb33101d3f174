package cdr

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-reporter/internal/fetcher"
	"github.com/sells-group/cdr-reporter/internal/model"
)

// DefaultAbandonThreshold is the malformed-line fraction above which a file
// is abandoned.
const DefaultAbandonThreshold = 0.5

// maxKeptErrors bounds the line errors kept on a ParsedFile for reporting.
const maxKeptErrors = 50

// Options configures a Parser.
type Options struct {
	Delimiter        rune    // default ','
	Encoding         string  // source charset; empty = utf-8
	AbandonThreshold float64 // fraction of bad data lines tolerated; <= 0 uses the default
}

// Parser turns CDR flat files into call records. It holds no per-file state
// and is safe for concurrent use.
type Parser struct {
	opts Options
}

// NewParser creates a Parser.
func NewParser(opts Options) *Parser {
	if opts.AbandonThreshold <= 0 {
		opts.AbandonThreshold = DefaultAbandonThreshold
	}
	return &Parser{opts: opts}
}

// ParsedFile is the result of parsing one file.
type ParsedFile struct {
	Schema      *FieldSchema
	Records     []model.CallRecord
	DataLines   int // lines after the header and type row
	BadLines    int
	NonCallRows int // CMR and other non-call record types
	Errors      []*RecordParseError
}

func (pf *ParsedFile) addError(e *RecordParseError) {
	pf.BadLines++
	if len(pf.Errors) < maxKeptErrors {
		pf.Errors = append(pf.Errors, e)
	}
}

// ParseFile opens and parses the file at path.
func (p *Parser) ParseFile(ctx context.Context, path string) (*ParsedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cdr: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return p.Parse(ctx, f)
}

// Parse reads a header, an optional type row and data rows from r. Each data
// row is parsed on its own; malformed rows are counted and skipped. It returns
// a *SchemaError for an unusable header and an *AbandonedError when the share
// of malformed rows exceeds the threshold.
func (p *Parser) Parse(ctx context.Context, r io.Reader) (*ParsedFile, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{
		Delimiter: p.opts.Delimiter,
		Encoding:  p.opts.Encoding,
		TrimSpace: true,
	})

	var (
		pf         = &ParsedFile{}
		headerLine int
	)
	for row := range rowCh {
		if pf.Schema == nil {
			if row.Err != nil {
				return nil, &SchemaError{Reason: fmt.Sprintf("unreadable header on line %d: %v", row.Line, row.Err)}
			}
			schema, err := ResolveSchema(row.Fields)
			if err != nil {
				return nil, err
			}
			pf.Schema = schema
			headerLine = row.Line
			continue
		}

		if row.Line == headerLine+1 && row.Err == nil && IsTypeRow(row.Fields) {
			continue
		}

		pf.DataLines++
		if row.Err != nil {
			pf.addError(&RecordParseError{Line: row.Line, Reason: row.Err.Error()})
			continue
		}

		rec, isCall, perr := parseRecord(pf.Schema, row.Fields)
		switch {
		case perr != nil:
			perr.Line = row.Line
			pf.addError(perr)
		case !isCall:
			pf.NonCallRows++
		default:
			rec.Line = row.Line
			pf.Records = append(pf.Records, rec)
		}
	}

	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "cdr: read")
	}
	if pf.Schema == nil {
		return nil, &SchemaError{Reason: "file has no header"}
	}

	if pf.DataLines > 0 && float64(pf.BadLines)/float64(pf.DataLines) > p.opts.AbandonThreshold {
		return pf, &AbandonedError{
			BadLines:  pf.BadLines,
			DataLines: pf.DataLines,
			Threshold: p.opts.AbandonThreshold,
		}
	}
	return pf, nil
}

// parseRecord maps one row through the schema. isCall is false for rows of a
// record type other than a call (CUCM type 1).
func parseRecord(s *FieldSchema, row []string) (rec model.CallRecord, isCall bool, perr *RecordParseError) {
	fail := func(format string, args ...any) (model.CallRecord, bool, *RecordParseError) {
		return model.CallRecord{}, false, &RecordParseError{Reason: fmt.Sprintf(format, args...)}
	}

	if len(row) != len(s.Columns) {
		return fail("expected %d columns, got %d", len(s.Columns), len(row))
	}

	if v := s.Value(row, FieldRecordType); v != "" {
		rt, err := strconv.Atoi(v)
		if err != nil {
			return fail("non-numeric record type %q", v)
		}
		if rt != 1 {
			return model.CallRecord{}, false, nil
		}
	}

	rec.CallID = s.Value(row, FieldCallID)
	if rec.CallID == "" {
		return fail("empty call id")
	}
	if cm := s.Value(row, FieldCallManagerID); cm != "" {
		rec.CallID = cm + "-" + rec.CallID
	}

	dur := s.Value(row, FieldDuration)
	if dur == "" {
		return fail("empty duration")
	}
	n, err := strconv.Atoi(dur)
	if err != nil {
		return fail("non-numeric duration %q", dur)
	}
	if n < 0 {
		return fail("negative duration %d", n)
	}
	rec.Duration = n

	if rec.OrigCause, err = parseCause(s.Value(row, FieldOrigCause)); err != nil {
		return fail("non-numeric origin cause %q", s.Value(row, FieldOrigCause))
	}
	if rec.DestCause, err = parseCause(s.Value(row, FieldDestCause)); err != nil {
		return fail("non-numeric destination cause %q", s.Value(row, FieldDestCause))
	}

	if rec.StartTime, err = parseEpoch(s.Value(row, FieldStartTime)); err != nil {
		return fail("bad start time: %v", err)
	}
	if rec.StartTime.IsZero() {
		return fail("missing start time")
	}
	if rec.ConnectTime, err = parseEpoch(s.Value(row, FieldConnectTime)); err != nil {
		return fail("bad connect time: %v", err)
	}
	if rec.DisconnectTime, err = parseEpoch(s.Value(row, FieldDisconnectTime)); err != nil {
		return fail("bad disconnect time: %v", err)
	}

	rec.CallingNumber = s.Value(row, FieldCallingNumber)
	rec.OriginalCalledNumber = s.Value(row, FieldOriginalCalled)
	rec.FinalCalledNumber = s.Value(row, FieldFinalCalled)
	rec.LastRedirect = s.Value(row, FieldLastRedirect)
	rec.OrigDevice = s.Value(row, FieldOrigDevice)
	rec.DestDevice = s.Value(row, FieldDestDevice)
	rec.HuntPilot = s.Value(row, FieldHuntPilot)
	rec.OrigIP = FormatIP(s.Value(row, FieldOrigIP))
	rec.DestIP = FormatIP(s.Value(row, FieldDestIP))
	rec.Video = codecSet(s.Value(row, FieldOrigVideoCodec)) || codecSet(s.Value(row, FieldDestVideoCodec))

	return rec, true, nil
}

func parseCause(v string) (model.CauseCode, error) {
	if v == "" {
		return model.CauseCode{}, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return model.CauseCode{}, err
	}
	return model.Cause(n), nil
}

// parseEpoch reads CUCM epoch seconds. Empty and "0" mean unset.
func parseEpoch(v string) (time.Time, error) {
	if v == "" || v == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, eris.Errorf("non-numeric timestamp %q", v)
	}
	if n < 0 {
		return time.Time{}, eris.Errorf("negative timestamp %d", n)
	}
	return time.Unix(n, 0).UTC(), nil
}

// FormatIP renders a CUCM address column. CUCM writes IPv4 addresses as a
// signed 32-bit integer in little-endian byte order; other values pass
// through unchanged and "0" means no address.
func FormatIP(v string) string {
	if v == "" || v == "0" {
		return ""
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < -1<<31 || n > 1<<32-1 {
		return v
	}
	u := uint32(n)
	return netip.AddrFrom4([4]byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}).String()
}

func codecSet(v string) bool {
	return v != "" && v != "0"
}
