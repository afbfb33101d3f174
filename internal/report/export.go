package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// Document is what an export carries to the renderer.
type Document struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Summary     *model.Summary           `json:"summary"`
	Records     []model.ClassifiedRecord `json:"records,omitempty"`
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "report: write json")
}

var detailHeader = []string{
	"call_id", "start_time", "calling_number", "original_called_number", "final_called_number",
	"orig_device", "dest_device", "orig_ip", "dest_ip", "hunt_pilot", "duration",
	"orig_cause", "dest_cause", "cause", "cause_description", "outcome", "reason", "video",
}

func detailRow(r model.ClassifiedRecord) []string {
	desc := ""
	if r.Cause.Valid {
		desc = causeDescription(r.Cause)
	}
	return []string{
		r.CallID,
		r.StartTime.UTC().Format(time.RFC3339),
		r.CallingNumber,
		r.OriginalCalledNumber,
		r.FinalCalledNumber,
		r.OrigDevice,
		r.DestDevice,
		r.OrigIP,
		r.DestIP,
		r.HuntPilot,
		strconv.Itoa(r.Duration),
		causeCell(r.OrigCause),
		causeCell(r.DestCause),
		causeCell(r.Cause),
		desc,
		string(r.Outcome),
		string(r.Reason),
		strconv.FormatBool(r.Video),
	}
}

func causeCell(c model.CauseCode) string {
	if !c.Valid {
		return ""
	}
	return strconv.Itoa(c.Value)
}

// WriteCSV writes detail records with a header row.
func WriteCSV(w io.Writer, recs []model.ClassifiedRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(detailHeader); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, r := range recs {
		if err := cw.Write(detailRow(r)); err != nil {
			return eris.Wrapf(err, "report: write csv row %s", r.CallID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush csv")
}

// WriteXLSX writes a workbook with summary, hourly, cause and detail sheets.
func WriteXLSX(w io.Writer, doc Document) error {
	f := xlsx.NewFile()

	if doc.Summary != nil {
		s := doc.Summary
		sheet, err := f.AddSheet("Summary")
		if err != nil {
			return eris.Wrap(err, "report: add summary sheet")
		}
		addRow(sheet, "From", s.Range.From.UTC().Format(time.RFC3339))
		addRow(sheet, "To", s.Range.To.UTC().Format(time.RFC3339))
		addIntRow(sheet, "Total calls", s.TotalCalls)
		addIntRow(sheet, "Failed calls", s.FailedCalls)
		addRow(sheet, "Failure rate", strconv.FormatFloat(s.FailureRate()*100, 'f', 2, 64)+"%")
		addRow(sheet)
		addRow(sheet, "Reason", "Calls")
		for _, reason := range model.Reasons {
			addIntRow(sheet, string(reason), s.CountsByReason[reason])
		}

		hours, err := f.AddSheet("By Hour")
		if err != nil {
			return eris.Wrap(err, "report: add hour sheet")
		}
		addRow(hours, "Hour (UTC)", "Total", "Failed")
		for _, h := range s.CountsByHour {
			row := hours.AddRow()
			row.AddCell().SetString(h.Hour.UTC().Format("2006-01-02 15:00"))
			row.AddCell().SetInt(h.Total)
			row.AddCell().SetInt(h.Failed)
		}

		causes, err := f.AddSheet("By Cause")
		if err != nil {
			return eris.Wrap(err, "report: add cause sheet")
		}
		addRow(causes, "Cause", "Description", "Reason", "Failed calls")
		for _, c := range s.CountsByCause {
			row := causes.AddRow()
			row.AddCell().SetInt(c.Cause)
			row.AddCell().SetString(c.Description)
			row.AddCell().SetString(string(c.Reason))
			row.AddCell().SetInt(c.Count)
		}

		top, err := f.AddSheet("Top")
		if err != nil {
			return eris.Wrap(err, "report: add top sheet")
		}
		addRow(top, "Caller", "Failed", "Destination", "Failed", "Device", "Failed")
		for i := 0; i < max(len(s.TopCallers), len(s.TopDestinations), len(s.TopDevices)); i++ {
			row := top.AddRow()
			for _, list := range [][]model.KeyCount{s.TopCallers, s.TopDestinations, s.TopDevices} {
				if i < len(list) {
					row.AddCell().SetString(list[i].Key)
					row.AddCell().SetInt(list[i].Count)
				} else {
					row.AddCell()
					row.AddCell()
				}
			}
		}
	}

	detail, err := f.AddSheet("Calls")
	if err != nil {
		return eris.Wrap(err, "report: add detail sheet")
	}
	addRow(detail, detailHeader...)
	for _, r := range doc.Records {
		addRow(detail, detailRow(r)...)
	}

	return eris.Wrap(f.Write(w), "report: write xlsx")
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func addIntRow(sheet *xlsx.Sheet, label string, n int) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetInt(n)
}

// CleanExports removes regular files in dir last modified before cutoff and
// returns their names. Subdirectories are left alone.
func CleanExports(dir string, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "report: read exports dir %s", dir)
	}
	var removed []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return removed, eris.Wrapf(err, "report: stat %s", e.Name())
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, eris.Wrapf(err, "report: remove %s", e.Name())
		}
		removed = append(removed, e.Name())
	}
	if len(removed) > 0 {
		zap.L().Info("removed old exports",
			zap.String("component", "report.exports"),
			zap.String("dir", dir),
			zap.Int("count", len(removed)),
		)
	}
	return removed, nil
}
