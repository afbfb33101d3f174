// Package report aggregates stored call records into summaries and detail
// listings for the report renderer, and exports them as JSON, CSV or XLSX.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-reporter/internal/classify"
	"github.com/sells-group/cdr-reporter/internal/metrics"
	"github.com/sells-group/cdr-reporter/internal/model"
)

// DefaultTopN is the length of the top caller/destination/device lists.
const DefaultTopN = 10

// maxFilledHours bounds zero-filling of hour buckets. Longer ranges list only
// the hours that had calls.
const maxFilledHours = 31 * 24

// QueryError rejects an invalid time range before the store is touched.
type QueryError struct {
	Range  model.TimeRange
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("report: invalid range [%s, %s): %s",
		e.Range.From.Format(time.RFC3339), e.Range.To.Format(time.RFC3339), e.Reason)
}

// Reader is the store surface the engine needs. store.Store satisfies it.
type Reader interface {
	Query(ctx context.Context, r model.TimeRange) ([]model.ClassifiedRecord, error)
}

// Options tunes an Engine.
type Options struct {
	TopN int
}

// Engine answers summary and detail queries. It never writes.
type Engine struct {
	reader  Reader
	topN    int
	metrics *metrics.Metrics
}

// NewEngine creates an Engine; m may be nil.
func NewEngine(r Reader, opts Options, m *metrics.Metrics) *Engine {
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	return &Engine{reader: r, topN: opts.TopN, metrics: m}
}

// ValidateRange returns a *QueryError for a zero bound or To before From.
func ValidateRange(r model.TimeRange) error {
	switch {
	case r.From.IsZero() || r.To.IsZero():
		return &QueryError{Range: r, Reason: "both bounds are required"}
	case r.To.Before(r.From):
		return &QueryError{Range: r, Reason: "end is before start"}
	}
	return nil
}

// Summarize aggregates the records that started in r.
func (e *Engine) Summarize(ctx context.Context, r model.TimeRange) (*model.Summary, error) {
	if err := ValidateRange(r); err != nil {
		e.metrics.ObserveQuery("summary", err)
		return nil, err
	}
	recs, err := e.reader.Query(ctx, r)
	e.metrics.ObserveQuery("summary", err)
	if err != nil {
		return nil, eris.Wrap(err, "report: summarize")
	}
	return Summarize(r, recs, e.topN), nil
}

// DetailFilter narrows a detail listing.
type DetailFilter struct {
	FailedOnly bool         `json:"failed_only,omitempty"`
	Reason     model.Reason `json:"reason,omitempty"` // empty = any
	Limit      int          `json:"limit,omitempty"`  // 0 = no limit
}

// Detail returns the records that started in r, in store order, filtered.
func (e *Engine) Detail(ctx context.Context, r model.TimeRange, f DetailFilter) ([]model.ClassifiedRecord, error) {
	if err := ValidateRange(r); err != nil {
		e.metrics.ObserveQuery("detail", err)
		return nil, err
	}
	recs, err := e.reader.Query(ctx, r)
	e.metrics.ObserveQuery("detail", err)
	if err != nil {
		return nil, eris.Wrap(err, "report: detail")
	}

	out := make([]model.ClassifiedRecord, 0, len(recs))
	for _, rec := range recs {
		if f.FailedOnly && !rec.Failed() {
			continue
		}
		if f.Reason != "" && rec.Reason != f.Reason {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Summarize computes a summary from records already restricted to r. The
// result depends only on its inputs.
func Summarize(r model.TimeRange, recs []model.ClassifiedRecord, topN int) *model.Summary {
	s := &model.Summary{
		Range:          r,
		CountsByReason: make(map[model.Reason]int, len(model.Reasons)),
	}
	for _, reason := range model.Reasons {
		s.CountsByReason[reason] = 0
	}

	hours := make(map[time.Time]*model.HourCount)
	causes := make(map[int]*model.CauseCount)
	callers := make(map[string]int)
	dests := make(map[string]int)
	devices := make(map[string]int)

	for _, rec := range recs {
		s.TotalCalls++
		s.CountsByReason[rec.Reason]++

		h := rec.StartTime.UTC().Truncate(time.Hour)
		hc, ok := hours[h]
		if !ok {
			hc = &model.HourCount{Hour: h}
			hours[h] = hc
		}
		hc.Total++

		if !rec.Failed() {
			continue
		}
		s.FailedCalls++
		hc.Failed++

		code := -1
		if rec.Cause.Valid {
			code = rec.Cause.Value
		}
		cc, ok := causes[code]
		if !ok {
			cc = &model.CauseCount{Cause: code, Description: causeDescription(rec.Cause), Reason: rec.Reason}
			causes[code] = cc
		}
		cc.Count++

		if rec.CallingNumber != "" {
			callers[rec.CallingNumber]++
		}
		if d := destination(rec); d != "" {
			dests[d]++
		}
		if rec.OrigDevice != "" {
			devices[rec.OrigDevice]++
		}
	}

	s.CountsByHour = hourBuckets(r, hours)
	s.CountsByCause = make([]model.CauseCount, 0, len(causes))
	for _, cc := range causes {
		s.CountsByCause = append(s.CountsByCause, *cc)
	}
	sort.Slice(s.CountsByCause, func(i, j int) bool {
		a, b := s.CountsByCause[i], s.CountsByCause[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Cause < b.Cause
	})
	s.TopCallers = topKeys(callers, topN)
	s.TopDestinations = topKeys(dests, topN)
	s.TopDevices = topKeys(devices, topN)
	return s
}

// hourBuckets returns one bucket per UTC hour of the range, or only the hours
// that had calls when the range is too long to fill.
func hourBuckets(r model.TimeRange, seen map[time.Time]*model.HourCount) []model.HourCount {
	first := r.From.UTC().Truncate(time.Hour)
	if !r.To.After(r.From) || r.To.Sub(first) > maxFilledHours*time.Hour {
		out := make([]model.HourCount, 0, len(seen))
		for _, hc := range seen {
			out = append(out, *hc)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
		return out
	}

	var out []model.HourCount
	for h := first; h.Before(r.To); h = h.Add(time.Hour) {
		if hc, ok := seen[h]; ok {
			out = append(out, *hc)
			continue
		}
		out = append(out, model.HourCount{Hour: h})
	}
	return out
}

func topKeys(counts map[string]int, n int) []model.KeyCount {
	out := make([]model.KeyCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, model.KeyCount{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// destination is the number the caller finally reached, or dialled.
func destination(rec model.ClassifiedRecord) string {
	if rec.FinalCalledNumber != "" {
		return rec.FinalCalledNumber
	}
	return rec.OriginalCalledNumber
}

func causeDescription(c model.CauseCode) string {
	if !c.Valid {
		return "cause not recorded"
	}
	return classify.CauseName(c.Value)
}
