package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// Summarizer is the report surface the collector needs. report.Engine
// satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, r model.TimeRange) (*model.Summary, error)
}

// Collector summarizes stored calls over a trailing window.
type Collector struct {
	reports Summarizer
	now     func() time.Time
}

// NewCollector creates a new collector.
func NewCollector(reports Summarizer) *Collector {
	return &Collector{reports: reports, now: time.Now}
}

// Collect summarizes the calls that started in the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*model.Summary, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	s, err := c.reports.Summarize(ctx, model.LastHours(c.now().UTC(), lookbackHours))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect summary")
	}
	return s, nil
}
