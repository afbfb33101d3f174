package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cdr-reporter/internal/model"
)

func TestObserveRun(t *testing.T) {
	m := New()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &model.RunReport{
		StartedAt:         start,
		CompletedAt:       start.Add(3 * time.Second),
		RecordsClassified: 90,
		RecordsFailed:     12,
		RecordsStored:     88,
		BadLines:          10,
		Files: []model.FileResult{
			{Status: model.FileIngested},
			{Status: model.FileIngested},
			{Status: model.FileAlreadyIngested},
		},
	}

	m.ObserveRun(r, false)

	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("completed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.FilesTotal.WithLabelValues("ingested")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FilesTotal.WithLabelValues("already_ingested")), 0)
	assert.InDelta(t, 12, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("failed")), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("bad_line")), 0)
	assert.InDelta(t, float64(r.CompletedAt.Unix()), testutil.ToFloat64(m.LastRunTimestamp), 0)
}

func TestObservePurgeAndQuery(t *testing.T) {
	m := New()
	m.ObservePurge(&model.PurgeResult{RecordsDeleted: 40, FilesReleased: 2})
	m.ObserveQuery("summary", nil)
	m.ObserveQuery("summary", errors.New("boom"))

	assert.InDelta(t, 40, testutil.ToFloat64(m.PurgedTotal.WithLabelValues("records")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.PurgedTotal.WithLabelValues("files")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("summary", "error")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun(&model.RunReport{}, true)
		m.ObservePurge(&model.PurgeResult{})
		m.ObserveQuery("detail", nil)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRun(&model.RunReport{StartedAt: time.Now(), CompletedAt: time.Now()}, true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cdr_ingest_runs_total{result="aborted"} 1`)
}
