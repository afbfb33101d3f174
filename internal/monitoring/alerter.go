package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-reporter/internal/config"
	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/publisher"
	"github.com/sells-group/cdr-reporter/internal/resilience"
)

// Alerter evaluates a report summary against configured thresholds and sends
// alerts via webhook and the event publisher when thresholds are breached.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	breaker *resilience.Breaker
	events  *publisher.Events
	now     func() time.Time
}

// NewAlerter creates a new Alerter. events may be nil.
func NewAlerter(cfg config.MonitoringConfig, events *publisher.Events) *Alerter {
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewBreaker("alert webhook", 3, 5*time.Minute),
		events:  events,
		now:     time.Now,
	}
}

// Evaluate checks the summary against thresholds and returns any alerts.
func (a *Alerter) Evaluate(s *model.Summary) []model.Alert {
	var alerts []model.Alert
	now := a.now().UTC()
	hours := s.Range.To.Sub(s.Range.From).Hours()

	if a.cfg.FailedCallsThreshold > 0 && s.FailedCalls > a.cfg.FailedCallsThreshold {
		alerts = append(alerts, model.Alert{
			Type:     model.AlertFailedCalls,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d failed calls exceeds threshold %d in last %.0fh",
				s.FailedCalls, a.cfg.FailedCallsThreshold, hours,
			),
			Range: s.Range,
			Details: map[string]any{
				"failed_calls": s.FailedCalls,
				"total_calls":  s.TotalCalls,
				"threshold":    a.cfg.FailedCallsThreshold,
				"top_causes":   topCauses(s.CountsByCause, 3),
			},
			Timestamp: now,
		})
	}

	rate := s.FailureRate()
	if a.cfg.FailureRateThreshold > 0 && s.TotalCalls >= a.cfg.MinCalls && rate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, model.Alert{
			Type:     model.AlertFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Call failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d calls in last %.0fh)",
				rate*100, a.cfg.FailureRateThreshold*100, s.FailedCalls, s.TotalCalls, hours,
			),
			Range: s.Range,
			Details: map[string]any{
				"failure_rate": rate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed_calls": s.FailedCalls,
				"total_calls":  s.TotalCalls,
			},
			Timestamp: now,
		})
	}

	return alerts
}

func topCauses(causes []model.CauseCount, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < len(causes) && i < n; i++ {
		out = append(out, fmt.Sprintf("%s (%d)", causes[i].Description, causes[i].Count))
	}
	return out
}

// SendAlerts delivers alerts to the webhook and the event publisher. Returns
// the number of alerts that reached at least one sink.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []model.Alert) int {
	sent := 0
	for _, alert := range alerts {
		delivered := false
		if a.cfg.WebhookURL != "" {
			err := a.breaker.Execute(ctx, func(ctx context.Context) error {
				return a.sendWebhook(ctx, alert)
			})
			if err != nil {
				zap.L().Error("monitoring: failed to send alert",
					zap.String("type", string(alert.Type)),
					zap.Error(err),
				)
			} else {
				delivered = true
			}
		}
		if a.events != nil {
			if err := a.events.PublishAlert(ctx, alert); err != nil {
				zap.L().Error("monitoring: failed to publish alert",
					zap.String("type", string(alert.Type)),
					zap.Error(err),
				)
			} else {
				delivered = true
			}
		}
		if !delivered {
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
