package model

import "time"

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailedCalls AlertType = "failed_calls"
	AlertFailureRate AlertType = "failure_rate"
)

// Alert is a threshold breach raised over a report window.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Range     TimeRange      `json:"range"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
