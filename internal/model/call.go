// Package model defines the call detail record types shared across the ingestion,
// classification, storage and reporting packages.
package model

import (
	"strconv"
	"time"
)

// CauseCode is a Q.931 (or Cisco) termination cause reported for a call leg.
// Valid is false when the leg's cause column was empty.
type CauseCode struct {
	Value int  `json:"value"`
	Valid bool `json:"valid"`
}

// Cause returns a present cause code.
func Cause(v int) CauseCode {
	return CauseCode{Value: v, Valid: true}
}

// String renders the code, or "-" when absent.
func (c CauseCode) String() string {
	if !c.Valid {
		return "-"
	}
	return strconv.Itoa(c.Value)
}

// CallRecord is one parsed call detail record.
type CallRecord struct {
	CallID               string    `json:"call_id"`
	CallingNumber        string    `json:"calling_number,omitempty"`
	OriginalCalledNumber string    `json:"original_called_number,omitempty"`
	FinalCalledNumber    string    `json:"final_called_number,omitempty"`
	OrigDevice           string    `json:"orig_device,omitempty"`
	DestDevice           string    `json:"dest_device,omitempty"`
	OrigIP               string    `json:"orig_ip,omitempty"`
	DestIP               string    `json:"dest_ip,omitempty"`
	HuntPilot            string    `json:"hunt_pilot,omitempty"`
	LastRedirect         string    `json:"last_redirect,omitempty"`
	StartTime            time.Time `json:"start_time"`
	ConnectTime          time.Time `json:"connect_time,omitzero"`
	DisconnectTime       time.Time `json:"disconnect_time,omitzero"`
	Duration             int       `json:"duration"` // seconds
	OrigCause            CauseCode `json:"orig_cause"`
	DestCause            CauseCode `json:"dest_cause"`
	Video                bool      `json:"video,omitempty"` // a video media capability was negotiated on either leg
	Line                 int       `json:"line,omitempty"`  // source line number within the file
}

// Outcome is the failed/ok verdict for a call.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
)

// Reason is the failure category assigned to a call.
type Reason string

const (
	ReasonBusy           Reason = "busy"
	ReasonNoAnswer       Reason = "no-answer"
	ReasonNetworkFailure Reason = "network-failure"
	ReasonRejected       Reason = "rejected"
	ReasonInvalidNumber  Reason = "invalid-number"
	ReasonUnknownCause   Reason = "unknown-cause"
	ReasonNone           Reason = "none"
)

// Reasons lists every reason category in report order.
var Reasons = []Reason{
	ReasonBusy,
	ReasonNoAnswer,
	ReasonNetworkFailure,
	ReasonRejected,
	ReasonInvalidNumber,
	ReasonUnknownCause,
	ReasonNone,
}

// ParseReason validates a reason name.
func ParseReason(s string) (Reason, bool) {
	for _, r := range Reasons {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Classification is the classifier verdict for one record.
// Ignore is set when the record should not be stored at all.
type Classification struct {
	Outcome Outcome   `json:"outcome"`
	Reason  Reason    `json:"reason"`
	Cause   CauseCode `json:"cause"` // the effective cause the verdict was based on
	Ignore  bool      `json:"-"`
}

// ClassifiedRecord is a call record with its verdict. FileID is the owning ledger
// entry once stored.
type ClassifiedRecord struct {
	CallRecord
	Outcome Outcome   `json:"outcome"`
	Reason  Reason    `json:"reason"`
	Cause   CauseCode `json:"cause"`
	FileID  int64     `json:"file_id,omitempty"`
}

// Failed reports whether the record was classified as a failed call.
func (r ClassifiedRecord) Failed() bool {
	return r.Outcome == OutcomeFailed
}
