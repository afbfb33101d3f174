// Package classify decides whether a call failed and why, from its duration
// and termination cause codes.
package classify

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// AbsentCausePolicy decides zero-duration calls that carry no cause code on
// either leg.
type AbsentCausePolicy string

const (
	AbsentOK     AbsentCausePolicy = "ok"     // store as ok/none
	AbsentIgnore AbsentCausePolicy = "ignore" // drop the record
	AbsentFailed AbsentCausePolicy = "failed" // store as failed/unknown-cause
)

// PolicyConfig is the operator-tunable input to NewPolicy. Nil slices and
// maps fall back to the defaults.
type PolicyConfig struct {
	FailureCodes        []int            `yaml:"failure_codes" mapstructure:"failure_codes"`
	NormalClearingCodes []int            `yaml:"normal_clearing_codes" mapstructure:"normal_clearing_codes"`
	CauseReasons        map[string][]int `yaml:"cause_reasons" mapstructure:"cause_reasons"` // reason name -> cause codes
	AbsentCause         string           `yaml:"absent_cause_policy" mapstructure:"absent_cause_policy"`
}

// DefaultFailureCodes are the Q.931 causes treated as failures, plus the
// Cisco rejection code 458752.
func DefaultFailureCodes() []int {
	return []int{
		1, 2, 3, 17, 18, 19, 20, 21, 22, 27, 28, 29, 31, 34, 38, 41, 42, 43, 44,
		46, 47, 49, 50, 52, 54, 57, 58, 63, 65, 66, 69, 79, 88, 95, 96, 97, 98,
		99, 100, 101, 102, 111, 127, 458752,
	}
}

// DefaultNormalClearingCodes are causes that end a call normally.
func DefaultNormalClearingCodes() []int {
	return []int{0, 16, 393216}
}

// DefaultCauseReasons maps failure causes to report categories.
func DefaultCauseReasons() map[string][]int {
	return map[string][]int{
		string(model.ReasonBusy):           {17},
		string(model.ReasonNoAnswer):       {18, 19, 20},
		string(model.ReasonInvalidNumber):  {1, 2, 3, 22, 28},
		string(model.ReasonNetworkFailure): {27, 34, 38, 41, 42, 44, 47},
		string(model.ReasonRejected):       {21, 29, 52, 54, 458752},
	}
}

// DefaultPolicyConfig returns the built-in policy.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		FailureCodes:        DefaultFailureCodes(),
		NormalClearingCodes: DefaultNormalClearingCodes(),
		CauseReasons:        DefaultCauseReasons(),
		AbsentCause:         string(AbsentOK),
	}
}

// Policy is the immutable classification table.
type Policy struct {
	failure map[int]bool
	normal  map[int]bool
	reasons map[int]model.Reason
	absent  AbsentCausePolicy
}

// NewPolicy validates cfg and builds a Policy. It rejects a code listed as
// both failure and normal clearing, unknown or "none" reason names, a code
// mapped to two reasons, and an unknown absent-cause policy.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	def := DefaultPolicyConfig()
	if cfg.FailureCodes == nil {
		cfg.FailureCodes = def.FailureCodes
	}
	if cfg.NormalClearingCodes == nil {
		cfg.NormalClearingCodes = def.NormalClearingCodes
	}
	if cfg.CauseReasons == nil {
		cfg.CauseReasons = def.CauseReasons
	}
	if cfg.AbsentCause == "" {
		cfg.AbsentCause = def.AbsentCause
	}

	p := &Policy{
		failure: toSet(cfg.FailureCodes),
		normal:  toSet(cfg.NormalClearingCodes),
		reasons: make(map[int]model.Reason),
	}

	var overlap []int
	for code := range p.failure {
		if p.normal[code] {
			overlap = append(overlap, code)
		}
	}
	if len(overlap) > 0 {
		slices.Sort(overlap)
		return nil, eris.Errorf("classify: codes %v are in both the failure and normal clearing sets", overlap)
	}

	names := make([]string, 0, len(cfg.CauseReasons))
	for name := range cfg.CauseReasons {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		reason, ok := model.ParseReason(strings.ToLower(strings.TrimSpace(name)))
		if !ok || reason == model.ReasonNone {
			return nil, eris.Errorf("classify: unknown failure reason %q", name)
		}
		for _, code := range cfg.CauseReasons[name] {
			if prev, dup := p.reasons[code]; dup && prev != reason {
				return nil, eris.Errorf("classify: cause %d mapped to both %s and %s", code, prev, reason)
			}
			p.reasons[code] = reason
		}
	}

	switch a := AbsentCausePolicy(strings.ToLower(cfg.AbsentCause)); a {
	case AbsentOK, AbsentIgnore, AbsentFailed:
		p.absent = a
	default:
		return nil, eris.Errorf("classify: unknown absent cause policy %q (want ok, ignore or failed)", cfg.AbsentCause)
	}
	return p, nil
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultPolicyConfig())
	if err != nil {
		panic(err)
	}
	return p
}

// IsFailure reports whether code is in the failure set.
func (p *Policy) IsFailure(code int) bool { return p.failure[code] }

// IsNormalClearing reports whether code is in the normal clearing set.
func (p *Policy) IsNormalClearing(code int) bool { return p.normal[code] }

// ReasonFor returns the category of a failure cause, or unknown-cause.
func (p *Policy) ReasonFor(code int) model.Reason {
	if r, ok := p.reasons[code]; ok {
		return r
	}
	return model.ReasonUnknownCause
}

// AbsentCause returns the absent-cause policy in force.
func (p *Policy) AbsentCause() AbsentCausePolicy { return p.absent }

// FailureCodes returns the failure set in ascending order.
func (p *Policy) FailureCodes() []int {
	codes := make([]int, 0, len(p.failure))
	for c := range p.failure {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes
}

func toSet(codes []int) map[int]bool {
	m := make(map[int]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}
