package classify

import "github.com/sells-group/cdr-reporter/internal/model"

// Classifier applies a Policy to call records. It is stateless beyond the
// policy and safe for concurrent use.
type Classifier struct {
	policy *Policy
}

// New creates a Classifier. A nil policy uses the defaults.
func New(p *Policy) *Classifier {
	if p == nil {
		p = DefaultPolicy()
	}
	return &Classifier{policy: p}
}

// Policy returns the policy in force.
func (c *Classifier) Policy() *Policy { return c.policy }

// EffectiveCause picks the cause code a verdict is based on. A non-zero
// origin code wins; otherwise the destination code if present; otherwise the
// origin code, which may itself be absent.
func EffectiveCause(rec model.CallRecord) model.CauseCode {
	switch {
	case rec.OrigCause.Valid && rec.OrigCause.Value != 0:
		return rec.OrigCause
	case rec.DestCause.Valid:
		return rec.DestCause
	default:
		return rec.OrigCause
	}
}

// Classify returns the verdict for one record:
//   - duration > 0 is always ok
//   - zero duration with a failure cause is failed, with the cause's reason
//   - zero duration with any other present cause is ok
//   - zero duration with no cause follows the absent-cause policy
func (c *Classifier) Classify(rec model.CallRecord) model.Classification {
	cause := EffectiveCause(rec)
	ok := model.Classification{Outcome: model.OutcomeOK, Reason: model.ReasonNone, Cause: cause}

	if rec.Duration > 0 {
		return ok
	}
	if !cause.Valid {
		switch c.policy.absent {
		case AbsentIgnore:
			ok.Ignore = true
			return ok
		case AbsentFailed:
			return model.Classification{Outcome: model.OutcomeFailed, Reason: model.ReasonUnknownCause, Cause: cause}
		default:
			return ok
		}
	}
	if c.policy.IsFailure(cause.Value) {
		return model.Classification{
			Outcome: model.OutcomeFailed,
			Reason:  c.policy.ReasonFor(cause.Value),
			Cause:   cause,
		}
	}
	return ok
}

// ClassifyAll classifies a file's records. Ignored records are dropped and
// counted.
func (c *Classifier) ClassifyAll(recs []model.CallRecord) (out []model.ClassifiedRecord, ignored int) {
	out = make([]model.ClassifiedRecord, 0, len(recs))
	for _, rec := range recs {
		v := c.Classify(rec)
		if v.Ignore {
			ignored++
			continue
		}
		out = append(out, model.ClassifiedRecord{
			CallRecord: rec,
			Outcome:    v.Outcome,
			Reason:     v.Reason,
			Cause:      v.Cause,
		})
	}
	return out, ignored
}
