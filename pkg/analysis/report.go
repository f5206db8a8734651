// Package analysis runs the per-call pipeline (timing metrics, profanity and
// disclosure compliance) and drives batches of calls over a worker pool.
package analysis

import (
	"time"

	"callaudit/pkg/compliance"
	"callaudit/pkg/patterns"
	"callaudit/pkg/pii"
	"callaudit/pkg/timeline"
)

// Report is everything computed for one call.
type Report struct {
	CallID         string                   `json:"call_id"`
	CorrelationID  string                   `json:"correlation_id,omitempty"`
	Mode           compliance.Mode          `json:"mode"`
	AnalyzedAt     time.Time                `json:"analyzed_at"`
	UtteranceCount int                      `json:"utterance_count"`
	DroppedRecords int                      `json:"dropped_records"`
	Metrics        timeline.Metrics         `json:"metrics"`
	Profanity      patterns.ProfanityReport `json:"profanity"`
	Compliance     compliance.Verdict       `json:"compliance"`
	Timeline       *timeline.Layout         `json:"timeline,omitempty"`
	Redacted       bool                     `json:"redacted,omitempty"`
}

// redact returns a copy of the report with every quoted utterance masked.
// Rule IDs and timings are left untouched.
func (r *Report) redact(redactor *pii.Redactor) *Report {
	out := *r

	out.Profanity.Hits = make([]patterns.MatchEvent, len(r.Profanity.Hits))
	for i, hit := range r.Profanity.Hits {
		hit.Text = redactor.RedactText(hit.Text)
		out.Profanity.Hits[i] = hit
	}

	out.Compliance.Examples = make([]compliance.Example, len(r.Compliance.Examples))
	for i, ex := range r.Compliance.Examples {
		ex.Text = redactor.RedactText(ex.Text)
		out.Compliance.Examples[i] = ex
	}

	out.Redacted = true
	return &out
}
