// Package transcript holds the canonical utterance model and the loaders that
// turn JSON or YAML call transcripts into it.
package transcript

import (
	"fmt"
	"math"
	"strings"

	"callaudit/pkg/errors"
	"callaudit/pkg/interval"
)

// Speaker is the canonical role of whoever produced an utterance.
type Speaker string

const (
	SpeakerAgent    Speaker = "agent"
	SpeakerBorrower Speaker = "borrower"
	SpeakerUnknown  Speaker = "unknown"

	// SpeakerAny disables role filtering where a Speaker filter is accepted.
	SpeakerAny Speaker = ""
)

// Matches reports whether s passes the role filter.
func (s Speaker) Matches(filter Speaker) bool {
	return filter == SpeakerAny || s == filter
}

// CanonicalSpeaker maps a free-form speaker label to a role. Any label that
// contains "agent" is the agent; customer, borrower and caller are the
// borrower; everything else is unknown.
func CanonicalSpeaker(raw string) Speaker {
	label := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(label, "agent"):
		return SpeakerAgent
	case label == "customer", label == "borrower", label == "caller":
		return SpeakerBorrower
	default:
		return SpeakerUnknown
	}
}

// Utterance is one timed speaker turn. Start and End are seconds from the
// beginning of the recording and End >= Start.
type Utterance struct {
	Speaker    Speaker `json:"speaker"`
	RawSpeaker string  `json:"raw_speaker,omitempty"`
	Start      float64 `json:"stime"`
	End        float64 `json:"etime"`
	Text       string  `json:"text"`
}

// NewUtterance validates the times and builds an utterance, swapping start
// and end when they arrive inverted.
func NewUtterance(speaker Speaker, start, end float64, text string) (Utterance, error) {
	for _, v := range []float64{start, end} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Utterance{}, errors.NewInvalidUtterance("time is not a finite number")
		}
		if v < 0 {
			return Utterance{}, errors.NewInvalidUtterance(fmt.Sprintf("negative time %g", v))
		}
	}
	if end < start {
		start, end = end, start
	}
	return Utterance{
		Speaker: speaker,
		Start:   start,
		End:     end,
		Text:    text,
	}, nil
}

// Duration returns End-Start.
func (u Utterance) Duration() float64 {
	return math.Max(0, u.End-u.Start)
}

// Interval returns the time span of the utterance.
func (u Utterance) Interval() interval.Interval {
	return interval.Interval{Start: u.Start, End: u.End}
}

// Intervals collects the spans of every utterance whose speaker passes filter,
// in input order.
func Intervals(utterances []Utterance, filter Speaker) []interval.Interval {
	out := make([]interval.Interval, 0, len(utterances))
	for _, u := range utterances {
		if u.Speaker.Matches(filter) {
			out = append(out, u.Interval())
		}
	}
	return out
}
