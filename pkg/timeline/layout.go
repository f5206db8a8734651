package timeline

import (
	"sort"

	"callaudit/pkg/interval"
	"callaudit/pkg/transcript"
)

// Segment is one speech block of a rendered timeline.
type Segment struct {
	Speaker transcript.Speaker `json:"speaker"`
	Start   float64            `json:"start"`
	End     float64            `json:"end"`
}

// Overtalk is a span of simultaneous speech, attributed to the speaker who
// started talking second.
type Overtalk struct {
	Interrupter transcript.Speaker `json:"interrupter"`
	Start       float64            `json:"start"`
	End         float64            `json:"end"`
}

// Layout describes a call for rendering as a two-row timeline. All times are
// rebased so the first utterance starts at zero.
type Layout struct {
	Total    float64             `json:"total"`
	Speech   []Segment           `json:"speech"`
	Overtalk []Overtalk          `json:"overtalk"`
	Silence  []interval.Interval `json:"silence"`
}

// BuildLayout computes the speech, overtalk and silence blocks of a call.
// Unknown speakers are not drawn.
func BuildLayout(utterances []transcript.Utterance) Layout {
	layout := Layout{
		Speech:   []Segment{},
		Overtalk: []Overtalk{},
		Silence:  []interval.Interval{},
	}

	origin, _ := CallBounds(utterances)
	for _, u := range utterances {
		if u.Speaker != transcript.SpeakerAgent && u.Speaker != transcript.SpeakerBorrower {
			continue
		}
		layout.Speech = append(layout.Speech, Segment{
			Speaker: u.Speaker,
			Start:   u.Start - origin,
			End:     u.End - origin,
		})
	}
	if len(layout.Speech) == 0 {
		return layout
	}
	sort.SliceStable(layout.Speech, func(i, j int) bool {
		return layout.Speech[i].Start < layout.Speech[j].Start
	})

	var agent, borrower []interval.Interval
	for _, s := range layout.Speech {
		layout.Total = max(layout.Total, s.End)
		iv := interval.Interval{Start: s.Start, End: s.End}
		if s.Speaker == transcript.SpeakerAgent {
			agent = append(agent, iv)
		} else {
			borrower = append(borrower, iv)
		}
	}
	agent = interval.Merge(agent)
	borrower = interval.Merge(borrower)

	for _, ov := range interval.Merge(interval.Intersect(agent, borrower)) {
		layout.Overtalk = append(layout.Overtalk, Overtalk{
			Interrupter: interrupter(layout.Speech, ov),
			Start:       ov.Start,
			End:         ov.End,
		})
	}

	prevEnd := 0.0
	for _, spoken := range interval.Merge(append(agent, borrower...)) {
		if spoken.Start > prevEnd {
			layout.Silence = append(layout.Silence, interval.Interval{Start: prevEnd, End: spoken.Start})
		}
		prevEnd = spoken.End
	}
	if prevEnd < layout.Total {
		layout.Silence = append(layout.Silence, interval.Interval{Start: prevEnd, End: layout.Total})
	}
	return layout
}

// interrupter returns the speaker of the second segment, by start time, that
// overlaps span. speech must already be sorted by start.
func interrupter(speech []Segment, span interval.Interval) transcript.Speaker {
	var overlapping []Segment
	for _, s := range speech {
		if s.Start < span.End && s.End > span.Start {
			overlapping = append(overlapping, s)
		}
	}
	if len(overlapping) < 2 {
		return overlapping[0].Speaker
	}
	return overlapping[1].Speaker
}
