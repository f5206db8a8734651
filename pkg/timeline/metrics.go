// Package timeline computes conversation-level timing metrics from a list of
// utterances: call bounds, overtalk, silence and per-role talk share.
package timeline

import (
	"math"

	"callaudit/pkg/interval"
	"callaudit/pkg/transcript"
)

// minCallLength guards the percentage denominators against empty or
// zero-length calls.
const minCallLength = 1e-9

// TalkShare is the fraction of the call each role spent speaking.
type TalkShare struct {
	Total       float64 `json:"total"`
	AgentPct    float64 `json:"agent_pct"`
	BorrowerPct float64 `json:"borrower_pct"`
}

// Metrics bundles every timing figure reported for a call.
type Metrics struct {
	CallStart   float64   `json:"call_start"`
	CallEnd     float64   `json:"call_end"`
	OvertalkPct float64   `json:"overtalk_pct"`
	SilencePct  float64   `json:"silence_pct"`
	TalkShare   TalkShare `json:"talk_share"`
}

// CallBounds returns the earliest start and the latest end, or (0, 0) for an
// empty call.
func CallBounds(utterances []transcript.Utterance) (float64, float64) {
	if len(utterances) == 0 {
		return 0, 0
	}
	start, end := utterances[0].Start, utterances[0].End
	for _, u := range utterances[1:] {
		start = math.Min(start, u.Start)
		end = math.Max(end, u.End)
	}
	return start, end
}

func callLength(utterances []transcript.Utterance) float64 {
	start, end := CallBounds(utterances)
	return math.Max(minCallLength, end-start)
}

// OvertalkPercentage is the share of the call during which agent and
// borrower spoke at the same time. Unknown speakers are ignored.
func OvertalkPercentage(utterances []transcript.Utterance) float64 {
	agent := transcript.Intervals(utterances, transcript.SpeakerAgent)
	borrower := transcript.Intervals(utterances, transcript.SpeakerBorrower)
	interval.Sort(agent)
	interval.Sort(borrower)

	overlap := interval.Merge(interval.Intersect(agent, borrower))
	return interval.Duration(overlap) / callLength(utterances) * 100
}

// SilencePercentage is the share of the call during which nobody spoke. An
// empty call has no silence.
func SilencePercentage(utterances []transcript.Utterance) float64 {
	if len(utterances) == 0 {
		return 0
	}
	length := callLength(utterances)
	speaking := interval.Duration(interval.Merge(transcript.Intervals(utterances, transcript.SpeakerAny)))
	silence := math.Max(0, length-speaking)
	return silence / length * 100
}

// ComputeTalkShare measures each role's speaking time against the latest end
// time of the call, counted from zero rather than from the first utterance.
// Overlapping turns of the same role are summed without merging, so the
// percentages can exceed 100.
func ComputeTalkShare(utterances []transcript.Utterance) TalkShare {
	if len(utterances) == 0 {
		return TalkShare{}
	}

	total := utterances[0].End
	var agentTime, borrowerTime float64
	for _, u := range utterances {
		total = math.Max(total, u.End)
		switch u.Speaker {
		case transcript.SpeakerAgent:
			agentTime += u.Duration()
		case transcript.SpeakerBorrower:
			borrowerTime += u.Duration()
		}
	}
	if total <= 0 {
		return TalkShare{}
	}

	return TalkShare{
		Total:       total,
		AgentPct:    agentTime / total * 100,
		BorrowerPct: borrowerTime / total * 100,
	}
}

// Compute returns all timing metrics for a call.
func Compute(utterances []transcript.Utterance) Metrics {
	start, end := CallBounds(utterances)
	return Metrics{
		CallStart:   start,
		CallEnd:     end,
		OvertalkPct: OvertalkPercentage(utterances),
		SilencePct:  SilencePercentage(utterances),
		TalkShare:   ComputeTalkShare(utterances),
	}
}
