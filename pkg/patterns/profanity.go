package patterns

import "callaudit/pkg/transcript"

// ProfanityReport summarizes which roles used profane language and where.
type ProfanityReport struct {
	AgentHas    bool         `json:"agent_has"`
	BorrowerHas bool         `json:"borrower_has"`
	Hits        []MatchEvent `json:"hits"`
}

// Profanity evaluates the set against every utterance regardless of role and
// flags the roles that produced a hit.
func (ps *PatternSet) Profanity(utterances []transcript.Utterance) ProfanityReport {
	report := ProfanityReport{Hits: ps.Evaluate(utterances, transcript.SpeakerAny)}
	for _, hit := range report.Hits {
		switch hit.Speaker {
		case transcript.SpeakerAgent:
			report.AgentHas = true
		case transcript.SpeakerBorrower:
			report.BorrowerHas = true
		}
	}
	return report
}
