package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callaudit/pkg/compliance"
	"callaudit/pkg/correlation"
	"callaudit/pkg/patterns"
	"callaudit/pkg/pii"
	"callaudit/pkg/transcript"
)

func testLibrary() *patterns.Library {
	lib := patterns.DefaultLibrary()
	lib.Profanity = patterns.New(patterns.SetProfanity, `\bidiot\b`, `f[au]ck`)
	return lib
}

func threeTurnTranscript() *transcript.Transcript {
	return &transcript.Transcript{
		CallID: "call_001",
		Utterances: []transcript.Utterance{
			{Speaker: transcript.SpeakerAgent, Start: 0, End: 5, Text: "please confirm your date of birth"},
			{Speaker: transcript.SpeakerBorrower, Start: 5, End: 8, Text: "it's 1 1 1990"},
			{Speaker: transcript.SpeakerAgent, Start: 8, End: 12, Text: "your balance is $500"},
		},
	}
}

func TestAnalyzeThreeTurnCall(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	analyzer := NewAnalyzer(newTestLogger(), testLibrary(), WithClock(func() time.Time { return fixed }))

	ctx := correlation.WithCorrelationID(context.Background(), "run-1")
	report := analyzer.Analyze(ctx, threeTurnTranscript(), compliance.ModeNormal)

	assert.Equal(t, "call_001", report.CallID)
	assert.Equal(t, "run-1", report.CorrelationID)
	assert.Equal(t, fixed, report.AnalyzedAt)
	assert.Equal(t, 3, report.UtteranceCount)

	assert.InDelta(t, 0.0, report.Metrics.OvertalkPct, 1e-9)
	assert.InDelta(t, 0.0, report.Metrics.SilencePct, 1e-9)
	assert.Equal(t, 12.0, report.Metrics.TalkShare.Total)
	assert.InDelta(t, 75.0, report.Metrics.TalkShare.AgentPct, 1e-9)
	assert.InDelta(t, 25.0, report.Metrics.TalkShare.BorrowerPct, 1e-9)

	assert.False(t, report.Compliance.Violation)
	assert.Equal(t, 0.0, *report.Compliance.VerifyTime)
	assert.Equal(t, 8.0, *report.Compliance.DiscloseTime)
	assert.Empty(t, report.Profanity.Hits)
	assert.Nil(t, report.Timeline)

	strict := analyzer.Analyze(ctx, threeTurnTranscript(), compliance.ModeStrict)
	assert.True(t, strict.Compliance.Violation)
	assert.Nil(t, strict.Compliance.VerifyTime)
	assert.Equal(t, "Disclosure occurred and no prior verification detected.", strict.Compliance.Reason)
}

func TestAnalyzeEmptyTranscript(t *testing.T) {
	analyzer := NewAnalyzer(newTestLogger(), testLibrary())
	report := analyzer.Analyze(context.Background(), &transcript.Transcript{CallID: "empty"}, compliance.ModeStrict)

	assert.Equal(t, 0, report.UtteranceCount)
	assert.Equal(t, 0.0, report.Metrics.OvertalkPct)
	assert.Equal(t, 0.0, report.Metrics.SilencePct)
	assert.False(t, report.Compliance.Violation)
	assert.False(t, report.Profanity.AgentHas)
}

func TestAnalyzeWithTimeline(t *testing.T) {
	analyzer := NewAnalyzer(newTestLogger(), testLibrary(), WithTimeline(true))
	report := analyzer.Analyze(context.Background(), threeTurnTranscript(), compliance.ModeNormal)

	require.NotNil(t, report.Timeline)
	assert.Len(t, report.Timeline.Speech, 3)
	assert.Equal(t, 12.0, report.Timeline.Total)
}

func TestAnalyzeRedactsEvidence(t *testing.T) {
	redactor := pii.NewRedactor(newTestLogger(), pii.DefaultConfig())
	analyzer := NewAnalyzer(newTestLogger(), testLibrary(), WithRedactor(redactor))

	tr := &transcript.Transcript{
		CallID: "redact",
		Utterances: []transcript.Utterance{
			{Speaker: transcript.SpeakerAgent, Start: 0, End: 3, Text: "your balance is due, email jane@example.com"},
			{Speaker: transcript.SpeakerBorrower, Start: 3, End: 5, Text: "you idiot, call 555-867-5309"},
		},
	}
	report := analyzer.Analyze(context.Background(), tr, compliance.ModeNormal)

	assert.True(t, report.Redacted)
	require.Len(t, report.Profanity.Hits, 1)
	assert.Equal(t, "you idiot, call ***-***-5309", report.Profanity.Hits[0].Text)
	require.NotEmpty(t, report.Compliance.Examples)
	assert.Contains(t, report.Compliance.Examples[0].Text, "j**e@example.com")

	// the transcript itself is not modified
	assert.Contains(t, tr.Utterances[1].Text, "555-867-5309")
}

func TestAnalyzerSetLibrary(t *testing.T) {
	analyzer := NewAnalyzer(newTestLogger(), testLibrary())
	tr := &transcript.Transcript{
		CallID: "swap",
		Utterances: []transcript.Utterance{
			{Speaker: transcript.SpeakerBorrower, Start: 0, End: 2, Text: "well darn"},
		},
	}
	assert.Empty(t, analyzer.Analyze(context.Background(), tr, compliance.ModeNormal).Profanity.Hits)

	lib := testLibrary()
	lib.Profanity = patterns.New(patterns.SetProfanity, "darn")
	analyzer.SetLibrary(lib)

	report := analyzer.Analyze(context.Background(), tr, compliance.ModeNormal)
	assert.True(t, report.Profanity.BorrowerHas)
	assert.False(t, report.Profanity.AgentHas)
}
