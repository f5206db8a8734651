package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/compliance"
	"callaudit/pkg/correlation"
	"callaudit/pkg/metrics"
	"callaudit/pkg/patterns"
	"callaudit/pkg/pii"
	"callaudit/pkg/timeline"
	"callaudit/pkg/transcript"
)

// Analyzer computes a Report from a parsed transcript. It keeps no per-call
// state and is safe for concurrent use.
type Analyzer struct {
	logger          *logrus.Logger
	rulesMutex      sync.RWMutex
	library         *patterns.Library
	evaluator       *compliance.Evaluator
	redactor        *pii.Redactor
	includeTimeline bool
	now             func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRedactor masks personal data in every quoted utterance of the report.
func WithRedactor(r *pii.Redactor) Option {
	return func(a *Analyzer) {
		a.redactor = r
	}
}

// WithTimeline attaches the rendered timeline layout to each report.
func WithTimeline(enabled bool) Option {
	return func(a *Analyzer) {
		a.includeTimeline = enabled
	}
}

// WithClock overrides the time source used for AnalyzedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
	}
}

// NewAnalyzer creates an analyzer over a loaded pattern library.
func NewAnalyzer(logger *logrus.Logger, library *patterns.Library, opts ...Option) *Analyzer {
	a := &Analyzer{
		logger:    logger,
		library:   library,
		evaluator: compliance.NewEvaluator(library),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetLibrary swaps the rules used by later calls. Calls already running keep
// the library they started with.
func (a *Analyzer) SetLibrary(library *patterns.Library) {
	evaluator := compliance.NewEvaluator(library)
	a.rulesMutex.Lock()
	a.library = library
	a.evaluator = evaluator
	a.rulesMutex.Unlock()
}

// ruleSet is the library and evaluator pair one analysis runs against.
type ruleSet struct {
	library   *patterns.Library
	evaluator *compliance.Evaluator
}

func (a *Analyzer) rules() ruleSet {
	a.rulesMutex.RLock()
	defer a.rulesMutex.RUnlock()
	return ruleSet{library: a.library, evaluator: a.evaluator}
}

// Analyze runs every check over t. It never fails; empty transcripts yield
// zero metrics and no violation.
func (a *Analyzer) Analyze(ctx context.Context, t *transcript.Transcript, mode compliance.Mode) *Report {
	return a.analyzeWith(ctx, t, mode, a.rules())
}

func (a *Analyzer) analyzeWith(ctx context.Context, t *transcript.Transcript, mode compliance.Mode, rules ruleSet) *Report {
	done := metrics.ObserveAnalysis(string(mode))
	defer done()

	utterances := t.Utterances
	report := &Report{
		CallID:         t.CallID,
		CorrelationID:  correlation.FromContext(ctx).String(),
		Mode:           mode,
		AnalyzedAt:     a.now(),
		UtteranceCount: len(utterances),
		DroppedRecords: t.Dropped,
		Metrics:        timeline.Compute(utterances),
		Profanity:      rules.library.Profanity.Profanity(utterances),
		Compliance:     rules.evaluator.Evaluate(utterances, mode),
	}
	if a.includeTimeline {
		layout := timeline.BuildLayout(utterances)
		report.Timeline = &layout
	}

	agentHits, borrowerHits := 0, 0
	for _, hit := range report.Profanity.Hits {
		switch hit.Speaker {
		case transcript.SpeakerAgent:
			agentHits++
		case transcript.SpeakerBorrower:
			borrowerHits++
		}
	}
	metrics.RecordCallAnalyzed(string(mode), len(utterances), report.Compliance.Violation, agentHits, borrowerHits)
	metrics.RecordMalformedRecords(t.Dropped)

	correlation.LoggerFromContext(correlation.WithCallID(ctx, t.CallID), a.logger).WithFields(logrus.Fields{
		"mode":         mode,
		"utterances":   len(utterances),
		"violation":    report.Compliance.Violation,
		"overtalk_pct": report.Metrics.OvertalkPct,
		"silence_pct":  report.Metrics.SilencePct,
		"profanity":    len(report.Profanity.Hits),
	}).Debug("Call analyzed")

	if a.redactor != nil {
		return report.redact(a.redactor)
	}
	return report
}
