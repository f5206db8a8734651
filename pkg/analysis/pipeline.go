package analysis

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"callaudit/pkg/compliance"
	"callaudit/pkg/correlation"
	"callaudit/pkg/errors"
	"callaudit/pkg/metrics"
	"callaudit/pkg/telemetry/tracing"
	"callaudit/pkg/transcript"
)

// Sink receives every finished report, e.g. to persist or publish it.
// Sink failures are logged and never fail the analysis.
type Sink interface {
	Name() string
	Consume(ctx context.Context, report *Report) error
}

// Skipped describes an input that produced no report.
type Skipped struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// BatchResult holds the reports of a batch in input order.
type BatchResult struct {
	Reports []*Report `json:"reports"`
	Skipped []Skipped `json:"skipped"`
}

// Pipeline parses documents, analyzes them and hands the reports to sinks.
type Pipeline struct {
	logger   *logrus.Logger
	loader   *transcript.Loader
	analyzer *Analyzer
	workers  int
	sinks    []Sink
}

// NewPipeline wires a loader and an analyzer to a set of sinks. workers
// bounds batch concurrency; non-positive means one per CPU.
func NewPipeline(logger *logrus.Logger, loader *transcript.Loader, analyzer *Analyzer, workers int, sinks ...Sink) *Pipeline {
	return &Pipeline{
		logger:   logger,
		loader:   loader,
		analyzer: analyzer,
		workers:  workers,
		sinks:    sinks,
	}
}

// Analyzer returns the pipeline's analyzer.
func (p *Pipeline) Analyzer() *Analyzer {
	return p.analyzer
}

// AnalyzeTranscript analyzes an already parsed transcript and dispatches the
// report to the sinks.
func (p *Pipeline) AnalyzeTranscript(ctx context.Context, t *transcript.Transcript, mode compliance.Mode) *Report {
	scope := tracing.StartCallScope(ctx, t.CallID, tracing.KeyMode.String(string(mode)))
	report := p.analyze(scope, t, mode, p.analyzer.rules())
	scope.End(nil)
	return report
}

// AnalyzeDocument parses doc and analyzes it. callID overrides the ID
// derived from the document name when non-empty.
func (p *Pipeline) AnalyzeDocument(ctx context.Context, doc transcript.Document, callID string, mode compliance.Mode) (*Report, error) {
	return p.analyzeDocument(ctx, doc, callID, mode, p.analyzer.rules())
}

func (p *Pipeline) analyzeDocument(ctx context.Context, doc transcript.Document, callID string, mode compliance.Mode, rules ruleSet) (*Report, error) {
	if callID == "" {
		callID = transcript.CallID(doc.Name)
	}
	scope := tracing.StartCallScope(ctx, callID,
		tracing.KeyMode.String(string(mode)),
		tracing.KeyTranscriptBytes.Int(len(doc.Data)))

	_, span := tracing.StartSpan(scope.Context(), tracing.SpanParse)
	t, err := p.loader.Parse(callID, doc.Data)
	span.End()
	if err != nil {
		metrics.RecordFileSkipped("parse_error")
		scope.End(err)
		return nil, err
	}

	report := p.analyze(scope, t, mode, rules)
	scope.End(nil)
	return report, nil
}

func (p *Pipeline) analyze(scope *tracing.CallScope, t *transcript.Transcript, mode compliance.Mode, rules ruleSet) *Report {
	ctx := scope.Context()
	report := p.analyzer.analyzeWith(ctx, t, mode, rules)
	scope.SetAttributes(
		tracing.KeyUtterances.Int(report.UtteranceCount),
		tracing.KeyViolation.Bool(report.Compliance.Violation),
		tracing.KeyProfanityAgent.Bool(report.Profanity.AgentHas),
		tracing.KeyProfanityBorrower.Bool(report.Profanity.BorrowerHas),
	)
	p.dispatch(ctx, report)
	return report
}

func (p *Pipeline) dispatch(ctx context.Context, report *Report) {
	for _, sink := range p.sinks {
		sinkCtx, span := tracing.StartSpan(ctx, "sink."+sink.Name(), trace.WithAttributes(tracing.KeySink.String(sink.Name())))
		err := sink.Consume(sinkCtx, report)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			correlation.LoggerFromContext(ctx, p.logger).WithError(err).WithFields(logrus.Fields{
				"sink":    sink.Name(),
				"call_id": report.CallID,
			}).Warn("Report sink failed")
		}
		span.End()
	}
}

// RunBatch analyzes docs concurrently. Reports come back in input order with
// unparsable documents listed as skipped. When ctx is canceled the documents
// not yet started are skipped and the error is returned with the partial
// result. Every document in the batch is checked against the rules loaded
// when the batch started, even if they are reloaded meanwhile.
func (p *Pipeline) RunBatch(ctx context.Context, docs []transcript.Document, mode compliance.Mode) (*BatchResult, error) {
	done := metrics.ObserveBatch(len(docs))
	defer done()

	logger := correlation.LoggerFromContext(ctx, p.logger)
	rules := p.analyzer.rules()
	slots := make([]*Report, len(docs))
	failures := make([]error, len(docs))

	pool := NewWorkerPool(p.workers, p.logger)
	if err := pool.Start(); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	var submitErr error
	for i := range docs {
		wg.Add(1)
		err := pool.Submit(ctx, docs[i].Name, func() {
			defer wg.Done()
			if ctx.Err() != nil {
				failures[i] = errors.Wrap(errors.ErrCanceled, "batch canceled before analysis")
				return
			}
			report, err := p.analyzeDocument(ctx, docs[i], "", mode, rules)
			if err != nil {
				failures[i] = err
				return
			}
			slots[i] = report
		})
		if err != nil {
			wg.Done()
			for j := i; j < len(docs); j++ {
				failures[j] = err
			}
			submitErr = err
			break
		}
	}
	wg.Wait()
	pool.Stop()

	result := &BatchResult{
		Reports: make([]*Report, 0, len(docs)),
		Skipped: make([]Skipped, 0),
	}
	for i, doc := range docs {
		switch {
		case slots[i] != nil:
			result.Reports = append(result.Reports, slots[i])
		default:
			err := failures[i]
			if err == nil {
				err = fmt.Errorf("analysis of %s did not complete", doc.Name)
			}
			logger.WithError(err).WithField("file", doc.Name).Warn("Skipping transcript")
			result.Skipped = append(result.Skipped, Skipped{Name: doc.Name, Error: err.Error()})
		}
	}

	stats := pool.GetStats()
	logger.WithFields(logrus.Fields{
		"files":       len(docs),
		"analyzed":    len(result.Reports),
		"skipped":     len(result.Skipped),
		"workers":     pool.WorkerCount(),
		"avg_exec_ms": stats.AverageExecTime,
	}).Info("Batch finished")

	if submitErr != nil {
		return result, submitErr
	}
	if err := ctx.Err(); err != nil {
		return result, errors.Wrap(errors.ErrCanceled, "batch canceled", map[string]interface{}{
			"cause": err.Error(),
		})
	}
	return result, nil
}
