package analysis

import (
	"context"

	"callaudit/pkg/compliance"
	"callaudit/pkg/errors"
	"callaudit/pkg/metrics"
)

// AuditSink appends each verdict to a tamper-evident audit chain.
type AuditSink struct {
	chain *compliance.AuditChain
}

// NewAuditSink wraps an opened chain as a report sink.
func NewAuditSink(chain *compliance.AuditChain) *AuditSink {
	return &AuditSink{chain: chain}
}

func (s *AuditSink) Name() string {
	return "audit"
}

func (s *AuditSink) Consume(ctx context.Context, report *Report) error {
	entry := compliance.NewAuditEntry(report.CallID, report.CorrelationID, report.Compliance)
	if err := s.chain.Append(entry); err != nil {
		metrics.RecordAuditRecord("error")
		return errors.Wrap(err, "failed to append audit record").
			WithField("call_id", report.CallID).
			WithField("path", s.chain.Path())
	}
	metrics.RecordAuditRecord("success")
	return nil
}
