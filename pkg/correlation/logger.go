package correlation

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// ContextFields returns the log fields identifying the work carried by ctx:
// correlation and call IDs, plus trace and span IDs when a span is recording.
func ContextFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if ctx == nil {
		return fields
	}

	if id := FromContext(ctx); !id.IsEmpty() {
		fields["correlation_id"] = id.String()
	}
	if callID := CallIDFromContext(ctx); callID != "" {
		fields["call_id"] = callID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	return fields
}

// LoggerFromContext returns an entry of logger carrying ContextFields(ctx).
func LoggerFromContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(ContextFields(ctx))
}
