// Package tracing configures OpenTelemetry and opens spans around call
// analysis.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"callaudit/pkg/config"
	"callaudit/pkg/version"
)

const instrumentationName = "callaudit/pkg/telemetry/tracing"

// Span names.
const (
	SpanCall  = "analysis.call"
	SpanParse = "transcript.parse"
)

// Attribute keys recorded on analysis spans.
const (
	KeyCallID            attribute.Key = "call.id"
	KeyMode              attribute.Key = "analysis.mode"
	KeyTranscriptBytes   attribute.Key = "transcript.bytes"
	KeyUtterances        attribute.Key = "transcript.utterances"
	KeyViolation         attribute.Key = "compliance.violation"
	KeyProfanityAgent    attribute.Key = "profanity.agent"
	KeyProfanityBorrower attribute.Key = "profanity.borrower"
	KeySink              attribute.Key = "sink.name"
)

// tracer is looked up on every use so a provider installed after package
// init, including a test recorder, is honored.
func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName, trace.WithInstrumentationVersion(version.Version))
}

// CallScope is the root span of one call's analysis. A nil scope is inert.
type CallScope struct {
	ctx     context.Context
	span    trace.Span
	endOnce sync.Once
}

// StartCallScope opens the root span for analyzing callID.
func StartCallScope(parent context.Context, callID string, attrs ...attribute.KeyValue) *CallScope {
	if parent == nil {
		parent = context.Background()
	}
	attrs = append([]attribute.KeyValue{KeyCallID.String(callID)}, attrs...)
	ctx, span := tracer().Start(parent, SpanCall, trace.WithAttributes(attrs...))
	return &CallScope{ctx: ctx, span: span}
}

// Context returns the context carrying the call span.
func (c *CallScope) Context() context.Context {
	if c == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *CallScope) SetAttributes(attrs ...attribute.KeyValue) {
	if c != nil {
		c.span.SetAttributes(attrs...)
	}
}

// End completes the span, failed when err is non-nil. Later calls are ignored.
func (c *CallScope) End(err error) {
	if c == nil {
		return
	}
	c.endOnce.Do(func() {
		if err != nil {
			c.span.RecordError(err)
			c.span.SetStatus(codes.Error, err.Error())
		} else {
			c.span.SetStatus(codes.Ok, "analyzed")
		}
		c.span.End()
	})
}

// StartSpan opens a child span of whatever span ctx carries.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer().Start(ctx, name, opts...)
}

// Init installs the global tracer provider and W3C propagators. Spans leave
// the process only when tracing is enabled with an OTLP endpoint; an
// exporter that cannot be built is logged and tracing continues locally.
// The returned function flushes pending spans and stops the provider.
func Init(ctx context.Context, cfg config.TracingConfig, logger *logrus.Logger) (func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(sampler(cfg.SampleRatio))}
	if res, err := serviceResource(ctx, cfg.ServiceName); err != nil {
		logger.WithError(err).Warn("Failed to describe tracing resource")
	} else {
		opts = append(opts, sdktrace.WithResource(res))
	}

	var batcher sdktrace.SpanProcessor
	if cfg.Enabled && cfg.Endpoint != "" {
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			logger.WithError(err).WithField("endpoint", cfg.Endpoint).Warn("OTLP exporter unavailable; spans stay in process")
		} else {
			batcher = sdktrace.NewBatchSpanProcessor(exporter)
			opts = append(opts, sdktrace.WithSpanProcessor(batcher))
			logger.WithFields(logrus.Fields{
				"endpoint":     cfg.Endpoint,
				"sample_ratio": cfg.SampleRatio,
			}).Info("Exporting analysis traces")
		}
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(shutdownCtx context.Context) error {
		if batcher != nil {
			if err := batcher.ForceFlush(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to flush analysis traces")
			}
		}
		return provider.Shutdown(shutdownCtx)
	}, nil
}

// sampler keeps the parent's decision and samples new traces at ratio,
// treating an out-of-range ratio as "sample everything".
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func serviceResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "callaudit"
	}
	return resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version.Version),
	))
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}
