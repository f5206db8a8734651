package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"callaudit/pkg/compliance"
	"callaudit/pkg/transcript"
)

func TestAnalyzeDocumentTraces(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	p := newTestPipeline(1, &recordingSink{fail: true})

	_, err := p.AnalyzeDocument(context.Background(), callDoc("call_3.json", 0), "", compliance.ModeStrict)
	require.NoError(t, err)
	_, err = p.AnalyzeDocument(context.Background(), transcript.Document{Name: "bad.json", Data: []byte(`"text"`)}, "", compliance.ModeNormal)
	require.Error(t, err)

	byName := make(map[string][]sdktrace.ReadOnlySpan)
	for _, span := range recorder.Ended() {
		byName[span.Name()] = append(byName[span.Name()], span)
	}

	require.Len(t, byName["analysis.call"], 2)
	require.Len(t, byName["transcript.parse"], 2)
	require.Len(t, byName["sink.recording"], 1)

	ok, failed := byName["analysis.call"][0], byName["analysis.call"][1]
	assert.Contains(t, ok.Attributes(), attribute.String("call.id", "call_3"))
	assert.Contains(t, ok.Attributes(), attribute.String("analysis.mode", "strict"))
	assert.Contains(t, ok.Attributes(), attribute.Int("transcript.utterances", 1))
	assert.Equal(t, codes.Ok, ok.Status().Code)
	assert.Equal(t, codes.Error, failed.Status().Code)

	sink := byName["sink.recording"][0]
	assert.Equal(t, codes.Error, sink.Status().Code)
	assert.Equal(t, ok.SpanContext().SpanID(), sink.Parent().SpanID())
}
