package correlation

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNew_GeneratesUniqueUUIDs(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 500; i++ {
		id := New()
		_, err := uuid.Parse(id.String())
		require.NoError(t, err)
		assert.False(t, seen[id], "Generated ID should be unique")
		seen[id] = true
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		raw  string
		want ID
	}{
		{"run-42", "run-42"},
		{"", ""},
		{"has space", ""},
		{"line\nbreak", ""},
		{"caf\u00e9", ""},
		{strings.Repeat("a", MaxIDLength), ID(strings.Repeat("a", MaxIDLength))},
		{strings.Repeat("a", MaxIDLength+1), ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.raw), "%q", tt.raw)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	ctx = WithCallID(ctx, "call_007")

	assert.Equal(t, ID("abc"), FromContext(ctx))
	assert.Equal(t, ID("abc"), FromContextOrNew(ctx))
	assert.Equal(t, "call_007", CallIDFromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	assert.True(t, FromContext(context.Background()).IsEmpty())
	assert.True(t, FromContext(nil).IsEmpty())
	assert.Empty(t, CallIDFromContext(context.Background()))
	assert.False(t, FromContextOrNew(context.Background()).IsEmpty())
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx := WithCallID(WithCorrelationID(context.Background(), "run-1"), "call-9")
	LoggerFromContext(ctx, logger).Info("analyzed")

	assert.Contains(t, buf.String(), `"correlation_id":"run-1"`)
	assert.Contains(t, buf.String(), `"call_id":"call-9"`)
}

func TestContextFieldsIncludeSpan(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(WithCorrelationID(context.Background(), "run-2"), sc)

	fields := ContextFields(ctx)
	assert.Equal(t, "run-2", fields["correlation_id"])
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])

	assert.Empty(t, ContextFields(context.Background()))
}

func TestMiddleware_GeneratesCorrelationID(t *testing.T) {
	var seen ID
	handler := Middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.False(t, seen.IsEmpty())
	assert.Equal(t, seen.String(), rec.Header().Get(HTTPHeader))
}

func TestMiddleware_ReplacesMalformedHeader(t *testing.T) {
	var seen ID
	handler := Middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HTTPHeader, "bad id\twith tabs")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	_, err := uuid.Parse(seen.String())
	assert.NoError(t, err)
}

func TestMiddleware_ReusesClientHeaders(t *testing.T) {
	for _, header := range []string{HTTPHeader, HTTPRequestIDHeader} {
		var seen ID
		handler := Middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = FromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(header, "client-id")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, ID("client-id"), seen, header)
	}
}

func TestMiddleware_LogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	handler := Middleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Contains(t, buf.String(), "Request rejected")
	assert.Contains(t, buf.String(), "status=404")
}
