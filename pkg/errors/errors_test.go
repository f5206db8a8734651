package errors

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordsCaller(t *testing.T) {
	err := New("rule file unreadable")
	require.NotNil(t, err)

	assert.Equal(t, "rule file unreadable", err.Error())
	assert.True(t, strings.HasPrefix(err.Location(), "errors_test.go:"), err.Location())
}

func TestWrap(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap(base, "failed to save report", map[string]interface{}{"call_id": "c1"})
	require.NotNil(t, err)

	assert.Equal(t, "failed to save report: disk full", err.Error())
	assert.Equal(t, base, errors.Unwrap(err))
	assert.Equal(t, "c1", err.Fields()["call_id"])

	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestWithFieldsCopies(t *testing.T) {
	base := NewInvalidInput("bad mode")
	derived := base.WithField("mode", "lenient")
	multi := derived.WithFields(map[string]interface{}{"source": "query"})

	assert.Empty(t, base.Fields())
	assert.Len(t, derived.Fields(), 1)
	assert.Len(t, multi.Fields(), 2)
	assert.Equal(t, "INVALID_INPUT", multi.Code)
	assert.True(t, errors.Is(multi, ErrInvalidInput))
}

func TestSentinelConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		target error
		code   string
	}{
		{"invalid input", NewInvalidInput("bad"), ErrInvalidInput, "INVALID_INPUT"},
		{"invalid utterance", NewInvalidUtterance("stime is NaN"), ErrInvalidUtterance, "INVALID_UTTERANCE"},
		{"unsupported format", NewUnsupportedFormat("scalar document"), ErrUnsupportedFormat, "UNSUPPORTED_FORMAT"},
		{"report not found", NewReportNotFound("call-1"), ErrReportNotFound, "REPORT_NOT_FOUND"},
		{"rate limited", NewRateLimited(), ErrRateLimited, "RATE_LIMITED"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, IsErrorType(tc.err, tc.target))
			assert.Equal(t, tc.code, CodeOf(tc.err))
			assert.Equal(t, tc.code, CodeOf(fmt.Errorf("outer: %w", tc.err)))
			assert.True(t, strings.HasPrefix(tc.err.Location(), "errors_test.go:"), tc.err.Location())
		})
	}

	assert.Equal(t, "call-1", NewReportNotFound("call-1").Fields()["call_id"])
	assert.Empty(t, CodeOf(errors.New("plain")))
}

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", ErrInvalidInput, http.StatusBadRequest},
		{"wrapped report", Wrap(NewReportNotFound("123"), "lookup failed"), http.StatusNotFound},
		{"unsupported format", NewUnsupportedFormat("number"), http.StatusUnprocessableEntity},
		{"joined", errors.Join(errors.New("first"), ErrRateLimited), http.StatusTooManyRequests},
		{"storage", Wrap(ErrStorageUnavailable, "ping failed"), http.StatusServiceUnavailable},
		{"unknown", errors.New("unknown"), http.StatusInternalServerError},
		{"nil", nil, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatusFromError(tc.err))
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"structured", NewInvalidInput("bad mode").WithField("mode", "x"), http.StatusBadRequest, `"code": "INVALID_INPUT"`},
		{"plain sentinel", ErrForbidden, http.StatusForbidden, `"error": "forbidden"`},
		{"context fields", NewReportNotFound("123"), http.StatusNotFound, `"call_id": "123"`},
		{"nil", nil, http.StatusInternalServerError, `"error": "Unknown error"`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tc.wantBody)
		})
	}
}
