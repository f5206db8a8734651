package http

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callaudit/pkg/analysis"
	"callaudit/pkg/compliance"
	"callaudit/pkg/config"
	"callaudit/pkg/correlation"
	"callaudit/pkg/database"
	"callaudit/pkg/patterns"
	"callaudit/pkg/transcript"
)

const threeTurnJSON = `[
  {"speaker": "Agent", "text": "please confirm your date of birth", "stime": 0, "etime": 5},
  {"speaker": "Customer", "text": "it's 1 1 1990", "stime": 5, "etime": 8},
  {"speaker": "Agent", "text": "your balance is $500", "stime": 8, "etime": 12}
]`

const threeTurnYAML = `utterances:
  - speaker: Agent
    text: please confirm your date of birth
    stime: 0
    etime: 5
  - speaker: Customer
    text: it's 1 1 1990
    stime: 5
    etime: 8
  - speaker: Agent
    text: your balance is $500
    stime: 8
    etime: 12
`

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeReloader struct {
	calls int
	err   error
	last  *config.ReloadEvent
}

func (f *fakeReloader) TriggerReload() (*config.ReloadEvent, error) {
	f.calls++
	f.last = &config.ReloadEvent{Timestamp: time.Now(), Success: f.err == nil, TriggerType: "api"}
	if f.err != nil {
		f.last.Error = f.err.Error()
	}
	return f.last, f.err
}

func (f *fakeReloader) LastEvent() *config.ReloadEvent {
	return f.last
}

type testEnv struct {
	server   *Server
	repo     *database.Repository
	reloader *fakeReloader
}

func newTestEnv(t *testing.T, withStore bool) *testEnv {
	t.Helper()
	logger := newTestLogger()
	env := &testEnv{reloader: &fakeReloader{}}

	var sinks []analysis.Sink
	var store ReportStore
	server := NewServer(logger, &Config{Port: 0, MaxUploadBytes: 4096})
	if withStore {
		db, err := database.NewSQLiteDatabase(database.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logger)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		env.repo = database.NewRepository(db, logger)
		sinks = append(sinks, env.repo)
		store = env.repo
		server.SetDatabase(db)
	}

	pipeline := analysis.NewPipeline(logger, transcript.NewLoader(logger),
		analysis.NewAnalyzer(logger, patterns.DefaultLibrary()), 2, sinks...)
	NewAnalysisHandler(logger, pipeline, store, env.reloader, 4096).RegisterHandlers(server)
	server.SetRuleReloader(env.reloader)

	env.server = server
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestAnalyzeJSONBody(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name          string
		query         string
		wantMode      compliance.Mode
		wantViolation bool
	}{
		{"default normal", "?call_id=call_42", compliance.ModeNormal, false},
		{"strict flag", "?call_id=call_42&strict=true", compliance.ModeStrict, true},
		{"mode param", "?call_id=call_42&mode=STRICT", compliance.ModeStrict, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/analyze"+tt.query, strings.NewReader(threeTurnJSON))
			rr := env.do(req)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			var report analysis.Report
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
			assert.Equal(t, "call_42", report.CallID)
			assert.Equal(t, tt.wantMode, report.Mode)
			assert.Equal(t, tt.wantViolation, report.Compliance.Violation)
			assert.InDelta(t, 12.0, report.Metrics.TalkShare.Total, 1e-9)
			assert.NotEmpty(t, rr.Header().Get(correlation.HTTPHeader))
		})
	}
}

func TestAnalyzeYAMLBodyWithoutCallID(t *testing.T) {
	env := newTestEnv(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(threeTurnYAML))
	req.Header.Set(correlation.HTTPHeader, "req-123")
	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var report analysis.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "req-123", report.CallID)
	assert.Equal(t, 3, report.UtteranceCount)
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name       string
		method     string
		url        string
		body       string
		wantStatus int
	}{
		{"wrong method", http.MethodGet, "/api/analyze", "", http.StatusMethodNotAllowed},
		{"empty body", http.MethodPost, "/api/analyze", "  ", http.StatusBadRequest},
		{"bad mode", http.MethodPost, "/api/analyze?mode=lenient", threeTurnJSON, http.StatusBadRequest},
		{"bad strict flag", http.MethodPost, "/api/analyze?strict=maybe", threeTurnJSON, http.StatusBadRequest},
		{"scalar document", http.MethodPost, "/api/analyze", "42", http.StatusUnprocessableEntity},
		{"too large", http.MethodPost, "/api/analyze", strings.Repeat(" ", 5000), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			rr := env.do(httptest.NewRequest(tt.method, tt.url, body))
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
		})
	}
}

func TestAnalyzeZipArchive(t *testing.T) {
	env := newTestEnv(t, false)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"calls/call_a.json": threeTurnJSON,
		"calls/call_b.yaml": threeTurnYAML,
		"calls/broken.json": "42",
		"calls/readme.txt":  "ignored",
	} {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/analyze?strict=true", bytes.NewReader(buf.Bytes()))
	req.Header.Set("Content-Type", "application/zip")
	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result analysis.BatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Len(t, result.Reports, 2)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "calls/broken.json", result.Skipped[0].Name)
	for _, report := range result.Reports {
		assert.Equal(t, compliance.ModeStrict, report.Mode)
		assert.True(t, report.Compliance.Violation)
	}
}

func TestReportsRequireStore(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/reports/call_1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStoredReportsRoundTrip(t *testing.T) {
	env := newTestEnv(t, true)

	for i, strict := range []bool{false, true} {
		url := fmt.Sprintf("/api/analyze?call_id=call_%d&strict=%t", i, strict)
		rr := env.do(httptest.NewRequest(http.MethodPost, url, strings.NewReader(threeTurnJSON)))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/reports/call_1?mode=strict", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var report analysis.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "call_1", report.CallID)
	assert.True(t, report.Compliance.Violation)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/reports/call_1?mode=normal", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/reports?violations=true", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var listing struct {
		Calls []database.CallRecord `json:"calls"`
		Count int                   `json:"count"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Total)
	require.Len(t, listing.Calls, 1)
	assert.Equal(t, "call_1", listing.Calls[0].CallID)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/reports?limit=10", nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	assert.Equal(t, 2, listing.Total)
}

func TestDeleteStoredReports(t *testing.T) {
	env := newTestEnv(t, true)

	rr := env.do(httptest.NewRequest(http.MethodPost, "/api/analyze?call_id=call_9", strings.NewReader(threeTurnJSON)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(httptest.NewRequest(http.MethodDelete, "/api/reports/call_9", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodDelete, "/api/reports/call_9", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/reports/call_9", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodDelete, "/api/reports/", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReloadRules(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(httptest.NewRequest(http.MethodPost, "/api/rules/reload", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, env.reloader.calls)

	var event config.ReloadEvent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &event))
	assert.True(t, event.Success)
	assert.Equal(t, "api", event.TriggerType)

	env.reloader.err = fmt.Errorf("profanity file unreadable")
	rr = env.do(httptest.NewRequest(http.MethodPost, "/api/rules/reload", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/rules/reload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestReloadRulesDisabled(t *testing.T) {
	logger := newTestLogger()
	server := NewServer(logger, nil)
	pipeline := analysis.NewPipeline(logger, transcript.NewLoader(logger),
		analysis.NewAnalyzer(logger, patterns.DefaultLibrary()), 1)
	NewAnalysisHandler(logger, pipeline, nil, nil, 0).RegisterHandlers(server)

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/rules/reload", nil))
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)
}

var _ ReportStore = (*database.Repository)(nil)
