package http

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/analysis"
	"callaudit/pkg/compliance"
	"callaudit/pkg/config"
	"callaudit/pkg/correlation"
	"callaudit/pkg/database"
	"callaudit/pkg/errors"
	"callaudit/pkg/transcript"
)

// ReportStore reads and deletes persisted reports.
type ReportStore interface {
	GetReport(ctx context.Context, callID, mode string) (*analysis.Report, error)
	ListCalls(ctx context.Context, filters database.CallFilters) ([]*database.CallRecord, int, error)
	DeleteReport(ctx context.Context, callID string) error
}

// RuleReloader reloads the pattern library on demand.
type RuleReloader interface {
	TriggerReload() (*config.ReloadEvent, error)
	LastEvent() *config.ReloadEvent
}

var zipMagic = []byte("PK\x03\x04")

// AnalysisHandler serves the analysis and report APIs
type AnalysisHandler struct {
	logger         *logrus.Logger
	pipeline       *analysis.Pipeline
	store          ReportStore
	reloader       RuleReloader
	maxUploadBytes int64
}

// NewAnalysisHandler creates a handler. store and reloader may be nil when
// persistence or rule reloading is disabled.
func NewAnalysisHandler(logger *logrus.Logger, pipeline *analysis.Pipeline, store ReportStore, reloader RuleReloader, maxUploadBytes int64) *AnalysisHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = NewDefaultConfig().MaxUploadBytes
	}
	return &AnalysisHandler{
		logger:         logger,
		pipeline:       pipeline,
		store:          store,
		reloader:       reloader,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterHandlers registers the API endpoints with the server
func (h *AnalysisHandler) RegisterHandlers(server *Server) {
	server.RegisterHandler("/api/analyze", h.handleAnalyze)
	server.RegisterHandler("/api/reports", h.handleListReports)
	server.RegisterHandler("/api/reports/", h.handleReport)
	server.RegisterHandler("/api/rules/reload", h.handleReloadRules)
}

// requestMode reads ?mode=normal|strict, falling back to ?strict=true.
func requestMode(r *http.Request) (compliance.Mode, error) {
	query := r.URL.Query()
	if mode := query.Get("mode"); mode != "" {
		return compliance.ParseMode(mode)
	}
	if raw := query.Get("strict"); raw != "" {
		strict, err := strconv.ParseBool(raw)
		if err != nil {
			return "", errors.NewInvalidInput("strict must be a boolean", map[string]interface{}{"strict": raw})
		}
		return compliance.ModeFor(strict), nil
	}
	return compliance.ModeNormal, nil
}

// handleAnalyze analyzes one transcript (JSON or YAML body) or, for a zip
// body, every transcript in the archive.
func (h *AnalysisHandler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mode, err := requestMode(r)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
				"error": "upload exceeds size limit",
				"limit": tooLarge.Limit,
			})
			return
		}
		errors.WriteError(w, errors.Wrap(err, "failed to read request body"))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		errors.WriteError(w, errors.NewInvalidInput("request body is empty"))
		return
	}

	ctx := r.Context()
	logger := correlation.LoggerFromContext(ctx, h.logger)

	if isZipUpload(r, body) {
		docs, err := transcript.ReadZipBytes(body)
		if err != nil {
			logger.WithError(err).Warn("Failed to read uploaded archive")
			errors.WriteError(w, err)
			return
		}
		result, err := h.pipeline.RunBatch(ctx, docs, mode)
		if err != nil {
			errors.WriteError(w, err)
			return
		}
		logger.WithFields(logrus.Fields{
			"reports": len(result.Reports),
			"skipped": len(result.Skipped),
			"mode":    mode,
		}).Info("Archive analyzed")
		writeJSON(w, http.StatusOK, result)
		return
	}

	callID := strings.TrimSpace(r.URL.Query().Get("call_id"))
	if callID == "" {
		callID = correlation.FromContextOrNew(ctx).String()
	}
	ctx = correlation.WithCallID(ctx, callID)

	report, err := h.pipeline.AnalyzeDocument(ctx, transcript.Document{Name: callID, Data: body}, callID, mode)
	if err != nil {
		logger.WithError(err).WithField("call_id", callID).Warn("Failed to analyze transcript")
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func isZipUpload(r *http.Request, body []byte) bool {
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "zip") {
		return true
	}
	return bytes.HasPrefix(body, zipMagic)
}

// handleReport serves GET and DELETE /api/reports/{call_id}?mode=
func (h *AnalysisHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		errors.WriteError(w, errors.Wrap(errors.ErrUnavailable, "report storage is disabled"))
		return
	}

	callID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/reports/"), "/")
	if r.Method == http.MethodDelete {
		h.deleteReport(w, r, callID)
		return
	}
	if callID == "" {
		h.handleListReports(w, r)
		return
	}

	var mode string
	if raw := r.URL.Query().Get("mode"); raw != "" {
		parsed, err := compliance.ParseMode(raw)
		if err != nil {
			errors.WriteError(w, err)
			return
		}
		mode = string(parsed)
	}

	report, err := h.store.GetReport(r.Context(), callID, mode)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *AnalysisHandler) deleteReport(w http.ResponseWriter, r *http.Request, callID string) {
	if callID == "" {
		errors.WriteError(w, errors.NewInvalidInput("call_id is required"))
		return
	}
	if err := h.store.DeleteReport(r.Context(), callID); err != nil {
		errors.WriteError(w, err)
		return
	}

	logger := correlation.LoggerFromContext(r.Context(), h.logger).WithField("call_id", callID)
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		logger = logger.WithField("principal", principal.Name)
	}
	logger.Info("Stored reports deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleListReports serves GET /api/reports?mode=&violations=&limit=&offset=
func (h *AnalysisHandler) handleListReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		errors.WriteError(w, errors.Wrap(errors.ErrUnavailable, "report storage is disabled"))
		return
	}

	query := r.URL.Query()
	filters := database.CallFilters{}
	if mode := query.Get("mode"); mode != "" {
		parsed, err := compliance.ParseMode(mode)
		if err != nil {
			errors.WriteError(w, err)
			return
		}
		filters.Mode = string(parsed)
	}
	filters.ViolationsOnly, _ = strconv.ParseBool(query.Get("violations"))
	filters.Limit, _ = strconv.Atoi(query.Get("limit"))
	filters.Offset, _ = strconv.Atoi(query.Get("offset"))

	records, total, err := h.store.ListCalls(r.Context(), filters)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls": records,
		"count": len(records),
		"total": total,
	})
}

// handleReloadRules serves POST /api/rules/reload
func (h *AnalysisHandler) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.reloader == nil {
		errors.WriteError(w, errors.Wrap(errors.ErrFailedPrecondition, "rule reloading is disabled"))
		return
	}

	logger := correlation.LoggerFromContext(r.Context(), h.logger)
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		logger = logger.WithField("principal", principal.Name)
	}

	event, err := h.reloader.TriggerReload()
	if err != nil {
		logger.WithError(err).Warn("Rule reload requested over HTTP failed")
		writeJSON(w, http.StatusInternalServerError, event)
		return
	}
	logger.Info("Rules reloaded over HTTP")
	writeJSON(w, http.StatusOK, event)
}
