package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callaudit/pkg/analysis"
	"callaudit/pkg/errors"
	"callaudit/pkg/metrics"
)

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository provides report persistence operations
type Repository struct {
	db     *SQLiteDatabase
	logger *logrus.Logger
	now    func() time.Time
}

// NewRepository creates a new repository
func NewRepository(db *SQLiteDatabase, logger *logrus.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the repository when used as a report sink
func (r *Repository) Name() string {
	return "sqlite"
}

// Consume stores report, replacing an earlier report for the same call and
// mode
func (r *Repository) Consume(ctx context.Context, report *analysis.Report) error {
	return r.SaveReport(ctx, report)
}

const recordColumns = `id, call_id, mode, correlation_id, violation, reason, overtalk_pct,
	silence_pct, agent_profanity, borrower_profanity, analyzed_at, created_at, updated_at`

// SaveReport upserts a report keyed by call ID and mode
func (r *Repository) SaveReport(ctx context.Context, report *analysis.Report) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordReportPersisted(status)
	}()

	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	now := r.now().UTC().Format(timeLayout)
	query := `
		INSERT INTO call_reports (
			id, call_id, mode, correlation_id, violation, reason, overtalk_pct,
			silence_pct, agent_profanity, borrower_profanity, analyzed_at,
			report_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id, mode) DO UPDATE SET
			correlation_id     = excluded.correlation_id,
			violation          = excluded.violation,
			reason             = excluded.reason,
			overtalk_pct       = excluded.overtalk_pct,
			silence_pct        = excluded.silence_pct,
			agent_profanity    = excluded.agent_profanity,
			borrower_profanity = excluded.borrower_profanity,
			analyzed_at        = excluded.analyzed_at,
			report_json        = excluded.report_json,
			updated_at         = excluded.updated_at
	`

	_, err = r.db.db.ExecContext(ctx, query,
		uuid.New().String(), report.CallID, string(report.Mode), report.CorrelationID,
		report.Compliance.Violation, report.Compliance.Reason,
		report.Metrics.OvertalkPct, report.Metrics.SilencePct,
		report.Profanity.AgentHas, report.Profanity.BorrowerHas,
		report.AnalyzedAt.UTC().Format(timeLayout),
		string(raw), now, now,
	)
	if err != nil {
		r.logger.WithError(err).WithField("call_id", report.CallID).Error("Failed to save report")
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to save report", map[string]interface{}{
			"call_id": report.CallID,
			"error":   err.Error(),
		})
	}

	r.logger.WithFields(logrus.Fields{
		"call_id": report.CallID,
		"mode":    report.Mode,
	}).Debug("Report saved")
	return nil
}

// GetReport loads the stored report for callID. An empty mode returns the
// most recently analyzed report in any mode.
func (r *Repository) GetReport(ctx context.Context, callID, mode string) (*analysis.Report, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	query := `SELECT report_json FROM call_reports WHERE call_id = ?`
	args := []interface{}{callID}
	if mode != "" {
		query += ` AND mode = ?`
		args = append(args, mode)
	}
	query += ` ORDER BY analyzed_at DESC LIMIT 1`

	var raw string
	err := r.db.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewReportNotFound(callID)
		}
		r.logger.WithError(err).WithField("call_id", callID).Error("Failed to get report")
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to get report", map[string]interface{}{
			"call_id": callID,
			"error":   err.Error(),
		})
	}

	var report analysis.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("failed to decode stored report: %w", err)
	}
	return &report, nil
}

// ListCalls returns summary rows matching filters, newest first, with the
// total count ignoring pagination
func (r *Repository) ListCalls(ctx context.Context, filters CallFilters) ([]*CallRecord, int, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	where, args := buildCallFilter(filters)

	var total int
	if err := r.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_reports"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count reports: %w", err)
	}

	query := "SELECT " + recordColumns + " FROM call_reports" + where + " ORDER BY analyzed_at DESC, call_id"
	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filters.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filters.Offset)
	}

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list reports")
		return nil, 0, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	records := make([]*CallRecord, 0)
	for rows.Next() {
		record, err := scanCallRecord(rows)
		if err != nil {
			r.logger.WithError(err).Error("Failed to scan report row")
			continue
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read report rows: %w", err)
	}

	return records, total, nil
}

// DeleteReport removes every stored report for callID
func (r *Repository) DeleteReport(ctx context.Context, callID string) error {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	result, err := r.db.db.ExecContext(ctx, `DELETE FROM call_reports WHERE call_id = ?`, callID)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NewReportNotFound(callID)
	}
	return nil
}

func buildCallFilter(filters CallFilters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filters.Mode != "" {
		conditions = append(conditions, "mode = ?")
		args = append(args, filters.Mode)
	}
	if filters.ViolationsOnly {
		conditions = append(conditions, "violation = 1")
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanCallRecord(rows *sql.Rows) (*CallRecord, error) {
	var (
		record                      CallRecord
		correlationID, reason       sql.NullString
		analyzedAt, created, update string
	)
	err := rows.Scan(
		&record.ID, &record.CallID, &record.Mode, &correlationID,
		&record.Violation, &reason, &record.OvertalkPct, &record.SilencePct,
		&record.AgentProfanity, &record.BorrowerProfanity,
		&analyzedAt, &created, &update,
	)
	if err != nil {
		return nil, err
	}

	record.CorrelationID = correlationID.String
	record.Reason = reason.String
	record.AnalyzedAt, _ = time.Parse(timeLayout, analyzedAt)
	record.CreatedAt, _ = time.Parse(timeLayout, created)
	record.UpdatedAt, _ = time.Parse(timeLayout, update)
	return &record, nil
}
