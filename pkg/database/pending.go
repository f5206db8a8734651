package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/errors"
	"callaudit/pkg/messaging"
)

// PendingStore keeps report messages awaiting AMQP retry in SQLite, so a
// broker outage that spans a restart loses nothing.
type PendingStore struct {
	db     *SQLiteDatabase
	logger *logrus.Logger
}

var _ messaging.MessageStorage = (*PendingStore)(nil)

// NewPendingStore creates a pending message store on db
func NewPendingStore(db *SQLiteDatabase, logger *logrus.Logger) *PendingStore {
	return &PendingStore{db: db, logger: logger}
}

func (p *PendingStore) Store(msg *messaging.PendingMessage) error {
	ctx, cancel := p.db.getContext(context.Background())
	defer cancel()

	_, err := p.db.db.ExecContext(ctx, `
		INSERT INTO pending_messages (
			id, call_id, body, created_at, last_attempt, attempt_count, next_retry_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_attempt  = excluded.last_attempt,
			attempt_count = excluded.attempt_count,
			next_retry_at = excluded.next_retry_at,
			last_error    = excluded.last_error
	`,
		msg.ID, msg.CallID, msg.Body,
		formatTime(msg.CreatedAt), formatTime(msg.LastAttempt),
		msg.AttemptCount, formatTime(msg.NextRetryAt), msg.LastError,
	)
	if err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to store pending message", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	}
	return nil
}

// Due returns pending messages whose retry time is at or before now, in
// retry order. A non-positive limit returns all of them.
func (p *PendingStore) Due(now time.Time, limit int) ([]*messaging.PendingMessage, error) {
	ctx, cancel := p.db.getContext(context.Background())
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := p.db.db.QueryContext(ctx, `
		SELECT id, call_id, body, created_at, last_attempt, attempt_count, next_retry_at, last_error
		FROM pending_messages
		WHERE next_retry_at <= ?
		ORDER BY next_retry_at, created_at
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to query pending messages", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer rows.Close()

	due := make([]*messaging.PendingMessage, 0)
	for rows.Next() {
		var (
			msg                             messaging.PendingMessage
			created, lastAttempt, nextRetry string
			lastError                       sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.CallID, &msg.Body, &created, &lastAttempt,
			&msg.AttemptCount, &nextRetry, &lastError); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending message")
		}
		msg.CreatedAt = parseTime(created)
		msg.LastAttempt = parseTime(lastAttempt)
		msg.NextRetryAt = parseTime(nextRetry)
		msg.LastError = lastError.String
		due = append(due, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read pending messages")
	}
	return due, nil
}

func (p *PendingStore) Delete(id string) error {
	ctx, cancel := p.db.getContext(context.Background())
	defer cancel()

	if _, err := p.db.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE id = ?`, id); err != nil {
		return errors.Wrap(errors.ErrStorageUnavailable, "failed to delete pending message", map[string]interface{}{
			"message_id": id,
			"error":      err.Error(),
		})
	}
	return nil
}

func (p *PendingStore) Count() (int, error) {
	ctx, cancel := p.db.getContext(context.Background())
	defer cancel()

	var count int
	if err := p.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_messages`).Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "failed to count pending messages", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return count, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
