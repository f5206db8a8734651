package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callaudit/pkg/analysis"
	"callaudit/pkg/correlation"
	"callaudit/pkg/errors"
)

// ReportMessage is the JSON body published for every analyzed call. The
// flat fields let consumers route on the verdict without decoding the full
// report.
type ReportMessage struct {
	MessageID     string           `json:"message_id"`
	CallID        string           `json:"call_id"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Mode          string           `json:"mode"`
	Violation     bool             `json:"violation"`
	Profanity     bool             `json:"profanity"`
	PublishedAt   time.Time        `json:"published_at"`
	Report        *analysis.Report `json:"report"`
}

// DeliveryConfig holds retry settings for report publication
type DeliveryConfig struct {
	MaxRetries        int           // Attempts after the first before dead-lettering
	InitialRetryDelay time.Duration // Delay before the first retry
	MaxRetryDelay     time.Duration // Upper bound on the retry delay
	BackoffMultiplier float64       // Growth factor between retries
	MessageTimeout    time.Duration // Age after which a message is given up
	RetryInterval     time.Duration // How often due retries are attempted
	BatchSize         int           // Messages examined per retry pass
}

// DefaultDeliveryConfig returns default configuration for report delivery
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:        5,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     30 * time.Second,
		BackoffMultiplier: 2.0,
		MessageTimeout:    30 * time.Minute,
		RetryInterval:     1 * time.Second,
		BatchSize:         100,
	}
}

// DeliveryStats counts publication outcomes
type DeliveryStats struct {
	Published    int64     `json:"published"`
	Retried      int64     `json:"retried"`
	DeadLettered int64     `json:"dead_lettered"`
	Dropped      int64     `json:"dropped"`
	LastDelivery time.Time `json:"last_delivery"`
}

// ReportPublisher publishes analysis reports to AMQP. A report that cannot
// be published is kept and retried with exponential backoff, then sent to
// the dead letter queue.
type ReportPublisher struct {
	logger    *logrus.Logger
	publisher Publisher
	storage   MessageStorage
	config    DeliveryConfig
	now       func() time.Time

	statsMutex sync.Mutex
	stats      DeliveryStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReportPublisher creates a publisher. A nil storage uses memory.
func NewReportPublisher(logger *logrus.Logger, publisher Publisher, storage MessageStorage, cfg *DeliveryConfig) *ReportPublisher {
	if cfg == nil {
		defaultCfg := DefaultDeliveryConfig()
		cfg = &defaultCfg
	}
	if storage == nil {
		storage = NewMemoryMessageStorage()
	}

	return &ReportPublisher{
		logger:    logger,
		publisher: publisher,
		storage:   storage,
		config:    *cfg,
		now:       time.Now,
	}
}

// Name identifies the sink in logs
func (p *ReportPublisher) Name() string {
	return "amqp"
}

// Consume publishes report. On failure the message is queued for retry and
// the error is returned for logging.
func (p *ReportPublisher) Consume(ctx context.Context, report *analysis.Report) error {
	body := ReportMessage{
		MessageID:     uuid.NewString(),
		CallID:        report.CallID,
		CorrelationID: report.CorrelationID,
		Mode:          string(report.Mode),
		Violation:     report.Compliance.Violation,
		Profanity:     report.Profanity.AgentHas || report.Profanity.BorrowerHas,
		PublishedAt:   p.now().UTC(),
		Report:        report,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal report message", map[string]interface{}{
			"call_id": report.CallID,
		})
	}

	msg := &PendingMessage{
		ID:        body.MessageID,
		CallID:    report.CallID,
		Body:      raw,
		CreatedAt: p.now(),
	}

	logger := correlation.LoggerFromContext(ctx, p.logger).WithField("message_id", msg.ID)
	if err := p.attempt(ctx, msg); err != nil {
		p.scheduleRetry(msg, err, logger)
		return err
	}
	return nil
}

func (p *ReportPublisher) attempt(ctx context.Context, msg *PendingMessage) error {
	msg.LastAttempt = p.now()
	msg.AttemptCount++

	if p.publisher == nil || !p.publisher.IsConnected() {
		return errors.Wrap(errors.ErrUnavailable, "AMQP client is not connected")
	}
	if err := p.publisher.Publish(ctx, msg.message()); err != nil {
		return err
	}

	p.statsMutex.Lock()
	p.stats.Published++
	p.stats.LastDelivery = p.now()
	p.statsMutex.Unlock()
	return nil
}

// scheduleRetry stores msg with its next retry time
func (p *ReportPublisher) scheduleRetry(msg *PendingMessage, err error, logger *logrus.Entry) {
	delay := p.calculateRetryDelay(msg.AttemptCount)
	msg.NextRetryAt = p.now().Add(delay)
	msg.LastError = err.Error()

	logger.WithFields(logrus.Fields{
		"call_id":       msg.CallID,
		"attempt_count": msg.AttemptCount,
		"next_retry_at": msg.NextRetryAt,
	}).WithError(err).Warn("Report publication failed, scheduling retry")

	if storeErr := p.storage.Store(msg); storeErr != nil {
		logger.WithError(storeErr).Error("Failed to store pending report message")
	}
}

// calculateRetryDelay grows the delay geometrically from InitialRetryDelay
func (p *ReportPublisher) calculateRetryDelay(attemptCount int) time.Duration {
	delay := float64(p.config.InitialRetryDelay)
	for i := 1; i < attemptCount; i++ {
		delay *= p.config.BackoffMultiplier
		if delay > float64(p.config.MaxRetryDelay) {
			break
		}
	}
	if delay > float64(p.config.MaxRetryDelay) {
		delay = float64(p.config.MaxRetryDelay)
	}
	return time.Duration(delay)
}

// Start launches the background retry processor
func (p *ReportPublisher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.config.RetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProcessRetries(ctx)
			}
		}
	}()

	p.logger.WithFields(logrus.Fields{
		"max_retries":    p.config.MaxRetries,
		"retry_interval": p.config.RetryInterval,
	}).Info("Report publisher started")
}

// Stop halts the retry processor. Pending messages stay in storage.
func (p *ReportPublisher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()

	pending, _ := p.storage.Count()
	p.logger.WithField("pending", pending).Info("Report publisher stopped")
}

// ProcessRetries attempts every pending message whose retry time has come
// and returns how many were delivered.
func (p *ReportPublisher) ProcessRetries(ctx context.Context) int {
	now := p.now()
	messages, err := p.storage.Due(now, p.config.BatchSize)
	if err != nil {
		p.logger.WithError(err).Error("Failed to retrieve pending report messages")
		return 0
	}

	delivered := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return delivered
		}

		logger := p.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"call_id":    msg.CallID,
		})

		if now.Sub(msg.CreatedAt) > p.config.MessageTimeout {
			p.handleFailedMessage(ctx, msg, fmt.Errorf("message timeout exceeded"), logger)
			continue
		}

		p.statsMutex.Lock()
		p.stats.Retried++
		p.statsMutex.Unlock()

		if err := p.attempt(ctx, msg); err != nil {
			if msg.AttemptCount > p.config.MaxRetries {
				p.handleFailedMessage(ctx, msg, fmt.Errorf("exceeded maximum retries (%d): %w", p.config.MaxRetries, err), logger)
				continue
			}
			p.scheduleRetry(msg, err, logger)
			continue
		}

		delivered++
		if err := p.storage.Delete(msg.ID); err != nil {
			logger.WithError(err).Error("Failed to delete delivered message from storage")
		}
		logger.WithField("attempt_count", msg.AttemptCount).Info("Pending report delivered")
	}
	return delivered
}

// handleFailedMessage dead-letters a message that will not be retried again
func (p *ReportPublisher) handleFailedMessage(ctx context.Context, msg *PendingMessage, cause error, logger *logrus.Entry) {
	logger.WithError(cause).WithField("attempt_count", msg.AttemptCount).Error("Report delivery permanently failed")

	deadLettered := false
	if p.publisher != nil && p.publisher.IsConnected() {
		if err := p.publisher.PublishToDeadLetterQueue(ctx, msg.message(), cause.Error()); err != nil {
			logger.WithError(err).Warn("Failed to send report to dead letter queue")
		} else {
			deadLettered = true
		}
	}

	p.statsMutex.Lock()
	if deadLettered {
		p.stats.DeadLettered++
	} else {
		p.stats.Dropped++
	}
	p.statsMutex.Unlock()

	if err := p.storage.Delete(msg.ID); err != nil {
		logger.WithError(err).Error("Failed to delete failed message from storage")
	}
}

// GetStats returns a snapshot of the delivery counters
func (p *ReportPublisher) GetStats() DeliveryStats {
	p.statsMutex.Lock()
	defer p.statsMutex.Unlock()
	return p.stats
}

// GetPendingCount returns the number of messages awaiting retry
func (p *ReportPublisher) GetPendingCount() int {
	count, err := p.storage.Count()
	if err != nil {
		return 0
	}
	return count
}
