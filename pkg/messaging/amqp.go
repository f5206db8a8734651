package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"callaudit/pkg/errors"
	"callaudit/pkg/metrics"
)

const (
	deadLetterSuffix     = ".dead_letter"
	maxReconnectAttempts = 10
	maxReconnectBackoff  = 30 * time.Second
)

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL               string
	QueueName         string
	ExchangeName      string
	RoutingKey        string
	Durable           bool
	ConnectionTimeout time.Duration
	PublishTimeout    time.Duration
}

func (c AMQPConfig) withDefaults() AMQPConfig {
	if c.RoutingKey == "" {
		c.RoutingKey = c.QueueName
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

func (c AMQPConfig) deadLetterQueue() string {
	return c.QueueName + deadLetterSuffix
}

// brokerSession is one live connection and the channel opened on it.
type brokerSession struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func (s *brokerSession) close() {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// AMQPClient publishes call reports to a broker and keeps the connection
// alive across broker restarts.
type AMQPClient struct {
	logger *logrus.Logger
	config AMQPConfig

	mu      sync.RWMutex
	session *brokerSession

	stop     chan struct{}
	stopOnce sync.Once
}

// NewAMQPClient creates a client. Nothing is dialed until Connect.
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	return &AMQPClient{
		logger: logger,
		config: config.withDefaults(),
		stop:   make(chan struct{}),
	}
}

// Config returns the effective client configuration
func (c *AMQPClient) Config() AMQPConfig {
	return c.config
}

// IsConnected reports whether a session is currently open
func (c *AMQPClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// Connect dials the broker and declares the report queue. Calling it on a
// connected client is a no-op.
func (c *AMQPClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil
	}
	if c.config.URL == "" || (c.config.QueueName == "" && c.config.ExchangeName == "") {
		c.logger.Warn("AMQP URL or queue name missing, report publication disabled")
		return errors.Wrap(errors.ErrFailedPrecondition, "AMQP URL or queue name not configured")
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		metrics.RecordAMQPConnectionError("channel")
		return errors.Wrap(errors.ErrUnavailable, "failed to open AMQP channel", map[string]interface{}{"error": err.Error()})
	}

	if c.config.QueueName != "" {
		if err := declareQueue(channel, c.config.QueueName, c.config.Durable); err != nil {
			channel.Close()
			conn.Close()
			metrics.RecordAMQPConnectionError("queue_declare")
			return err
		}
	}

	session := &brokerSession{conn: conn, channel: channel}
	c.session = session
	metrics.SetAMQPConnectionStatus(true)
	c.logger.WithFields(logrus.Fields{
		"queue":    c.config.QueueName,
		"exchange": c.config.ExchangeName,
	}).Info("Connected to AMQP broker")

	go c.watch(session)
	return nil
}

// dial bounds amqp.Dial, which has no context, by the connection timeout.
// A connection that arrives after the deadline is closed.
func (c *AMQPClient) dial() (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)
	timer := time.NewTimer(c.config.ConnectionTimeout)
	defer timer.Stop()

	abandoned := make(chan struct{})
	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case results <- result{conn, err}:
		case <-abandoned:
			if conn != nil {
				conn.Close()
			}
		}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			metrics.RecordAMQPConnectionError("dial")
			return nil, errors.Wrap(errors.ErrUnavailable, "failed to connect to AMQP broker", map[string]interface{}{
				"error": r.err.Error(),
			})
		}
		return r.conn, nil
	case <-timer.C:
		close(abandoned)
		metrics.RecordAMQPConnectionError("timeout")
		return nil, errors.Wrap(errors.ErrUnavailable, fmt.Sprintf("AMQP connection timed out after %s", c.config.ConnectionTimeout))
	}
}

func declareQueue(channel *amqp.Channel, name string, durable bool) error {
	if _, err := channel.QueueDeclare(name, durable, false, false, false, nil); err != nil {
		return errors.Wrap(errors.ErrUnavailable, "failed to declare AMQP queue", map[string]interface{}{
			"queue": name,
			"error": err.Error(),
		})
	}
	return nil
}

// Disconnect closes the current session and stops reconnect attempts
func (c *AMQPClient) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return
	}
	session.close()
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP broker")
}

// Publish sends msg to the configured exchange and routing key
func (c *AMQPClient) Publish(ctx context.Context, msg Message) error {
	return c.send(ctx, c.config.ExchangeName, c.config.RoutingKey, msg, nil, nil)
}

// PublishToDeadLetterQueue parks a message that exhausted its retries on the
// durable "<queue>.dead_letter" queue with the failure reason as a header.
func (c *AMQPClient) PublishToDeadLetterQueue(ctx context.Context, msg Message, reason string) error {
	queue := c.config.deadLetterQueue()
	prepare := func(channel *amqp.Channel) error {
		return declareQueue(channel, queue, true)
	}

	if err := c.send(ctx, "", queue, msg, amqp.Table{"x-dead-letter-reason": reason}, prepare); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"call_id":           msg.CallID,
		"dead_letter_queue": queue,
	}).Info("Report parked on dead letter queue")
	return nil
}

func (c *AMQPClient) publishing(msg Message, extra amqp.Table) amqp.Publishing {
	headers := amqp.Table{"x-call-id": msg.CallID}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	for k, v := range extra {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Body:         msg.Body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
}

// send publishes under the read lock so Disconnect cannot close the channel
// mid-publish. The streadway channel has no context, so the publish runs in
// a goroutine raced against the publish timeout.
func (c *AMQPClient) send(ctx context.Context, exchange, routingKey string, msg Message, extra amqp.Table, prepare func(*amqp.Channel) error) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordAMQPPublish(routingKey, status)
	}()

	if !c.IsConnected() {
		return errors.Wrap(errors.ErrUnavailable, "not connected to AMQP broker")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()

	outcome := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logrus.Fields{"call_id": msg.CallID, "recover": r}).Error("Recovered from panic in AMQP publish")
				outcome <- fmt.Errorf("panic during publish: %v", r)
			}
		}()

		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.session == nil {
			outcome <- errors.Wrap(errors.ErrUnavailable, "AMQP session closed before publishing")
			return
		}
		if prepare != nil {
			if err := prepare(c.session.channel); err != nil {
				outcome <- err
				return
			}
		}
		outcome <- c.session.channel.Publish(exchange, routingKey, false, false, c.publishing(msg, extra))
	}()

	select {
	case err := <-outcome:
		if err != nil {
			return errors.Wrap(errors.ErrPublishFailed, "failed to publish report", map[string]interface{}{
				"call_id": msg.CallID,
				"error":   err.Error(),
			})
		}
	case <-ctx.Done():
		return errors.Wrap(errors.ErrPublishFailed, fmt.Sprintf("publish timed out after %s", c.config.PublishTimeout))
	}

	c.logger.WithField("call_id", msg.CallID).Debug("Report published")
	return nil
}

func reconnectBackoff(attempt int) time.Duration {
	backoff := time.Second << uint(attempt-1)
	if backoff <= 0 || backoff > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return backoff
}

// watch waits for the broker to drop session and then tries to reconnect
// until Disconnect is called.
func (c *AMQPClient) watch(session *brokerSession) {
	closed := session.conn.NotifyClose(make(chan *amqp.Error, 1))

	var cause *amqp.Error
	select {
	case <-c.stop:
		return
	case err, ok := <-closed:
		if !ok {
			return
		}
		cause = err
	}

	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()
	metrics.SetAMQPConnectionStatus(false)
	metrics.RecordAMQPConnectionError("closed")
	c.logger.WithError(cause).Warn("AMQP connection lost, reconnecting")

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-c.stop:
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			c.logger.WithField("attempt", attempt).Info("Reconnected to AMQP broker")
			return
		}
		c.logger.WithError(err).WithField("attempt", attempt).Warn("AMQP reconnect failed")

		select {
		case <-c.stop:
			return
		case <-time.After(reconnectBackoff(attempt)):
		}
	}
	c.logger.WithField("attempts", maxReconnectAttempts).Error("Giving up on AMQP reconnect")
}
