package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	StatusChangedDLQTopic = "order.status_changed.dlq"
	MaxRetries            = 3
	InitialRetryDelay     = 1 * time.Second
	MaxRetryDelay         = 30 * time.Second
)

type RetryableStatusChangedHandler interface {
	StatusChangedHandler
	IsRetryable(err error) bool
}

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   MaxRetries,
		InitialDelay: InitialRetryDelay,
		MaxDelay:     MaxRetryDelay,
	}
}

type KafkaConsumerWithRetry struct {
	consumerGroup sarama.ConsumerGroup
	handler       *retryingHandler
	logger        *logrus.Logger
	topics        []string
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed_count"`
	RetryCount     int64 `json:"retry_count"`
	DLQCount       int64 `json:"dlq_count"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
}

type consumerMetrics struct {
	processed, retries, dlq, successes, failures atomic.Int64
}

func (m *consumerMetrics) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: m.processed.Load(),
		RetryCount:     m.retries.Load(),
		DLQCount:       m.dlq.Load(),
		SuccessCount:   m.successes.Load(),
		FailureCount:   m.failures.Load(),
	}
}

type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// retryingHandler holds the per-message retry and dead-letter logic,
// independent of the consumer group session.
type retryingHandler struct {
	handler  RetryableStatusChangedHandler
	producer sarama.SyncProducer
	policy   RetryPolicy
	logger   *logrus.Logger
	metrics  *consumerMetrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewKafkaConsumerWithRetry(brokers, groupID string, handler RetryableStatusChangedHandler, policy RetryPolicy, logger *logrus.Logger) (*KafkaConsumerWithRetry, error) {
	consumerGroup, err := sarama.NewConsumerGroup(splitBrokers(brokers), groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(splitBrokers(brokers), producerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &KafkaConsumerWithRetry{
		consumerGroup: consumerGroup,
		handler:       newRetryingHandler(handler, producer, policy, logger),
		logger:        logger,
		topics:        []string{StatusChangedTopic},
	}, nil
}

func newRetryingHandler(handler RetryableStatusChangedHandler, producer sarama.SyncProducer, policy RetryPolicy, logger *logrus.Logger) *retryingHandler {
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = InitialRetryDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &retryingHandler{
		handler:  handler,
		producer: producer,
		policy:   policy,
		logger:   logger,
		metrics:  &consumerMetrics{},
		sleep:    sleepContext,
	}
}

func (c *KafkaConsumerWithRetry) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *KafkaConsumerWithRetry) Close() error {
	if err := c.handler.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *KafkaConsumerWithRetry) GetMetrics() ConsumerMetrics {
	return c.handler.metrics.snapshot()
}

func (h *retryingHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *retryingHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *retryingHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			h.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process handles one message and dead-letters it when handling fails.
func (h *retryingHandler) process(ctx context.Context, message *sarama.ConsumerMessage) {
	h.metrics.processed.Add(1)

	err := h.handleMessageWithRetry(ctx, message)
	if err == nil {
		h.metrics.successes.Add(1)
		return
	}
	if ctx.Err() != nil {
		return
	}

	h.logger.WithError(err).Error("Failed to process message after retries")
	h.metrics.failures.Add(1)

	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
	} else {
		h.metrics.dlq.Add(1)
	}
}

func (h *retryingHandler) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	h.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}).Debug("Processing Kafka message with retry support")

	var event StatusChangedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal status changed event: %w", err)
	}

	retryDelay := h.policy.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= h.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"attempt":  attempt,
				"delay":    retryDelay,
			}).Info("Retrying status change processing")

			if err := h.sleep(ctx, retryDelay); err != nil {
				return err
			}
			h.metrics.retries.Add(1)

			retryDelay *= 2
			if retryDelay > h.policy.MaxDelay {
				retryDelay = h.policy.MaxDelay
			}
		}

		lastErr = h.handler.HandleStatusChanged(ctx, event)
		if lastErr == nil {
			return nil
		}

		if !h.handler.IsRetryable(lastErr) {
			h.logger.WithError(lastErr).WithField("order_id", event.OrderID).Error("Non-retryable error encountered")
			return lastErr
		}

		h.logger.WithError(lastErr).WithField("attempt", attempt+1).Warn("Retryable error processing status change")
	}

	return fmt.Errorf("exhausted retries for order %s: %w", event.OrderID, lastErr)
}

func extractMetadata(message *sarama.ConsumerMessage) MessageMetadata {
	metadata := MessageMetadata{
		OriginalTopic: message.Topic,
	}

	for _, header := range message.Headers {
		switch string(header.Key) {
		case "retry_count":
			if count, err := strconv.Atoi(string(header.Value)); err == nil {
				metadata.RetryCount = count
			}
		case "metadata":
			var stored MessageMetadata
			if err := json.Unmarshal(header.Value, &stored); err == nil {
				metadata = stored
			}
		}
	}

	return metadata
}

func (h *retryingHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	previous := extractMetadata(message)
	now := time.Now()
	metadata := MessageMetadata{
		RetryCount:    previous.RetryCount + 1,
		FirstFailure:  previous.FirstFailure,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}
	if metadata.FirstFailure.IsZero() {
		metadata.FirstFailure = now
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: StatusChangedDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     StatusChangedDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
