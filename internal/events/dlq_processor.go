package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays bounds how often a dead-lettered status change is sent back to
// the main topic before it is parked for good.
const MaxReplays = MaxRetries * 2

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

type DLQProcessor struct {
	consumer    sarama.ConsumerGroup
	producer    sarama.SyncProducer
	logger      *logrus.Logger
	replayTopic string
	replayDelay time.Duration

	replayed atomic.Int64
	parked   atomic.Int64
}

// DLQMessage is a dead-lettered event decoded together with its failure metadata.
type DLQMessage struct {
	Event    StatusChangedEvent `json:"event"`
	Metadata MessageMetadata    `json:"metadata"`
}

type DLQStats struct {
	Topic     string    `json:"dlq_topic"`
	Replayed  int64     `json:"replayed"`
	Parked    int64     `json:"parked"`
	Timestamp time.Time `json:"timestamp"`
}

func NewDLQProcessor(brokers string, replayDelay time.Duration, logger *logrus.Logger) (*DLQProcessor, error) {
	consumer, err := sarama.NewConsumerGroup(splitBrokers(brokers), "dlq-processor-group", consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	producer, err := sarama.NewSyncProducer(splitBrokers(brokers), producerConfig())
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return newDLQProcessor(consumer, producer, replayDelay, logger), nil
}

func newDLQProcessor(consumer sarama.ConsumerGroup, producer sarama.SyncProducer, replayDelay time.Duration, logger *logrus.Logger) *DLQProcessor {
	return &DLQProcessor{
		consumer:    consumer,
		producer:    producer,
		logger:      logger,
		replayTopic: StatusChangedTopic,
		replayDelay: replayDelay,
	}
}

func (p *DLQProcessor) ProcessDLQ(ctx context.Context) error {
	handler := &dlqConsumerHandler{
		processor: p,
		logger:    p.logger,
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("DLQ processor context cancelled")
			return nil
		default:
			if err := p.consumer.Consume(ctx, []string{StatusChangedDLQTopic}, handler); err != nil {
				p.logger.WithError(err).Error("Error consuming from DLQ")
				return err
			}
		}
	}
}

// DecodeDLQMessage reads the event payload and failure metadata of a
// dead-lettered message.
func DecodeDLQMessage(message *sarama.ConsumerMessage) (DLQMessage, error) {
	var out DLQMessage
	if err := json.Unmarshal(message.Value, &out.Event); err != nil {
		return out, fmt.Errorf("failed to unmarshal dead-lettered event: %w", err)
	}
	out.Metadata = extractMetadata(message)
	return out, nil
}

func (p *DLQProcessor) ReplayMessage(message *sarama.ConsumerMessage) error {
	metadata := extractMetadata(message)

	if metadata.RetryCount >= MaxReplays {
		p.parked.Add(1)
		p.logger.WithFields(logrus.Fields{
			"order_key":   string(message.Key),
			"retry_count": metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: p.replayTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(replayMessage)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}
	p.replayed.Add(1)

	p.logger.WithFields(logrus.Fields{
		"replay_topic":     p.replayTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"order_key":        string(message.Key),
	}).Info("Message replayed from DLQ")

	return nil
}

func (p *DLQProcessor) GetDLQStats() DLQStats {
	return DLQStats{
		Topic:     StatusChangedDLQTopic,
		Replayed:  p.replayed.Load(),
		Parked:    p.parked.Load(),
		Timestamp: time.Now(),
	}
}

func (p *DLQProcessor) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.WithError(err).Error("Failed to close producer")
	}
	return p.consumer.Close()
}

type dlqConsumerHandler struct {
	processor *DLQProcessor
	logger    *logrus.Logger
}

func (h *dlqConsumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			decoded, err := DecodeDLQMessage(message)
			if err != nil {
				h.logger.WithError(err).Error("Dropping undecodable DLQ message")
				session.MarkMessage(message, "")
				continue
			}

			h.logger.WithFields(logrus.Fields{
				"order_id":       decoded.Event.OrderID,
				"to_status":      decoded.Event.To,
				"original_topic": decoded.Metadata.OriginalTopic,
				"retry_count":    decoded.Metadata.RetryCount,
				"first_failure":  decoded.Metadata.FirstFailure,
				"last_failure":   decoded.Metadata.LastFailure,
				"error_message":  decoded.Metadata.ErrorMessage,
			}).Warn("DLQ message details")

			if err := sleepContext(session.Context(), h.processor.replayDelay); err != nil {
				return nil
			}

			if err := h.processor.ReplayMessage(message); err != nil {
				h.logger.WithError(err).Error("Failed to replay DLQ message")
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
