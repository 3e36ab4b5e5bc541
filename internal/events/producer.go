package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	StatusChangedTopic = "order.status_changed"
)

// StatusChangedEvent is emitted after every applied order transition.
type StatusChangedEvent struct {
	OrderID    string        `json:"order_id"`
	BuyerID    string        `json:"buyer_id"`
	SellerIDs  []string      `json:"seller_ids"`
	From       models.Status `json:"from"`
	To         models.Status `json:"to"`
	Actor      models.Role   `json:"actor,omitempty"`
	Total      int64         `json:"total"`
	OccurredAt time.Time     `json:"occurred_at"`
	EventTime  time.Time     `json:"event_time"`
}

func NewStatusChangedEvent(order *models.Order, from models.Status, actor models.Role) StatusChangedEvent {
	return StatusChangedEvent{
		OrderID:    order.ID,
		BuyerID:    order.BuyerID,
		SellerIDs:  order.SellerIDs(),
		From:       from,
		To:         order.Status,
		Actor:      actor,
		Total:      order.Total,
		OccurredAt: time.Now(),
	}
}

type Publisher interface {
	PublishStatusChanged(ctx context.Context, event StatusChangedEvent) error
}

type StatusChangedHandler interface {
	HandleStatusChanged(ctx context.Context, event StatusChangedEvent) error
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(splitBrokers(brokers), producerConfig())
	if err != nil {
		return nil, err
	}
	return NewKafkaProducerFrom(producer, logger), nil
}

func NewKafkaProducerFrom(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}
}

func (p *KafkaProducer) PublishStatusChanged(ctx context.Context, event StatusChangedEvent) error {
	event.EventTime = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Keyed by order so every transition of one order lands on one partition in order.
	msg := &sarama.ProducerMessage{
		Topic: StatusChangedTopic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     StatusChangedTopic,
		"partition": partition,
		"offset":    offset,
		"order_id":  event.OrderID,
		"to_status": event.To,
	}).Info("Event published to Kafka")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

// InlinePublisher hands events straight to in-process handlers when no
// broker is configured.
type InlinePublisher struct {
	handlers []StatusChangedHandler
	logger   *logrus.Logger
}

func NewInlinePublisher(logger *logrus.Logger, handlers ...StatusChangedHandler) *InlinePublisher {
	return &InlinePublisher{handlers: handlers, logger: logger}
}

func (p *InlinePublisher) PublishStatusChanged(ctx context.Context, event StatusChangedEvent) error {
	event.EventTime = time.Now()

	var errs []error
	for _, handler := range p.handlers {
		if err := handler.HandleStatusChanged(ctx, event); err != nil {
			p.logger.WithError(err).WithField("order_id", event.OrderID).Error("Inline event handler failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func producerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

func consumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0
	return config
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
