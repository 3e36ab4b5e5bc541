package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// FanoutConsumer delivers every status change to a local handler. Each
// service instance joins with its own group id so all instances see all
// events (used to feed the websocket hub).
type FanoutConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       StatusChangedHandler
	logger        *logrus.Logger
	topics        []string
}

type fanoutGroupHandler struct {
	handler StatusChangedHandler
	logger  *logrus.Logger
}

func NewFanoutConsumer(brokers, groupID string, handler StatusChangedHandler, logger *logrus.Logger) (*FanoutConsumer, error) {
	config := consumerConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	consumerGroup, err := sarama.NewConsumerGroup(splitBrokers(brokers), groupID, config)
	if err != nil {
		return nil, err
	}

	return &FanoutConsumer{
		consumerGroup: consumerGroup,
		handler:       handler,
		logger:        logger,
		topics:        []string{StatusChangedTopic},
	}, nil
}

func (c *FanoutConsumer) Start(ctx context.Context) error {
	handler := &fanoutGroupHandler{
		handler: c.handler,
		logger:  c.logger,
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Fan-out consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *FanoutConsumer) Close() error {
	return c.consumerGroup.Close()
}

func (h *fanoutGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *fanoutGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *fanoutGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			var event StatusChangedEvent
			if err := json.Unmarshal(message.Value, &event); err != nil {
				h.logger.WithError(err).Error("Failed to unmarshal status changed event")
			} else if err := h.handler.HandleStatusChanged(session.Context(), event); err != nil {
				h.logger.WithError(err).WithField("order_id", event.OrderID).Warn("Fan-out handler failed")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
