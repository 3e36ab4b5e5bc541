package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/marketplace-orders/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	kafkaBrokers := getEnv("KAFKA_BROKERS", "localhost:9092")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// REPLAY=true sends dead-lettered status changes back to the main topic
	// instead of only reporting them.
	if getEnv("REPLAY", "false") == "true" {
		replayDelay, err := time.ParseDuration(getEnv("REPLAY_DELAY", "30s"))
		if err != nil {
			logger.WithError(err).Fatal("Invalid REPLAY_DELAY")
		}
		runReplay(ctx, cancel, kafkaBrokers, replayDelay, logger)
		return
	}

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup([]string{kafkaBrokers}, "dlq-monitor-group", config)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer consumer.Close()

	handler := &dlqHandler{logger: logger}

	go func() {
		for ctx.Err() == nil {
			if err := consumer.Consume(ctx, []string{events.StatusChangedDLQTopic}, handler); err != nil {
				logger.WithError(err).Error("Error consuming from DLQ")
			}
		}
	}()

	logger.WithField("topic", events.StatusChangedDLQTopic).Info("DLQ monitor started")

	waitForSignal()
	logger.Info("Shutting down DLQ monitor...")
}

func runReplay(ctx context.Context, cancel context.CancelFunc, brokers string, replayDelay time.Duration, logger *logrus.Logger) {
	processor, err := events.NewDLQProcessor(brokers, replayDelay, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ processor")
	}
	defer processor.Close()

	go func() {
		if err := processor.ProcessDLQ(ctx); err != nil {
			logger.WithError(err).Error("DLQ processor stopped")
		}
	}()

	logger.WithFields(logrus.Fields{
		"topic":        events.StatusChangedDLQTopic,
		"replay_delay": replayDelay.String(),
	}).Info("DLQ replay started")

	waitForSignal()
	cancel()

	stats := processor.GetDLQStats()
	logger.WithFields(logrus.Fields{
		"replayed": stats.Replayed,
		"parked":   stats.Parked,
	}).Info("DLQ replay stopped")
}

type dlqHandler struct {
	logger *logrus.Logger
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		h.report(message)
		session.MarkMessage(message, "")
	}
	return nil
}

func (h *dlqHandler) report(message *sarama.ConsumerMessage) {
	fields := logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}

	decoded, err := events.DecodeDLQMessage(message)
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("Undecodable DLQ message detected")
		return
	}

	h.logger.WithFields(fields).WithFields(logrus.Fields{
		"order_id":      decoded.Event.OrderID,
		"from":          decoded.Event.From,
		"to":            decoded.Event.To,
		"retry_count":   decoded.Metadata.RetryCount,
		"error_message": decoded.Metadata.ErrorMessage,
	}).Warn("DLQ message detected")

	fmt.Printf("\n=== DLQ Message ===\n")
	fmt.Printf("Time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Order: %s (%s -> %s)\n", decoded.Event.OrderID, decoded.Event.From, decoded.Event.To)
	fmt.Printf("Error: %s\n", decoded.Metadata.ErrorMessage)
	fmt.Printf("Retry Count: %d\n", decoded.Metadata.RetryCount)
	fmt.Printf("==================\n\n")
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
