package orders

import (
	"context"
	"time"

	"github.com/jogardn/marketplace-orders/internal/events"
	"github.com/jogardn/marketplace-orders/internal/gateway"
	"github.com/jogardn/marketplace-orders/internal/metrics"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	OutcomeSettled      = "settled"
	OutcomeUnsettled    = "unsettled"
	OutcomeGatewayError = "gateway_error"
)

type StatusChecker interface {
	CheckStatus(ctx context.Context, orderID string) (gateway.Status, error)
}

type StatusWriter interface {
	TransitionStatus(ctx context.Context, orderID string, from, to models.Status) (bool, models.Status, error)
}

// Reconciler moves Pending orders to Paid once the gateway confirms
// settlement. It runs on every read of a Pending order.
type Reconciler struct {
	gateway  StatusChecker
	store    StatusWriter
	notifier *notifier
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

func NewReconciler(gw StatusChecker, s StatusWriter, publisher events.Publisher, m *metrics.Metrics, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		gateway:  gw,
		store:    s,
		notifier: &notifier{publisher: publisher, logger: logger},
		metrics:  m,
		logger:   logger,
	}
}

// Reconcile returns the order as it stands after consulting the gateway.
// Gateway failures leave the order untouched and are not errors; only a
// failed status write is. The order may be a stale snapshot: Paid is only
// written while the stored order is still Pending.
func (r *Reconciler) Reconcile(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.Status != models.StatusPending {
		return order, nil
	}

	status, err := r.gateway.CheckStatus(ctx, order.ID)
	if err != nil {
		r.metrics.ObserveReconciliation(OutcomeGatewayError)
		r.logger.WithError(err).WithField("order_id", order.ID).Warn("Payment status check failed, leaving order pending")
		return order, nil
	}

	if !status.Settled() {
		r.metrics.ObserveReconciliation(OutcomeUnsettled)
		r.logger.WithFields(logrus.Fields{
			"order_id":           order.ID,
			"status_code":        status.StatusCode,
			"transaction_status": status.TransactionStatus,
		}).Debug("Payment not settled yet")
		return order, nil
	}

	to, err := Next(order.Status, EventSettled)
	if err != nil {
		return order, err
	}

	from := order.Status
	applied, current, err := r.store.TransitionStatus(ctx, order.ID, from, to)
	if err != nil {
		return order, systemError("failed to record payment", err)
	}
	r.metrics.ObserveReconciliation(OutcomeSettled)
	if !applied {
		if current != to {
			r.logger.WithFields(logrus.Fields{
				"order_id": order.ID,
				"status":   current,
			}).Info("Order left Pending before settlement was recorded")
		}
		order.Status = current
		return order, nil
	}
	r.metrics.ObserveTransition(string(to))

	order.Status = to
	order.UpdatedAt = time.Now()

	r.logger.WithFields(logrus.Fields{
		"order_id":        order.ID,
		"from_status":     from,
		"to_status":       to,
		"settlement_time": status.SettlementTime,
	}).Info("Payment settled")

	r.notifier.statusChanged(ctx, order, from, "")
	return order, nil
}

// ReconcileAll reconciles each order in place and stops at the first
// store failure.
func (r *Reconciler) ReconcileAll(ctx context.Context, orders []*models.Order) ([]*models.Order, error) {
	for i, order := range orders {
		reconciled, err := r.Reconcile(ctx, order)
		if err != nil {
			return nil, err
		}
		orders[i] = reconciled
	}
	return orders, nil
}

type notifier struct {
	publisher events.Publisher
	logger    *logrus.Logger
}

// statusChanged publishes the transition. Delivery problems are logged and
// never undo the status write.
func (n *notifier) statusChanged(ctx context.Context, order *models.Order, from models.Status, actor models.Role) {
	if n.publisher == nil {
		return
	}
	event := events.NewStatusChangedEvent(order, from, actor)
	if err := n.publisher.PublishStatusChanged(ctx, event); err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":  order.ID,
			"to_status": order.Status,
		}).Error("Failed to publish status change")
	}
}
