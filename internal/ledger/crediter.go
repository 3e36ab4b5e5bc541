package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jogardn/marketplace-orders/internal/events"
	"github.com/jogardn/marketplace-orders/internal/store"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

// OrderLedger is the slice of the store the crediter needs.
type OrderLedger interface {
	GetOrder(ctx context.Context, orderID string, scope store.Scope) (*models.Order, error)
	CreditIncome(ctx context.Context, orderID, sellerID string, amount int64) (*models.Transaction, error)
}

// IncomeCrediter pays sellers out of completed orders. Each seller on the
// order receives one income entry for the sum of their line totals.
type IncomeCrediter struct {
	store  OrderLedger
	logger *logrus.Logger
}

func NewIncomeCrediter(s OrderLedger, logger *logrus.Logger) *IncomeCrediter {
	return &IncomeCrediter{store: s, logger: logger}
}

func (c *IncomeCrediter) HandleStatusChanged(ctx context.Context, event events.StatusChangedEvent) error {
	if event.To != models.StatusCompleted {
		return nil
	}

	order, err := c.store.GetOrder(ctx, event.OrderID, store.AdminScope())
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", event.OrderID, err)
	}
	if order.Status != models.StatusCompleted {
		c.logger.WithFields(logrus.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Warn("Skipping income credit for order that is no longer completed")
		return nil
	}

	totals := order.SellerTotals()
	sellers := make([]string, 0, len(totals))
	for sellerID := range totals {
		sellers = append(sellers, sellerID)
	}
	sort.Strings(sellers)

	for _, sellerID := range sellers {
		amount := totals[sellerID]
		if amount <= 0 {
			continue
		}

		tx, err := c.store.CreditIncome(ctx, order.ID, sellerID, amount)
		if errors.Is(err, store.ErrDuplicateIncome) {
			c.logger.WithFields(logrus.Fields{
				"order_id":  order.ID,
				"seller_id": sellerID,
			}).Debug("Income already credited")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to credit seller %s for order %s: %w", sellerID, order.ID, err)
		}

		c.logger.WithFields(logrus.Fields{
			"order_id":       order.ID,
			"seller_id":      sellerID,
			"amount":         amount,
			"transaction_id": tx.ID,
		}).Info("Seller income credited")
	}

	return nil
}

// IsRetryable treats a missing order as permanent and everything else as a
// transient store failure.
func (c *IncomeCrediter) IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, context.Canceled)
}
