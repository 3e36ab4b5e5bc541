package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/marketplace-orders/internal/events"
	"github.com/jogardn/marketplace-orders/internal/gateway"
	"github.com/jogardn/marketplace-orders/internal/metrics"
	"github.com/jogardn/marketplace-orders/internal/store"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	recentOrdersLimit = 5
	// MaxQuantity matches the INTEGER quantity column.
	MaxQuantity = math.MaxInt32
)

type PaymentGateway interface {
	StatusChecker
	OpenCheckout(ctx context.Context, orderID string, amount int64) (gateway.Checkout, error)
}

type Service struct {
	store      store.Store
	gateway    PaymentGateway
	reconciler *Reconciler
	notifier   *notifier
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

func NewService(s store.Store, gw PaymentGateway, publisher events.Publisher, m *metrics.Metrics, logger *logrus.Logger) *Service {
	return &Service{
		store:      s,
		gateway:    gw,
		reconciler: NewReconciler(gw, s, publisher, m, logger),
		notifier:   &notifier{publisher: publisher, logger: logger},
		metrics:    m,
		logger:     logger,
	}
}

func (s *Service) Reconciler() *Reconciler {
	return s.reconciler
}

// CreateOrder validates the cart, snapshots prices, persists the order and
// opens a checkout session. If the gateway refuses, the order is removed
// again and the gateway error is returned.
func (s *Service) CreateOrder(ctx context.Context, buyer models.Identity, req models.CreateOrderRequest) (*models.Order, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	ids := make([]string, len(req.OrderItems))
	for i, item := range req.OrderItems {
		ids[i] = item.ProductID
	}

	products, err := s.store.GetProducts(ctx, ids)
	if err != nil {
		return nil, systemError("failed to load products", err)
	}
	catalog := make(map[string]models.Product, len(products))
	for _, p := range products {
		catalog[p.ID] = p
	}

	now := time.Now()
	order := &models.Order{
		ID:        uuid.New().String(),
		BuyerID:   buyer.ID,
		Status:    models.StatusPending,
		Location:  req.Location,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, item := range req.OrderItems {
		product, ok := catalog[item.ProductID]
		if !ok {
			return nil, validationf("product %s not found", item.ProductID)
		}
		if product.IsDeleted {
			return nil, validationf("product %s is no longer available", item.ProductID)
		}

		if product.Price > 0 && int64(item.Quantity) > math.MaxInt64/product.Price {
			return nil, validationf("total for product %s is too large", item.ProductID)
		}
		line := models.OrderItem{
			ID:           uuid.New().String(),
			OrderID:      order.ID,
			ProductID:    product.ID,
			SellerID:     product.SellerID,
			Quantity:     item.Quantity,
			PricePerItem: product.Price,
			Total:        int64(item.Quantity) * product.Price,
		}
		if order.Total > math.MaxInt64-line.Total {
			return nil, validationf("order total is too large")
		}
		order.Items = append(order.Items, line)
		order.Total += line.Total
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, systemError("failed to create order", err)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"buyer_id": buyer.ID,
		"total":    order.Total,
	})

	checkout, err := s.gateway.OpenCheckout(ctx, order.ID, order.Total)
	if err != nil {
		logger.WithError(err).Error("Checkout creation failed, rolling back order")
		s.rollback(ctx, order.ID)
		return nil, fmt.Errorf("failed to open checkout: %w", err)
	}

	if err := s.store.SetCheckout(ctx, order.ID, checkout.Token, checkout.RedirectURL); err != nil {
		logger.WithError(err).Error("Failed to save checkout session, rolling back order")
		s.rollback(ctx, order.ID)
		return nil, systemError("failed to create order", err)
	}

	order.GatewaySnapToken = &checkout.Token
	order.GatewayRedirectURL = &checkout.RedirectURL

	logger.WithField("items_count", len(order.Items)).Info("Order created")
	return order, nil
}

func (s *Service) rollback(ctx context.Context, orderID string) {
	// The caller's context may already be done; the compensation must still run.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.store.DeleteOrder(ctx, orderID); err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Error("Failed to roll back order")
	}
}

func validateCreateRequest(req models.CreateOrderRequest) error {
	if req.Latitude == nil || req.Longitude == nil {
		return validationf("latitude and longitude are required")
	}
	if strings.TrimSpace(req.Location) == "" {
		return validationf("location is required")
	}
	if len(req.OrderItems) == 0 {
		return validationf("orderItems must contain at least one item")
	}

	seen := make(map[string]bool, len(req.OrderItems))
	for _, item := range req.OrderItems {
		if item.ProductID == "" {
			return validationf("productId is required for every item")
		}
		if item.Quantity < 1 {
			return validationf("quantity for product %s must be at least 1", item.ProductID)
		}
		if item.Quantity > MaxQuantity {
			return validationf("quantity for product %s must be at most %d", item.ProductID, MaxQuantity)
		}
		if seen[item.ProductID] {
			return validationf("duplicate product %s in order", item.ProductID)
		}
		seen[item.ProductID] = true
	}
	return nil
}

// load fetches an order inside scope and reconciles it.
func (s *Service) load(ctx context.Context, orderID string, scope store.Scope) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID, scope)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Resource: "order", ID: orderID}
	}
	if err != nil {
		return nil, systemError("failed to load order", err)
	}
	return s.reconciler.Reconcile(ctx, order)
}

func (s *Service) GetOrder(ctx context.Context, caller models.Identity, orderID string) (*models.Order, error) {
	return s.load(ctx, orderID, store.ScopeFor(caller))
}

func (s *Service) ListOrders(ctx context.Context, caller models.Identity) ([]*models.Order, error) {
	orders, err := s.store.ListOrders(ctx, store.ScopeFor(caller))
	if err != nil {
		return nil, systemError("failed to list orders", err)
	}
	return s.reconciler.ReconcileAll(ctx, orders)
}

func (s *Service) CompleteOrder(ctx context.Context, buyer models.Identity, orderID string) (*models.Order, error) {
	return s.transition(ctx, buyer, orderID, EventBuyerComplete)
}

func (s *Service) CancelOrder(ctx context.Context, buyer models.Identity, orderID string) (*models.Order, error) {
	return s.transition(ctx, buyer, orderID, EventBuyerCancel)
}

func (s *Service) ShipOrder(ctx context.Context, seller models.Identity, orderID string) (*models.Order, error) {
	return s.transition(ctx, seller, orderID, EventSellerShip)
}

func (s *Service) SellerCancelOrder(ctx context.Context, seller models.Identity, orderID string) (*models.Order, error) {
	return s.transition(ctx, seller, orderID, EventSellerCancel)
}

// transition loads the order as the event's actor, checks the transition
// and writes the new status. Nothing but the status changes.
func (s *Service) transition(ctx context.Context, caller models.Identity, orderID string, event Event) (*models.Order, error) {
	actor := event.Actor()
	if caller.Role != actor {
		return nil, &NotFoundError{Resource: "order", ID: orderID}
	}

	order, err := s.load(ctx, orderID, store.Scope{Role: actor, UserID: caller.ID})
	if err != nil {
		return nil, err
	}

	// The stored status can move between the read and the write. The write
	// is conditional and the rule is re-checked against the latest status;
	// statuses only move forward, which bounds the loop.
	current := order.Status
	var to models.Status
	for attempt := 0; ; attempt++ {
		to, err = Next(current, event)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"order_id": orderID,
				"status":   current,
				"event":    event.String(),
				"role":     actor,
			}).Info("Rejected order transition")
			return nil, err
		}
		if attempt == len(models.Statuses) {
			return nil, systemError("failed to update order", errors.New("order status keeps changing"))
		}

		applied, latest, err := s.store.TransitionStatus(ctx, order.ID, current, to)
		if err != nil {
			return nil, systemError("failed to update order", err)
		}
		if applied {
			break
		}
		current = latest
	}
	from := current
	s.metrics.ObserveTransition(string(to))

	order.Status = to
	order.UpdatedAt = time.Now()

	s.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"from_status": from,
		"to_status":   to,
		"role":        actor,
		"user_id":     caller.ID,
	}).Info("Order status changed")

	s.notifier.statusChanged(ctx, order, from, actor)
	return order, nil
}

func (s *Service) Withdraw(ctx context.Context, seller models.Identity, req models.WithdrawRequest) (*models.Transaction, error) {
	if req.Amount == nil {
		return nil, validationf("amount is required")
	}
	if *req.Amount <= 0 {
		return nil, validationf("amount must be greater than zero")
	}

	tx, err := s.store.Withdraw(ctx, seller.ID, *req.Amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return nil, validationf("withdrawal amount exceeds balance")
	}
	if err != nil {
		return nil, systemError("failed to record withdrawal", err)
	}

	s.logger.WithFields(logrus.Fields{
		"seller_id":      seller.ID,
		"amount":         tx.Amount,
		"transaction_id": tx.ID,
	}).Info("Withdrawal recorded")
	return tx, nil
}

// ListTransactions returns the caller's ledger; admins see every entry.
func (s *Service) ListTransactions(ctx context.Context, caller models.Identity) ([]models.Transaction, error) {
	userID := caller.ID
	if caller.Role == models.RoleAdmin {
		userID = ""
	}
	txs, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, systemError("failed to list transactions", err)
	}
	return txs, nil
}

func (s *Service) GetTransaction(ctx context.Context, caller models.Identity, id string) (*models.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Resource: "transaction", ID: id}
	}
	if err != nil {
		return nil, systemError("failed to load transaction", err)
	}
	if caller.Role != models.RoleAdmin && tx.UserID != caller.ID {
		return nil, &NotFoundError{Resource: "transaction", ID: id}
	}
	return tx, nil
}

func (s *Service) SellerSummary(ctx context.Context, seller models.Identity) (*models.SellerSummary, error) {
	balance, err := s.store.Balance(ctx, seller.ID)
	if err != nil {
		return nil, systemError("failed to compute balance", err)
	}

	orders, err := s.ListOrders(ctx, seller)
	if err != nil {
		return nil, err
	}

	txs, err := s.store.ListTransactions(ctx, seller.ID)
	if err != nil {
		return nil, systemError("failed to list transactions", err)
	}

	summary := &models.SellerSummary{
		SellerID:          seller.ID,
		Balance:           balance,
		TotalOrders:       len(orders),
		TotalTransactions: len(txs),
		OrderStatusCount:  countStatuses(orders),
	}

	summary.RecentOrders = orders
	if len(orders) > recentOrdersLimit {
		summary.RecentOrders = orders[:recentOrdersLimit]
	}
	return summary, nil
}

func (s *Service) BuyerSummary(ctx context.Context, buyer models.Identity) (*models.BuyerSummary, error) {
	orders, err := s.ListOrders(ctx, buyer)
	if err != nil {
		return nil, err
	}

	counts := countStatuses(orders)
	return &models.BuyerSummary{
		BuyerID:          buyer.ID,
		TotalOrders:      len(orders),
		PendingOrders:    counts[models.StatusPending],
		WaitingOrders:    counts[models.StatusPaid],
		CompletedOrders:  counts[models.StatusCompleted],
		OrderStatusCount: counts,
	}, nil
}

// countStatuses tallies orders per status, listing every status.
func countStatuses(orders []*models.Order) map[models.Status]int {
	counts := make(map[models.Status]int, len(models.Statuses))
	for _, status := range models.Statuses {
		counts[status] = 0
	}
	for _, order := range orders {
		counts[order.Status]++
	}
	return counts
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
