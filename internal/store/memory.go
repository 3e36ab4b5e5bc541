package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/marketplace-orders/pkg/models"
)

// MemoryStore keeps everything in process; used by tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mutex        sync.RWMutex
	products     map[string]models.Product
	orders       map[string]*models.Order
	transactions []models.Transaction
	statusWrites int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]models.Product),
		orders:   make(map[string]*models.Order),
	}
}

// PutProduct seeds or replaces a catalog entry.
func (s *MemoryStore) PutProduct(p models.Product) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.products[p.ID] = p
}

// AppendTransaction seeds a ledger entry as-is.
func (s *MemoryStore) AppendTransaction(tx models.Transaction) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	s.transactions = append(s.transactions, tx)
}

// StatusWrites counts TransitionStatus calls that changed a row.
func (s *MemoryStore) StatusWrites() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.statusWrites
}

func (s *MemoryStore) GetProducts(ctx context.Context, ids []string) ([]models.Product, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var products []models.Product
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

func (s *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *MemoryStore) SetCheckout(ctx context.Context, orderID, token, redirectURL string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.GatewaySnapToken = &token
	order.GatewayRedirectURL = &redirectURL
	order.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteOrder(ctx context.Context, orderID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.orders, orderID)
	return nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, orderID string, from, to models.Status) (bool, models.Status, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return false, "", ErrNotFound
	}
	if order.Status != from || from == to {
		return false, order.Status, nil
	}
	order.Status = to
	order.UpdatedAt = time.Now()
	s.statusWrites++
	return true, to, nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID string, scope Scope) (*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	order, ok := s.orders[orderID]
	if !ok || !scope.Allows(order) {
		return nil, ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, scope Scope) ([]*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var orders []*models.Order
	for _, order := range s.orders {
		if scope.Allows(order) {
			orders = append(orders, cloneOrder(order))
		}
	}
	sortNewestFirst(orders)
	return orders, nil
}

func (s *MemoryStore) ListOrdersByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var orders []*models.Order
	for _, order := range s.orders {
		if order.Status == status {
			orders = append(orders, cloneOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var txs []models.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if userID == "" || s.transactions[i].UserID == userID {
			txs = append(txs, s.transactions[i])
		}
	}
	return txs, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, tx := range s.transactions {
		if tx.ID == id {
			found := tx
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Balance(ctx context.Context, userID string) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.balanceLocked(userID), nil
}

func (s *MemoryStore) balanceLocked(userID string) int64 {
	var balance int64
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			balance += tx.Signed()
		}
	}
	return balance
}

func (s *MemoryStore) Withdraw(ctx context.Context, userID string, amount int64) (*models.Transaction, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if amount > s.balanceLocked(userID) {
		return nil, ErrInsufficientBalance
	}

	tx := models.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Type:      models.TransactionWithdrawal,
		CreatedAt: time.Now(),
	}
	s.transactions = append(s.transactions, tx)
	return &tx, nil
}

func (s *MemoryStore) CreditIncome(ctx context.Context, orderID, sellerID string, amount int64) (*models.Transaction, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, tx := range s.transactions {
		if tx.Type == models.TransactionIncome && tx.UserID == sellerID && tx.OrderID != nil && *tx.OrderID == orderID {
			return nil, ErrDuplicateIncome
		}
	}

	id := orderID
	tx := models.Transaction{
		ID:        uuid.New().String(),
		UserID:    sellerID,
		OrderID:   &id,
		Amount:    amount,
		Type:      models.TransactionIncome,
		CreatedAt: time.Now(),
	}
	s.transactions = append(s.transactions, tx)
	return &tx, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneOrder(order *models.Order) *models.Order {
	clone := *order
	clone.Items = append([]models.OrderItem(nil), order.Items...)
	if order.GatewaySnapToken != nil {
		token := *order.GatewaySnapToken
		clone.GatewaySnapToken = &token
	}
	if order.GatewayRedirectURL != nil {
		redirect := *order.GatewayRedirectURL
		clone.GatewayRedirectURL = &redirect
	}
	return &clone
}

func sortNewestFirst(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
