package store

import (
	"context"
	"errors"

	"github.com/jogardn/marketplace-orders/pkg/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateIncome     = errors.New("income already credited for order")
)

// Scope restricts which orders a caller can see.
//   - buyer: orders they placed
//   - seller: orders with at least one line item for one of their products
//   - admin: every order
type Scope struct {
	Role   models.Role
	UserID string
}

func ScopeFor(identity models.Identity) Scope {
	return Scope{Role: identity.Role, UserID: identity.ID}
}

func AdminScope() Scope {
	return Scope{Role: models.RoleAdmin}
}

// Allows evaluates the scope predicate against a hydrated order.
func (s Scope) Allows(order *models.Order) bool {
	switch s.Role {
	case models.RoleAdmin:
		return true
	case models.RoleBuyer:
		return order.BuyerID == s.UserID
	case models.RoleSeller:
		return order.HasSeller(s.UserID)
	default:
		return false
	}
}

type Store interface {
	GetProducts(ctx context.Context, ids []string) ([]models.Product, error)

	// CreateOrder persists the order and all its items atomically.
	CreateOrder(ctx context.Context, order *models.Order) error
	SetCheckout(ctx context.Context, orderID, token, redirectURL string) error
	// DeleteOrder removes an order and its items. Only used to roll back a
	// creation whose checkout could not be opened.
	DeleteOrder(ctx context.Context, orderID string) error
	// TransitionStatus writes to only while the order is still in from and
	// reports the status the order holds afterwards. applied is false when
	// the order had already moved on, including when it already holds to.
	TransitionStatus(ctx context.Context, orderID string, from, to models.Status) (applied bool, current models.Status, err error)
	GetOrder(ctx context.Context, orderID string, scope Scope) (*models.Order, error)
	ListOrders(ctx context.Context, scope Scope) ([]*models.Order, error)
	ListOrdersByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Order, error)

	// ListTransactions returns a user's ledger, or every entry when userID is empty.
	ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	Balance(ctx context.Context, userID string) (int64, error)
	// Withdraw appends a withdrawal only if it does not exceed the balance,
	// checked and written as one atomic step per user.
	Withdraw(ctx context.Context, userID string, amount int64) (*models.Transaction, error)
	// CreditIncome appends an income entry once per (order, seller).
	CreditIncome(ctx context.Context, orderID, sellerID string, amount int64) (*models.Transaction, error)

	Ping(ctx context.Context) error
	Close() error
}
