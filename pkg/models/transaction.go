package models

import "time"

type TransactionType string

const (
	TransactionIncome     TransactionType = "Pemasukan"
	TransactionWithdrawal TransactionType = "Pencairan"
)

// Transaction is an append-only ledger row for a seller.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	OrderID   *string         `json:"order_id,omitempty"`
	Amount    int64           `json:"amount"`
	Type      TransactionType `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
}

// Signed returns the amount as it contributes to the balance.
func (t Transaction) Signed() int64 {
	if t.Type == TransactionIncome {
		return t.Amount
	}
	return -t.Amount
}

type WithdrawRequest struct {
	Amount *int64 `json:"amount"`
}

type SellerSummary struct {
	SellerID          string         `json:"seller_id"`
	Balance           int64          `json:"balance"`
	TotalOrders       int            `json:"total_orders"`
	TotalTransactions int            `json:"total_transactions"`
	OrderStatusCount  map[Status]int `json:"order_status_count"`
	RecentOrders      []*Order       `json:"recent_orders"`
}

// BuyerSummary backs the buyer dashboard. WaitingOrders are paid orders
// still waiting for the seller to ship.
type BuyerSummary struct {
	BuyerID          string         `json:"buyer_id"`
	TotalOrders      int            `json:"total_orders"`
	PendingOrders    int            `json:"pending_orders"`
	WaitingOrders    int            `json:"waiting_orders"`
	CompletedOrders  int            `json:"completed_orders"`
	OrderStatusCount map[Status]int `json:"order_status_count"`
}
