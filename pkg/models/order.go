package models

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusPaid      Status = "Paid"
	StatusShipped   Status = "Shipped"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

var Statuses = []Status{StatusPending, StatusPaid, StatusShipped, StatusCompleted, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Role string

const (
	RoleBuyer  Role = "User"
	RoleSeller Role = "Seller"
	RoleAdmin  Role = "Admin"
)

// Identity is the verified caller handed over by the auth middleware.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Order struct {
	ID                 string      `json:"id"`
	BuyerID            string      `json:"buyer_id"`
	Status             Status      `json:"status"`
	Total              int64       `json:"total"`
	Location           string      `json:"location"`
	Latitude           float64     `json:"latitude"`
	Longitude          float64     `json:"longitude"`
	GatewaySnapToken   *string     `json:"gateway_snap_token"`
	GatewayRedirectURL *string     `json:"gateway_redirect_url"`
	Items              []OrderItem `json:"items"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// SellerIDs returns the distinct owners of the order's products in item order.
func (o *Order) SellerIDs() []string {
	seen := make(map[string]bool, len(o.Items))
	var ids []string
	for _, item := range o.Items {
		if !seen[item.SellerID] {
			seen[item.SellerID] = true
			ids = append(ids, item.SellerID)
		}
	}
	return ids
}

func (o *Order) HasSeller(sellerID string) bool {
	for _, item := range o.Items {
		if item.SellerID == sellerID {
			return true
		}
	}
	return false
}

// SellerTotals sums line totals per product owner.
func (o *Order) SellerTotals() map[string]int64 {
	totals := make(map[string]int64)
	for _, item := range o.Items {
		totals[item.SellerID] += item.Total
	}
	return totals
}

type OrderItem struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	ProductID    string `json:"product_id"`
	SellerID     string `json:"seller_id"`
	Quantity     int    `json:"quantity"`
	PricePerItem int64  `json:"price_per_item"`
	Total        int64  `json:"total"`
}

// Product is the read-only catalog view consumed at order creation.
type Product struct {
	ID        string `json:"id"`
	SellerID  string `json:"seller_id"`
	Price     int64  `json:"price"`
	IsDeleted bool   `json:"is_deleted"`
}

type DeliveryInfo struct {
	Location  string
	Latitude  float64
	Longitude float64
}

type CreateOrderRequest struct {
	Latitude   *float64           `json:"latitude"`
	Longitude  *float64           `json:"longitude"`
	Location   string             `json:"location"`
	OrderItems []OrderItemRequest `json:"orderItems"`
}

type OrderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
