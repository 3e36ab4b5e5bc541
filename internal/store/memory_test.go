package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/marketplace-orders/pkg/models"
)

func multiSellerOrder() *models.Order {
	return &models.Order{
		ID:        "order-1",
		BuyerID:   "buyer-1",
		Status:    models.StatusPending,
		Total:     25000,
		CreatedAt: time.Now(),
		Items: []models.OrderItem{
			{ID: "i1", OrderID: "order-1", ProductID: "p1", SellerID: "seller-a", Quantity: 2, PricePerItem: 10000, Total: 20000},
			{ID: "i2", OrderID: "order-1", ProductID: "p2", SellerID: "seller-b", Quantity: 1, PricePerItem: 5000, Total: 5000},
		},
	}
}

func TestScopeVisibility(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateOrder(ctx, multiSellerOrder()); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	tests := []struct {
		name    string
		scope   Scope
		visible bool
	}{
		{"owning buyer", Scope{Role: models.RoleBuyer, UserID: "buyer-1"}, true},
		{"other buyer", Scope{Role: models.RoleBuyer, UserID: "buyer-2"}, false},
		{"first item seller", Scope{Role: models.RoleSeller, UserID: "seller-a"}, true},
		{"second item seller", Scope{Role: models.RoleSeller, UserID: "seller-b"}, true},
		{"unrelated seller", Scope{Role: models.RoleSeller, UserID: "seller-c"}, false},
		{"admin", AdminScope(), true},
		{"unknown role", Scope{Role: "Guest", UserID: "buyer-1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.GetOrder(ctx, "order-1", tt.scope)
			if tt.visible && err != nil {
				t.Errorf("Expected order visible, got %v", err)
			}
			if !tt.visible && !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}

			list, err := s.ListOrders(ctx, tt.scope)
			if err != nil {
				t.Fatalf("ListOrders: %v", err)
			}
			if (len(list) == 1) != tt.visible {
				t.Errorf("Expected visible=%v in list, got %d orders", tt.visible, len(list))
			}
		})
	}
}

func TestTransitionStatus(t *testing.T) {
	tests := []struct {
		name        string
		start       models.Status
		from        models.Status
		to          models.Status
		wantApplied bool
		wantStatus  models.Status
	}{
		{"matching from", models.StatusPending, models.StatusPending, models.StatusPaid, true, models.StatusPaid},
		{"already at target", models.StatusPaid, models.StatusPending, models.StatusPaid, false, models.StatusPaid},
		{"same from and to", models.StatusPaid, models.StatusPaid, models.StatusPaid, false, models.StatusPaid},
		{"moved on", models.StatusCancelled, models.StatusPending, models.StatusPaid, false, models.StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := NewMemoryStore()
			order := multiSellerOrder()
			order.Status = tt.start
			s.CreateOrder(ctx, order)

			applied, current, err := s.TransitionStatus(ctx, "order-1", tt.from, tt.to)
			if err != nil {
				t.Fatalf("TransitionStatus: %v", err)
			}
			if applied != tt.wantApplied || current != tt.wantStatus {
				t.Errorf("Expected applied=%v status=%s, got applied=%v status=%s", tt.wantApplied, tt.wantStatus, applied, current)
			}

			stored, _ := s.GetOrder(ctx, "order-1", AdminScope())
			if stored.Status != tt.wantStatus {
				t.Errorf("Expected stored status %s, got %s", tt.wantStatus, stored.Status)
			}
			wantWrites := 0
			if tt.wantApplied {
				wantWrites = 1
			}
			if s.StatusWrites() != wantWrites {
				t.Errorf("Expected %d writes, got %d", wantWrites, s.StatusWrites())
			}
		})
	}
}

func TestTransitionStatusMissingOrder(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.TransitionStatus(context.Background(), "missing", models.StatusPending, models.StatusPaid)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReturnedOrdersAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateOrder(ctx, multiSellerOrder())

	order, _ := s.GetOrder(ctx, "order-1", AdminScope())
	order.Status = models.StatusCancelled
	order.Items[0].Total = 1

	again, _ := s.GetOrder(ctx, "order-1", AdminScope())
	if again.Status != models.StatusPending || again.Items[0].Total != 20000 {
		t.Error("Mutating a returned order must not change the stored one")
	}
}

func TestWithdrawNeverExceedsBalance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.AppendTransaction(models.Transaction{UserID: "seller-a", Amount: 10000, Type: models.TransactionIncome})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Withdraw(ctx, "seller-a", 3000)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("Expected exactly 3 withdrawals of 3000 from 10000, got %d", succeeded)
	}
	balance, _ := s.Balance(ctx, "seller-a")
	if balance != 1000 {
		t.Errorf("Expected remaining balance 1000, got %d", balance)
	}
}

func TestCreditIncomeOncePerOrderAndSeller(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.CreditIncome(ctx, "order-1", "seller-a", 20000); err != nil {
		t.Fatalf("CreditIncome: %v", err)
	}
	if _, err := s.CreditIncome(ctx, "order-1", "seller-a", 20000); !errors.Is(err, ErrDuplicateIncome) {
		t.Errorf("Expected ErrDuplicateIncome, got %v", err)
	}
	if _, err := s.CreditIncome(ctx, "order-1", "seller-b", 5000); err != nil {
		t.Errorf("Other seller on the same order must be credited, got %v", err)
	}

	balance, _ := s.Balance(ctx, "seller-a")
	if balance != 20000 {
		t.Errorf("Expected balance 20000, got %d", balance)
	}

	all, _ := s.ListTransactions(ctx, "")
	if len(all) != 2 {
		t.Errorf("Expected 2 ledger entries, got %d", len(all))
	}
	tx, err := s.GetTransaction(ctx, all[0].ID)
	if err != nil || tx.ID != all[0].ID {
		t.Errorf("GetTransaction: %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", Name: "orders"}
	want := "host=db port=5432 user=u password=p dbname=orders sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestScopeClause(t *testing.T) {
	clause, args := scopeClause(Scope{Role: models.RoleSeller, UserID: "s1"}, 2)
	if len(args) != 1 || args[0] != "s1" {
		t.Errorf("Unexpected args %v", args)
	}
	if clause != `EXISTS (SELECT 1 FROM order_items oi WHERE oi.order_id = o.id AND oi.seller_id = $2)` {
		t.Errorf("Unexpected clause %s", clause)
	}
	if clause, args := scopeClause(AdminScope(), 1); clause != "TRUE" || len(args) != 0 {
		t.Errorf("Unexpected admin clause %s %v", clause, args)
	}
}
