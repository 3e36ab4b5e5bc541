package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jogardn/marketplace-orders/internal/circuitbreaker"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestClient(srv *httptest.Server, breakers *circuitbreaker.Manager) *Client {
	return NewClient(Config{
		SnapURL:   srv.URL,
		APIURL:    srv.URL,
		ServerKey: "SB-Mid-server-key",
		Timeout:   200 * time.Millisecond,
	}, breakers, nil, testLogger())
}

func TestBasicAuth(t *testing.T) {
	// base64("SB-Mid-server-key:")
	want := "Basic U0ItTWlkLXNlcnZlci1rZXk6"
	if got := BasicAuth("SB-Mid-server-key"); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestOpenCheckout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/snap/v1/transactions" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != BasicAuth("SB-Mid-server-key") {
			t.Errorf("Unexpected Authorization header %q", got)
		}

		var body struct {
			TransactionDetails struct {
				OrderID     string `json:"order_id"`
				GrossAmount int64  `json:"gross_amount"`
			} `json:"transaction_details"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if body.TransactionDetails.OrderID != "order-1" || body.TransactionDetails.GrossAmount != 25000 {
			t.Errorf("Unexpected transaction details %+v", body.TransactionDetails)
		}

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"snap-token","redirect_url":"https://pay.example/snap-token"}`))
	}))
	defer srv.Close()

	checkout, err := newTestClient(srv, nil).OpenCheckout(context.Background(), "order-1", 25000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if checkout.Token != "snap-token" || checkout.RedirectURL != "https://pay.example/snap-token" {
		t.Errorf("Unexpected checkout %+v", checkout)
	}
}

func TestOpenCheckoutErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error_messages":["Access denied"]}`))
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not-json`))
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "missing token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"redirect_url":"https://pay.example"}`))
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(500 * time.Millisecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestClient(srv, nil).OpenCheckout(context.Background(), "order-1", 1000)
			var gwErr *Error
			if !errors.As(err, &gwErr) {
				t.Fatalf("Expected *gateway.Error, got %T %v", err, err)
			}
			if gwErr.Op != OpCheckout {
				t.Errorf("Expected op %s, got %s", OpCheckout, gwErr.Op)
			}
			if tt.wantStatus != 0 && gwErr.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, gwErr.StatusCode)
			}
		})
	}
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantSettled bool
	}{
		{"settled", `{"status_code":"200","transaction_status":"settlement","settlement_time":"2024-01-01 10:00:00"}`, true},
		{"pending", `{"status_code":"201","transaction_status":"pending"}`, false},
		{"settlement without time", `{"status_code":"200","transaction_status":"settlement"}`, false},
		{"unknown transaction", `{"status_code":"404","status_message":"Transaction doesn't exist."}`, false},
		{"capture", `{"status_code":"200","transaction_status":"capture","settlement_time":"2024-01-01 10:00:00"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/v2/order-9/status" {
					t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("Authorization") == "" {
					t.Error("Missing Authorization header")
				}
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			status, err := newTestClient(srv, nil).CheckStatus(context.Background(), "order-9")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if status.Settled() != tt.wantSettled {
				t.Errorf("Expected settled=%v for %+v", tt.wantSettled, status)
			}
		})
	}
}

func TestCheckStatusBreakerFailsFast(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: 2,
		Timeout:     time.Minute,
	}, testLogger())
	client := newTestClient(srv, breakers)

	for i := 0; i < 5; i++ {
		_, err := client.CheckStatus(context.Background(), "order-1")
		var gwErr *Error
		if !errors.As(err, &gwErr) {
			t.Fatalf("Expected *gateway.Error, got %v", err)
		}
	}

	if calls != 2 {
		t.Errorf("Expected 2 upstream calls before the breaker opened, got %d", calls)
	}
	_, err := client.CheckStatus(context.Background(), "order-1")
	if !errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		t.Errorf("Expected breaker open error, got %v", err)
	}
}

func TestRejectedCheckoutDoesNotTripBreaker(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int
	}{
		{"validation rejection", http.StatusBadRequest, 5},
		{"bad server key", http.StatusUnauthorized, 5},
		{"rate limited", http.StatusTooManyRequests, 2},
		{"gateway outage", http.StatusServiceUnavailable, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error_messages":["rejected"]}`))
			}))
			defer srv.Close()

			breakers := circuitbreaker.NewManager(circuitbreaker.Config{
				MaxFailures: 2,
				Timeout:     time.Minute,
			}, testLogger())
			client := newTestClient(srv, breakers)

			for i := 0; i < 5; i++ {
				client.OpenCheckout(context.Background(), "order-1", 1000)
			}
			if calls != tt.wantCalls {
				t.Errorf("Expected %d upstream calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}
