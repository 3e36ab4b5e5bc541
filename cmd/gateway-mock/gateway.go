package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jogardn/marketplace-orders/internal/gateway"
	"github.com/sirupsen/logrus"
)

const settlementTimeLayout = "2006-01-02 15:04:05"

type transaction struct {
	OrderID     string
	GrossAmount int64
	Token       string
	CreatedAt   time.Time
	SettledAt   time.Time
}

// FakeGateway stands in for Midtrans Snap and the v2 status API during
// local development.
type FakeGateway struct {
	authHeader   string
	publicURL    string
	autoSettle   time.Duration
	now          func() time.Time
	logger       *logrus.Logger
	transactions map[string]*transaction
	mutex        sync.RWMutex
}

// NewFakeGateway returns a gateway that accepts serverKey. An empty key
// disables the Authorization check. A positive autoSettle settles every
// transaction once it is that old.
func NewFakeGateway(serverKey, publicURL string, autoSettle time.Duration, logger *logrus.Logger) *FakeGateway {
	g := &FakeGateway{
		publicURL:    strings.TrimRight(publicURL, "/"),
		autoSettle:   autoSettle,
		now:          time.Now,
		logger:       logger,
		transactions: make(map[string]*transaction),
	}
	if serverKey != "" {
		g.authHeader = gateway.BasicAuth(serverKey)
	}
	return g
}

func (g *FakeGateway) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", g.healthCheck).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(g.requireServerKey)
	api.HandleFunc("/snap/v1/transactions", g.createTransaction).Methods("POST")
	api.HandleFunc("/v2/{id}/status", g.transactionStatus).Methods("GET")
	api.HandleFunc("/v2/{id}/settle", g.settle).Methods("POST")
	return router
}

func (g *FakeGateway) requireServerKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.authHeader != "" && r.Header.Get("Authorization") != g.authHeader {
			respondWithErrors(w, http.StatusUnauthorized, "Access denied due to unauthorized transaction, please check client or server key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *FakeGateway) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "gateway-mock",
	})
}

func (g *FakeGateway) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionDetails struct {
			OrderID     string `json:"order_id"`
			GrossAmount int64  `json:"gross_amount"`
		} `json:"transaction_details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithErrors(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	details := req.TransactionDetails
	var problems []string
	if details.OrderID == "" {
		problems = append(problems, "transaction_details.order_id is required")
	}
	if details.GrossAmount <= 0 {
		problems = append(problems, "transaction_details.gross_amount must be greater than 0")
	}
	if len(problems) > 0 {
		respondWithErrors(w, http.StatusBadRequest, problems...)
		return
	}

	g.mutex.Lock()
	if _, exists := g.transactions[details.OrderID]; exists {
		g.mutex.Unlock()
		respondWithErrors(w, http.StatusBadRequest, "transaction_details.order_id has already been taken")
		return
	}
	tx := &transaction{
		OrderID:     details.OrderID,
		GrossAmount: details.GrossAmount,
		Token:       uuid.New().String(),
		CreatedAt:   g.now(),
	}
	g.transactions[tx.OrderID] = tx
	g.mutex.Unlock()

	g.logger.WithFields(logrus.Fields{
		"order_id":     tx.OrderID,
		"gross_amount": tx.GrossAmount,
	}).Info("Snap transaction created")

	respondWithJSON(w, http.StatusCreated, gateway.Checkout{
		Token:       tx.Token,
		RedirectURL: g.publicURL + "/snap/v2/vtweb/" + tx.Token,
	})
}

func (g *FakeGateway) transactionStatus(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	g.mutex.Lock()
	tx, exists := g.transactions[orderID]
	if exists && tx.SettledAt.IsZero() && g.autoSettle > 0 && g.now().Sub(tx.CreatedAt) >= g.autoSettle {
		tx.SettledAt = g.now()
	}
	var status gateway.Status
	switch {
	case !exists:
		status = gateway.Status{StatusCode: "404", TransactionStatus: ""}
	case tx.SettledAt.IsZero():
		status = gateway.Status{StatusCode: "201", TransactionStatus: "pending"}
	default:
		status = gateway.Status{
			StatusCode:        "200",
			TransactionStatus: "settlement",
			SettlementTime:    tx.SettledAt.Format(settlementTimeLayout),
		}
	}
	g.mutex.Unlock()

	respondWithJSON(w, http.StatusOK, status)
}

// settle marks a transaction paid, simulating the buyer finishing checkout.
func (g *FakeGateway) settle(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	g.mutex.Lock()
	tx, exists := g.transactions[orderID]
	if exists && tx.SettledAt.IsZero() {
		tx.SettledAt = g.now()
	}
	g.mutex.Unlock()

	if !exists {
		respondWithErrors(w, http.StatusNotFound, "Transaction doesn't exist.")
		return
	}

	g.logger.WithField("order_id", orderID).Info("Transaction settled")
	respondWithJSON(w, http.StatusOK, map[string]string{
		"status_code":        "200",
		"transaction_status": "settlement",
	})
}
