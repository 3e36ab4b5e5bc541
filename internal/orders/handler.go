package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jogardn/marketplace-orders/internal/auth"
	"github.com/jogardn/marketplace-orders/internal/gateway"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	service *Service
	logger  *logrus.Logger
}

func NewHandler(service *Service, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router, authn *auth.Authenticator) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	user := router.PathPrefix("/user").Subrouter()
	user.Use(authn.Require(models.RoleBuyer))
	user.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	user.HandleFunc("/orders", h.ListOrders).Methods("GET")
	user.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	user.HandleFunc("/orders/{id}", h.CompleteOrder).Methods("PATCH")
	user.HandleFunc("/orders/{id}", h.CancelOrder).Methods("DELETE")
	user.HandleFunc("/summary", h.BuyerSummary).Methods("GET")

	seller := router.PathPrefix("/seller").Subrouter()
	seller.Use(authn.Require(models.RoleSeller))
	seller.HandleFunc("/orders", h.ListOrders).Methods("GET")
	seller.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	seller.HandleFunc("/orders/{id}", h.ShipOrder).Methods("PATCH")
	seller.HandleFunc("/orders/{id}", h.SellerCancelOrder).Methods("DELETE")
	seller.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	seller.HandleFunc("/transactions", h.Withdraw).Methods("POST")
	seller.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	seller.HandleFunc("/summary", h.SellerSummary).Methods("GET")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(authn.Require(models.RoleAdmin))
	admin.HandleFunc("/orders", h.ListOrders).Methods("GET")
	admin.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	admin.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Warn("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.service.CreateOrder(r.Context(), caller(r.Context()), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Order created successfully", order)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context(), caller(r.Context()))
	if err != nil {
		h.handleError(w, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	h.respondWithData(w, "Orders retrieved successfully", orders)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Order retrieved successfully", order)
}

func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.CompleteOrder(r.Context(), caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Order completed successfully", order)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.CancelOrder(r.Context(), caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Order cancelled successfully", order)
}

func (h *Handler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.ShipOrder(r.Context(), caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Order shipped successfully", order)
}

func (h *Handler) SellerCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.SellerCancelOrder(r.Context(), caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Order cancelled successfully", order)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Warn("Failed to decode withdrawal request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.service.Withdraw(r.Context(), caller(r.Context()), req)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Withdrawal recorded successfully", tx)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.service.ListTransactions(r.Context(), caller(r.Context()))
	if err != nil {
		h.handleError(w, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	h.respondWithData(w, "Transactions retrieved successfully", txs)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Transaction retrieved successfully", tx)
}

func (h *Handler) SellerSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.SellerSummary(r.Context(), caller(r.Context()))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Summary retrieved successfully", summary)
}

func (h *Handler) BuyerSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.BuyerSummary(r.Context(), caller(r.Context()))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.respondWithData(w, "Summary retrieved successfully", summary)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "order-service",
			"error":   "database connection failed",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "order-service",
	})
}

// handleError maps service errors onto status codes. System and gateway
// details are logged, never returned.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var (
		validationErr *ValidationError
		conflictErr   *StateConflictError
		notFoundErr   *NotFoundError
		gatewayErr    *gateway.Error
		systemErr     *SystemError
	)

	switch {
	case errors.As(err, &validationErr):
		h.respondWithError(w, http.StatusBadRequest, validationErr.Message)
	case errors.As(err, &conflictErr):
		h.respondWithError(w, http.StatusBadRequest, conflictErr.Reason)
	case errors.As(err, &notFoundErr):
		h.respondWithError(w, http.StatusNotFound, notFoundErr.Error())
	case errors.As(err, &gatewayErr):
		h.logger.WithError(err).Error("Payment gateway request failed")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to create payment")
	case errors.As(err, &systemErr):
		h.logger.WithError(err).Error("Order operation failed")
		h.respondWithError(w, http.StatusInternalServerError, systemErr.Message)
	default:
		h.logger.WithError(err).Error("Unexpected error")
		h.respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func caller(ctx context.Context) models.Identity {
	identity, _ := auth.IdentityFromContext(ctx)
	return identity
}

func (h *Handler) respondWithData(w http.ResponseWriter, message string, data interface{}) {
	h.respondWithJSON(w, http.StatusOK, models.Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, models.Response{
		Success: false,
		Message: message,
	})
}
