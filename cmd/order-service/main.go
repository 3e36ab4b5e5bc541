package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jogardn/marketplace-orders/internal/auth"
	"github.com/jogardn/marketplace-orders/internal/circuitbreaker"
	"github.com/jogardn/marketplace-orders/internal/config"
	"github.com/jogardn/marketplace-orders/internal/events"
	"github.com/jogardn/marketplace-orders/internal/gateway"
	"github.com/jogardn/marketplace-orders/internal/ledger"
	"github.com/jogardn/marketplace-orders/internal/metrics"
	"github.com/jogardn/marketplace-orders/internal/orders"
	"github.com/jogardn/marketplace-orders/internal/store"
	"github.com/jogardn/marketplace-orders/internal/sweep"
	"github.com/jogardn/marketplace-orders/internal/websocket"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const ledgerConsumerGroup = "order-ledger-group"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open order store")
	}
	defer st.Close()

	m := metrics.NewDefault()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.BreakerMaxFailures,
		Timeout:     cfg.BreakerTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Warn("Payment gateway circuit breaker changed state")
		},
	}, logger)

	gw := gateway.NewClient(gateway.Config{
		SnapURL:   cfg.MidtransSnapURL,
		APIURL:    cfg.MidtransAPIURL,
		ServerKey: cfg.MidtransServerKey,
		Timeout:   cfg.GatewayTimeout,
	}, breakers, m, logger)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	crediter := ledger.NewIncomeCrediter(st, logger)

	var publisher events.Publisher
	var retryConsumer *events.KafkaConsumerWithRetry
	if cfg.KafkaBrokers == "" {
		logger.Info("KAFKA_BROKERS not set, dispatching status changes in process")
		publisher = events.NewInlinePublisher(logger, crediter, hub)
	} else {
		producer, consumer, fanout := startKafka(ctx, cfg.KafkaBrokers, crediter, hub, logger)
		defer producer.Close()
		defer consumer.Close()
		defer fanout.Close()
		publisher = producer
		retryConsumer = consumer
	}

	service := orders.NewService(st, gw, publisher, m, logger)

	sweeper := sweep.NewSweeper(st, service.Reconciler(), sweep.Config{
		BatchSize:    cfg.SweepBatchSize,
		Concurrency:  cfg.SweepConcurrency,
		DelayBetween: 100 * time.Millisecond,
	}, logger)
	if cfg.SweepInterval > 0 {
		go sweeper.Start(ctx, cfg.SweepInterval)
	}

	authn := auth.NewAuthenticator(cfg.JWTSecret, logger)

	router := mux.NewRouter()
	router.Use(orders.LoggingMiddleware(logger))
	router.Use(orders.MetricsMiddleware(m))

	orders.NewHandler(service, logger).RegisterRoutes(router, authn)
	router.Handle("/metrics", m.Handler()).Methods("GET")
	router.Handle("/ws", authn.Require()(http.HandlerFunc(hub.HandleWebSocket))).Methods("GET")

	ops := router.PathPrefix("/admin/ops").Subrouter()
	ops.Use(authn.Require(models.RoleAdmin))
	ops.HandleFunc("/breakers", breakerMetrics(breakers)).Methods("GET")
	ops.HandleFunc("/breakers/{name}/reset", resetBreaker(breakers, logger)).Methods("POST")
	ops.HandleFunc("/sweep", runSweep(sweeper, logger)).Methods("POST")
	ops.HandleFunc("/consumer", consumerMetrics(retryConsumer)).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsMiddleware()(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":         cfg.Port,
			"store_driver": cfg.StoreDriver,
			"kafka":        cfg.KafkaBrokers != "",
		}).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()

	logger.Info("Server gracefully stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("Using in-memory order store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return store.OpenPostgres(ctx, store.PostgresConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
}

// startKafka connects the producer, the shared ledger consumer and this
// instance's websocket fan-out consumer, retrying while the broker comes up.
func startKafka(ctx context.Context, brokers string, crediter *ledger.IncomeCrediter, hub *websocket.Hub, logger *logrus.Logger) (*events.KafkaProducer, *events.KafkaConsumerWithRetry, *events.FanoutConsumer) {
	var producer *events.KafkaProducer
	var err error
	for i := 0; i < 10; i++ {
		producer, err = events.NewKafkaProducer(brokers, logger)
		if err == nil {
			logger.Info("Successfully connected to Kafka")
			break
		}
		logger.WithError(err).WithField("attempt", i+1).Warn("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer after retries")
	}

	consumer, err := events.NewKafkaConsumerWithRetry(brokers, ledgerConsumerGroup, crediter, events.DefaultRetryPolicy(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create ledger consumer")
	}
	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Ledger consumer error")
		}
	}()

	fanout, err := events.NewFanoutConsumer(brokers, fanoutGroupID(), hub, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create websocket fan-out consumer")
	}
	go func() {
		if err := fanout.Start(ctx); err != nil {
			logger.WithError(err).Error("Fan-out consumer error")
		}
	}()

	return producer, consumer, fanout
}

func fanoutGroupID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "order-service"
	}
	return fmt.Sprintf("order-ws-%s-%s", host, uuid.New().String()[:8])
}

func breakerMetrics(breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, breakers.GetAllMetrics())
	}
}

func resetBreaker(breakers *circuitbreaker.Manager, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if !breakers.Reset(name) {
			respondWithJSON(w, http.StatusNotFound, map[string]interface{}{
				"success": false,
				"message": "circuit breaker not found",
			})
			return
		}
		logger.WithField("circuit_breaker", name).Info("Circuit breaker reset by admin")
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "circuit breaker reset",
		})
	}
}

func runSweep(sweeper *sweep.Sweeper, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := sweeper.Run
		if r.URL.Query().Get("dry_run") == "true" {
			run = sweeper.DryRun
		}

		result, err := run(r.Context())
		if err != nil {
			logger.WithError(err).Error("Manual sweep failed")
			respondWithJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"success": false,
				"message": "sweep failed",
			})
			return
		}
		respondWithJSON(w, http.StatusOK, result)
	}
}

func consumerMetrics(consumer *events.KafkaConsumerWithRetry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if consumer == nil {
			respondWithJSON(w, http.StatusOK, map[string]string{"mode": "inline"})
			return
		}
		respondWithJSON(w, http.StatusOK, consumer.GetMetrics())
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
