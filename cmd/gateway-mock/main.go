package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	autoSettle, err := time.ParseDuration(getEnv("AUTO_SETTLE_AFTER", "0s"))
	if err != nil {
		logger.WithError(err).Fatal("Invalid AUTO_SETTLE_AFTER")
	}

	gw := NewFakeGateway(getEnv("MIDTRANS_SERVER_KEY", ""), getEnv("PUBLIC_URL", "http://localhost:8090"), autoSettle, logger)

	port := getEnv("GATEWAY_MOCK_PORT", "8090")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Router(),
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":        port,
			"auto_settle": autoSettle.String(),
		}).Info("Starting payment gateway mock server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down payment gateway mock server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}

	logger.Info("Payment gateway mock server gracefully stopped")
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondWithErrors(w http.ResponseWriter, code int, messages ...string) {
	respondWithJSON(w, code, map[string]interface{}{
		"error_messages": messages,
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
