package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string
	LogLevel logrus.Level

	StoreDriver string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// KafkaBrokers is a comma separated list. Empty dispatches events in process.
	KafkaBrokers string

	MidtransServerKey  string
	MidtransSnapURL    string
	MidtransAPIURL     string
	GatewayTimeout     time.Duration
	BreakerMaxFailures int
	BreakerTimeout     time.Duration

	JWTSecret string

	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepConcurrency int
}

// Load reads the environment, after applying any .env files found. Variables
// already set in the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	var errs []error

	cfg := &Config{
		Port:              getEnv("ORDER_SERVICE_PORT", "8081"),
		StoreDriver:       strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "orderservice"),
		DBPassword:        getEnv("DB_PASSWORD", "orderservice"),
		DBName:            getEnv("DB_NAME", "orders"),
		DBSSLMode:         getEnv("DB_SSLMODE", "disable"),
		KafkaBrokers:      getEnv("KAFKA_BROKERS", ""),
		MidtransServerKey: getEnv("MIDTRANS_SERVER_KEY", ""),
		MidtransSnapURL:   getEnv("MIDTRANS_URL_API", "https://app.sandbox.midtrans.com"),
		MidtransAPIURL:    getEnv("MIDTRANS_URL_API2", "https://api.sandbox.midtrans.com"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
	}

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	cfg.GatewayTimeout = getDuration("GATEWAY_TIMEOUT", 10*time.Second, &errs)
	cfg.BreakerMaxFailures = getInt("GATEWAY_BREAKER_MAX_FAILURES", 5, &errs)
	cfg.BreakerTimeout = getDuration("GATEWAY_BREAKER_TIMEOUT", 30*time.Second, &errs)
	cfg.SweepInterval = getDuration("SWEEP_INTERVAL", 0, &errs)
	cfg.SweepBatchSize = getInt("SWEEP_BATCH_SIZE", 50, &errs)
	cfg.SweepConcurrency = getInt("SWEEP_CONCURRENCY", 5, &errs)

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.StoreDriver != DriverPostgres && cfg.StoreDriver != DriverMemory {
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver))
	}
	if cfg.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return value
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return value
}
