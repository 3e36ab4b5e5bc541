package circuitbreaker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager keeps one breaker per downstream operation.
type Manager struct {
	breakers map[string]*CircuitBreaker
	defaults Config
	mutex    sync.RWMutex
	logger   *logrus.Logger
}

func NewManager(defaults Config, logger *logrus.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   logger,
	}
}

// Breaker returns the breaker for name, creating it from the manager defaults.
func (m *Manager) Breaker(name string) *CircuitBreaker {
	return m.GetOrCreate(name, m.defaults)
}

// Defaults returns the config new breakers are created from.
func (m *Manager) Defaults() Config {
	return m.defaults
}

func (m *Manager) GetOrCreate(name string, config Config) *CircuitBreaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	config.Name = name
	breaker := New(config, m.logger)
	m.breakers[name] = breaker

	m.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    config.MaxFailures,
		"timeout":         config.Timeout.String(),
		"max_requests":    config.MaxRequests,
	}).Info("Circuit breaker created")

	return breaker
}

func (m *Manager) Get(name string) *CircuitBreaker {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.breakers[name]
}

func (m *Manager) GetAllMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	metrics := make(map[string]interface{})
	for name, breaker := range m.breakers {
		metrics[name] = breaker.Metrics()
	}

	return metrics
}

func (m *Manager) Reset(name string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if breaker, exists := m.breakers[name]; exists {
		breaker.Reset()
		m.logger.WithField("circuit_breaker", name).Info("Circuit breaker reset")
		return true
	}

	return false
}
