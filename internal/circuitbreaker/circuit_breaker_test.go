package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

var errDownstream = errors.New("downstream failure")

func fail(ctx context.Context) error    { return errDownstream }
func succeed(ctx context.Context) error { return nil }

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name        string
		scenario    func(t *testing.T, cb *CircuitBreaker)
		expectedEnd State
	}{
		{
			name: "closed_to_open_after_max_failures",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					if err := cb.Execute(context.Background(), fail); err == nil {
						t.Error("Expected failure")
					}
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "open_rejects_without_calling",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				called := false
				err := cb.Execute(context.Background(), func(ctx context.Context) error {
					called = true
					return nil
				})
				if !errors.Is(err, ErrCircuitBreakerOpen) {
					t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
				}
				if called {
					t.Error("Function must not run while open")
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "half_open_to_closed_on_success",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				time.Sleep(110 * time.Millisecond)
				if err := cb.Execute(context.Background(), succeed); err != nil {
					t.Errorf("Expected success, got %v", err)
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "half_open_to_open_on_failure",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				time.Sleep(110 * time.Millisecond)
				cb.Execute(context.Background(), fail)
			},
			expectedEnd: StateOpen,
		},
		{
			name: "success_resets_failure_count",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), succeed)
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), fail)
			},
			expectedEnd: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(Config{
				Name:        tt.name,
				MaxFailures: 3,
				Timeout:     100 * time.Millisecond,
				MaxRequests: 1,
			}, quietLogger())

			tt.scenario(t, cb)

			if cb.State() != tt.expectedEnd {
				t.Errorf("Expected state %s, got %s", tt.expectedEnd, cb.State())
			}
		})
	}
}

func TestIsFailureFilter(t *testing.T) {
	ignored := errors.New("not a downstream fault")
	cb := New(Config{
		Name:        "filtered",
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, ignored) },
	}, quietLogger())

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return ignored })
		if !errors.Is(err, ignored) {
			t.Fatalf("Expected the original error back, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", cb.State())
	}
}

func TestCancelledContextIsNotAFailure(t *testing.T) {
	cb := New(Config{Name: "ctx", MaxFailures: 1, Timeout: time.Minute}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Execute(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected closed, got %s", cb.State())
	}
}

func TestMetricsConsistentUnderConcurrency(t *testing.T) {
	cb := New(Config{
		Name:        "concurrent",
		MaxFailures: 3,
		Timeout:     50 * time.Millisecond,
		MaxRequests: 2,
	}, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if (i+j)%4 == 0 {
					cb.Execute(context.Background(), fail)
				} else {
					cb.Execute(context.Background(), succeed)
				}
			}
		}(i)
	}
	wg.Wait()

	metrics := cb.Metrics()
	total := metrics["total_requests"].(int64)
	failures := metrics["total_failures"].(int64)
	successes := metrics["total_successes"].(int64)
	rejected := metrics["total_rejected"].(int64)

	if total != failures+successes {
		t.Errorf("Inconsistent metrics: total_requests=%d, total_failures=%d, total_successes=%d",
			total, failures, successes)
	}
	if total+rejected != 500 {
		t.Errorf("Expected 500 admitted+rejected calls, got %d", total+rejected)
	}
}

func TestConfigDefaults(t *testing.T) {
	cb := New(Config{}, quietLogger())

	if cb.Name() != "unnamed" {
		t.Errorf("Expected name 'unnamed', got %s", cb.Name())
	}
	metrics := cb.Metrics()
	if metrics["max_failures"].(int) != 5 {
		t.Errorf("Expected default max_failures 5, got %v", metrics["max_failures"])
	}
	if metrics["timeout_seconds"].(float64) != 30 {
		t.Errorf("Expected default timeout 30s, got %v", metrics["timeout_seconds"])
	}
}
