package circuitbreaker

import (
	"context"
	"testing"
	"time"
)

func TestManager(t *testing.T) {
	manager := NewManager(Config{
		MaxFailures: 1,
		Timeout:     time.Minute,
	}, quietLogger())

	checkout := manager.Breaker("midtrans.checkout")
	if checkout == nil {
		t.Fatal("Expected circuit breaker, got nil")
	}
	if manager.Breaker("midtrans.checkout") != checkout {
		t.Error("Expected same circuit breaker instance")
	}

	status := manager.Breaker("midtrans.status")
	if status == checkout {
		t.Error("Expected different circuit breaker instances")
	}
	if manager.Get("unknown") != nil {
		t.Error("Expected nil for non-existent circuit breaker")
	}

	checkout.Execute(context.Background(), fail)
	if checkout.State() != StateOpen {
		t.Fatalf("Expected checkout breaker open, got %s", checkout.State())
	}
	if status.State() != StateClosed {
		t.Errorf("Status breaker must be independent, got %s", status.State())
	}

	if !manager.Reset("midtrans.checkout") {
		t.Error("Expected reset to find breaker")
	}
	if checkout.State() != StateClosed {
		t.Errorf("Expected closed after reset, got %s", checkout.State())
	}
	if manager.Reset("unknown") {
		t.Error("Expected reset of unknown breaker to report false")
	}

	all := manager.GetAllMetrics()
	if len(all) != 2 {
		t.Errorf("Expected metrics for 2 breakers, got %d", len(all))
	}
}
