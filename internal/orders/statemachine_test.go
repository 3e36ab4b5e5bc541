package orders

import (
	"errors"
	"strings"
	"testing"

	"github.com/jogardn/marketplace-orders/pkg/models"
)

var allEvents = []Event{EventSettled, EventBuyerCancel, EventSellerShip, EventBuyerComplete, EventSellerCancel}

func TestNextAllowedTransitions(t *testing.T) {
	tests := []struct {
		from  models.Status
		event Event
		to    models.Status
	}{
		{models.StatusPending, EventSettled, models.StatusPaid},
		{models.StatusPending, EventBuyerCancel, models.StatusCancelled},
		{models.StatusPaid, EventSellerShip, models.StatusShipped},
		{models.StatusPaid, EventBuyerCancel, models.StatusCancelled},
		{models.StatusShipped, EventBuyerComplete, models.StatusCompleted},
		{models.StatusShipped, EventSellerCancel, models.StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+tt.event.String(), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.to {
				t.Errorf("Expected %s, got %s", tt.to, got)
			}
		})
	}
}

func TestNextRejectsEverythingElse(t *testing.T) {
	allowed := 0
	for _, from := range models.Statuses {
		for _, event := range allEvents {
			to, err := Next(from, event)
			if err == nil {
				allowed++
				continue
			}

			var conflict *StateConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("%s/%s: expected StateConflictError, got %T", from, event, err)
			}
			if conflict.Status != from || to != from {
				t.Errorf("%s/%s: rejected transition must leave status unchanged", from, event)
			}
			if conflict.Reason == "" {
				t.Errorf("%s/%s: expected a reason", from, event)
			}
		}
	}
	if allowed != 6 {
		t.Errorf("Expected exactly 6 allowed transitions, got %d", allowed)
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, from := range models.Statuses {
		if !from.Terminal() {
			continue
		}
		for _, event := range allEvents {
			if _, err := Next(from, event); err == nil {
				t.Errorf("%s accepted %s", from, event)
			}
		}
	}
}

func TestConflictReasons(t *testing.T) {
	tests := []struct {
		from    models.Status
		event   Event
		contain string
	}{
		{models.StatusPending, EventSellerShip, "awaiting payment"},
		{models.StatusShipped, EventSellerShip, "already shipped"},
		{models.StatusCompleted, EventSellerShip, "already completed"},
		{models.StatusCancelled, EventBuyerCancel, "already cancelled"},
		{models.StatusPaid, EventBuyerComplete, "awaiting shipment"},
		{models.StatusPending, EventBuyerComplete, "payment has not been made"},
		{models.StatusShipped, EventBuyerCancel, "already in delivery"},
		{models.StatusPaid, EventSellerCancel, "has not been shipped"},
		{models.StatusCompleted, EventBuyerCancel, "already completed"},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+tt.event.String(), func(t *testing.T) {
			_, err := Next(tt.from, tt.event)
			if err == nil || !strings.Contains(err.Error(), tt.contain) {
				t.Errorf("Expected reason containing %q, got %v", tt.contain, err)
			}
		})
	}
}

func TestEventActor(t *testing.T) {
	if EventSettled.Actor() != "" {
		t.Error("Settlement has no role actor")
	}
	if EventSellerShip.Actor() != models.RoleSeller || EventSellerCancel.Actor() != models.RoleSeller {
		t.Error("Ship and seller cancel belong to sellers")
	}
	if EventBuyerComplete.Actor() != models.RoleBuyer || EventBuyerCancel.Actor() != models.RoleBuyer {
		t.Error("Complete and cancel belong to buyers")
	}
}
