package orders

import (
	"fmt"

	"github.com/jogardn/marketplace-orders/pkg/models"
)

type Event int

const (
	EventSettled Event = iota
	EventBuyerCancel
	EventSellerShip
	EventBuyerComplete
	EventSellerCancel
)

func (e Event) String() string {
	switch e {
	case EventSettled:
		return "settled"
	case EventBuyerCancel:
		return "buyer_cancel"
	case EventSellerShip:
		return "seller_ship"
	case EventBuyerComplete:
		return "buyer_complete"
	case EventSellerCancel:
		return "seller_cancel"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Actor is the role allowed to raise the event. Settlement is raised by the
// system and has no role.
func (e Event) Actor() models.Role {
	switch e {
	case EventBuyerCancel, EventBuyerComplete:
		return models.RoleBuyer
	case EventSellerShip, EventSellerCancel:
		return models.RoleSeller
	default:
		return ""
	}
}

type transitionKey struct {
	from  models.Status
	event Event
}

var transitions = map[transitionKey]models.Status{
	{models.StatusPending, EventSettled}:       models.StatusPaid,
	{models.StatusPending, EventBuyerCancel}:   models.StatusCancelled,
	{models.StatusPaid, EventSellerShip}:       models.StatusShipped,
	{models.StatusPaid, EventBuyerCancel}:      models.StatusCancelled,
	{models.StatusShipped, EventBuyerComplete}: models.StatusCompleted,
	{models.StatusShipped, EventSellerCancel}:  models.StatusCancelled,
}

// Next applies event to from. A rejected transition returns a
// *StateConflictError whose reason names the blocking state.
func Next(from models.Status, event Event) (models.Status, error) {
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	return from, &StateConflictError{Status: from, Reason: conflictReason(from, event)}
}

func conflictReason(from models.Status, event Event) string {
	switch from {
	case models.StatusCompleted:
		return "order already completed"
	case models.StatusCancelled:
		return "order already cancelled"
	}

	switch event {
	case EventSettled:
		return "order already paid"
	case EventSellerShip:
		if from == models.StatusPending {
			return "awaiting payment from buyer"
		}
		return "order already shipped"
	case EventBuyerComplete:
		if from == models.StatusPending {
			return "payment has not been made yet"
		}
		return "awaiting shipment by seller"
	case EventBuyerCancel:
		return "order already in delivery"
	case EventSellerCancel:
		if from == models.StatusPending {
			return "awaiting payment from buyer"
		}
		return "order has not been shipped"
	}
	return fmt.Sprintf("cannot apply %s to %s order", event, from)
}
