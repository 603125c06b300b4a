package orderitem

import (
	"strings"
)

// Decide validates a requested transition against the item's current state.
// It is pure: no storage, no notification coupling. A nil result means the
// edge exists, the role may drive it and the inputs are complete.
func Decide(item OrderItem, to Status, role Role, cancelReason string) error {
	if to == StatusToOrder {
		return &TransitionError{From: item.Status, To: to, Role: role, Reason: "TO_ORDER is the initial status"}
	}
	driver, ok := DriverOf(to)
	if !ok {
		return ErrInvalidStatus
	}
	if to.IsCancel() && strings.TrimSpace(cancelReason) == "" {
		return ErrCancelReasonRequired
	}
	if !item.PaymentFlag {
		return &TransitionError{From: item.Status, To: to, Role: role, Reason: "item has not been checked out"}
	}
	if !CanTransition(item.Status, to) {
		return &TransitionError{From: item.Status, To: to, Role: role, Reason: "no such edge"}
	}
	if role != driver {
		return &TransitionError{From: item.Status, To: to, Role: role, Reason: "only the " + string(driver) + " may drive this edge"}
	}
	return nil
}
