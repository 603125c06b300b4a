package realtime

import "errors"

var (
	// ErrNotificationWrite wraps a ledger append failure after a committed change
	ErrNotificationWrite = errors.New("notification write failed")
	// ErrPushDelivery marks a push that could not be handed to a live session
	ErrPushDelivery = errors.New("push delivery failed")
	// ErrAuthExpired is returned when a session's authenticated-until has passed
	ErrAuthExpired = errors.New("authentication expired")
)
