package notifications

import "errors"

// Repository errors.
var (
	ErrNotificationNotFound = errors.New("notification not found")
)

// Delivery errors.
var (
	// ErrChannelDisabled is returned while the delivery channel is not
	// configured. The item is retried, so deliveries resume once an operator
	// enables the channel.
	ErrChannelDisabled = errors.New("delivery channel is disabled")
)
