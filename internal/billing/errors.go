package billing

import "errors"

var (
	ErrInvalidArgument      = errors.New("billing: invalid argument")
	ErrOrderNotFound        = errors.New("billing: order not found")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrInvalidTransition    = errors.New("billing: invalid state transition")
	// ErrDuplicateTransaction means a provider transaction id is already on another order.
	ErrDuplicateTransaction = errors.New("billing: transaction already recorded")
)
