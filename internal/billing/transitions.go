package billing

var orderTransitions = map[OrderStatus][]OrderStatus{
	// the webhook may beat the CREATED write, so pending can settle directly
	OrderPending: {OrderCreated, OrderCheckoutFailed, OrderPaid, OrderFailed},
	OrderCreated: {OrderPaid, OrderFailed},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further order transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderPaid || s == OrderFailed || s == OrderCheckoutFailed
}

// IsEnded reports whether the subscription can no longer renew.
func (s SubscriptionStatus) IsEnded() bool {
	return s == SubscriptionCanceled || s == SubscriptionExpired
}
