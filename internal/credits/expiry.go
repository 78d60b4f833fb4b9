package credits

import "time"

// ExpiryFor computes when a new grant expires.
//
// validDays <= 0 means the grant never expires. Otherwise a subscription
// grant expires with the billing period (periodEnd) and any other grant
// validDays after now.
func ExpiryFor(now time.Time, validDays int, periodEnd *time.Time) *time.Time {
	if validDays <= 0 {
		return nil
	}
	var t time.Time
	if periodEnd != nil && !periodEnd.IsZero() {
		t = periodEnd.UTC()
	} else {
		t = now.UTC().AddDate(0, 0, validDays)
	}
	return &t
}
