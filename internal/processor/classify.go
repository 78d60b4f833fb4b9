package processor

import (
	"context"
	"strconv"

	"credits-platform/internal/billing"
	"credits-platform/internal/payment"
	"credits-platform/pkg/logger"
)

type paymentClass int

const (
	classRenewal paymentClass = iota
	classFirstCharge
	classDuplicate
	classUnclassifiable
)

// classifyPayment decides whether a subscription charge is its first payment
// (settled by checkout) or a renewal. It returns the transaction id the
// renewal is recorded under.
//
// An explicit provider marker wins. Without one, a transaction id already on
// some order is a redelivery and a new one is taken as a renewal.
//
// NOTE: the fallback misclassifies a first charge whose checkout event was
// delayed or lost; it then grants renewal credits in place of the checkout
// grant. Kept because providers without markers depend on it.
func (p *Processor) classifyPayment(ctx context.Context, evt payment.Event, sub billing.Subscription) (paymentClass, string, error) {
	if evt.Cycle == payment.CycleCreate {
		return classFirstCharge, "", nil
	}

	txID := evt.TransactionID
	if txID == "" {
		if evt.Subscription.PeriodStart == nil {
			return classUnclassifiable, "", nil
		}
		// one charge per billing period
		txID = "cycle:" + sub.ProviderSubscriptionID + ":" + strconv.FormatInt(evt.Subscription.PeriodStart.Unix(), 10)
	}

	seen, err := p.billing.TransactionSeen(ctx, sub.Provider, txID)
	if err != nil {
		return 0, "", err
	}
	if seen {
		return classDuplicate, txID, nil
	}
	if evt.Cycle == "" {
		logger.From(ctx).Info("unmarked subscription charge treated as renewal",
			"subscription_no", sub.SubscriptionNo, "transaction_id", txID)
	}
	return classRenewal, txID, nil
}
