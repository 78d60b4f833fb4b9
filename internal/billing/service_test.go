package billing

import (
	"context"
	"testing"
	"time"

	"credits-platform/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	svc := NewService(repo, utils.NewLocalTransactor())
	svc.clock = func() time.Time { return testNow }
	return svc, repo
}

func newOrder(t *testing.T, svc *Service) Order {
	t.Helper()
	o, err := svc.CreateOrder(context.Background(), NewOrder{
		UserID:        "u1",
		Amount:        990,
		Currency:      "usd",
		ProductID:     "credits-100",
		PaymentType:   PaymentOneTime,
		Provider:      "stripe",
		CreditsAmount: 100,
	})
	require.NoError(t, err)
	return o
}

func newSubscription(t *testing.T, svc *Service) Subscription {
	t.Helper()
	end := testNow.AddDate(0, 1, 0)
	sub, created, err := svc.CreateSubscription(context.Background(), Subscription{
		Provider:               "stripe",
		ProviderSubscriptionID: "sub_1",
		UserID:                 "u1",
		ProductID:              "pro-monthly",
		Amount:                 1900,
		Currency:               "USD",
		Interval:               "month",
		CurrentPeriodStart:     &testNow,
		CurrentPeriodEnd:       &end,
		CreditsAmount:          500,
	})
	require.NoError(t, err)
	require.True(t, created)
	return sub
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderPending, OrderCreated, true},
		{OrderPending, OrderCheckoutFailed, true},
		{OrderPending, OrderPaid, true},
		{OrderCreated, OrderPaid, true},
		{OrderCreated, OrderFailed, true},
		{OrderCreated, OrderCheckoutFailed, false},
		{OrderPaid, OrderPaid, false},
		{OrderPaid, OrderFailed, false},
		{OrderFailed, OrderPaid, false},
		{OrderCheckoutFailed, OrderCreated, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, OrderCheckoutFailed.IsTerminal())
	assert.False(t, OrderCreated.IsTerminal())
}

func TestService_OrderLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	o := newOrder(t, svc)
	assert.Equal(t, OrderPending, o.Status)
	assert.Equal(t, "USD", o.Currency)
	assert.NotEmpty(t, o.OrderNo)

	o, err := svc.MarkCheckoutCreated(ctx, o.OrderNo, "cs_1", "https://pay.example.com/cs_1")
	require.NoError(t, err)
	assert.Equal(t, OrderCreated, o.Status)

	o, err = svc.MarkPaid(ctx, o.OrderNo, Payment{TransactionID: "pi_1", Amount: 990, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, OrderPaid, o.Status)
	require.NotNil(t, o.PaidAt)
	assert.True(t, o.PaidAt.Equal(testNow))

	_, err = svc.MarkPaid(ctx, o.OrderNo, Payment{TransactionID: "pi_1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	seen, err := svc.TransactionSeen(ctx, "stripe", "pi_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestService_CheckoutFailedIsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	o := newOrder(t, svc)

	o, err := svc.MarkCheckoutFailed(context.Background(), o.OrderNo, "provider timeout")
	require.NoError(t, err)
	assert.Equal(t, OrderCheckoutFailed, o.Status)
	assert.Equal(t, "provider timeout", o.FailureReason)

	_, err = svc.MarkPaid(context.Background(), o.OrderNo, Payment{TransactionID: "pi_2"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_MarkPaidRejectsReusedTransaction(t *testing.T) {
	svc, _ := newTestService(t)
	first := newOrder(t, svc)
	second := newOrder(t, svc)

	_, err := svc.MarkPaid(context.Background(), first.OrderNo, Payment{TransactionID: "pi_1"})
	require.NoError(t, err)
	_, err = svc.MarkPaid(context.Background(), second.OrderNo, Payment{TransactionID: "pi_1"})
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
}

func TestService_UnknownOrder(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.MarkFailed(context.Background(), "404", "x")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestService_CreateSubscriptionIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	sub := newSubscription(t, svc)

	again, created, err := svc.CreateSubscription(context.Background(), Subscription{
		Provider: "stripe", ProviderSubscriptionID: "sub_1", UserID: "u1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sub.SubscriptionNo, again.SubscriptionNo)
}

func TestService_RenewSubscription(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	sub := newSubscription(t, svc)

	start := *sub.CurrentPeriodEnd
	end := start.AddDate(0, 1, 0)
	renewed, order, err := svc.RenewSubscription(ctx, sub.SubscriptionNo, Renewal{
		TransactionID: "in_2", PeriodStart: &start, PeriodEnd: &end,
	})
	require.NoError(t, err)
	assert.True(t, renewed.CurrentPeriodEnd.Equal(end))
	assert.Equal(t, PaymentRenew, order.PaymentType)
	assert.Equal(t, OrderPaid, order.Status)
	assert.Equal(t, sub.SubscriptionNo, order.SubscriptionNo)
	assert.Equal(t, int64(1900), order.PaymentAmount)
	assert.Len(t, repo.Orders(), 1)

	_, _, err = svc.RenewSubscription(ctx, sub.SubscriptionNo, Renewal{TransactionID: "in_2", PeriodEnd: &end})
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.Len(t, repo.Orders(), 1)
}

func TestService_RenewAfterCancelIsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sub := newSubscription(t, svc)

	canceled, err := svc.CancelSubscription(ctx, sub.SubscriptionNo, Cancellation{Reason: "user request"})
	require.NoError(t, err)
	assert.Equal(t, SubscriptionCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledAt)

	_, _, err = svc.RenewSubscription(ctx, sub.SubscriptionNo, Renewal{TransactionID: "in_3"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_SyncNeverMovesPeriodBackwards(t *testing.T) {
	svc, _ := newTestService(t)
	sub := newSubscription(t, svc)

	earlierStart := testNow.AddDate(0, -1, 0)
	earlierEnd := testNow
	got, err := svc.SyncSubscription(context.Background(), sub.SubscriptionNo, SubscriptionUpdate{
		Status:      SubscriptionPaused,
		PeriodStart: &earlierStart,
		PeriodEnd:   &earlierEnd,
	})
	require.NoError(t, err)
	assert.Equal(t, SubscriptionPaused, got.Status)
	assert.True(t, got.CurrentPeriodEnd.Equal(*sub.CurrentPeriodEnd))
	assert.True(t, got.CurrentPeriodStart.Equal(*sub.CurrentPeriodStart))
}

func TestService_ScheduleCancelKeepsSubscriptionActive(t *testing.T) {
	svc, _ := newTestService(t)
	sub := newSubscription(t, svc)

	got, err := svc.ScheduleCancel(context.Background(), sub.SubscriptionNo, Cancellation{Reason: "too expensive", ReasonType: "user"})
	require.NoError(t, err)
	assert.Equal(t, SubscriptionActive, got.Status)
	require.NotNil(t, got.CanceledEndAt)
	assert.True(t, got.CanceledEndAt.Equal(*sub.CurrentPeriodEnd))
	assert.Equal(t, "user", got.CancelReasonType)
}

func TestService_MarkPastDue(t *testing.T) {
	svc, _ := newTestService(t)
	sub := newSubscription(t, svc)
	got, err := svc.MarkPastDue(context.Background(), sub.SubscriptionNo)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionPastDue, got.Status)
}

func TestService_ListPaidOrders(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	paid := newOrder(t, svc)
	newOrder(t, svc)
	_, err := svc.MarkPaid(ctx, paid.OrderNo, Payment{TransactionID: "pi_9"})
	require.NoError(t, err)

	rows, err := svc.ListPaidOrders(ctx, testNow.Add(-time.Hour), testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, paid.OrderNo, rows[0].OrderNo)

	_, err = svc.ListPaidOrders(ctx, testNow, testNow)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseSubscriptionStatus(t *testing.T) {
	assert.Equal(t, SubscriptionCanceled, ParseSubscriptionStatus("cancelled"))
	assert.Equal(t, SubscriptionPastDue, ParseSubscriptionStatus("unpaid"))
	assert.Equal(t, SubscriptionActive, ParseSubscriptionStatus("something-new"))
}
