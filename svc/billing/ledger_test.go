package billing_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

func openParams(sub billing.Subscription) billing.OpenParams {
	return billing.OpenParams{
		SubscriptionID: sub.ID,
		OwnerID:        sub.OwnerID,
		Provider:       gateway.ProviderECPay,
		Amount:         1990,
		Currency:       "TWD",
	}
}

func TestLedger_Open(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("issues an order reference", func(t *testing.T) {
		t.Parallel()
		store := newStore()
		sub := seedSubscription(t, store, billing.Subscription{Status: billing.StatusTrial})
		l := billing.NewLedger(store, newClock().Now)

		p, err := l.Open(ctx, openParams(sub))
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentPending, p.Status)
		assert.Len(t, p.OrderRef, 20)
		assert.True(t, strings.HasPrefix(p.OrderRef, billing.OrderRefPrefix))
		assert.Equal(t, epoch, p.CreatedAt)
	})

	t.Run("rejects a second in-flight payment", func(t *testing.T) {
		t.Parallel()
		store := newStore()
		sub := seedSubscription(t, store, billing.Subscription{Status: billing.StatusTrial})
		l := billing.NewLedger(store, nil)

		first, err := l.Open(ctx, openParams(sub))
		require.NoError(t, err)
		_, err = l.MarkProcessing(ctx, first.ID, "tx_1", nil)
		require.NoError(t, err)

		_, err = l.Open(ctx, openParams(sub))
		require.ErrorIs(t, err, billing.ErrPaymentInFlight)
		require.ErrorIs(t, err, billing.ErrInvalidState)
		status, ok := billing.CurrentStatus(err)
		assert.True(t, ok)
		assert.Equal(t, "processing", status)
	})

	t.Run("allows a new payment after failure", func(t *testing.T) {
		t.Parallel()
		store := newStore()
		sub := seedSubscription(t, store, billing.Subscription{Status: billing.StatusTrial})
		l := billing.NewLedger(store, nil)

		first, err := l.Open(ctx, openParams(sub))
		require.NoError(t, err)
		_, changed, err := l.Fail(ctx, first.ID, "declined", nil)
		require.NoError(t, err)
		require.True(t, changed)

		_, err = l.Open(ctx, openParams(sub))
		assert.NoError(t, err)
	})

	t.Run("concurrent opens yield one in-flight payment", func(t *testing.T) {
		t.Parallel()
		store := newStore()
		sub := seedSubscription(t, store, billing.Subscription{Status: billing.StatusTrial})
		l := billing.NewLedger(store, nil)

		const n = 16
		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Open(ctx, openParams(sub)); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, billing.ErrPaymentInFlight)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, ok)

		history, err := l.History(ctx, sub.OwnerID, 100, 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestLedger_Transitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setup := func(t *testing.T) (*billing.Ledger, billing.Payment) {
		t.Helper()
		store := newStore()
		sub := seedSubscription(t, store, billing.Subscription{Status: billing.StatusTrial})
		l := billing.NewLedger(store, newClock().Now)
		p, err := l.Open(ctx, openParams(sub))
		require.NoError(t, err)
		p, err = l.MarkProcessing(ctx, p.ID, "tx_1", []byte(`{"created":true}`))
		require.NoError(t, err)
		return l, p
	}

	t.Run("complete is applied once", func(t *testing.T) {
		t.Parallel()
		l, p := setup(t)
		paidAt := epoch.Add(time.Minute)

		done, changed, err := l.Complete(ctx, p.ID, "tx_final", paidAt, []byte(`{"paid":true}`))
		require.NoError(t, err)
		require.True(t, changed)
		assert.Equal(t, billing.PaymentCompleted, done.Status)
		assert.Equal(t, "tx_final", done.ProviderPaymentID)
		assert.Equal(t, paidAt, *done.PaidAt)

		again, changed, err := l.Complete(ctx, p.ID, "tx_other", paidAt.Add(time.Hour), nil)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, done.PaidAt, again.PaidAt)
		assert.Equal(t, "tx_final", again.ProviderPaymentID)
	})

	t.Run("terminal payments ignore failure", func(t *testing.T) {
		t.Parallel()
		l, p := setup(t)
		_, _, err := l.Complete(ctx, p.ID, "", time.Time{}, nil)
		require.NoError(t, err)

		got, changed, err := l.Fail(ctx, p.ID, "late failure", nil)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, billing.PaymentCompleted, got.Status)
		assert.Empty(t, got.FailureReason)
	})

	t.Run("late success after failure completes", func(t *testing.T) {
		t.Parallel()
		l, p := setup(t)
		_, _, err := l.Fail(ctx, p.ID, "timeout", nil)
		require.NoError(t, err)

		got, changed, err := l.Complete(ctx, p.ID, "tx_1", epoch, nil)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, billing.PaymentCompleted, got.Status)
	})

	t.Run("refund only from completed", func(t *testing.T) {
		t.Parallel()
		l, p := setup(t)
		_, changed, err := l.Refund(ctx, p.ID, p.Amount, nil)
		require.NoError(t, err)
		assert.False(t, changed)

		_, _, err = l.Complete(ctx, p.ID, "", epoch, nil)
		require.NoError(t, err)
		got, changed, err := l.Refund(ctx, p.ID, p.Amount, nil)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, billing.PaymentRefunded, got.Status)
		assert.Equal(t, p.Amount, got.RefundAmount)
		assert.NotNil(t, got.RefundedAt)

		_, changed, err = l.Complete(ctx, p.ID, "", epoch, nil)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("mark processing requires pending", func(t *testing.T) {
		t.Parallel()
		l, p := setup(t)
		_, err := l.MarkProcessing(ctx, p.ID, "tx_2", nil)
		assert.ErrorIs(t, err, billing.ErrStalePayment)
	})
}

func TestLedger_Resolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore()
	sub := seedSubscription(t, store, billing.Subscription{Status: billing.StatusTrial})
	l := billing.NewLedger(store, nil)
	p, err := l.Open(ctx, openParams(sub))
	require.NoError(t, err)

	byID, err := l.Resolve(ctx, p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, p.ID, byID.ID)

	byRef, err := l.Resolve(ctx, p.OrderRef)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRef.ID)

	_, err = l.Resolve(ctx, uuid.NewString())
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)

	_, err = l.Resolve(ctx, "CB0000000000000000FF")
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)

	_, err = l.Resolve(ctx, "some-order")
	assert.ErrorIs(t, err, billing.ErrUnresolvableOrder)
}
