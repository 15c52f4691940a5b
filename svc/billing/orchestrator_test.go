package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

func paidWebhook(p billing.Payment) func(gateway.Callback) (gateway.VerifyResult, error) {
	return func(gateway.Callback) (gateway.VerifyResult, error) {
		return gateway.VerifyResult{
			Success:       true,
			OrderRef:      p.OrderRef,
			TransactionID: "pi_" + p.OrderRef,
			Amount:        p.Amount,
			PaidAt:        epoch,
		}, nil
	}
}

func failedWebhook(p billing.Payment, reason string) func(gateway.Callback) (gateway.VerifyResult, error) {
	return func(gateway.Callback) (gateway.VerifyResult, error) {
		return gateway.VerifyResult{OrderRef: p.OrderRef, ErrorMessage: reason}, nil
	}
}

func startTrialCheckout(t *testing.T, h *harness) (billing.Subscription, billing.Checkout) {
	t.Helper()
	ctx := context.Background()
	owner := uuid.New()
	sub, err := h.lifecycle.StartTrial(ctx, owner)
	require.NoError(t, err)
	co, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
		OwnerID:        owner,
		SubscriptionID: sub.ID,
		Provider:       gateway.ProviderStripe,
		ReturnURL:      "https://app.example.com/billing/done",
		BackURL:        "https://evil.example.net/phish",
	})
	require.NoError(t, err)
	return sub, co
}

func TestTrialConversionThroughWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	sub, co := startTrialCheckout(t, h)

	assert.Equal(t, billing.PaymentProcessing, co.Payment.Status)
	assert.Equal(t, int64(1000), co.Payment.Amount)
	assert.Equal(t, "TWD", co.Payment.Currency)
	assert.Equal(t, "tx_"+co.Payment.OrderRef, co.Payment.ProviderPaymentID)
	assert.Equal(t, "https://checkout.example.com/"+co.Payment.OrderRef, co.PaymentURL)

	require.Equal(t, 1, h.gateway.createdCount())
	created := h.gateway.created[0]
	assert.Equal(t, co.Payment.OrderRef, created.OrderRef)
	assert.Equal(t, "https://app.example.com/billing/done", created.ReturnURL)
	assert.Equal(t, "https://app.example.com/billing/return", created.BackURL)
	assert.Equal(t, basicPlan.Name, created.Description)

	h.gateway.verify = paidWebhook(co.Payment)
	h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(nil).Once()
	h.rewarder.On("GrantReferralReward", sub.OwnerID).Return(nil).Once()
	h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil).Once()

	cb := gateway.Callback{Body: []byte(`{"id":"evt_1"}`)}
	ack, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, cb)
	require.NoError(t, err)
	assert.Equal(t, "1|OK", string(ack.Body))

	p, err := h.orch.GetPayment(ctx, co.Payment.ID, sub.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, epoch, *p.PaidAt)
	assert.Equal(t, "pi_"+co.Payment.OrderRef, p.ProviderPaymentID)

	got, err := h.lifecycle.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, got.Status)
	assert.Equal(t, epoch, got.CurrentPeriodStart)
	assert.Equal(t, epoch.AddDate(0, 1, 0), got.CurrentPeriodEnd)

	t.Run("replayed webhook changes nothing", func(t *testing.T) {
		ack, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, cb)
		require.NoError(t, err)
		assert.Equal(t, "1|OK", string(ack.Body))

		again, err := h.lifecycle.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, got.CurrentPeriodEnd, again.CurrentPeriodEnd)
		h.notifier.AssertNumberOfCalls(t, "PaymentSucceeded", 1)
		h.rewarder.AssertNumberOfCalls(t, "GrantReferralReward", 1)
		h.conversions.AssertNumberOfCalls(t, "AdvanceConversion", 1)
	})
}

func TestCreatePaymentRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("in-flight payment blocks a second one", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub, co := startTrialCheckout(t, h)

		_, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
			OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
		})
		require.ErrorIs(t, err, billing.ErrPaymentInFlight)
		assert.ErrorIs(t, err, billing.ErrInvalidState)
		assert.Equal(t, 1, h.gateway.createdCount())

		history, err := h.orch.History(ctx, sub.OwnerID, 0, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, co.Payment.ID, history[0].ID)
	})

	t.Run("foreign owner", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := seedSubscription(t, h.store, billing.Subscription{Status: billing.StatusPending})
		_, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
			OwnerID: uuid.New(), SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
		})
		assert.ErrorIs(t, err, billing.ErrForbidden)
		assert.Zero(t, h.gateway.createdCount())
	})

	t.Run("active outside renewal window", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := seedSubscription(t, h.store, billing.Subscription{
			Status: billing.StatusActive, CurrentPeriodEnd: epoch.Add(20 * dayDur),
		})
		_, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
			OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
		})
		require.ErrorIs(t, err, billing.ErrNotPayable)
		status, ok := billing.CurrentStatus(err)
		require.True(t, ok)
		assert.Equal(t, "active", status)
	})

	t.Run("terminal subscription", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := seedSubscription(t, h.store, billing.Subscription{Status: billing.StatusExpired})
		_, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
			OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
		})
		assert.ErrorIs(t, err, billing.ErrNotPayable)
	})

	t.Run("disabled provider", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := seedSubscription(t, h.store, billing.Subscription{Status: billing.StatusPending})
		_, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
			OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderECPay,
		})
		assert.ErrorIs(t, err, gateway.ErrProviderDisabled)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
			OwnerID: uuid.New(), SubscriptionID: uuid.New(), Provider: gateway.ProviderStripe,
		})
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestCreatePaymentRenewalWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		end     time.Time
		payable bool
	}{
		{"three days before period end", epoch.Add(3 * dayDur), true},
		{"window boundary", epoch.Add(7 * dayDur), true},
		{"period already over", epoch.Add(-time.Hour), true},
		{"one day outside the window", epoch.Add(8 * dayDur), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			sub := seedSubscription(t, h.store, billing.Subscription{
				Status: billing.StatusActive, CurrentPeriodStart: tt.end.AddDate(0, -1, 0), CurrentPeriodEnd: tt.end,
			})
			co, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
				OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
			})
			if !tt.payable {
				require.ErrorIs(t, err, billing.ErrNotPayable)
				assert.Zero(t, h.gateway.createdCount())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, billing.PaymentProcessing, co.Payment.Status)
			assert.Equal(t, proPlan.Price, co.Payment.Amount)
		})
	}
}

func TestCreatePaymentPricing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	sub := seedSubscription(t, h.store, billing.Subscription{
		Status: billing.StatusPending, CustomPrice: ptrTo(int64(1500)),
	})

	co, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
		OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), co.Payment.Amount)
	require.NotNil(t, co.Payment.OriginalAmount)
	assert.Equal(t, proPlan.Price, *co.Payment.OriginalAmount)
	assert.Equal(t, int64(1500), h.gateway.created[0].Amount)
}

func TestCreatePaymentGatewayFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name   string
		policy func(*billing.Policy)
		create func(ctx context.Context, p gateway.CreateParams) (gateway.CreateResult, error)
		reason string
	}{
		{
			name: "decline",
			create: func(context.Context, gateway.CreateParams) (gateway.CreateResult, error) {
				return gateway.CreateResult{Success: false, ErrorMessage: "merchant suspended"}, nil
			},
			reason: "merchant suspended",
		},
		{
			name: "transport error",
			create: func(context.Context, gateway.CreateParams) (gateway.CreateResult, error) {
				return gateway.CreateResult{}, errors.New("connection reset")
			},
			reason: "gateway error",
		},
		{
			name:   "timeout",
			policy: func(p *billing.Policy) { p.GatewayTimeout = 20 * time.Millisecond },
			create: func(ctx context.Context, _ gateway.CreateParams) (gateway.CreateResult, error) {
				<-ctx.Done()
				return gateway.CreateResult{}, ctx.Err()
			},
			reason: "gateway timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			policy := billing.DefaultPolicy()
			if tt.policy != nil {
				tt.policy(&policy)
			}
			h := newHarness(t, billing.WithPolicy(policy))
			h.gateway.create = tt.create
			sub := seedSubscription(t, h.store, billing.Subscription{Status: billing.StatusPending})

			_, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
				OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
			})
			require.ErrorIs(t, err, billing.ErrGatewayFailure)

			history, err := h.orch.History(ctx, sub.OwnerID, 10, 0)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, billing.PaymentFailed, history[0].Status)
			assert.Equal(t, tt.reason, history[0].FailureReason)

			// A failed attempt does not block a retry.
			h.gateway.create = newFakeGateway(gateway.ProviderStripe).create
			_, err = h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
				OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
			})
			assert.NoError(t, err)
		})
	}
}

func TestProcessResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("amount mismatch fails the payment", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub, co := startTrialCheckout(t, h)
		h.notifier.On("PaymentFailed", sub.OwnerID, co.Payment.ID, "amount mismatch").Return(nil).Once()

		p, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{
			Success: true, OrderRef: co.Payment.OrderRef, Amount: 1,
		})
		require.ErrorIs(t, err, billing.ErrAmountMismatch)
		assert.Equal(t, billing.PaymentFailed, p.Status)
		assert.Equal(t, "amount mismatch", p.FailureReason)
		h.notifier.AssertExpectations(t)

		stored, err := h.orch.GetPayment(ctx, co.Payment.ID, sub.OwnerID)
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentFailed, stored.Status)

		got, err := h.lifecycle.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrial, got.Status)
	})

	t.Run("amount mismatch webhook is not acknowledged", func(t *testing.T) {
		t.Parallel()
		guard := &spyGuard{}
		h := newHarness(t, billing.WithReceiptGuard(guard))
		sub, co := startTrialCheckout(t, h)
		h.notifier.On("PaymentFailed", sub.OwnerID, co.Payment.ID, "amount mismatch").Return(nil).Once()
		h.gateway.verify = func(gateway.Callback) (gateway.VerifyResult, error) {
			return gateway.VerifyResult{Success: true, OrderRef: co.Payment.OrderRef, Amount: co.Payment.Amount - 1}, nil
		}

		ack, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, gateway.Callback{Body: []byte("evt_short")})
		require.NoError(t, err)
		assert.Equal(t, "0|Fail", string(ack.Body))
		assert.Zero(t, guard.remembered)
	})

	t.Run("late success after failure completes", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub, co := startTrialCheckout(t, h)
		h.notifier.On("PaymentFailed", sub.OwnerID, co.Payment.ID, mock.Anything).Return(nil)
		h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(nil)
		h.rewarder.On("GrantReferralReward", sub.OwnerID).Return(nil)
		h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil)

		_, err := h.orch.ProcessResult(ctx, co.Payment.ID.String(), gateway.ProviderStripe, gateway.VerifyResult{ErrorMessage: "3ds timeout"})
		require.NoError(t, err)
		p, err := h.orch.ProcessResult(ctx, co.Payment.ID.String(), gateway.ProviderStripe, gateway.VerifyResult{Success: true})
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentCompleted, p.Status)

		p, err = h.orch.ProcessResult(ctx, co.Payment.ID.String(), gateway.ProviderStripe, gateway.VerifyResult{ErrorMessage: "late failure"})
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentCompleted, p.Status)
		h.notifier.AssertNumberOfCalls(t, "PaymentFailed", 1)
	})

	t.Run("ignored result leaves the payment", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, co := startTrialCheckout(t, h)
		p, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{Ignored: true})
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentProcessing, p.Status)
	})

	t.Run("provider mismatch", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, co := startTrialCheckout(t, h)
		_, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderPaddle, gateway.VerifyResult{Success: true})
		assert.ErrorIs(t, err, billing.ErrProviderMismatch)
	})

	t.Run("unknown reference", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.orch.ProcessResult(ctx, "not-an-order", gateway.ProviderStripe, gateway.VerifyResult{Success: true})
		assert.ErrorIs(t, err, billing.ErrUnresolvableOrder)
	})

	t.Run("activation failure keeps the payment completed", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub, co := startTrialCheckout(t, h)
		_, err := h.lifecycle.Terminate(ctx, sub.ID, "")
		require.NoError(t, err)

		p, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{Success: true})
		require.ErrorIs(t, err, billing.ErrActivationFailed)
		assert.Equal(t, billing.PaymentCompleted, p.Status)
		h.notifier.AssertNotCalled(t, "PaymentSucceeded", mock.Anything, mock.Anything)
	})

	t.Run("replay retries a failed activation", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.driveWith(&flakyLifecycle{LifecycleManager: h.lifecycle, failActivate: 1})
		sub, co := startTrialCheckout(t, h)
		h.gateway.verify = paidWebhook(co.Payment)
		h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(nil).Once()
		h.rewarder.On("GrantReferralReward", sub.OwnerID).Return(nil).Once()
		h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil).Once()
		cb := gateway.Callback{Body: []byte(`{"id":"evt_paid"}`)}

		ack, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, cb)
		require.NoError(t, err)
		assert.Equal(t, "0|Fail", string(ack.Body))
		p, err := h.orch.GetPayment(ctx, co.Payment.ID, sub.OwnerID)
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentCompleted, p.Status)
		got, err := h.lifecycle.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrial, got.Status)
		h.notifier.AssertNotCalled(t, "PaymentSucceeded", mock.Anything, mock.Anything)

		ack, err = h.orch.HandleWebhook(ctx, gateway.ProviderStripe, cb)
		require.NoError(t, err)
		assert.Equal(t, "1|OK", string(ack.Body))
		got, err = h.lifecycle.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
		assert.Equal(t, epoch.AddDate(0, 1, 0), got.CurrentPeriodEnd)

		_, err = h.orch.HandleWebhook(ctx, gateway.ProviderStripe, cb)
		require.NoError(t, err)
		again, err := h.lifecycle.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, got.CurrentPeriodEnd, again.CurrentPeriodEnd)
		h.notifier.AssertNumberOfCalls(t, "PaymentSucceeded", 1)
		h.rewarder.AssertNumberOfCalls(t, "GrantReferralReward", 1)
		h.conversions.AssertNumberOfCalls(t, "AdvanceConversion", 1)
	})

	t.Run("side effect failures are isolated", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub, co := startTrialCheckout(t, h)
		h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(errors.New("smtp down"))
		h.rewarder.On("GrantReferralReward", sub.OwnerID).Run(func(mock.Arguments) { panic("boom") })
		h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil).Once()

		p, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{Success: true})
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentCompleted, p.Status)
		h.conversions.AssertExpectations(t)
	})
}

func TestRenewalPayments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seedRenewal := func(t *testing.T, h *harness, end time.Time) (billing.Subscription, billing.Checkout) {
		t.Helper()
		sub := seedSubscription(t, h.store, billing.Subscription{
			Status: billing.StatusActive, CurrentPeriodStart: end.AddDate(0, -1, 0), CurrentPeriodEnd: end,
		})
		require.NoError(t, h.store.CreatePayment(ctx, billing.Payment{
			ID: uuid.New(), SubscriptionID: sub.ID, OwnerID: sub.OwnerID, OrderRef: billing.NewOrderRef(),
			Amount: proPlan.Price, Currency: "TWD", Status: billing.PaymentCompleted, Provider: gateway.ProviderStripe,
			CreatedAt: end.AddDate(0, -1, 0),
		}))
		co, err := h.orch.CreatePayment(ctx, billing.CreatePaymentInput{
			OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Provider: gateway.ProviderStripe,
		})
		require.NoError(t, err)
		return sub, co
	}

	t.Run("success extends from the old period end", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		end := epoch.Add(3 * dayDur)
		sub, co := seedRenewal(t, h, end)
		h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(nil)
		h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil)

		_, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{Success: true})
		require.NoError(t, err)

		got, err := h.lifecycle.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
		assert.Equal(t, end, got.CurrentPeriodStart)
		assert.Equal(t, end.AddDate(0, 1, 0), got.CurrentPeriodEnd)
		h.rewarder.AssertNotCalled(t, "GrantReferralReward", mock.Anything)
	})

	t.Run("failure after period end marks past due", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub, co := seedRenewal(t, h, epoch.Add(-time.Hour))
		h.gateway.verify = failedWebhook(co.Payment, "insufficient funds")
		h.notifier.On("PaymentFailed", sub.OwnerID, co.Payment.ID, "insufficient funds").Return(nil).Once()

		ack, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, gateway.Callback{Body: []byte("evt")})
		require.NoError(t, err)
		assert.Equal(t, "1|OK", string(ack.Body))

		got, err := h.lifecycle.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, got.Status)
		h.notifier.AssertExpectations(t)
	})

	t.Run("failure before period end keeps active", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub, co := seedRenewal(t, h, epoch.Add(2*dayDur))
		h.notifier.On("PaymentFailed", sub.OwnerID, co.Payment.ID, mock.Anything).Return(nil)

		_, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{})
		require.NoError(t, err)

		got, err := h.lifecycle.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
	})
}

type spyGuard struct {
	mu         sync.Mutex
	keys       map[string]bool
	remembered int
}

func (g *spyGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keys[key], nil
}

func (g *spyGuard) Remember(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = map[string]bool{}
	}
	g.keys[key] = true
	g.remembered++
	return nil
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("invalid signature", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.gateway.verify = func(gateway.Callback) (gateway.VerifyResult, error) {
			return gateway.VerifyResult{}, gateway.ErrInvalidSignature
		}
		_, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, gateway.Callback{Body: []byte("x")})
		assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
	})

	t.Run("ignored event is acknowledged", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.gateway.verify = func(gateway.Callback) (gateway.VerifyResult, error) {
			return gateway.VerifyResult{Ignored: true, ErrorMessage: "customer.created"}, nil
		}
		ack, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, gateway.Callback{Body: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, "1|OK", string(ack.Body))
	})

	t.Run("processing error is reported in the ack", func(t *testing.T) {
		t.Parallel()
		guard := &spyGuard{}
		h := newHarness(t, billing.WithReceiptGuard(guard))
		h.gateway.verify = func(gateway.Callback) (gateway.VerifyResult, error) {
			return gateway.VerifyResult{Success: true, OrderRef: billing.NewOrderRef()}, nil
		}
		ack, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, gateway.Callback{Body: []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, "0|Fail", string(ack.Body))
		assert.Zero(t, guard.remembered)
	})

	t.Run("duplicate delivery short-circuits", func(t *testing.T) {
		t.Parallel()
		guard := &spyGuard{}
		h := newHarness(t, billing.WithReceiptGuard(guard))
		sub, co := startTrialCheckout(t, h)
		h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(nil).Once()
		h.rewarder.On("GrantReferralReward", sub.OwnerID).Return(nil).Once()
		h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil).Once()
		h.gateway.verify = paidWebhook(co.Payment)

		cb := gateway.Callback{Body: []byte(`{"id":"evt_dup"}`)}
		_, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, cb)
		require.NoError(t, err)
		assert.Equal(t, 1, guard.remembered)

		ack, err := h.orch.HandleWebhook(ctx, gateway.ProviderStripe, cb)
		require.NoError(t, err)
		assert.Equal(t, "1|OK", string(ack.Body))
		assert.Equal(t, 1, guard.remembered)
		h.notifier.AssertNumberOfCalls(t, "PaymentSucceeded", 1)
	})
}

func TestRefundPayment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	sub, co := startTrialCheckout(t, h)

	_, err := h.orch.RefundPayment(ctx, co.Payment.ID, sub.OwnerID, "changed mind")
	require.ErrorIs(t, err, billing.ErrNotRefundable)
	status, ok := billing.CurrentStatus(err)
	require.True(t, ok)
	assert.Equal(t, "processing", status)
	assert.Empty(t, h.gateway.refunded)

	h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(nil)
	h.rewarder.On("GrantReferralReward", sub.OwnerID).Return(nil)
	h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil)
	_, err = h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{
		Success: true, TransactionID: "pi_123",
	})
	require.NoError(t, err)

	_, err = h.orch.RefundPayment(ctx, co.Payment.ID, uuid.New(), "")
	require.ErrorIs(t, err, billing.ErrForbidden)

	p, err := h.orch.RefundPayment(ctx, co.Payment.ID, sub.OwnerID, "changed mind")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentRefunded, p.Status)
	assert.Equal(t, co.Payment.Amount, p.RefundAmount)
	require.Len(t, h.gateway.refunded, 1)
	assert.Equal(t, "pi_123", h.gateway.refunded[0].TransactionID)
	assert.Equal(t, "changed mind", h.gateway.refunded[0].Reason)

	got, err := h.lifecycle.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, got.Status)
	assert.Equal(t, billing.CancelReasonRefund, got.CancelReason)

	_, err = h.orch.RefundPayment(ctx, co.Payment.ID, sub.OwnerID, "")
	assert.ErrorIs(t, err, billing.ErrNotRefundable)
	assert.Len(t, h.gateway.refunded, 1)
}

func TestRefundPaymentCancellationFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.driveWith(&flakyLifecycle{LifecycleManager: h.lifecycle, failTerminate: 1})
	sub, co := startTrialCheckout(t, h)
	h.notifier.On("PaymentSucceeded", mock.Anything, mock.Anything).Return(nil)
	h.rewarder.On("GrantReferralReward", mock.Anything).Return(nil)
	h.conversions.On("AdvanceConversion", mock.Anything).Return(nil)
	_, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{Success: true})
	require.NoError(t, err)

	p, err := h.orch.RefundPayment(ctx, co.Payment.ID, sub.OwnerID, "duplicate charge")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentRefunded, p.Status)
	assert.Len(t, h.gateway.refunded, 1)

	stored, err := h.orch.GetPayment(ctx, co.Payment.ID, sub.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentRefunded, stored.Status)
	got, err := h.lifecycle.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, got.Status)
}

func TestRefundPaymentGatewayDecline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	sub, co := startTrialCheckout(t, h)
	h.notifier.On("PaymentSucceeded", mock.Anything, mock.Anything).Return(nil)
	h.rewarder.On("GrantReferralReward", mock.Anything).Return(nil)
	h.conversions.On("AdvanceConversion", mock.Anything).Return(nil)
	_, err := h.orch.ProcessResult(ctx, co.Payment.OrderRef, gateway.ProviderStripe, gateway.VerifyResult{Success: true})
	require.NoError(t, err)

	h.gateway.refund = func(gateway.RefundParams) (gateway.RefundResult, error) {
		return gateway.RefundResult{ErrorMessage: "charge already disputed"}, nil
	}
	_, err = h.orch.RefundPayment(ctx, co.Payment.ID, sub.OwnerID, "")
	require.ErrorIs(t, err, billing.ErrGatewayFailure)

	p, err := h.orch.GetPayment(ctx, co.Payment.ID, sub.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, p.Status)
	got, err := h.lifecycle.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, got.Status)
}

func TestQueryPayment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	sub, co := startTrialCheckout(t, h)

	h.gateway.query = func(q gateway.QueryParams) (gateway.VerifyResult, error) {
		return gateway.VerifyResult{Ignored: true, OrderRef: q.OrderRef}, nil
	}
	p, err := h.orch.QueryPayment(ctx, co.Payment.ID, sub.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentProcessing, p.Status)

	h.gateway.query = func(q gateway.QueryParams) (gateway.VerifyResult, error) {
		assert.Equal(t, co.Payment.OrderRef, q.OrderRef)
		assert.Equal(t, co.Payment.Amount, q.Amount)
		return gateway.VerifyResult{Success: true, OrderRef: q.OrderRef, Amount: q.Amount}, nil
	}
	h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(nil)
	h.rewarder.On("GrantReferralReward", sub.OwnerID).Return(nil)
	h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil)
	p, err = h.orch.QueryPayment(ctx, co.Payment.ID, sub.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, p.Status)

	h.gateway.query = func(gateway.QueryParams) (gateway.VerifyResult, error) {
		t.Error("terminal payment must not be queried")
		return gateway.VerifyResult{}, nil
	}
	p, err = h.orch.QueryPayment(ctx, co.Payment.ID, sub.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, p.Status)

	_, err = h.orch.QueryPayment(ctx, co.Payment.ID, uuid.New())
	assert.ErrorIs(t, err, billing.ErrForbidden)
}

func TestQueryPaymentGatewayError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	sub, co := startTrialCheckout(t, h)
	h.gateway.query = func(gateway.QueryParams) (gateway.VerifyResult, error) {
		return gateway.VerifyResult{}, errors.New("503")
	}
	_, err := h.orch.QueryPayment(ctx, co.Payment.ID, sub.OwnerID)
	assert.ErrorIs(t, err, billing.ErrGatewayFailure)
}
